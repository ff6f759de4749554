package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

// nonceSize is the 96-bit GCM nonce size required by §4.2.
const nonceSize = 12

// KeyRing derives every message key from a single root secret via
// HKDF rather than persisting a key table: rotating simply advances
// the active generation number, and a message encrypted with a
// previous generation decrypts as long as that generation is still
// within the grace period. This resolves the open question of where
// rotated keys live without a separate store the gateway must keep in
// sync across restarts.
type KeyRing struct {
	mu           sync.RWMutex
	root         []byte
	activeGen    int
	rotatedAt    map[int]time.Time
	gracePeriod  time.Duration
}

// NewKeyRing derives a ring from rootSecret, starting at generation 0.
func NewKeyRing(rootSecret []byte, gracePeriod time.Duration) *KeyRing {
	return &KeyRing{
		root:        rootSecret,
		activeGen:   0,
		rotatedAt:   map[int]time.Time{0: time.Now()},
		gracePeriod: gracePeriod,
	}
}

// Rotate advances to a new key generation and returns its key_id. The
// previous generation remains valid for decryption until gracePeriod
// elapses (§4.2 "POST /keys/rotate").
func (k *KeyRing) Rotate() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.activeGen++
	k.rotatedAt[k.activeGen] = time.Now()
	return keyID(k.activeGen)
}

// ActiveKeyID returns the key_id new messages should be encrypted
// under.
func (k *KeyRing) ActiveKeyID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return keyID(k.activeGen)
}

func keyID(gen int) string {
	return fmt.Sprintf("gen-%d", gen)
}

// deriveKey runs HKDF-SHA256 over the root secret with the generation
// number as context, producing a 32-byte AES-256 key.
func (k *KeyRing) deriveKey(gen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, k.root, nil, []byte(fmt.Sprintf("alicia-message-key-gen-%d", gen)))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// keyForID resolves a key_id to its derived key, honoring the grace
// period: a key_id belonging to a generation older than activeGen is
// only usable if it rotated within gracePeriod.
func (k *KeyRing) keyForID(id string) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	var gen int
	if _, err := fmt.Sscanf(id, "gen-%d", &gen); err != nil {
		return nil, fmt.Errorf("security: malformed key_id %q", id)
	}

	if gen > k.activeGen {
		return nil, fmt.Errorf("security: unknown key_id %q", id)
	}
	if gen < k.activeGen {
		rotatedAt, ok := k.rotatedAt[gen+1] // when the *next* gen took over
		if !ok || time.Since(rotatedAt) > k.gracePeriod {
			return nil, fmt.Errorf("security: key_id %q past grace period", id)
		}
	}

	return k.deriveKey(gen)
}

// Encrypted is the security block an encrypted envelope carries.
type Encrypted struct {
	KeyID      string
	Nonce      string // base64
	Ciphertext []byte
}

// Seal encrypts plaintext under the currently active key, using
// associated data of message_id | source | destination | timestamp
// per §4.2.
func (k *KeyRing) Seal(plaintext []byte, associatedData []byte) (Encrypted, error) {
	k.mu.RLock()
	gen := k.activeGen
	k.mu.RUnlock()

	key, err := k.deriveKey(gen)
	if err != nil {
		return Encrypted{}, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return Encrypted{}, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Encrypted{}, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Encrypted{}, err
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, associatedData)
	return Encrypted{
		KeyID:      keyID(gen),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: ciphertext,
	}, nil
}

// Open decrypts an envelope's security block. Any failure — unknown
// key, bad tag, mismatched associated data — returns ErrDecryptFailed
// and the caller must not process the payload (§4.2).
func (k *KeyRing) Open(enc Encrypted, associatedData []byte) ([]byte, error) {
	key, err := k.keyForID(enc.KeyID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}

	nonce, err := base64.StdEncoding.DecodeString(enc.Nonce)
	if err != nil || len(nonce) != nonceSize {
		return nil, fmt.Errorf("%w: malformed nonce", ErrDecryptFailed)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}

	plaintext, err := gcm.Open(nil, nonce, enc.Ciphertext, associatedData)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecryptFailed)
	}
	return plaintext, nil
}

// ErrDecryptFailed wraps every decryption failure (§7 reason
// decrypt_failed).
var ErrDecryptFailed = fmt.Errorf("decrypt_failed")

// AssociatedData builds the AAD §4.2 specifies: message_id | source |
// destination | timestamp, pipe-joined.
func AssociatedData(messageID, source, destination string, timestamp time.Time) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%s", messageID, source, destination, timestamp.UTC().Format(time.RFC3339Nano)))
}
