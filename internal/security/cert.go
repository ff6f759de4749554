// Package security implements the Security Gateway: X.509 service
// authentication, bearer token issuance/verification, and AES-256-GCM
// envelope encryption with HKDF-derived key rotation (§4.2). The HTTP
// admission surface lives in gateway.go; this file holds the
// certificate verification and token codec.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

// CA verifies service certificates against the project certificate
// authority and checks a revocation denylist.
type CA struct {
	pool     *x509.CertPool
	denylist map[string]struct{}
}

// NewCA loads the project CA certificate from PEM bytes.
func NewCA(caPEM []byte, denylisted ...string) (*CA, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("security: no certificates found in CA PEM")
	}
	deny := make(map[string]struct{}, len(denylisted))
	for _, d := range denylisted {
		deny[d] = struct{}{}
	}
	return &CA{pool: pool, denylist: deny}, nil
}

// VerifyServiceCert verifies certPEM's chain of trust against the CA
// and returns the service name extracted from the certificate's CN.
// A denylisted CN, expired certificate, or broken chain is reported as
// ErrInvalidCredential so callers can return the generic auth-failure
// reason §4.2 requires externally, while logging err internally.
func (ca *CA) VerifyServiceCert(certPEM []byte) (serviceName string, err error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return "", fmt.Errorf("%w: not a PEM certificate", ErrInvalidCredential)
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("%w: parse certificate: %v", ErrInvalidCredential, err)
	}

	if _, err := cert.Verify(x509.VerifyOptions{Roots: ca.pool, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}}); err != nil {
		return "", fmt.Errorf("%w: chain verification: %v", ErrInvalidCredential, err)
	}

	name := cert.Subject.CommonName
	if name == "" {
		return "", fmt.Errorf("%w: certificate missing CN", ErrInvalidCredential)
	}
	if _, denied := ca.denylist[name]; denied {
		return "", fmt.Errorf("%w: %s is denylisted", ErrInvalidCredential, name)
	}

	return name, nil
}

// ErrInvalidCredential is the sentinel every auth failure wraps. HTTP
// handlers translate it to the generic {"reason":"invalid_credential"}
// body §4.2 requires; the wrapped detail is for internal logs only.
var ErrInvalidCredential = fmt.Errorf("invalid_credential")

// Token is the decoded form of a bearer token issued by the gateway.
type Token struct {
	Subject   string   `json:"sub"`
	IssuedAt  int64    `json:"iat"`
	ExpiresAt int64    `json:"exp"`
	Scopes    []string `json:"scopes"`
}

// Expired reports whether the token's exp has passed as of now.
func (t Token) Expired(now time.Time) bool {
	return now.Unix() >= t.ExpiresAt
}

// TokenSigner issues and verifies HMAC-signed bearer tokens. A real
// deployment may instead sign with the CA's private key (asymmetric);
// HMAC is the default because every gateway replica must verify
// tokens without holding the CA key.
type TokenSigner struct {
	secret []byte
}

// NewTokenSigner derives a signing key from secret (typically the same
// root secret used for HKDF key derivation, under a distinct HKDF info
// string so the two uses are cryptographically independent).
func NewTokenSigner(secret []byte) *TokenSigner {
	key := make([]byte, 32)
	// Reading 32 bytes from HKDF-SHA256 cannot fail (the limit is 255*32).
	_, _ = io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte("alicia-token-signing-key")), key)
	return &TokenSigner{secret: key}
}

// Issue signs a new token for subject with the given scopes and TTL.
func (s *TokenSigner) Issue(subject string, scopes []string, ttl time.Duration) (string, Token, error) {
	now := time.Now().UTC()
	tok := Token{
		Subject:   subject,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
		Scopes:    scopes,
	}
	body, err := json.Marshal(tok)
	if err != nil {
		return "", Token{}, err
	}
	encodedBody := base64.RawURLEncoding.EncodeToString(body)
	sig := s.sign(encodedBody)
	return encodedBody + "." + sig, tok, nil
}

// Verify checks a token's signature and expiry, returning the decoded
// claims on success.
func (s *TokenSigner) Verify(token string, now time.Time) (Token, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return Token{}, fmt.Errorf("%w: malformed token", ErrInvalidCredential)
	}
	encodedBody, sig := parts[0], parts[1]

	if !hmac.Equal([]byte(sig), []byte(s.sign(encodedBody))) {
		return Token{}, fmt.Errorf("%w: signature mismatch", ErrInvalidCredential)
	}

	body, err := base64.RawURLEncoding.DecodeString(encodedBody)
	if err != nil {
		return Token{}, fmt.Errorf("%w: malformed token body", ErrInvalidCredential)
	}
	var tok Token
	if err := json.Unmarshal(body, &tok); err != nil {
		return Token{}, fmt.Errorf("%w: malformed token body", ErrInvalidCredential)
	}
	if tok.Expired(now) {
		return Token{}, fmt.Errorf("%w: token expired", ErrInvalidCredential)
	}
	return tok, nil
}

func (s *TokenSigner) sign(encodedBody string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(encodedBody))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// ScopesForService derives the default subscribe/publish scope strings
// for a service_name, following §4.2 "token scopes subscribe and
// publish to topic prefixes derived from service_name".
func ScopesForService(serviceName string) []string {
	return []string{
		fmt.Sprintf("subscribe:alicia/%s/#", serviceName),
		fmt.Sprintf("publish:alicia/%s/#", serviceName),
		"subscribe:alicia/system/discovery/#",
		"publish:alicia/system/discovery/#",
	}
}
