package security

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"
)

func generateCA(t *testing.T) (caPEM []byte, caKey *ecdsa.PrivateKey, caCert *x509.Certificate) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "alicia-test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), key, cert
}

func issueLeaf(t *testing.T, caKey *ecdsa.PrivateKey, caCert *x509.Certificate, cn string) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, &key.PublicKey, caKey)
	if err != nil {
		t.Fatal(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func TestVerifyServiceCert_ValidChain(t *testing.T) {
	caPEM, caKey, caCert := generateCA(t)
	leafPEM := issueLeaf(t, caKey, caCert, "stt_service")

	ca, err := NewCA(caPEM)
	if err != nil {
		t.Fatalf("NewCA() error: %v", err)
	}

	name, err := ca.VerifyServiceCert(leafPEM)
	if err != nil {
		t.Fatalf("VerifyServiceCert() error: %v", err)
	}
	if name != "stt_service" {
		t.Fatalf("name = %q, want stt_service", name)
	}
}

func TestVerifyServiceCert_Denylisted(t *testing.T) {
	caPEM, caKey, caCert := generateCA(t)
	leafPEM := issueLeaf(t, caKey, caCert, "evicted_service")

	ca, err := NewCA(caPEM, "evicted_service")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := ca.VerifyServiceCert(leafPEM); err == nil {
		t.Fatal("expected denylisted service to fail verification")
	}
}

func TestVerifyServiceCert_UntrustedChain(t *testing.T) {
	caPEM, _, _ := generateCA(t)
	otherCAPEM, otherKey, otherCert := generateCA(t)
	_ = otherCAPEM
	leafPEM := issueLeaf(t, otherKey, otherCert, "imposter")

	ca, err := NewCA(caPEM)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ca.VerifyServiceCert(leafPEM); err == nil {
		t.Fatal("expected cert signed by a different CA to fail verification")
	}
}

func TestTokenSigner_IssueAndVerify(t *testing.T) {
	signer := NewTokenSigner([]byte("root-secret"))
	token, claims, err := signer.Issue("registry", ScopesForService("registry"), time.Hour)
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	got, err := signer.Verify(token, time.Now())
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if got.Subject != "registry" || got.ExpiresAt != claims.ExpiresAt {
		t.Fatalf("Verify() = %+v, want subject registry matching claims", got)
	}
}

func TestTokenSigner_RejectsExpired(t *testing.T) {
	signer := NewTokenSigner([]byte("root-secret"))
	token, _, err := signer.Issue("registry", nil, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := signer.Verify(token, time.Now().Add(time.Second)); err == nil {
		t.Fatal("expected expired token to fail verification")
	}
}

func TestTokenSigner_RejectsTamperedSignature(t *testing.T) {
	signer := NewTokenSigner([]byte("root-secret"))
	token, _, err := signer.Issue("registry", nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	tampered := token[:len(token)-1] + "x"
	if _, err := signer.Verify(tampered, time.Now()); err == nil {
		t.Fatal("expected tampered token to fail verification")
	}
}

func TestKeyRing_SealOpenRoundTrip(t *testing.T) {
	ring := NewKeyRing([]byte("root-secret"), 24*time.Hour)
	aad := AssociatedData("m1", "voicerouter", "service:tts", time.Now())

	enc, err := ring.Seal([]byte("hello"), aad)
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}

	plain, err := ring.Open(enc, aad)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if !bytes.Equal(plain, []byte("hello")) {
		t.Fatalf("Open() = %q, want hello", plain)
	}
}

func TestKeyRing_OpenFailsOnMismatchedAAD(t *testing.T) {
	ring := NewKeyRing([]byte("root-secret"), 24*time.Hour)
	aad := AssociatedData("m1", "voicerouter", "service:tts", time.Now())

	enc, err := ring.Seal([]byte("hello"), aad)
	if err != nil {
		t.Fatal(err)
	}

	wrongAAD := AssociatedData("m2", "voicerouter", "service:tts", time.Now())
	if _, err := ring.Open(enc, wrongAAD); err == nil {
		t.Fatal("expected mismatched AAD to fail decryption")
	}
}

func TestKeyRing_RotateThenDecryptWithinGrace(t *testing.T) {
	ring := NewKeyRing([]byte("root-secret"), 24*time.Hour)
	aad := AssociatedData("m1", "src", "dst", time.Now())

	enc, err := ring.Seal([]byte("pre-rotation"), aad)
	if err != nil {
		t.Fatal(err)
	}

	ring.Rotate()

	if _, err := ring.Open(enc, aad); err != nil {
		t.Fatalf("Open() of pre-rotation key_id within grace period failed: %v", err)
	}
}

func TestKeyRing_RotateThenDecryptAfterGraceFails(t *testing.T) {
	ring := NewKeyRing([]byte("root-secret"), 0)
	aad := AssociatedData("m1", "src", "dst", time.Now())

	enc, err := ring.Seal([]byte("pre-rotation"), aad)
	if err != nil {
		t.Fatal(err)
	}

	ring.Rotate()
	time.Sleep(time.Millisecond)

	if _, err := ring.Open(enc, aad); err == nil {
		t.Fatal("expected decryption with a zero grace period to fail after rotation")
	}
}

func TestKeyRing_UnknownKeyIDFails(t *testing.T) {
	ring := NewKeyRing([]byte("root-secret"), time.Hour)
	_, err := ring.Open(Encrypted{KeyID: "gen-99", Nonce: "", Ciphertext: nil}, nil)
	if err == nil {
		t.Fatal("expected unknown key_id to fail")
	}
}
