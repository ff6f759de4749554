package security

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGateway_AuthService_IssuesToken(t *testing.T) {
	caPEM, caKey, caCert := generateCA(t)
	ca, err := NewCA(caPEM)
	if err != nil {
		t.Fatal(err)
	}
	signer := NewTokenSigner([]byte("root-secret"))
	keys := NewKeyRing([]byte("root-secret"), 24*time.Hour)
	gw := NewGateway(ca, signer, keys, time.Hour, nil)

	leafPEM := issueLeaf(t, caKey, caCert, "voicerouter")

	req := httptest.NewRequest(http.MethodPost, "/auth/service", bytes.NewReader(leafPEM))
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp authServiceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.TokenType != "bearer" || resp.Token == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestGateway_AuthService_RejectsUntrustedCert(t *testing.T) {
	caPEM, _, _ := generateCA(t)
	ca, err := NewCA(caPEM)
	if err != nil {
		t.Fatal(err)
	}
	_, otherKey, otherCert := generateCA(t)
	leafPEM := issueLeaf(t, otherKey, otherCert, "imposter")

	signer := NewTokenSigner([]byte("root-secret"))
	keys := NewKeyRing([]byte("root-secret"), 24*time.Hour)
	gw := NewGateway(ca, signer, keys, time.Hour, nil)

	req := httptest.NewRequest(http.MethodPost, "/auth/service", bytes.NewReader(leafPEM))
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	var body map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["reason"] != "invalid_credential" {
		t.Fatalf("body = %v, want generic invalid_credential reason", body)
	}
}

func TestGateway_AuthVerify_RoundTrip(t *testing.T) {
	caPEM, caKey, caCert := generateCA(t)
	ca, _ := NewCA(caPEM)
	signer := NewTokenSigner([]byte("root-secret"))
	keys := NewKeyRing([]byte("root-secret"), 24*time.Hour)
	gw := NewGateway(ca, signer, keys, time.Hour, nil)

	leafPEM := issueLeaf(t, caKey, caCert, "loadbalancer")
	authReq := httptest.NewRequest(http.MethodPost, "/auth/service", bytes.NewReader(leafPEM))
	authRec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(authRec, authReq)

	var authResp authServiceResponse
	_ = json.Unmarshal(authRec.Body.Bytes(), &authResp)

	verifyBody, _ := json.Marshal(authVerifyRequest{Token: authResp.Token})
	verifyReq := httptest.NewRequest(http.MethodPost, "/auth/verify", bytes.NewReader(verifyBody))
	verifyRec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(verifyRec, verifyReq)

	var verifyResp authVerifyResponse
	_ = json.Unmarshal(verifyRec.Body.Bytes(), &verifyResp)
	if !verifyResp.Valid || verifyResp.Subject != "loadbalancer" {
		t.Fatalf("verify response = %+v", verifyResp)
	}
}

func TestGateway_KeysRotate(t *testing.T) {
	caPEM, _, _ := generateCA(t)
	ca, _ := NewCA(caPEM)
	signer := NewTokenSigner([]byte("root-secret"))
	keys := NewKeyRing([]byte("root-secret"), 24*time.Hour)
	gw := NewGateway(ca, signer, keys, time.Hour, nil)

	before := keys.ActiveKeyID()
	req := httptest.NewRequest(http.MethodPost, "/keys/rotate", nil)
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)

	var resp keysRotateResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.KeyID == before {
		t.Fatalf("expected key_id to change after rotation, still %q", resp.KeyID)
	}
	if keys.ActiveKeyID() != resp.KeyID {
		t.Fatalf("ring active key_id = %q, response said %q", keys.ActiveKeyID(), resp.KeyID)
	}
}

func TestGateway_DeclareTopics_ConflictRejected(t *testing.T) {
	caPEM, _, _ := generateCA(t)
	ca, _ := NewCA(caPEM)
	signer := NewTokenSigner([]byte("root-secret"))
	keys := NewKeyRing([]byte("root-secret"), 24*time.Hour)
	gw := NewGateway(ca, signer, keys, time.Hour, nil)

	first, _ := json.Marshal(declareTopicsRequest{ServiceName: "stt_service", Topics: []string{"alicia/voice/stt/audio"}})
	rec1 := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec1, httptest.NewRequest(http.MethodPost, "/topics/declare", bytes.NewReader(first)))
	if rec1.Code != http.StatusOK {
		t.Fatalf("first declare status = %d", rec1.Code)
	}

	second, _ := json.Marshal(declareTopicsRequest{ServiceName: "tts_service", Topics: []string{"alicia/voice/stt/audio"}})
	rec2 := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec2, httptest.NewRequest(http.MethodPost, "/topics/declare", bytes.NewReader(second)))
	if rec2.Code != http.StatusConflict {
		t.Fatalf("second declare status = %d, want 409 conflict", rec2.Code)
	}
}
