package discovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestForwarder_PostIncludesBearerToken(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := New(srv.URL, "tok-123", nil)
	if err := f.post(context.Background(), "/services/register", []byte(`{}`)); err != nil {
		t.Fatalf("post: %v", err)
	}
	if gotAuth != "Bearer tok-123" {
		t.Fatalf("Authorization = %q, want Bearer tok-123", gotAuth)
	}
	if gotPath != "/services/register" {
		t.Fatalf("path = %q", gotPath)
	}
}

func TestForwarder_NonSuccessStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	f := New(srv.URL, "tok", nil)
	if err := f.post(context.Background(), "/services/register", []byte(`{}`)); err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}
