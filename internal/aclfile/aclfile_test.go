package aclfile

import (
	"os"
	"path/filepath"
	"testing"
)

const sample = `
[[principal]]
name = "stt_service"
publish = ["alicia/voice/stt/#"]
subscribe = ["alicia/voice/stt/#"]

[[principal]]
name = "registry"
publish = ["alicia/system/#"]
subscribe = ["alicia/system/discovery/#"]

[default]
publish = []
subscribe = []
`

func load(t *testing.T) *File {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "acl.toml")
	if err := os.WriteFile(path, []byte(sample), 0600); err != nil {
		t.Fatal(err)
	}
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	return f
}

func TestAllowsPublish_WithinPrefix(t *testing.T) {
	f := load(t)
	if !f.AllowsPublish("stt_service", "alicia/voice/stt/result") {
		t.Fatal("expected publish to be allowed under declared prefix")
	}
}

func TestAllowsPublish_OutsidePrefix(t *testing.T) {
	f := load(t)
	if f.AllowsPublish("stt_service", "alicia/voice/tts/result") {
		t.Fatal("expected publish outside declared prefix to be denied")
	}
}

func TestAllowsPublish_UnknownPrincipalUsesDefault(t *testing.T) {
	f := load(t)
	if f.AllowsPublish("unknown_service", "alicia/anything") {
		t.Fatal("unlisted principal should fall back to the empty default")
	}
}

func TestAllowsSubscribe_UnderWildcardPrefix(t *testing.T) {
	f := load(t)
	if !f.AllowsSubscribe("registry", "alicia/system/discovery/heartbeat") {
		t.Fatal("expected subscribe to be allowed under declared prefix")
	}
}
