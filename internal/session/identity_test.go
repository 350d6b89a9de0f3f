package session

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestResolve_Deterministic(t *testing.T) {
	dir := t.TempDir()
	a, err := Resolve(dir, "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	b, err := Resolve(dir, "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if a.Hash12 != b.Hash12 {
		t.Errorf("Resolve() not deterministic: %q != %q", a.Hash12, b.Hash12)
	}
	if len(a.Hash12) != 12 {
		t.Errorf("Hash12 length = %d, want 12", len(a.Hash12))
	}
}

func TestResolve_ReuseKeyChangesIdentity(t *testing.T) {
	dir := t.TempDir()
	plain, _ := Resolve(dir, "")
	keyed, _ := Resolve(dir, "custom")
	if plain.Hash12 == keyed.Hash12 {
		t.Error("expected distinct identities for different reuse keys")
	}
}

func TestSocketPath_UnderTempDir(t *testing.T) {
	id := Identity{Hash12: "abcdef012345"}
	path := id.SocketPath()
	if !strings.HasSuffix(path, "stagehand-abcdef012345.sock") {
		t.Errorf("SocketPath() = %q, want suffix stagehand-abcdef012345.sock", path)
	}
}

func TestRuntimeDir(t *testing.T) {
	id := Identity{Hash12: "abcdef012345"}
	got := id.RuntimeDir("/tmp/stagehand-runtime")
	want := filepath.Join("/tmp/stagehand-runtime", "abcdef012345")
	if got != want {
		t.Errorf("RuntimeDir() = %q, want %q", got, want)
	}
}
