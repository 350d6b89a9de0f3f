package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfigWatcher_DebouncesBurstOfWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	w, err := NewConfigWatcher(path)
	if err != nil {
		t.Fatalf("NewConfigWatcher() error = %v", err)
	}
	defer func() { _ = w.Stop() }()

	calls := make(chan struct{}, 10)
	w.OnChange = func() { calls <- struct{}{} }
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte(`{"n":1}`), 0o644); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("OnChange never fired after write burst")
	}

	select {
	case <-calls:
		t.Fatal("OnChange fired more than once for a single debounced burst")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestEnvFileWatcher_FiresWithOwningProcessNames(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("A=1"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	w, err := NewEnvFileWatcher()
	if err != nil {
		t.Fatalf("NewEnvFileWatcher() error = %v", err)
	}
	defer func() { _ = w.Stop() }()

	if err := w.SetOwners(map[string][]string{envPath: {"web", "worker"}}); err != nil {
		t.Fatalf("SetOwners() error = %v", err)
	}

	var got []string
	done := make(chan struct{})
	w.OnChange = func(names []string) {
		got = names
		close(done)
	}
	w.Start()

	if err := os.WriteFile(envPath, []byte("A=2"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnChange never fired after env file write")
	}

	if len(got) != 2 || got[0] != "web" || got[1] != "worker" {
		t.Errorf("OnChange names = %v, want [web worker]", got)
	}
}

func TestEnvFileWatcher_SetOwnersUnwatchesDroppedPaths(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	_ = os.WriteFile(envPath, []byte("A=1"), 0o644)

	w, err := NewEnvFileWatcher()
	if err != nil {
		t.Fatalf("NewEnvFileWatcher() error = %v", err)
	}
	defer func() { _ = w.Stop() }()

	if err := w.SetOwners(map[string][]string{envPath: {"web"}}); err != nil {
		t.Fatalf("SetOwners() error = %v", err)
	}
	if err := w.SetOwners(map[string][]string{}); err != nil {
		t.Fatalf("second SetOwners() error = %v", err)
	}

	fired := false
	w.OnChange = func(names []string) { fired = true }
	w.Start()

	_ = os.WriteFile(envPath, []byte("A=2"), 0o644)
	time.Sleep(600 * time.Millisecond)

	if fired {
		t.Error("OnChange fired for a path removed from the owners map")
	}
}
