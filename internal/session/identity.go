// Package session derives the stable per-workspace SessionIdentity used to
// pick a reuse-daemon socket path and a runtime directory.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// SocketPrefix namespaces the socket/pipe name from other tools sharing the
// same temp directory.
const SocketPrefix = "stagehand"

// Identity is the workspace's stable reuse key.
type Identity struct {
	Hash12 string
}

// Resolve derives a SessionIdentity by hashing the realpath of configDir,
// plus an optional reuseKey appended after a colon, down to a 12-character
// hex digest.
func Resolve(configDir, reuseKey string) (Identity, error) {
	abs, err := filepath.Abs(configDir)
	if err != nil {
		return Identity{}, fmt.Errorf("resolving config dir: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// Non-existent directories are still valid identities (e.g. before
		// the runtime dir is created); fall back to the absolute path.
		if !os.IsNotExist(err) {
			return Identity{}, fmt.Errorf("resolving real path: %w", err)
		}
		real = abs
	}

	seed := real
	if reuseKey != "" {
		seed = real + ":" + reuseKey
	}
	sum := sha256.Sum256([]byte(seed))
	return Identity{Hash12: hex.EncodeToString(sum[:])[:12]}, nil
}

// SocketPath returns the platform-appropriate IPC endpoint for this identity.
// Unix: <tmpdir>/<prefix>-<hash12>.sock
// Windows: \\.\pipe\<prefix>-<hash12>
func (id Identity) SocketPath() string {
	name := fmt.Sprintf("%s-%s", SocketPrefix, id.Hash12)
	if runtime.GOOS == "windows" {
		return `\\.\pipe\` + name
	}
	return filepath.Join(os.TempDir(), name+".sock")
}

// RuntimeDir returns <runtimeRoot>/<session>, the per-session directory
// holding events.jsonl and any pane capture files.
func (id Identity) RuntimeDir(runtimeRoot string) string {
	return filepath.Join(runtimeRoot, id.Hash12)
}
