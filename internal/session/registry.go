package session

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Registration is the advisory bookkeeping record a daemon writes on bind.
// It exists for `stage doctor`-style diagnostics only; ProcessState is
// never reloaded from it, so it carries no resume semantics.
type Registration struct {
	PID          int       `toml:"pid"`
	ManifestPath string    `toml:"manifest_path"`
	SocketPath   string    `toml:"socket_path"`
	BoundAt      time.Time `toml:"bound_at"`
}

// RegistryPath returns the registry file's location inside runtimeDir.
func RegistryPath(runtimeDir string) string {
	return filepath.Join(runtimeDir, "registry.toml")
}

// WriteRegistration records reg at runtimeDir/registry.toml, overwriting
// any prior entry for this session.
func WriteRegistration(runtimeDir string, reg Registration) error {
	f, err := os.Create(RegistryPath(runtimeDir))
	if err != nil {
		return fmt.Errorf("creating registry file: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(reg); err != nil {
		return fmt.Errorf("encoding registry: %w", err)
	}
	return nil
}

// ReadRegistration loads the registration at runtimeDir/registry.toml. A
// missing file returns the zero Registration with ok=false, not an error.
func ReadRegistration(runtimeDir string) (Registration, bool, error) {
	data, err := os.ReadFile(RegistryPath(runtimeDir))
	if err != nil {
		if os.IsNotExist(err) {
			return Registration{}, false, nil
		}
		return Registration{}, false, fmt.Errorf("reading registry file: %w", err)
	}
	var reg Registration
	if _, err := toml.Decode(string(data), &reg); err != nil {
		return Registration{}, false, fmt.Errorf("decoding registry: %w", err)
	}
	return reg, true, nil
}

// ListRegistrations returns every registration found directly under
// runtimeRoot, one per session directory. Unreadable or malformed entries
// are skipped rather than failing the whole listing.
func ListRegistrations(runtimeRoot string) ([]Registration, error) {
	entries, err := os.ReadDir(runtimeRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading runtime root: %w", err)
	}
	var regs []Registration
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		reg, ok, err := ReadRegistration(filepath.Join(runtimeRoot, e.Name()))
		if err != nil || !ok {
			continue
		}
		regs = append(regs, reg)
	}
	return regs, nil
}
