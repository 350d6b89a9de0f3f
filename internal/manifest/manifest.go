// Package manifest holds the declarative workspace manifest data model:
// per-process configuration, resolved configuration, settings defaults,
// and the dependency-ordering/diff logic the Supervisor relies on.
//
// Load decodes a TOML manifest file; a Manifest built by other means can
// be handed to Resolve directly.
package manifest

import (
	"fmt"
	"os"
	"sort"

	"github.com/BurntSushi/toml"
)

// RestartPolicy controls whether the Supervisor restarts a process after it exits.
type RestartPolicy string

const (
	RestartAlways     RestartPolicy = "always"
	RestartOnFailure  RestartPolicy = "onFailure"
	RestartNever      RestartPolicy = "never"
)

// ProcessConfig is the declared configuration for one process, as read from
// the manifest.
type ProcessConfig struct {
	Command           string            `json:"command" toml:"command"`
	Cwd               string            `json:"cwd,omitempty" toml:"cwd,omitempty"`
	Port              int               `json:"port,omitempty" toml:"port,omitempty"`
	AutoStart         *bool             `json:"autoStart,omitempty" toml:"auto_start,omitempty"`
	Env               map[string]string `json:"env,omitempty" toml:"env,omitempty"`
	EnvFile           string            `json:"envFile,omitempty" toml:"env_file,omitempty"`
	StdoutPatternVars map[string]string `json:"stdoutPatternVars,omitempty" toml:"stdout_pattern_vars,omitempty"` // name -> regex
	ReadyVars         []string          `json:"readyVars,omitempty" toml:"ready_vars,omitempty"`
	HealthCheck       string            `json:"healthCheck,omitempty" toml:"health_check,omitempty"` // path or URL
	DependsOn         []string          `json:"dependsOn,omitempty" toml:"depends_on,omitempty"`
	RestartPolicy     RestartPolicy     `json:"restartPolicy,omitempty" toml:"restart_policy,omitempty"`
	MaxRestarts       int               `json:"maxRestarts,omitempty" toml:"max_restarts,omitempty"`
	Force             bool              `json:"force,omitempty" toml:"force,omitempty"`
}

// AutoStartOrDefault returns AutoStart, defaulting to true when unset.
func (p ProcessConfig) AutoStartOrDefault() bool {
	if p.AutoStart == nil {
		return true
	}
	return *p.AutoStart
}

// RestartPolicyOrDefault returns RestartPolicy, defaulting to "always".
func (p ProcessConfig) RestartPolicyOrDefault() RestartPolicy {
	if p.RestartPolicy == "" {
		return RestartAlways
	}
	return p.RestartPolicy
}

// MaxRestartsOrDefault returns MaxRestarts, defaulting to 5.
func (p ProcessConfig) MaxRestartsOrDefault() int {
	if p.MaxRestarts == 0 {
		return 5
	}
	return p.MaxRestarts
}

// ResolvedProcessConfig is a ProcessConfig after path normalization and
// port assignment, as produced by Resolve.
type ResolvedProcessConfig struct {
	Name    string
	ProcessConfig
	Cwd       string   // always absolute
	DependsOn []string // always non-nil, empty slice when none
}

// Settings holds workspace-wide tunables with bounds and defaults.
type Settings struct {
	LogBufferSize       int `json:"logBufferSize,omitempty" toml:"log_buffer_size,omitempty"`
	HealthCheckInterval int `json:"healthCheckInterval,omitempty" toml:"health_check_interval,omitempty"` // ms
	DependencyTimeout   int `json:"dependencyTimeout,omitempty" toml:"dependency_timeout,omitempty"`     // ms
	RestartBackoffMax   int `json:"restartBackoffMax,omitempty" toml:"restart_backoff_max,omitempty"`     // ms
	ProcessStopTimeout  int `json:"processStopTimeout,omitempty" toml:"process_stop_timeout,omitempty"`   // ms
}

const (
	defaultLogBufferSize       = 1000
	defaultHealthCheckInterval = 10_000
	defaultDependencyTimeout   = 60_000
	defaultRestartBackoffMax   = 30_000
	defaultProcessStopTimeout  = 5_000
)

func clampInt(v, lo, hi, def int) int {
	if v == 0 {
		return def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Normalized returns Settings with every field clamped to its documented
// bounds and defaults applied.
func (s Settings) Normalized() Settings {
	return Settings{
		LogBufferSize:       clampInt(s.LogBufferSize, 100, 100_000, defaultLogBufferSize),
		HealthCheckInterval: clampInt(s.HealthCheckInterval, 1000, 300_000, defaultHealthCheckInterval),
		DependencyTimeout:   clampInt(s.DependencyTimeout, 1000, 600_000, defaultDependencyTimeout),
		RestartBackoffMax:   clampInt(s.RestartBackoffMax, 1000, 300_000, defaultRestartBackoffMax),
		ProcessStopTimeout:  clampInt(s.ProcessStopTimeout, 1000, 60_000, defaultProcessStopTimeout),
	}
}

// Reuse controls whether the workspace shares a single daemon across
// invocations, and under what key. Enabled with an empty Key uses the
// workspace directory itself as the reuse key; a non-empty Key customizes
// the key.
type Reuse struct {
	Enabled bool   `toml:"enabled"`
	Key     string `toml:"key,omitempty"`
}

// Manifest is the full set of declared processes plus workspace settings.
type Manifest struct {
	Processes map[string]ProcessConfig `toml:"processes"`
	Settings  Settings                 `toml:"settings"`
	Reuse     Reuse                    `toml:"reuse"`
}

// Load reads and decodes the TOML manifest at path. A missing file is not
// an error; callers get a zero-value Manifest with no declared processes.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, nil
		}
		return Manifest{}, fmt.Errorf("reading manifest: %w", err)
	}

	var m Manifest
	if _, err := toml.Decode(string(data), &m); err != nil {
		return Manifest{}, &ConfigurationError{Reason: fmt.Sprintf("parsing manifest: %v", err)}
	}
	return m, nil
}

// ConfigurationError reports a problem detected while loading or resolving
// a manifest: a parse failure, unknown dependency targets, or cycles. Paths
// such as cwd and envFile are not checked against configDir. It is fatal
// at load time and never retried.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

// Resolve validates a Manifest's dependency graph and returns the resolved
// configs in topologically sorted (dependency-first) order. Every
// dependsOn target must be a known process name; cycles are rejected.
func Resolve(m Manifest, absCwd func(name string, cfg ProcessConfig) (string, error)) ([]ResolvedProcessConfig, error) {
	for name, cfg := range m.Processes {
		for _, dep := range cfg.DependsOn {
			if _, ok := m.Processes[dep]; !ok {
				return nil, &ConfigurationError{Reason: fmt.Sprintf("process %q depends on unknown process %q", name, dep)}
			}
		}
	}

	order, err := topoSort(m.Processes)
	if err != nil {
		return nil, err
	}

	out := make([]ResolvedProcessConfig, 0, len(order))
	for _, name := range order {
		cfg := m.Processes[name]
		cwd := cfg.Cwd
		if absCwd != nil {
			cwd, err = absCwd(name, cfg)
			if err != nil {
				return nil, fmt.Errorf("resolving cwd for %q: %w", name, err)
			}
		}
		deps := cfg.DependsOn
		if deps == nil {
			deps = []string{}
		}
		out = append(out, ResolvedProcessConfig{
			Name:          name,
			ProcessConfig: cfg,
			Cwd:           cwd,
			DependsOn:     deps,
		})
	}
	return out, nil
}

// topoSort returns process names in dependency-first order using DFS.
// Cycles surface as a ConfigurationError.
func topoSort(processes map[string]ProcessConfig) ([]string, error) {
	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	state := make(map[string]int, len(processes))
	var order []string

	names := make([]string, 0, len(processes))
	for name := range processes {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic order for equal-priority nodes

	var visit func(name string, stack []string) error
	visit = func(name string, stack []string) error {
		switch state[name] {
		case visited:
			return nil
		case visiting:
			return &ConfigurationError{Reason: fmt.Sprintf("circular dependency: %v -> %s", stack, name)}
		}
		state[name] = visiting
		deps := append([]string{}, processes[name].DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep, append(stack, name)); err != nil {
				return err
			}
		}
		state[name] = visited
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Diff is the result of comparing two resolved manifests.
type Diff struct {
	Added   []string
	Removed []string
	Changed []string
}

// DeclaredFieldsEqual reports whether two ResolvedProcessConfig are equal
// across the fields that matter for the reload diff: command, cwd, port,
// autostart, env file, restart policy, max restarts, health check, env,
// stdout pattern vars, dependsOn, and readyVars.
func DeclaredFieldsEqual(a, b ResolvedProcessConfig) bool {
	if a.Command != b.Command || a.Cwd != b.Cwd || a.Port != b.Port {
		return false
	}
	if a.AutoStartOrDefault() != b.AutoStartOrDefault() {
		return false
	}
	if a.EnvFile != b.EnvFile {
		return false
	}
	if a.RestartPolicyOrDefault() != b.RestartPolicyOrDefault() {
		return false
	}
	if a.MaxRestartsOrDefault() != b.MaxRestartsOrDefault() {
		return false
	}
	if a.HealthCheck != b.HealthCheck {
		return false
	}
	if !stringMapEqual(a.Env, b.Env) {
		return false
	}
	if !stringMapEqual(a.StdoutPatternVars, b.StdoutPatternVars) {
		return false
	}
	if !stringSliceSetEqual(a.DependsOn, b.DependsOn) {
		return false
	}
	if !stringSliceSetEqual(a.ReadyVars, b.ReadyVars) {
		return false
	}
	return true
}

func stringMapEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func stringSliceSetEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string{}, a...)
	bs := append([]string{}, b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// Compare produces the reload Diff between an old and new set of resolved
// configs keyed by name, satisfying P6: added/removed/changed are pairwise
// disjoint, and every changed name differs in at least one declared field.
func Compare(old, next map[string]ResolvedProcessConfig) Diff {
	var d Diff
	for name := range next {
		if _, ok := old[name]; !ok {
			d.Added = append(d.Added, name)
		}
	}
	for name := range old {
		if _, ok := next[name]; !ok {
			d.Removed = append(d.Removed, name)
		}
	}
	for name, oldCfg := range old {
		newCfg, ok := next[name]
		if !ok {
			continue
		}
		if !DeclaredFieldsEqual(oldCfg, newCfg) {
			d.Changed = append(d.Changed, name)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
	return d
}

// Empty reports whether the diff represents no change at all (L4).
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}
