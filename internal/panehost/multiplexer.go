// multiplexer.go implements the MultiplexerSession PaneHost variant: panes
// are windows inside a shared terminal-multiplexer session (tmux by
// default). The multiplexer binary itself is an external collaborator —
// this implementation only shells out to whatever CLI is configured.
package panehost

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// MultiplexerSession is a PaneHost backed by an external multiplexer binary
// exposing a tmux-compatible CLI (new-session, send-keys, kill-session,
// capture-pane, set-option remain-on-exit). It is the default PaneHost for
// interactive workstation use.
type MultiplexerSession struct {
	// Binary is the multiplexer executable name, e.g. "tmux". Defaults to
	// "tmux" when empty.
	Binary string

	mu    sync.Mutex
	panes map[PaneID]*paneRecord
}

type paneRecord struct {
	window  string // tmux window target, e.g. "session:0"
	floating bool
	name    string
}

// NewMultiplexerSession constructs a MultiplexerSession using binary (or
// "tmux" if empty).
func NewMultiplexerSession(binary string) *MultiplexerSession {
	if binary == "" {
		binary = "tmux"
	}
	return &MultiplexerSession{
		Binary: binary,
		panes:  make(map[PaneID]*paneRecord),
	}
}

func (m *MultiplexerSession) run(args ...string) (string, error) {
	cmd := exec.Command(m.Binary, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", m.Binary, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func (m *MultiplexerSession) hasSession(name string) bool {
	cmd := exec.Command(m.Binary, "has-session", "-t", name)
	return cmd.Run() == nil
}

func envArgs(env map[string]string) []string {
	var args []string
	for k, v := range env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	return args
}

// CreatePane starts a new multiplexer session named name running command.
// Re-creating the first pane of a session (name already exists but dead)
// reuses the placeholder by respawning it rather than erroring.
func (m *MultiplexerSession) CreatePane(ctx context.Context, name, command, cwd string, env map[string]string) (PaneID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hasSession(name) {
		if err := m.respawn(name, command, cwd, env); err != nil {
			return "", err
		}
	} else {
		args := append([]string{"new-session", "-d", "-s", name, "-c", cwd}, envArgs(env)...)
		args = append(args, command)
		if _, err := m.run(args...); err != nil {
			return "", fmt.Errorf("creating pane %q: %w", name, err)
		}
		// remain-on-exit so exit status stays observable after the child dies.
		_, _ = m.run("set-option", "-t", name, "remain-on-exit", "on")
	}

	id := PaneID(name)
	m.panes[id] = &paneRecord{window: name + ":0", name: name}
	return id, nil
}

func (m *MultiplexerSession) respawn(name, command, cwd string, env map[string]string) error {
	args := append([]string{"respawn-window", "-k", "-t", name + ":0", "-c", cwd}, envArgs(env)...)
	args = append(args, command)
	_, err := m.run(args...)
	return err
}

// RespawnPane kills the pane's current child and starts a new one.
func (m *MultiplexerSession) RespawnPane(ctx context.Context, id PaneID, command, cwd string, env map[string]string) error {
	m.mu.Lock()
	rec, ok := m.panes[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown pane %q", id)
	}
	return m.respawn(rec.name, command, cwd, env)
}

// KillPane destroys the session backing id.
func (m *MultiplexerSession) KillPane(id PaneID) error {
	m.mu.Lock()
	rec, ok := m.panes[id]
	delete(m.panes, id)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := m.run("kill-session", "-t", rec.name)
	return err
}

// SendInterrupt sends Ctrl-C to the pane.
func (m *MultiplexerSession) SendInterrupt(id PaneID) error {
	m.mu.Lock()
	rec, ok := m.panes[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown pane %q", id)
	}
	_, err := m.run("send-keys", "-t", rec.window, "C-c", "")
	return err
}

// CapturePane returns the last nLines of the pane's scrollback.
func (m *MultiplexerSession) CapturePane(id PaneID, nLines int) (string, error) {
	m.mu.Lock()
	rec, ok := m.panes[id]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown pane %q", id)
	}
	start := "-" + strconv.Itoa(nLines)
	return m.run("capture-pane", "-t", rec.window, "-p", "-S", start)
}

// Poll reports whether the pane's session is still alive. The multiplexer
// CLI used here doesn't expose an exit code directly, so ExitCode is left
// at zero; callers relying on exact exit codes should prefer a PaneHost
// variant that tracks the child directly (see HostTerminalWindow).
func (m *MultiplexerSession) Poll(id PaneID) (Status, error) {
	m.mu.Lock()
	rec, ok := m.panes[id]
	m.mu.Unlock()
	if !ok {
		return Status{}, fmt.Errorf("unknown pane %q", id)
	}
	return Status{Alive: m.hasSession(rec.name)}, nil
}

// OpenFloating opens a new multiplexer window overlaying the session,
// using popup-style geometry when the binary supports it (tmux's
// display-popup). Geometry hints are honored because tmux supports them.
func (m *MultiplexerSession) OpenFloating(ctx context.Context, command string, opts FloatingOptions, env map[string]string) (PaneID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	args := []string{"display-popup", "-E"}
	if opts.Width > 0 {
		args = append(args, "-w", strconv.Itoa(opts.Width))
	}
	if opts.Height > 0 {
		args = append(args, "-h", strconv.Itoa(opts.Height))
	}
	if opts.X > 0 {
		args = append(args, "-x", strconv.Itoa(opts.X))
	}
	if opts.Y > 0 {
		args = append(args, "-y", strconv.Itoa(opts.Y))
	}
	if opts.Cwd != "" {
		args = append(args, "-d", opts.Cwd)
	}
	args = append(args, envArgs(env)...)
	args = append(args, command)

	if _, err := m.run(args...); err != nil {
		return "", fmt.Errorf("opening floating pane %q: %w", opts.Name, err)
	}

	id := PaneID("floating:" + opts.Name)
	m.panes[id] = &paneRecord{name: opts.Name, floating: true}
	return id, nil
}

// CloseFloating forgets the popup's pane entry. It does not close a popup
// whose command is still running.
func (m *MultiplexerSession) CloseFloating(name string) error {
	id := PaneID("floating:" + name)
	m.mu.Lock()
	_, ok := m.panes[id]
	delete(m.panes, id)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	// tmux's display-popup windows close themselves when their command
	// exits; there is no separate kill target, so this only drops the
	// bookkeeping entry.
	return nil
}

// SupportsGeometry reports true: tmux's display-popup honors width/height/x/y.
func (m *MultiplexerSession) SupportsGeometry() bool { return true }
