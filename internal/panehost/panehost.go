// Package panehost defines the PaneHost abstraction over the terminal
// multiplexer: create/kill panes, capture output, and open floating panes
// for interactions. The multiplexer binary itself, and the rendering of
// terminal UIs inside a pane, are external collaborators — this package
// only specifies and implements the abstract contract plus two concrete
// variants.
package panehost

import (
	"context"
	"os"
	"os/exec"

	"golang.org/x/term"
)

// PaneID identifies a pane within a Host.
type PaneID string

// FloatingOptions carries the geometry/behavior hints for a floating pane.
// Implementations that don't support geometry ignore Width/Height/X/Y;
// callers should check SupportsGeometry before relying on them.
type FloatingOptions struct {
	Name        string
	Cwd         string
	Width       int
	Height      int
	X           int
	Y           int
	CloseOnExit bool
}

// Status is the last-observed state of a pane, as returned by Poll —
// the Supervisor's periodic reconciliation loop uses this to detect panes
// that died outside of stagehand's control.
type Status struct {
	Alive    bool
	ExitCode int // valid only when !Alive
	Pid      int
}

// Host is the trait every PaneHost variant implements.
type Host interface {
	// CreatePane spawns a child running command inside cwd with merged env,
	// visible to the user. Re-creating the first pane of a session reuses a
	// pre-existing placeholder where the underlying host supports one.
	CreatePane(ctx context.Context, name, command, cwd string, env map[string]string) (PaneID, error)

	// RespawnPane kills any current child in id's pane and starts a new one.
	RespawnPane(ctx context.Context, id PaneID, command, cwd string, env map[string]string) error

	// KillPane destroys the pane and its child.
	KillPane(id PaneID) error

	// SendInterrupt delivers an interrupt (e.g. Ctrl-C) to the pane's child.
	SendInterrupt(id PaneID) error

	// CapturePane returns the last nLines of the pane's visible output.
	CapturePane(id PaneID, nLines int) (string, error)

	// Poll returns the pane's current liveness/exit status. Every pane is
	// treated as remain-on-exit, so exit status stays available after the
	// child dies until the pane itself is killed.
	Poll(id PaneID) (Status, error)

	// OpenFloating spawns a floating pane for an interaction. Hosts with no
	// native floating primitive fall back to a new terminal window/tab with
	// the same env injection.
	OpenFloating(ctx context.Context, command string, opts FloatingOptions, env map[string]string) (PaneID, error)

	// CloseFloating closes the named floating pane, if still open.
	CloseFloating(name string) error

	// SupportsGeometry reports whether Width/Height/X/Y hints are honored.
	SupportsGeometry() bool
}

// Detect picks the PaneHost variant appropriate for the environment the
// daemon is running in: MultiplexerSession when a multiplexer binary is on
// PATH, HostTerminalWindow otherwise. HostTerminalWindow works whether or
// not a terminal is attached, since its panes are plain child processes
// rather than windows; IsTerminalAttached tells callers whether to expect
// visible output from it.
func Detect(binary string) Host {
	if binary == "" {
		binary = "tmux"
	}
	if _, err := exec.LookPath(binary); err == nil {
		return NewMultiplexerSession(binary)
	}
	return NewHostTerminalWindow()
}

// IsTerminalAttached reports whether stdout is a real terminal, used to
// decide whether HostTerminalWindow panes will have a visible console.
func IsTerminalAttached() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}
