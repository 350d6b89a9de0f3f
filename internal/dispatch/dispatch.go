// Package dispatch implements ToolDispatcher: the transport-agnostic
// operation table shared by the in-process CLI and the IPC proxy. Every
// operation returns either a result or an error envelope — it never
// panics across the dispatch boundary.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/stagehand-dev/stagehand/internal/interaction"
	"github.com/stagehand-dev/stagehand/internal/managed"
	"github.com/stagehand-dev/stagehand/internal/supervisor"
)

// InvalidRequestError reports a malformed operation call (bad params shape).
type InvalidRequestError struct{ Reason string }

func (e *InvalidRequestError) Error() string { return fmt.Sprintf("invalid request: %s", e.Reason) }

// HostUnavailableError reports that the PaneHost could not be reached.
type HostUnavailableError struct{ Reason string }

func (e *HostUnavailableError) Error() string { return fmt.Sprintf("host unavailable: %s", e.Reason) }

// Dispatcher routes named operations to the Supervisor and
// InteractionBroker it wraps. One Dispatcher serves one workspace,
// whether called in-process or proxied over the IPC socket.
type Dispatcher struct {
	sup    *supervisor.Supervisor
	broker *interaction.Broker
}

// New constructs a Dispatcher over sup and broker.
func New(sup *supervisor.Supervisor, broker *interaction.Broker) *Dispatcher {
	return &Dispatcher{sup: sup, broker: broker}
}

// StartProcessParams is the input to start_process.
type StartProcessParams struct {
	Name  string            `json:"name"`
	Args  []string          `json:"args,omitempty"`
	Env   map[string]string `json:"env,omitempty"`
	Force bool              `json:"force,omitempty"`
}

// GetLogsParams is the input to get_logs.
type GetLogsParams struct {
	Name   string `json:"name"`
	Stream string `json:"stream,omitempty"`
	Tail   int    `json:"tail,omitempty"`
}

// CreateInteractionParams is the input to create_interaction.
type CreateInteractionParams struct {
	Schema    string                 `json:"schema,omitempty"`
	File      string                 `json:"file,omitempty"`
	Command   string                 `json:"command,omitempty"`
	Title     string                 `json:"title,omitempty"`
	TimeoutMs int                    `json:"timeout_ms,omitempty"`
	Args      map[string]interface{} `json:"args,omitempty"`
}

// ListProcesses returns every registered process's state.
func (d *Dispatcher) ListProcesses() []managed.State {
	return d.sup.ListProcesses()
}

// GetStatus returns name's state, or NotFoundError.
func (d *Dispatcher) GetStatus(name string) (managed.State, error) {
	if _, ok := d.sup.GetProcess(name); !ok {
		return managed.State{}, &supervisor.NotFoundError{Name: name}
	}
	return d.sup.GetState(name), nil
}

// GetLogs returns up to tail lines of name's stream.
func (d *Dispatcher) GetLogs(p GetLogsParams) ([]string, error) {
	stream := managed.Stream(p.Stream)
	if stream == "" {
		stream = managed.StreamCombined
	}
	return d.sup.GetLogs(p.Name, stream, p.Tail)
}

// GetURL returns name's URL, or "" if unknown.
func (d *Dispatcher) GetURL(name string) (string, error) {
	return d.sup.GetURL(name)
}

// StartProcess starts name with the given options.
func (d *Dispatcher) StartProcess(ctx context.Context, p StartProcessParams) (managed.State, error) {
	err := d.sup.StartProcess(ctx, p.Name, managed.StartOptions{Args: p.Args, Env: p.Env, Force: p.Force})
	if err != nil {
		return managed.State{}, err
	}
	return d.sup.GetState(p.Name), nil
}

// StopProcess stops name.
func (d *Dispatcher) StopProcess(ctx context.Context, name string) (managed.State, error) {
	if err := d.sup.StopProcess(ctx, name); err != nil {
		return managed.State{}, err
	}
	return d.sup.GetState(name), nil
}

// RestartProcess restarts name.
func (d *Dispatcher) RestartProcess(ctx context.Context, name string) (managed.State, error) {
	if err := d.sup.RestartProcess(ctx, name); err != nil {
		return managed.State{}, err
	}
	return d.sup.GetState(name), nil
}

// CreateInteractionResult is the output of create_interaction.
type CreateInteractionResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// CreateInteraction spawns a new interaction and returns its id.
func (d *Dispatcher) CreateInteraction(ctx context.Context, p CreateInteractionParams) (CreateInteractionResult, error) {
	if d.broker == nil {
		return CreateInteractionResult{}, &HostUnavailableError{Reason: "no interaction broker configured"}
	}
	id, err := d.broker.Create(ctx, interaction.Request{
		Schema:    p.Schema,
		File:      p.File,
		Command:   p.Command,
		Title:     p.Title,
		TimeoutMs: p.TimeoutMs,
		Args:      p.Args,
	})
	if err != nil {
		if _, ok := err.(*interaction.InvalidRequestError); ok {
			return CreateInteractionResult{}, &InvalidRequestError{Reason: err.Error()}
		}
		return CreateInteractionResult{}, &HostUnavailableError{Reason: err.Error()}
	}
	return CreateInteractionResult{ID: id, Status: "started"}, nil
}

// CancelInteraction cancels a pending interaction.
func (d *Dispatcher) CancelInteraction(id string) error {
	if d.broker == nil {
		return &HostUnavailableError{Reason: "no interaction broker configured"}
	}
	return d.broker.Cancel(id)
}

// WaitInteractionParams is the input to wait_interaction.
type WaitInteractionParams struct {
	ID        string `json:"id"`
	TimeoutMs int    `json:"timeout_ms,omitempty"`
}

// WaitInteraction blocks until id's interaction produces a result, or
// timeoutMs elapses. A zero or negative TimeoutMs waits up to 24 hours.
func (d *Dispatcher) WaitInteraction(ctx context.Context, p WaitInteractionParams) (interaction.Result, error) {
	if d.broker == nil {
		return interaction.Result{}, &HostUnavailableError{Reason: "no interaction broker configured"}
	}
	timeout := time.Duration(p.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}
	return d.broker.Wait(ctx, p.ID, timeout)
}
