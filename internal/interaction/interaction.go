// Package interaction implements the InteractionBroker: spawning floating
// UI panes for out-of-band user prompts and collecting their results from
// the shared EventLog. The broker never reads a UI child's stdout — every
// result flows through the log, decoupling broker liveness from UI
// liveness.
package interaction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stagehand-dev/stagehand/internal/eventlog"
	"github.com/stagehand-dev/stagehand/internal/panehost"
)

// Request describes one interaction to create. Exactly one of Schema,
// File, or Command should be set; Command takes a plain shell command
// instead of the generic UI runner.
type Request struct {
	Schema    string
	File      string
	Command   string
	Title     string
	TimeoutMs int
	Args      map[string]interface{}
}

// InvalidRequestError is returned when a Request names none of
// Schema/File/Command. A Request naming several is not rejected: Command
// wins, and otherwise Schema and File are both passed to the runner.
type InvalidRequestError struct{ Reason string }

func (e *InvalidRequestError) Error() string { return fmt.Sprintf("invalid interaction request: %s", e.Reason) }

// NotFoundError is returned by Cancel/Wait for an unknown interaction id.
type NotFoundError struct{ ID string }

func (e *NotFoundError) Error() string { return fmt.Sprintf("interaction %q not found", e.ID) }

// Result is the outcome an eventual Wait resolves to.
type Result struct {
	ID      string
	Action  string // "accept", "cancel", "timeout", or whatever the UI reports
	Answers interface{}
	Result  interface{}
}

type pending struct {
	pane       panehost.PaneID
	paneName   string
	registered time.Time
}

// Broker creates, cancels, and waits on interactions. One Broker owns one
// session's worth of pending interactions.
type Broker struct {
	host       panehost.Host
	log        *eventlog.Log
	eventsPath string
	runnerCmd  string // generic UI runner binary; empty uses "stagehand-interact"

	mu    chan struct{} // binary semaphore
	table map[string]*pending
}

// New constructs a Broker. eventsPath is the session's events.jsonl path,
// injected into every spawned UI as EVENTS_FILE.
func New(host panehost.Host, log *eventlog.Log, eventsPath, runnerCmd string) *Broker {
	return &Broker{
		host:       host,
		log:        log,
		eventsPath: eventsPath,
		runnerCmd:  runnerCmd,
		mu:    make(chan struct{}, 1),
		table: make(map[string]*pending),
	}
}

func (b *Broker) lock()   { b.mu <- struct{}{} }
func (b *Broker) unlock() { <-b.mu }

// Create allocates a fresh id, builds the child command, spawns it as a
// floating pane, and returns immediately — interactions are asynchronous
// by default. Callers that want to block use Wait.
func (b *Broker) Create(ctx context.Context, req Request) (string, error) {
	command, err := b.buildCommand(req)
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	env := map[string]string{
		"INTERACTION_ID": id,
		"EVENTS_FILE":    b.eventsPath,
	}

	opts := panehost.FloatingOptions{Name: "interact-" + id, CloseOnExit: true}
	paneID, err := b.host.OpenFloating(ctx, command, opts, env)
	if err != nil {
		return "", fmt.Errorf("opening interaction pane: %w", err)
	}

	b.lock()
	b.table[id] = &pending{pane: paneID, paneName: opts.Name, registered: time.Now()}
	b.unlock()

	if err := b.log.Append(eventlog.Event{Type: "started", ID: id}); err != nil {
		return "", fmt.Errorf("recording interaction start: %w", err)
	}
	return id, nil
}

func (b *Broker) buildCommand(req Request) (string, error) {
	if req.Command != "" {
		return req.Command, nil
	}
	if req.Schema == "" && req.File == "" {
		return "", &InvalidRequestError{Reason: "one of schema, file, or command is required"}
	}
	runner := b.runnerCmd
	if runner == "" {
		runner = "stagehand-interact"
	}
	cmd := runner
	if req.Schema != "" {
		cmd += " --schema " + shellQuote(req.Schema)
	}
	if req.File != "" {
		cmd += " --file " + shellQuote(req.File)
	}
	if req.Title != "" {
		cmd += " --title " + shellQuote(req.Title)
	}
	if req.TimeoutMs > 0 {
		cmd += fmt.Sprintf(" --timeout-ms %d", req.TimeoutMs)
	}
	if len(req.Args) > 0 {
		argsJSON, err := json.Marshal(req.Args)
		if err != nil {
			return "", fmt.Errorf("marshaling interaction args: %w", err)
		}
		cmd += " --args " + shellQuote(string(argsJSON))
	}
	return cmd, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// Cancel kills the interaction's pane and records a cancel result.
func (b *Broker) Cancel(id string) error {
	b.lock()
	p, ok := b.table[id]
	b.unlock()
	if !ok {
		return &NotFoundError{ID: id}
	}
	_ = b.host.CloseFloating(p.paneName)
	return b.log.AppendResult(eventlog.Event{Type: "result", ID: id, Action: "cancel"})
}

// Wait tails the EventLog until a result for id arrives or timeout fires.
// On timeout it emits a result{action=timeout} and kills the pane.
func (b *Broker) Wait(ctx context.Context, id string, timeout time.Duration) (Result, error) {
	b.lock()
	p, ok := b.table[id]
	b.unlock()
	if !ok {
		return Result{}, &NotFoundError{ID: id}
	}

	reader, err := eventlog.NewReader(b.eventsPath)
	if err != nil {
		return Result{}, fmt.Errorf("tailing event log: %w", err)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-deadline.C:
			_ = b.host.CloseFloating(p.paneName)
			_ = b.log.AppendResult(eventlog.Event{Type: "result", ID: id, Action: "timeout"})
			b.cleanupAccepted(id)
			return Result{ID: id, Action: "timeout"}, nil
		case <-ticker.C:
			events, err := reader.Poll()
			if err != nil {
				return Result{}, fmt.Errorf("polling event log: %w", err)
			}
			for _, ev := range events {
				if ev.Type != "result" || ev.ID != id {
					continue
				}
				b.cleanupAccepted(id)
				return Result{ID: ev.ID, Action: ev.Action, Answers: ev.Answers, Result: ev.Result}, nil
			}
		}
	}
}

// cleanupAccepted closes the floating pane and drops the pending entry for
// any terminal result, matching the "close the matching floating pane"
// auto-cleanup a log reader would otherwise perform independently.
func (b *Broker) cleanupAccepted(id string) {
	b.lock()
	p, ok := b.table[id]
	delete(b.table, id)
	b.unlock()
	if ok {
		_ = b.host.CloseFloating(p.paneName)
	}
}
