package interaction

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stagehand-dev/stagehand/internal/eventlog"
	"github.com/stagehand-dev/stagehand/internal/panehost"
)

type fakeHost struct {
	mu   sync.Mutex
	open map[string]bool
}

func newFakeHost() *fakeHost { return &fakeHost{open: make(map[string]bool)} }

func (f *fakeHost) CreatePane(ctx context.Context, name, command, cwd string, env map[string]string) (panehost.PaneID, error) {
	return panehost.PaneID(name), nil
}
func (f *fakeHost) RespawnPane(ctx context.Context, id panehost.PaneID, command, cwd string, env map[string]string) error {
	return nil
}
func (f *fakeHost) KillPane(id panehost.PaneID) error      { return nil }
func (f *fakeHost) SendInterrupt(id panehost.PaneID) error { return nil }
func (f *fakeHost) CapturePane(id panehost.PaneID, n int) (string, error) { return "", nil }
func (f *fakeHost) Poll(id panehost.PaneID) (panehost.Status, error)      { return panehost.Status{}, nil }
func (f *fakeHost) OpenFloating(ctx context.Context, command string, opts panehost.FloatingOptions, env map[string]string) (panehost.PaneID, error) {
	f.mu.Lock()
	f.open[opts.Name] = true
	f.mu.Unlock()
	return panehost.PaneID(opts.Name), nil
}
func (f *fakeHost) CloseFloating(name string) error {
	f.mu.Lock()
	delete(f.open, name)
	f.mu.Unlock()
	return nil
}
func (f *fakeHost) SupportsGeometry() bool { return false }

func (f *fakeHost) isOpen(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open[name]
}

func newTestBroker(t *testing.T) (*Broker, *fakeHost, *eventlog.Log, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	log, err := eventlog.Open(path)
	if err != nil {
		t.Fatalf("eventlog.Open() error = %v", err)
	}
	host := newFakeHost()
	return New(host, log, path, ""), host, log, path
}

func TestBroker_CreateRejectsEmptyRequest(t *testing.T) {
	b, _, _, _ := newTestBroker(t)
	_, err := b.Create(context.Background(), Request{})
	if _, ok := err.(*InvalidRequestError); !ok {
		t.Fatalf("Create() error = %v, want *InvalidRequestError", err)
	}
}

func TestBroker_CreateSpawnsFloatingPaneAndReturnsID(t *testing.T) {
	b, host, _, _ := newTestBroker(t)
	id, err := b.Create(context.Background(), Request{Schema: "schema.json", Title: "confirm"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if id == "" {
		t.Fatal("Create() returned empty id")
	}
	if !host.isOpen("interact-" + id) {
		t.Error("expected a floating pane to be open for the new interaction")
	}
}

func TestBroker_CancelEmitsResultAndClosesPane(t *testing.T) {
	b, host, _, path := newTestBroker(t)
	id, err := b.Create(context.Background(), Request{Command: "true"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Tail from the current end, before Cancel writes its result, so the
	// result is visible to a subsequent Poll() rather than skipped as
	// already-past history.
	reader, err := eventlog.NewReader(path)
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}

	if err := b.Cancel(id); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if host.isOpen("interact-" + id) {
		t.Error("pane still open after Cancel()")
	}

	events, err := reader.Poll()
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	var found *eventlog.Event
	for i := range events {
		if events[i].Type == "result" && events[i].ID == id {
			found = &events[i]
		}
	}
	if found == nil {
		t.Fatal("no result event found for canceled interaction")
	}
	if found.Action != "cancel" {
		t.Errorf("result.Action = %q, want %q", found.Action, "cancel")
	}
}

func TestBroker_WaitResolvesOnMatchingResult(t *testing.T) {
	b, _, log, _ := newTestBroker(t)
	id, err := b.Create(context.Background(), Request{Command: "true"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = log.AppendResult(eventlog.Event{Type: "result", ID: id, Action: "accept"})
	}()

	result, err := b.Wait(context.Background(), id, 2*time.Second)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if result.Action != "accept" {
		t.Errorf("result.Action = %q, want %q", result.Action, "accept")
	}
}

func TestBroker_WaitTimesOutAndKillsPane(t *testing.T) {
	b, host, _, _ := newTestBroker(t)
	id, err := b.Create(context.Background(), Request{Command: "true"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	result, err := b.Wait(context.Background(), id, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if result.Action != "timeout" {
		t.Errorf("result.Action = %q, want %q", result.Action, "timeout")
	}
	if host.isOpen("interact-" + id) {
		t.Error("pane still open after timeout")
	}
}

func TestBroker_WaitUnknownIDReturnsNotFound(t *testing.T) {
	b, _, _, _ := newTestBroker(t)
	_, err := b.Wait(context.Background(), "nonexistent", time.Second)
	if _, ok := err.(*NotFoundError); !ok {
		t.Fatalf("Wait() error = %v, want *NotFoundError", err)
	}
}
