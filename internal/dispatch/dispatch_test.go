package dispatch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stagehand-dev/stagehand/internal/eventlog"
	"github.com/stagehand-dev/stagehand/internal/interaction"
	"github.com/stagehand-dev/stagehand/internal/panehost"
)

type fakeHost struct{}

func (fakeHost) CreatePane(ctx context.Context, name, command, cwd string, env map[string]string) (panehost.PaneID, error) {
	return panehost.PaneID(name), nil
}
func (fakeHost) RespawnPane(ctx context.Context, id panehost.PaneID, command, cwd string, env map[string]string) error {
	return nil
}
func (fakeHost) KillPane(id panehost.PaneID) error      { return nil }
func (fakeHost) SendInterrupt(id panehost.PaneID) error { return nil }
func (fakeHost) CapturePane(id panehost.PaneID, n int) (string, error) { return "", nil }
func (fakeHost) Poll(id panehost.PaneID) (panehost.Status, error)      { return panehost.Status{}, nil }
func (fakeHost) OpenFloating(ctx context.Context, command string, opts panehost.FloatingOptions, env map[string]string) (panehost.PaneID, error) {
	return panehost.PaneID(opts.Name), nil
}
func (fakeHost) CloseFloating(name string) error { return nil }
func (fakeHost) SupportsGeometry() bool          { return false }

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	log, err := eventlog.Open(path)
	if err != nil {
		t.Fatalf("eventlog.Open() error = %v", err)
	}
	broker := interaction.New(fakeHost{}, log, path, "")
	return New(nil, broker)
}

func TestDispatcher_WaitInteractionResolvesOnResult(t *testing.T) {
	d := newTestDispatcher(t)
	result, err := d.CreateInteraction(context.Background(), CreateInteractionParams{Command: "true"})
	if err != nil {
		t.Fatalf("CreateInteraction() error = %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = d.CancelInteraction(result.ID)
	}()

	waited, err := d.WaitInteraction(context.Background(), WaitInteractionParams{ID: result.ID, TimeoutMs: 2000})
	if err != nil {
		t.Fatalf("WaitInteraction() error = %v", err)
	}
	if waited.Action != "cancel" {
		t.Errorf("Action = %q, want %q", waited.Action, "cancel")
	}
}

func TestDispatcher_WaitInteractionNoBrokerFails(t *testing.T) {
	d := New(nil, nil)
	_, err := d.WaitInteraction(context.Background(), WaitInteractionParams{ID: "x"})
	if _, ok := err.(*HostUnavailableError); !ok {
		t.Errorf("error = %v, want *HostUnavailableError", err)
	}
}
