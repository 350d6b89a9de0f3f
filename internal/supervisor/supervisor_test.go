package supervisor

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stagehand-dev/stagehand/internal/eventlog"
	"github.com/stagehand-dev/stagehand/internal/managed"
	"github.com/stagehand-dev/stagehand/internal/manifest"
	"github.com/stagehand-dev/stagehand/internal/panehost"
)

type fakeHost struct {
	mu      sync.Mutex
	alive   map[panehost.PaneID]bool
	capture map[panehost.PaneID]string
}

func newFakeHost() *fakeHost {
	return &fakeHost{alive: make(map[panehost.PaneID]bool), capture: make(map[panehost.PaneID]string)}
}

func (f *fakeHost) CreatePane(ctx context.Context, name, command, cwd string, env map[string]string) (panehost.PaneID, error) {
	id := panehost.PaneID(name)
	f.mu.Lock()
	f.alive[id] = true
	f.mu.Unlock()
	return id, nil
}
func (f *fakeHost) RespawnPane(ctx context.Context, id panehost.PaneID, command, cwd string, env map[string]string) error {
	f.mu.Lock()
	f.alive[id] = true
	f.mu.Unlock()
	return nil
}
func (f *fakeHost) KillPane(id panehost.PaneID) error      { f.setAlive(id, false); return nil }
func (f *fakeHost) SendInterrupt(id panehost.PaneID) error { f.setAlive(id, false); return nil }

func (f *fakeHost) setAlive(id panehost.PaneID, alive bool) {
	f.mu.Lock()
	f.alive[id] = alive
	f.mu.Unlock()
}

// setCapture simulates a pane's scrollback growing to text, as a real
// PaneHost's CapturePane would report it on the next poll tick.
func (f *fakeHost) setCapture(id panehost.PaneID, text string) {
	f.mu.Lock()
	f.capture[id] = text
	f.mu.Unlock()
}

func (f *fakeHost) CapturePane(id panehost.PaneID, n int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.capture[id], nil
}
func (f *fakeHost) Poll(id panehost.PaneID) (panehost.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return panehost.Status{Alive: f.alive[id], Pid: 7}, nil
}
func (f *fakeHost) OpenFloating(ctx context.Context, command string, opts panehost.FloatingOptions, env map[string]string) (panehost.PaneID, error) {
	return f.CreatePane(ctx, opts.Name, command, opts.Cwd, env)
}
func (f *fakeHost) CloseFloating(name string) error { return f.KillPane(panehost.PaneID(name)) }
func (f *fakeHost) SupportsGeometry() bool          { return false }

func testSettings() manifest.Settings {
	return manifest.Settings{
		LogBufferSize:       100,
		HealthCheckInterval: 1000,
		DependencyTimeout:   1000,
		RestartBackoffMax:   2000,
		ProcessStopTimeout:  500,
	}.Normalized()
}

func waitForStatus(t *testing.T, s *Supervisor, name string, want managed.Status, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.GetState(name).Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("process %q never reached status %q, last = %q", name, want, s.GetState(name).Status)
}

func TestSupervisor_StartAllRespectsDependencyOrder(t *testing.T) {
	s := New(newFakeHost(), testSettings())
	resolved := []manifest.ResolvedProcessConfig{
		{Name: "db", ProcessConfig: manifest.ProcessConfig{Command: "run", Port: 5432}},
		{Name: "web", ProcessConfig: manifest.ProcessConfig{Command: "run", Port: 8080, DependsOn: []string{"db"}}, DependsOn: []string{"db"}},
	}
	if err := s.StartAll(context.Background(), resolved); err != nil {
		t.Fatalf("StartAll() error = %v", err)
	}
	waitForStatus(t, s, "db", managed.StatusReady, time.Second)
	waitForStatus(t, s, "web", managed.StatusReady, time.Second)
}

func TestSupervisor_DependencyOnNonAutostartFails(t *testing.T) {
	s := New(newFakeHost(), testSettings())
	disabled := false
	resolved := []manifest.ResolvedProcessConfig{
		{Name: "db", ProcessConfig: manifest.ProcessConfig{Command: "run", AutoStart: &disabled}},
		{Name: "web", ProcessConfig: manifest.ProcessConfig{Command: "run", DependsOn: []string{"db"}}, DependsOn: []string{"db"}},
	}
	err := s.StartAll(context.Background(), resolved)
	if _, ok := err.(*DependencyError); !ok {
		t.Fatalf("StartAll() error = %v, want *DependencyError", err)
	}
}

func TestSupervisor_AlwaysPolicyRestartsAfterCrash(t *testing.T) {
	s := New(newFakeHost(), testSettings())
	resolved := []manifest.ResolvedProcessConfig{
		{Name: "job", ProcessConfig: manifest.ProcessConfig{Command: "run", Port: 9000, RestartPolicy: manifest.RestartAlways}},
	}
	if err := s.StartAll(context.Background(), resolved); err != nil {
		t.Fatalf("StartAll() error = %v", err)
	}
	waitForStatus(t, s, "job", managed.StatusReady, time.Second)

	p, _ := s.GetProcess("job")
	p.OnChildExit(1)

	waitForStatus(t, s, "job", managed.StatusReady, 3*time.Second)
	if p.RestartCount() < 1 {
		t.Errorf("RestartCount() = %d, want >= 1", p.RestartCount())
	}
}

func TestSupervisor_NeverPolicyDoesNotRestart(t *testing.T) {
	s := New(newFakeHost(), testSettings())
	resolved := []manifest.ResolvedProcessConfig{
		{Name: "job", ProcessConfig: manifest.ProcessConfig{Command: "run", RestartPolicy: manifest.RestartNever}},
	}
	if err := s.StartAll(context.Background(), resolved); err != nil {
		t.Fatalf("StartAll() error = %v", err)
	}
	p, _ := s.GetProcess("job")
	p.OnChildExit(1)

	time.Sleep(200 * time.Millisecond)
	if got := p.GetState().Status; got != managed.StatusCrashed {
		t.Errorf("Status = %q, want %q", got, managed.StatusCrashed)
	}
	if p.RestartCount() != 0 {
		t.Errorf("RestartCount() = %d, want 0 (never restarted)", p.RestartCount())
	}
}

func TestSupervisor_ReloadAddsStopsAndChanges(t *testing.T) {
	s := New(newFakeHost(), testSettings())
	initial := []manifest.ResolvedProcessConfig{
		{Name: "a", ProcessConfig: manifest.ProcessConfig{Command: "run", Port: 1111}},
		{Name: "b", ProcessConfig: manifest.ProcessConfig{Command: "run", Port: 2222}},
	}
	if err := s.StartAll(context.Background(), initial); err != nil {
		t.Fatalf("StartAll() error = %v", err)
	}
	waitForStatus(t, s, "a", managed.StatusReady, time.Second)
	waitForStatus(t, s, "b", managed.StatusReady, time.Second)

	updated := []manifest.ResolvedProcessConfig{
		{Name: "a", ProcessConfig: manifest.ProcessConfig{Command: "run", Port: 1111}}, // unchanged
		{Name: "c", ProcessConfig: manifest.ProcessConfig{Command: "run", Port: 3333}}, // added
		// b removed
	}
	diff, err := s.Reload(context.Background(), updated)
	if err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if len(diff.Removed) != 1 || diff.Removed[0] != "b" {
		t.Errorf("Removed = %v, want [b]", diff.Removed)
	}
	if len(diff.Added) != 1 || diff.Added[0] != "c" {
		t.Errorf("Added = %v, want [c]", diff.Added)
	}
	if len(diff.Changed) != 0 {
		t.Errorf("Changed = %v, want []", diff.Changed)
	}
	waitForStatus(t, s, "c", managed.StatusReady, time.Second)
	if _, ok := s.GetProcess("b"); ok {
		t.Error("process b still registered after removal")
	}
}

func TestSupervisor_StopAllStopsEverything(t *testing.T) {
	s := New(newFakeHost(), testSettings())
	resolved := []manifest.ResolvedProcessConfig{
		{Name: "a", ProcessConfig: manifest.ProcessConfig{Command: "run", Port: 1111}},
		{Name: "b", ProcessConfig: manifest.ProcessConfig{Command: "run", Port: 2222}},
	}
	if err := s.StartAll(context.Background(), resolved); err != nil {
		t.Fatalf("StartAll() error = %v", err)
	}
	waitForStatus(t, s, "a", managed.StatusReady, time.Second)
	waitForStatus(t, s, "b", managed.StatusReady, time.Second)

	if err := s.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll() error = %v", err)
	}
	waitForStatus(t, s, "a", managed.StatusStopped, time.Second)
	waitForStatus(t, s, "b", managed.StatusStopped, time.Second)
}

func TestSupervisor_ReloadEmitsReloadEvent(t *testing.T) {
	s := New(newFakeHost(), testSettings())
	eventsPath := filepath.Join(t.TempDir(), "events.jsonl")
	elog, err := eventlog.Open(eventsPath)
	if err != nil {
		t.Fatalf("eventlog.Open() error = %v", err)
	}
	s.SetEventLog(elog)

	initial := []manifest.ResolvedProcessConfig{
		{Name: "a", ProcessConfig: manifest.ProcessConfig{Command: "run", Port: 1111}},
	}
	if err := s.StartAll(context.Background(), initial); err != nil {
		t.Fatalf("StartAll() error = %v", err)
	}
	waitForStatus(t, s, "a", managed.StatusReady, time.Second)

	reader, err := eventlog.NewReader(eventsPath)
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}

	updated := []manifest.ResolvedProcessConfig{
		{Name: "c", ProcessConfig: manifest.ProcessConfig{Command: "run", Port: 3333}},
	}
	if _, err := s.Reload(context.Background(), updated); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	waitForStatus(t, s, "c", managed.StatusReady, time.Second)

	var found bool
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !found {
		events, err := reader.Poll()
		if err != nil {
			t.Fatalf("Poll() error = %v", err)
		}
		for _, ev := range events {
			if ev.Type == "reload" {
				found = true
				if ev.Timestamp == 0 {
					t.Error("reload event has no timestamp")
				}
			}
		}
		if !found {
			time.Sleep(5 * time.Millisecond)
		}
	}
	if !found {
		t.Fatal("no reload event observed after Reload()")
	}
}

func TestSupervisor_CapturedOutputDrivesPortDetectionAndLogs(t *testing.T) {
	host := newFakeHost()
	s := New(host, testSettings())

	cfgs := []manifest.ResolvedProcessConfig{
		{Name: "web", ProcessConfig: manifest.ProcessConfig{Command: "echo Listening on port 5173; sleep 60"}},
	}
	if err := s.StartAll(context.Background(), cfgs); err != nil {
		t.Fatalf("StartAll() error = %v", err)
	}

	host.setCapture(panehost.PaneID("web"), "Listening on port 5173\n")

	var state managed.State
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		state = s.GetState("web")
		if state.Port != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if state.Port == nil || *state.Port != 5173 {
		t.Fatalf("Port = %v, want 5173", state.Port)
	}
	if state.Status != managed.StatusReady {
		t.Errorf("Status = %q, want %q", state.Status, managed.StatusReady)
	}
	if state.URL != "http://localhost:5173" {
		t.Errorf("URL = %q, want %q", state.URL, "http://localhost:5173")
	}

	logs, err := s.GetLogs("web", managed.StreamCombined, 10)
	if err != nil {
		t.Fatalf("GetLogs() error = %v", err)
	}
	if len(logs) == 0 {
		t.Fatal("GetLogs() returned no lines after captured output was pushed")
	}
}
