// Package supervisor implements the Supervisor (ProcessManager): the
// registry of ManagedProcesses, dependency-ordered start/stop, manifest
// reload diffing, restart-policy backoff scheduling, and the periodic
// host-status reconciliation poll. It is the single owner of every
// ManagedProcess it creates; nothing outside this package mutates a
// Process directly.
//
// All cross-task coordination happens through managed.Event, consumed by
// one dedicated goroutine (the watcher). This mirrors the observer
// fan-out/no-back-pointer pattern used for pub-sub elsewhere in this
// codebase: ManagedProcess never calls back into the Supervisor.
package supervisor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/stagehand-dev/stagehand/internal/envresolve"
	"github.com/stagehand-dev/stagehand/internal/eventlog"
	"github.com/stagehand-dev/stagehand/internal/managed"
	"github.com/stagehand-dev/stagehand/internal/manifest"
	"github.com/stagehand-dev/stagehand/internal/panehost"
)

const (
	fastPollInterval = 500 * time.Millisecond
	slowPollInterval = 3 * time.Second
)

// DependencyError is returned when start_all or a dependency wait fails:
// a dependency never became ready within dependencyTimeout, or depends on
// a process that refuses to autostart.
type DependencyError struct {
	Process string
	Depends string
	Reason  string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("process %q dependency %q: %s", e.Process, e.Depends, e.Reason)
}

// NotFoundError is returned by any operation addressing an unregistered
// process name.
type NotFoundError struct{ Name string }

func (e *NotFoundError) Error() string { return fmt.Sprintf("process %q not found", e.Name) }

type restartState struct {
	resetTimer  *time.Timer
	lastBackoff time.Duration
}

// Supervisor owns every ManagedProcess in one workspace.
type Supervisor struct {
	host     panehost.Host
	settings manifest.Settings

	mu        sync.Mutex
	processes map[string]*managed.Process
	configs   map[string]manifest.ResolvedProcessConfig
	order     []string // dependency-first order from the last Resolve

	restartMu sync.Mutex
	restarts  map[string]*restartState

	envMu  sync.Mutex
	envCtx envresolve.Context

	events chan managed.Event

	elog *eventlog.Log

	pollMu       sync.Mutex
	pollInterval time.Duration
	pollStop     chan struct{}
	pollDone     chan struct{}

	captureMu   sync.Mutex
	captureSeen map[panehost.PaneID]string
}

// New constructs a Supervisor bound to host, with workspace-wide tunables
// from settings (already Normalized).
func New(host panehost.Host, settings manifest.Settings) *Supervisor {
	s := &Supervisor{
		host:        host,
		settings:    settings,
		processes:   make(map[string]*managed.Process),
		configs:     make(map[string]manifest.ResolvedProcessConfig),
		restarts:    make(map[string]*restartState),
		events:      make(chan managed.Event, 256),
		captureSeen: make(map[panehost.PaneID]string),
		envCtx: envresolve.Context{
			ProcessPorts:   make(map[string]int),
			ProcessExports: make(map[string]map[string]string),
		},
	}
	go s.watch()
	return s
}

// SetEventLog binds the session event log that Reload appends a `reload`
// event to. Optional: a Supervisor with no event log just skips the append.
func (s *Supervisor) SetEventLog(elog *eventlog.Log) {
	s.elog = elog
}

// StartAll registers every process in resolved (already topologically
// sorted, e.g. by manifest.Resolve) and starts each in dependency order,
// awaiting each dependency's ready signal before starting its dependents.
// Processes with autoStart = false are registered but left pending.
func (s *Supervisor) StartAll(ctx context.Context, resolved []manifest.ResolvedProcessConfig) error {
	s.mu.Lock()
	order := make([]string, 0, len(resolved))
	for _, cfg := range resolved {
		s.register(cfg)
		order = append(order, cfg.Name)
	}
	s.order = order
	s.mu.Unlock()

	s.startPoll()

	for _, name := range order {
		cfg := s.configs[name]
		if !cfg.AutoStartOrDefault() {
			continue
		}
		if err := s.startWithDeps(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) register(cfg manifest.ResolvedProcessConfig) {
	if _, exists := s.processes[cfg.Name]; exists {
		return
	}
	p := managed.New(cfg, s.host, s.events, s.settings.LogBufferSize, time.Duration(s.settings.ProcessStopTimeout)*time.Millisecond)
	p.SetEnvContext(s.snapshotEnvCtx())
	s.processes[cfg.Name] = p
	s.configs[cfg.Name] = cfg
}

func (s *Supervisor) snapshotEnvCtx() envresolve.Context {
	s.envMu.Lock()
	defer s.envMu.Unlock()
	ports := make(map[string]int, len(s.envCtx.ProcessPorts))
	for k, v := range s.envCtx.ProcessPorts {
		ports[k] = v
	}
	exports := make(map[string]map[string]string, len(s.envCtx.ProcessExports))
	for k, v := range s.envCtx.ProcessExports {
		m := make(map[string]string, len(v))
		for kk, vv := range v {
			m[kk] = vv
		}
		exports[k] = m
	}
	return envresolve.Context{ProcessPorts: ports, ProcessExports: exports}
}

func (s *Supervisor) startWithDeps(ctx context.Context, name string) error {
	cfg := s.configs[name]
	for _, dep := range cfg.DependsOn {
		depCfg, ok := s.configs[dep]
		if !ok {
			return &DependencyError{Process: name, Depends: dep, Reason: "unknown process"}
		}
		if !depCfg.AutoStartOrDefault() && s.GetState(dep).Status == managed.StatusPending {
			return &DependencyError{Process: name, Depends: dep, Reason: "dependency does not autostart and is not running"}
		}
		if err := s.waitReady(ctx, dep); err != nil {
			return &DependencyError{Process: name, Depends: dep, Reason: err.Error()}
		}
	}
	return s.StartProcess(ctx, name, managed.StartOptions{})
}

func (s *Supervisor) waitReady(ctx context.Context, name string) error {
	if s.GetState(name).Status == managed.StatusReady {
		return nil
	}
	timeout := time.Duration(s.settings.DependencyTimeout) * time.Millisecond
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("timed out waiting for %q to become ready", name)
		case <-ticker.C:
			st := s.GetState(name).Status
			if st == managed.StatusReady {
				return nil
			}
			if st == managed.StatusCrashed || st == managed.StatusCompleted {
				return fmt.Errorf("%q reached terminal state %q before becoming ready", name, st)
			}
		}
	}
}

// StartProcess starts one already-registered process.
func (s *Supervisor) StartProcess(ctx context.Context, name string, opts managed.StartOptions) error {
	p, ok := s.process(name)
	if !ok {
		return &NotFoundError{Name: name}
	}
	return p.Start(ctx, opts)
}

// StopProcess stops one process, canceling any pending restart backoff.
func (s *Supervisor) StopProcess(ctx context.Context, name string) error {
	p, ok := s.process(name)
	if !ok {
		return &NotFoundError{Name: name}
	}
	s.cancelRestart(name)
	return p.Stop(ctx)
}

// RestartProcess stops then starts a process unconditionally.
func (s *Supervisor) RestartProcess(ctx context.Context, name string) error {
	if _, ok := s.process(name); !ok {
		return &NotFoundError{Name: name}
	}
	if err := s.StopProcess(ctx, name); err != nil {
		return err
	}
	return s.StartProcess(ctx, name, managed.StartOptions{})
}

// RestartIfRunning restarts name only if it is currently starting, running
// or ready,
// reporting whether a restart was actually triggered. Used for env-file
// change propagation, where stopped processes are left alone.
func (s *Supervisor) RestartIfRunning(ctx context.Context, name string) (bool, error) {
	p, ok := s.process(name)
	if !ok {
		return false, &NotFoundError{Name: name}
	}
	switch p.GetState().Status {
	case managed.StatusRunning, managed.StatusReady, managed.StatusStarting:
		return true, s.RestartProcess(ctx, name)
	default:
		return false, nil
	}
}

// RestartProcessesIfRunning applies RestartIfRunning to every name in
// parallel, returning on the first error while still waiting for the rest.
func (s *Supervisor) RestartProcessesIfRunning(ctx context.Context, names []string) error {
	var wg sync.WaitGroup
	errs := make([]error, len(names))
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			_, err := s.RestartIfRunning(ctx, name)
			errs[i] = err
		}(i, name)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops every registered process in reverse dependency order.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.stopPoll()
	s.mu.Lock()
	order := append([]string{}, s.order...)
	s.mu.Unlock()

	var firstErr error
	for i := len(order) - 1; i >= 0; i-- {
		if err := s.StopProcess(ctx, order[i]); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *Supervisor) process(name string) (*managed.Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[name]
	return p, ok
}

// GetProcess exposes the underlying ManagedProcess for callers (e.g. the
// dispatcher) that need direct access to logs/state.
func (s *Supervisor) GetProcess(name string) (*managed.Process, bool) {
	return s.process(name)
}

// GetState returns name's observable state, or a zero State if unknown.
func (s *Supervisor) GetState(name string) managed.State {
	p, ok := s.process(name)
	if !ok {
		return managed.State{}
	}
	return p.GetState()
}

// ListProcesses returns every registered process's state, ordered by
// dependency order.
func (s *Supervisor) ListProcesses() []managed.State {
	s.mu.Lock()
	order := append([]string{}, s.order...)
	s.mu.Unlock()

	out := make([]managed.State, 0, len(order))
	for _, name := range order {
		out = append(out, s.GetState(name))
	}
	return out
}

// GetLogs returns up to tail lines of stream for name.
func (s *Supervisor) GetLogs(name string, stream managed.Stream, tail int) ([]string, error) {
	p, ok := s.process(name)
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	return p.GetLogs(stream, tail), nil
}

// GetURL returns name's URL, or "" if its port is not yet known.
func (s *Supervisor) GetURL(name string) (string, error) {
	p, ok := s.process(name)
	if !ok {
		return "", &NotFoundError{Name: name}
	}
	return p.GetState().URL, nil
}

// Reload applies a new resolved manifest against the current one,
// following the apply order: stop removed, stop changed, re-register
// added and changed, start added and changed in dependency order.
func (s *Supervisor) Reload(ctx context.Context, resolved []manifest.ResolvedProcessConfig) (manifest.Diff, error) {
	newByName := make(map[string]manifest.ResolvedProcessConfig, len(resolved))
	newOrder := make([]string, 0, len(resolved))
	for _, cfg := range resolved {
		newByName[cfg.Name] = cfg
		newOrder = append(newOrder, cfg.Name)
	}

	s.mu.Lock()
	oldByName := make(map[string]manifest.ResolvedProcessConfig, len(s.configs))
	for k, v := range s.configs {
		oldByName[k] = v
	}
	s.mu.Unlock()

	diff := manifest.Compare(oldByName, newByName)

	for _, name := range diff.Removed {
		_ = s.StopProcess(ctx, name)
		s.mu.Lock()
		delete(s.processes, name)
		delete(s.configs, name)
		s.mu.Unlock()
	}
	for _, name := range diff.Changed {
		_ = s.StopProcess(ctx, name)
	}

	s.mu.Lock()
	for _, name := range append(append([]string{}, diff.Added...), diff.Changed...) {
		cfg := newByName[name]
		if contains(diff.Changed, name) {
			delete(s.processes, name) // re-register below, preserving exports/ports via the shared envCtx snapshot
		}
		s.configs[name] = cfg
		if _, exists := s.processes[name]; !exists {
			s.register(cfg)
		}
	}
	s.order = newOrder
	s.mu.Unlock()

	for _, name := range newOrder {
		if !contains(diff.Added, name) && !contains(diff.Changed, name) {
			continue
		}
		cfg := newByName[name]
		if !cfg.AutoStartOrDefault() {
			continue
		}
		if err := s.startWithDeps(ctx, name); err != nil {
			return diff, err
		}
	}

	if s.elog != nil {
		_ = s.elog.Append(eventlog.Event{
			Type:    "reload",
			Added:   diff.Added,
			Removed: diff.Removed,
			Changed: diff.Changed,
		})
	}

	return diff, nil
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// watch is the single consumer of every ManagedProcess's event channel. It
// applies restart-policy decisions and keeps the shared EnvContext current.
func (s *Supervisor) watch() {
	for ev := range s.events {
		switch ev.Kind {
		case managed.EventCrashed:
			s.onCrashed(ev)
		case managed.EventReady:
			s.onReady(ev)
		case managed.EventPortDetected:
			s.envMu.Lock()
			s.envCtx.ProcessPorts[ev.Name] = ev.PortFound
			s.envMu.Unlock()
			s.propagateEnvCtx()
		case managed.EventExportSet:
			s.envMu.Lock()
			if s.envCtx.ProcessExports[ev.Name] == nil {
				s.envCtx.ProcessExports[ev.Name] = make(map[string]string)
			}
			s.envCtx.ProcessExports[ev.Name][ev.ExportName] = ev.ExportVal
			s.envMu.Unlock()
			s.propagateEnvCtx()
		}
	}
}

func (s *Supervisor) propagateEnvCtx() {
	snap := s.snapshotEnvCtx()
	s.mu.Lock()
	procs := make([]*managed.Process, 0, len(s.processes))
	for _, p := range s.processes {
		procs = append(procs, p)
	}
	s.mu.Unlock()
	for _, p := range procs {
		p.SetEnvContext(snap)
	}
}

func (s *Supervisor) onReady(ev managed.Event) {
	s.restartMu.Lock()
	rs, ok := s.restarts[ev.Name]
	s.restartMu.Unlock()
	if !ok || rs.lastBackoff <= 0 {
		return
	}
	name := ev.Name
	backoff := rs.lastBackoff
	timer := time.AfterFunc(backoff, func() {
		if p, ok := s.process(name); ok {
			p.ResetRestartCount()
		}
	})
	s.restartMu.Lock()
	if rs.resetTimer != nil {
		rs.resetTimer.Stop()
	}
	rs.resetTimer = timer
	s.restartMu.Unlock()
}

func (s *Supervisor) cancelRestart(name string) {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()
	if rs, ok := s.restarts[name]; ok && rs.resetTimer != nil {
		rs.resetTimer.Stop()
	}
}

func (s *Supervisor) onCrashed(ev managed.Event) {
	name := ev.Name
	p, ok := s.process(name)
	if !ok {
		return
	}
	s.mu.Lock()
	cfg := s.configs[name]
	s.mu.Unlock()

	policy := cfg.RestartPolicyOrDefault()
	var shouldRestart bool
	switch policy {
	case manifest.RestartAlways:
		shouldRestart = true
	case manifest.RestartOnFailure:
		shouldRestart = ev.ExitCode != 0
	case manifest.RestartNever:
		shouldRestart = false
	}
	if !shouldRestart {
		return
	}

	maxRestarts := cfg.MaxRestartsOrDefault()
	if p.RestartCount() >= maxRestarts {
		p.MarkGaveUp()
		return
	}

	backoffMs := 1 << uint(p.RestartCount())
	backoff := time.Duration(backoffMs) * time.Second
	backoffCap := time.Duration(s.settings.RestartBackoffMax) * time.Millisecond
	if backoff > backoffCap {
		backoff = backoffCap
	}

	s.restartMu.Lock()
	rs, exists := s.restarts[name]
	if !exists {
		rs = &restartState{}
		s.restarts[name] = rs
	}
	if rs.resetTimer != nil {
		rs.resetTimer.Stop()
	}
	rs.lastBackoff = backoff
	s.restartMu.Unlock()

	time.AfterFunc(backoff, func() {
		// A stop or an explicit start during the backoff takes precedence.
		if p.GetState().Status != managed.StatusCrashed {
			return
		}
		p.MarkRestarting()
		_ = p.Start(context.Background(), managed.StartOptions{})
	})
}

func (s *Supervisor) startPoll() {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	if s.pollStop != nil {
		return
	}
	s.pollStop = make(chan struct{})
	s.pollDone = make(chan struct{})
	s.pollInterval = fastPollInterval
	go s.pollLoop(s.pollStop, s.pollDone)
}

func (s *Supervisor) stopPoll() {
	s.pollMu.Lock()
	stop := s.pollStop
	done := s.pollDone
	s.pollStop = nil
	s.pollDone = nil
	s.pollMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (s *Supervisor) pollLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	timer := time.NewTimer(fastPollInterval)
	defer timer.Stop()
	for {
		select {
		case <-stop:
			return
		case <-timer.C:
			s.pollOnce()
			timer.Reset(s.currentPollInterval())
		}
	}
}

func (s *Supervisor) pollOnce() {
	s.mu.Lock()
	procs := make([]*managed.Process, 0, len(s.processes))
	for _, p := range s.processes {
		procs = append(procs, p)
	}
	s.mu.Unlock()
	for _, p := range procs {
		p.PollHostStatus()
		s.captureOutput(p)
	}
}

// captureOutput pulls the pane's current scrollback from the host and
// feeds only the text that has newly appeared since the last poll into
// the process's PushOutput, driving port detection and pattern-var
// export for both PaneHost variants (neither exposes a live per-line
// feed, only on-demand capture). If the pane's buffer has scrolled past
// what we last saw, the whole capture is pushed again rather than
// nothing; detectPort and applyPatternVars are both idempotent against
// repeated lines.
func (s *Supervisor) captureOutput(p *managed.Process) {
	id := p.PaneID()
	if id == "" {
		return
	}
	n := s.settings.LogBufferSize
	if n <= 0 {
		n = 1000
	}
	text, err := s.host.CapturePane(id, n)
	if err != nil || text == "" {
		return
	}

	s.captureMu.Lock()
	prev := s.captureSeen[id]
	s.captureMu.Unlock()
	if text == prev {
		return
	}

	delta := text
	if strings.HasPrefix(text, prev) {
		delta = text[len(prev):]
	}

	s.captureMu.Lock()
	s.captureSeen[id] = text
	s.captureMu.Unlock()

	if delta != "" {
		p.PushOutput(managed.StreamCombined, delta)
	}
}

func (s *Supervisor) currentPollInterval() time.Duration {
	s.mu.Lock()
	procs := make([]*managed.Process, 0, len(s.processes))
	for _, p := range s.processes {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	allSettled := true
	for _, p := range procs {
		switch p.GetState().Status {
		case managed.StatusReady, managed.StatusStopped, managed.StatusCrashed, managed.StatusCompleted:
		default:
			allSettled = false
		}
	}

	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	if allSettled {
		s.pollInterval = slowPollInterval
	} else {
		s.pollInterval = fastPollInterval
	}
	return s.pollInterval
}
