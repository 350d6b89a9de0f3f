// Package managed implements one supervised child: its state machine,
// readiness detection, log capture, health probing, and env context.
// Restart scheduling itself is delegated back to the Supervisor —
// ManagedProcess only reports crashes as events.
package managed

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/stagehand-dev/stagehand/internal/envresolve"
	"github.com/stagehand-dev/stagehand/internal/healthprobe"
	"github.com/stagehand-dev/stagehand/internal/logbuf"
	"github.com/stagehand-dev/stagehand/internal/manifest"
	"github.com/stagehand-dev/stagehand/internal/panehost"
)

// Status is a process's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusReady     Status = "ready"
	StatusCrashed   Status = "crashed"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
)

// Stream selects which captured output tail() reads from.
type Stream string

const (
	StreamStdout   Stream = "stdout"
	StreamStderr   Stream = "stderr"
	StreamCombined Stream = "combined"
)

// State is the observable snapshot of a ManagedProcess.
type State struct {
	Name          string
	Status        Status
	Pid           *int
	Port          *int
	URL           string
	Healthy       *bool
	RestartCount  int
	LastRestartAt time.Time
	ExitCode      *int
	Error         string
	Exports       map[string]string
}

// StartOptions customizes one Start call.
type StartOptions struct {
	Args  []string
	Env   map[string]string
	Force bool
}

// Event is emitted by a ManagedProcess for the Supervisor to consume; the
// Supervisor owns restart scheduling and all cross-process coordination.
// ManagedProcess never reaches back into the Supervisor directly.
type Event struct {
	Name       string
	Kind       EventKind
	ExitCode   int
	PortFound  int
	ExportName string
	ExportVal  string
	Err        error
}

// EventKind discriminates the Event payload.
type EventKind string

const (
	EventReady        EventKind = "ready"
	EventCrashed      EventKind = "crashed"
	EventCompleted    EventKind = "completed"
	EventPortDetected EventKind = "port_detected"
	EventExportSet    EventKind = "export_set"
	EventStarting     EventKind = "starting"
	EventStopped      EventKind = "stopped"
)

var defaultPortPatterns = []*regexp.Regexp{
	regexp.MustCompile(`http://localhost:(\d+)`),
	regexp.MustCompile(`(?i)listening on port (\d+)`),
	regexp.MustCompile(`Local:\s+http://localhost:(\d+)`),
	regexp.MustCompile(`(?i)Server.*?:(\d+)\b`),
}

// Process owns one supervised child.
type Process struct {
	name   string
	cfg    manifest.ResolvedProcessConfig
	host   panehost.Host
	events chan<- Event

	stopTimeout time.Duration

	mu            sync.Mutex
	status        Status
	paneID        panehost.PaneID
	pid           *int
	port          *int
	healthy       *bool
	restartCount  int
	lastRestartAt time.Time
	exitCode      *int
	lastErr       string
	exports       map[string]string
	readyVarsSeen map[string]bool

	stdout   *logbuf.LogBuffer
	stderr   *logbuf.LogBuffer
	combined *logbuf.LogBuffer

	envCtx envresolve.Context

	probeCancel context.CancelFunc

	patternVars map[string]*regexp.Regexp
}

// New constructs a Process for cfg. events receives lifecycle notifications
// the Supervisor consumes; logBufSize sizes each LogBuffer.
func New(cfg manifest.ResolvedProcessConfig, host panehost.Host, events chan<- Event, logBufSize int, stopTimeout time.Duration) *Process {
	p := &Process{
		name:          cfg.Name,
		cfg:           cfg,
		host:          host,
		events:        events,
		stopTimeout:   stopTimeout,
		status:        StatusPending,
		exports:       make(map[string]string),
		readyVarsSeen: make(map[string]bool),
		stdout:        logbuf.New(logBufSize),
		stderr:        logbuf.New(logBufSize),
		combined:      logbuf.New(logBufSize),
		patternVars:   make(map[string]*regexp.Regexp),
	}
	if cfg.Port != 0 {
		port := cfg.Port
		p.port = &port
	}
	for name, pattern := range cfg.StdoutPatternVars {
		if re, err := regexp.Compile(pattern); err == nil {
			p.patternVars[name] = re
		}
	}
	return p
}

// SetEnvContext installs the shared EnvContext the Supervisor maintains.
// Re-injected whenever relevant context changes.
func (p *Process) SetEnvContext(ctx envresolve.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envCtx = ctx
}

// Name returns the process's configured name.
func (p *Process) Name() string { return p.name }

// GetState returns a snapshot of the observable ProcessState.
func (p *Process) GetState() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stateLocked()
}

func (p *Process) stateLocked() State {
	s := State{
		Name:          p.name,
		Status:        p.status,
		Pid:           p.pid,
		Port:          p.port,
		Healthy:       p.healthy,
		RestartCount:  p.restartCount,
		LastRestartAt: p.lastRestartAt,
		ExitCode:      p.exitCode,
		Error:         p.lastErr,
		Exports:       cloneMap(p.exports),
	}
	if p.port != nil {
		s.URL = fmt.Sprintf("http://localhost:%d", *p.port)
	}
	return s
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// AlreadyRunningError is returned by Start when the process is already
// running; it never double-spawns a child.
type AlreadyRunningError struct{ Name string }

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("process %q is already running", e.Name)
}

// Start resolves env and command against the live EnvContext, spawns the
// pane, and kicks off health probing and readiness evaluation.
func (p *Process) Start(ctx context.Context, opts StartOptions) error {
	p.mu.Lock()
	if p.status == StatusStarting || p.status == StatusRunning || p.status == StatusReady {
		p.mu.Unlock()
		return &AlreadyRunningError{Name: p.name}
	}
	envCtx := p.envCtx
	p.mu.Unlock()

	if opts.Force || p.cfg.Force {
		p.reclaimPort()
	}

	if p.port != nil {
		port := *p.port
		envCtx.CurrentPort = &port
	}
	base := p.cfg.Env
	if p.cfg.EnvFile != "" {
		envFilePath := p.cfg.EnvFile
		if !filepath.IsAbs(envFilePath) {
			envFilePath = filepath.Join(p.cfg.Cwd, envFilePath)
		}
		fileVars, ferr := envresolve.ParseEnvFile(envFilePath)
		if ferr != nil {
			p.mu.Lock()
			p.lastErr = ferr.Error()
			p.mu.Unlock()
			return fmt.Errorf("reading env file for %q: %w", p.name, ferr)
		}
		merged := make(map[string]string, len(base)+len(fileVars))
		for k, v := range base {
			merged[k] = v
		}
		for k, v := range fileVars {
			merged[k] = v
		}
		base = merged
	}
	env, err := envCtx.ResolveEnv(base, opts.Env)
	if err != nil {
		p.mu.Lock()
		p.lastErr = err.Error()
		p.mu.Unlock()
		return fmt.Errorf("resolving env: %w", err)
	}
	command, err := envCtx.Resolve(p.cfg.Command)
	if err != nil {
		p.mu.Lock()
		p.lastErr = err.Error()
		p.mu.Unlock()
		return fmt.Errorf("resolving command: %w", err)
	}
	if p.port != nil {
		env["PORT"] = fmt.Sprintf("%d", *p.port)
	}

	id, err := p.host.CreatePane(ctx, p.name, command, p.cfg.Cwd, env)
	if err != nil {
		p.mu.Lock()
		p.status = StatusCrashed
		p.lastErr = fmt.Sprintf("spawn failed: %v", err)
		p.mu.Unlock()
		p.emit(Event{Name: p.name, Kind: EventCrashed, Err: err})
		return fmt.Errorf("spawning %q: %w", p.name, err)
	}

	p.mu.Lock()
	p.paneID = id
	p.status = StatusStarting
	if status, statErr := p.host.Poll(id); statErr == nil {
		p.pid = &status.Pid
	}
	p.mu.Unlock()
	p.emit(Event{Name: p.name, Kind: EventStarting})

	if p.cfg.HealthCheck != "" {
		p.startHealthProbe()
	}

	p.evaluateReadiness()
	return nil
}

// reclaimPort kills any process bound to the configured port before a
// forced (re)start, so a stale listener left behind by a previous run
// doesn't block the new spawn. Best-effort: failures here are swallowed,
// since the ordinary bind failure still surfaces from the spawn itself.
func (p *Process) reclaimPort() {
	if p.port == nil {
		return
	}
	for _, pid := range pidsOnPort(*p.port) {
		if pid == os.Getpid() {
			continue
		}
		_ = exec.Command("kill", "-9", fmt.Sprintf("%d", pid)).Run()
	}
}

// pidsOnPort shells out to lsof to find pids with a listener bound to
// port. Returns nil if lsof is unavailable or finds nothing.
func pidsOnPort(port int) []int {
	out, err := exec.Command("lsof", "-t", "-i", fmt.Sprintf(":%d", port)).Output()
	if err != nil {
		return nil
	}
	var pids []int
	for _, field := range strings.Fields(string(out)) {
		var pid int
		if _, err := fmt.Sscanf(field, "%d", &pid); err == nil {
			pids = append(pids, pid)
		}
	}
	return pids
}

func (p *Process) startHealthProbe() {
	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.probeCancel = cancel
	p.mu.Unlock()

	probe := healthprobe.New(healthprobe.Config{URL: p.cfg.HealthCheck}, func(tr healthprobe.Transition) {
		p.mu.Lock()
		healthy := tr.Healthy
		p.healthy = &healthy
		p.mu.Unlock()
		p.evaluateReadiness()
	})
	go probe.Run(ctx)
}

// PushOutput feeds one chunk of captured stdout or stderr into the
// process's log buffers and the port/export regex pipelines. The
// Supervisor's poll loop calls this with each new pane capture.
func (p *Process) PushOutput(stream Stream, text string) {
	p.mu.Lock()
	switch stream {
	case StreamStdout:
		p.stdout.PushLines(text)
	case StreamStderr:
		p.stderr.PushLines(text)
	}
	p.combined.PushLines(text)
	p.mu.Unlock()

	for _, line := range splitLines(text) {
		p.detectPort(line)
		p.applyPatternVars(line)
	}
}

func splitLines(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			if i > start {
				out = append(out, text[start:i])
			}
			start = i + 1
		}
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}

func (p *Process) detectPort(line string) {
	p.mu.Lock()
	if p.port != nil {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	for _, re := range defaultPortPatterns {
		m := re.FindStringSubmatch(line)
		if len(m) < 2 {
			continue
		}
		var port int
		if _, err := fmt.Sscanf(m[1], "%d", &port); err != nil || port == 0 {
			continue
		}
		p.mu.Lock()
		if p.port == nil {
			p.port = &port
		}
		p.mu.Unlock()
		p.emit(Event{Name: p.name, Kind: EventPortDetected, PortFound: port})
		p.evaluateReadiness()
		return
	}
}

func (p *Process) applyPatternVars(line string) {
	for name, re := range p.patternVars {
		m := re.FindStringSubmatch(line)
		if len(m) < 2 {
			continue
		}
		p.mu.Lock()
		p.exports[name] = m[1]
		p.mu.Unlock()
		p.emit(Event{Name: p.name, Kind: EventExportSet, ExportName: name, ExportVal: m[1]})
	}
	if len(p.cfg.ReadyVars) > 0 {
		p.evaluateReadiness()
	}
}

// evaluateReadiness applies the readiness rule in priority order: a
// configured health check must report healthy; otherwise every readyVar
// (including the synthetic "port" var) must have arrived; otherwise a
// detected port is enough; otherwise the process is ready as soon as it
// has successfully spawned. Also runs while already ready, so a health
// check that later flips unhealthy can degrade status back to running —
// ready must never coexist with healthy=false.
func (p *Process) evaluateReadiness() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status != StatusStarting && p.status != StatusRunning && p.status != StatusReady {
		return
	}

	ready := false
	switch {
	case p.cfg.HealthCheck != "":
		ready = p.healthy != nil && *p.healthy
	case len(p.cfg.ReadyVars) > 0:
		ready = true
		for _, v := range p.cfg.ReadyVars {
			if v == "port" {
				if p.port == nil {
					ready = false
					break
				}
				continue
			}
			if _, ok := p.exports[v]; !ok {
				ready = false
				break
			}
		}
	case p.port != nil:
		ready = true
	default:
		ready = p.status == StatusStarting || p.status == StatusRunning
	}
	if p.healthy != nil && !*p.healthy {
		ready = false
	}

	if !ready {
		if p.status == StatusStarting || p.status == StatusReady {
			p.status = StatusRunning
		}
		return
	}
	if p.status == StatusReady {
		return
	}
	p.status = StatusReady
	name, kind := p.name, EventReady
	p.mu.Unlock()
	p.emit(Event{Name: name, Kind: kind})
	p.mu.Lock()
}

// OnChildExit is called by the Supervisor's watcher when the PaneHost
// reports the child has exited. A clean exit under a never-restart policy
// completes the process; any other exit crashes it. Restart decisions
// remain the Supervisor's.
func (p *Process) OnChildExit(exitCode int) {
	p.mu.Lock()
	if p.status == StatusStopped {
		p.mu.Unlock()
		return
	}
	p.exitCode = &exitCode
	p.pid = nil
	if p.probeCancel != nil {
		p.probeCancel()
		p.probeCancel = nil
	}

	policy := p.cfg.RestartPolicyOrDefault()
	if exitCode == 0 && policy == manifest.RestartNever {
		p.status = StatusCompleted
		p.mu.Unlock()
		p.emit(Event{Name: p.name, Kind: EventCompleted, ExitCode: exitCode})
		return
	}
	p.status = StatusCrashed
	p.mu.Unlock()
	p.emit(Event{Name: p.name, Kind: EventCrashed, ExitCode: exitCode})
}

// MarkRestarting bumps the restart bookkeeping of a crashed process; the
// Start that follows moves it back to starting. Called by the Supervisor
// after it decides (per restart policy and backoff) that a restart should
// happen.
func (p *Process) MarkRestarting() {
	p.mu.Lock()
	p.restartCount++
	p.lastRestartAt = time.Now()
	p.mu.Unlock()
}

// ResetRestartCount clears restartCount after a process has stayed ready
// long enough to count as recovered.
func (p *Process) ResetRestartCount() {
	p.mu.Lock()
	p.restartCount = 0
	p.mu.Unlock()
}

// RestartCount returns the current consecutive-restart count.
func (p *Process) RestartCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restartCount
}

// LastRestartAt returns the time of the most recent restart, or zero.
func (p *Process) LastRestartAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRestartAt
}

// MarkGaveUp sets status = crashed with the max-restarts error, once the
// Supervisor decides restartCount has reached the process's limit.
func (p *Process) MarkGaveUp() {
	p.mu.Lock()
	p.status = StatusCrashed
	p.lastErr = "max restarts exceeded"
	p.mu.Unlock()
}

// MarkDependencyError records a dependency-timeout failure: the process
// becomes crashed with err as its error. It emits no event and leaves the
// restart counter unchanged.
func (p *Process) MarkDependencyError(err error) {
	p.mu.Lock()
	p.status = StatusCrashed
	p.lastErr = err.Error()
	p.mu.Unlock()
}

// Stop sends an interrupt, waits up to stopTimeout, then kills.
// restartCount is preserved.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	id := p.paneID
	if p.probeCancel != nil {
		p.probeCancel()
		p.probeCancel = nil
	}
	p.mu.Unlock()
	if id == "" {
		p.mu.Lock()
		p.status = StatusStopped
		p.mu.Unlock()
		return nil
	}

	_ = p.host.SendInterrupt(id)

	deadline := time.NewTimer(p.stopTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = p.host.KillPane(id)
			p.finishStop()
			return ctx.Err()
		case <-deadline.C:
			_ = p.host.KillPane(id)
			p.finishStop()
			return nil
		case <-ticker.C:
			status, err := p.host.Poll(id)
			if err == nil && !status.Alive {
				p.finishStop()
				return nil
			}
		}
	}
}

func (p *Process) finishStop() {
	p.mu.Lock()
	p.status = StatusStopped
	p.pid = nil
	p.mu.Unlock()
	p.emit(Event{Name: p.name, Kind: EventStopped})
}

// GetLogs returns up to tail lines from the requested stream, default 100.
func (p *Process) GetLogs(stream Stream, tail int) []string {
	if tail <= 0 {
		tail = 100
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch stream {
	case StreamStdout:
		return p.stdout.Tail(tail)
	case StreamStderr:
		return p.stderr.Tail(tail)
	default:
		return p.combined.Tail(tail)
	}
}

// PollHostStatus asks the PaneHost for this process's current liveness and
// reports a crash event if the pane died outside our control.
func (p *Process) PollHostStatus() {
	p.mu.Lock()
	id := p.paneID
	status := p.status
	p.mu.Unlock()
	if id == "" || (status != StatusStarting && status != StatusRunning && status != StatusReady) {
		return
	}
	hostStatus, err := p.host.Poll(id)
	if err != nil || hostStatus.Alive {
		return
	}
	p.OnChildExit(hostStatus.ExitCode)
}

// PaneID exposes the underlying pane handle for host-status polling and
// log capture orchestrated by the Supervisor.
func (p *Process) PaneID() panehost.PaneID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paneID
}

func (p *Process) emit(ev Event) {
	if p.events == nil {
		return
	}
	select {
	case p.events <- ev:
	default:
	}
}
