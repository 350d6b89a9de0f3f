package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/stagehand-dev/stagehand/internal/cliui"
	"github.com/stagehand-dev/stagehand/internal/dispatch"
	"github.com/stagehand-dev/stagehand/internal/ipc"
	"github.com/stagehand-dev/stagehand/internal/manifest"
	"github.com/stagehand-dev/stagehand/internal/session"
)

func manifestPath() string {
	if manifestFlag != "" {
		return manifestFlag
	}
	return "stagehand.toml"
}

func resolveIdentity(path string) (session.Identity, manifest.Manifest, error) {
	m, err := manifest.Load(path)
	if err != nil {
		return session.Identity{}, manifest.Manifest{}, err
	}
	configDir := filepath.Dir(path)
	reuseKey := m.Reuse.Key
	if m.Reuse.Enabled && reuseKey == "" {
		reuseKey = configDir
	}
	if !m.Reuse.Enabled {
		// Reuse disabled means every invocation gets its own daemon;
		// fold the PID into the key so concurrent runs never collide.
		reuseKey = fmt.Sprintf("%s:%d", configDir, os.Getpid())
	}
	id, err := session.Resolve(configDir, reuseKey)
	return id, m, err
}

// connectOrSpawn returns a Client proxying to the daemon for path's
// workspace, starting a detached daemon process if none is reachable yet.
func connectOrSpawn(path string) (*ipc.Client, error) {
	id, _, err := resolveIdentity(path)
	if err != nil {
		return nil, err
	}
	socketPath := id.SocketPath()

	if client, err := ipc.Probe(socketPath); err == nil {
		return client, nil
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("finding stage executable: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving manifest path: %w", err)
	}

	daemonProc := exec.Command(exe, "daemon", "--manifest", abs)
	daemonProc.Stdin = nil
	daemonProc.Stdout = nil
	daemonProc.Stderr = nil
	if err := daemonProc.Start(); err != nil {
		return nil, fmt.Errorf("starting daemon: %w", err)
	}
	_ = daemonProc.Process.Release()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if client, err := ipc.Probe(socketPath); err == nil {
			return client, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil, fmt.Errorf("daemon did not become reachable at %s", socketPath)
}

func printer() *cliui.Printer { return cliui.New(os.Stdout) }

// call is a small generic-free helper wrapping Client.Call with the
// dispatch package's parameter/result types, to keep subcommand RunE
// functions terse.
func call(client *ipc.Client, method string, params, out interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return client.Call(ctx, method, params, out)
}

// dispatchHandler adapts a dispatch.Dispatcher to the ipc.Handler shape the
// daemon's Server calls for every proxied request. shutdown is invoked for
// the daemon-lifecycle "shutdown" method, which sits outside the
// ToolDispatcher's process-level operation table.
func dispatchHandler(d *dispatch.Dispatcher, shutdown func()) ipc.Handler {
	return func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
		switch method {
		case "shutdown":
			shutdown()
			return "ok", nil

		case "list_processes":
			return d.ListProcesses(), nil

		case "get_status":
			var p struct{ Name string }
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			return d.GetStatus(p.Name)

		case "get_logs":
			var p dispatch.GetLogsParams
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			return d.GetLogs(p)

		case "get_url":
			var p struct{ Name string }
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			return d.GetURL(p.Name)

		case "start_process":
			var p dispatch.StartProcessParams
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			return d.StartProcess(ctx, p)

		case "stop_process":
			var p struct{ Name string }
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			return d.StopProcess(ctx, p.Name)

		case "restart_process":
			var p struct{ Name string }
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			return d.RestartProcess(ctx, p.Name)

		case "create_interaction":
			var p dispatch.CreateInteractionParams
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			return d.CreateInteraction(ctx, p)

		case "cancel_interaction":
			var p struct{ ID string }
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			return nil, d.CancelInteraction(p.ID)

		case "wait_interaction":
			var p dispatch.WaitInteractionParams
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, err
			}
			return d.WaitInteraction(ctx, p)

		default:
			return nil, fmt.Errorf("unknown method %q", method)
		}
	}
}
