package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stagehand-dev/stagehand/internal/dispatch"
	"github.com/stagehand-dev/stagehand/internal/eventlog"
	"github.com/stagehand-dev/stagehand/internal/interaction"
	"github.com/stagehand-dev/stagehand/internal/ipc"
	"github.com/stagehand-dev/stagehand/internal/logging"
	"github.com/stagehand-dev/stagehand/internal/manifest"
	"github.com/stagehand-dev/stagehand/internal/panehost"
	"github.com/stagehand-dev/stagehand/internal/session"
	"github.com/stagehand-dev/stagehand/internal/supervisor"
	"github.com/stagehand-dev/stagehand/internal/watch"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: GroupDiag,
	Short:   "Run the stagehand daemon in the foreground (normally auto-spawned)",
	Hidden:  true,
	RunE:    runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	path := manifestPath()
	log := logging.New(os.Stderr, "daemon", os.Getenv("STAGEHAND_DEBUG") != "")

	id, m, err := resolveIdentity(path)
	if err != nil {
		return err
	}
	settings := m.Settings.Normalized()

	resolveCwd := func(name string, cfg manifest.ProcessConfig) (string, error) {
		if cfg.Cwd == "" {
			return filepath.Abs(filepath.Dir(path))
		}
		if filepath.IsAbs(cfg.Cwd) {
			return cfg.Cwd, nil
		}
		return filepath.Abs(filepath.Join(filepath.Dir(path), cfg.Cwd))
	}
	resolved, err := manifest.Resolve(m, resolveCwd)
	if err != nil {
		return err
	}

	host := panehost.Detect(os.Getenv("STAGEHAND_MULTIPLEXER"))
	sup := supervisor.New(host, settings)

	runtimeRoot := filepath.Join(os.TempDir(), "stagehand-runtime")
	runtimeDir := id.RuntimeDir(runtimeRoot)
	if err := os.MkdirAll(runtimeDir, 0o755); err != nil {
		return fmt.Errorf("creating runtime dir: %w", err)
	}
	eventsPath := filepath.Join(runtimeDir, "events.jsonl")
	elog, err := eventlog.Open(eventsPath)
	if err != nil {
		return fmt.Errorf("opening event log: %w", err)
	}
	sup.SetEventLog(elog)
	broker := interaction.New(host, elog, eventsPath, os.Getenv("STAGEHAND_INTERACT_RUNNER"))
	d := dispatch.New(sup, broker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	result, err := ipc.BindOrProxy(id.SocketPath(), dispatchHandler(d, cancel))
	if err != nil {
		return fmt.Errorf("binding daemon socket: %w", err)
	}
	if result.Client != nil {
		// Another process already won the race and is serving this
		// workspace; nothing for this process to do.
		log.Infof("daemon already running for this workspace, exiting")
		return result.Client.Close()
	}

	absManifest, err := filepath.Abs(path)
	if err != nil {
		absManifest = path
	}
	reg := session.Registration{
		PID:          os.Getpid(),
		ManifestPath: absManifest,
		SocketPath:   id.SocketPath(),
		BoundAt:      time.Now(),
	}
	if err := session.WriteRegistration(runtimeDir, reg); err != nil {
		log.Warnf("writing session registration: %v", err)
	}

	if err := sup.StartAll(ctx, resolved); err != nil {
		return fmt.Errorf("starting processes: %w", err)
	}
	log.Infof("daemon started, socket at %s", id.SocketPath())

	envFileWatcher, err := watch.NewEnvFileWatcher()
	if err != nil {
		log.Warnf("starting env file watcher: %v", err)
	} else {
		envFileWatcher.OnChange = func(names []string) {
			if err := sup.RestartProcessesIfRunning(ctx, names); err != nil {
				log.Warnf("restarting processes after env file change: %v", err)
			}
		}
		envFileWatcher.OnError = func(err error) { log.Warnf("env file watcher: %v", err) }
		_ = envFileWatcher.SetOwners(envFileOwners(resolved))
		envFileWatcher.Start()
		defer func() { _ = envFileWatcher.Stop() }()
	}

	configWatcher, err := watch.NewConfigWatcher(path)
	if err != nil {
		log.Warnf("starting config watcher: %v", err)
	} else {
		configWatcher.OnChange = func() {
			newM, loadErr := manifest.Load(path)
			if loadErr != nil {
				log.Warnf("reloading manifest: %v", loadErr)
				return
			}
			newResolved, resolveErr := manifest.Resolve(newM, resolveCwd)
			if resolveErr != nil {
				log.Warnf("resolving reloaded manifest: %v", resolveErr)
				return
			}
			if _, reloadErr := sup.Reload(ctx, newResolved); reloadErr != nil {
				log.Warnf("applying reloaded manifest: %v", reloadErr)
				return
			}
			if envFileWatcher != nil {
				_ = envFileWatcher.SetOwners(envFileOwners(newResolved))
			}
			log.Infof("manifest reloaded")
		}
		configWatcher.OnError = func(err error) { log.Warnf("config watcher: %v", err) }
		if err := configWatcher.Start(); err != nil {
			log.Warnf("starting config watcher: %v", err)
		}
		defer func() { _ = configWatcher.Stop() }()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Infof("received shutdown signal")
		cancel()
	}()

	serveErr := result.Server.Serve(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Duration(settings.ProcessStopTimeout)*time.Millisecond)
	defer stopCancel()
	_ = sup.StopAll(stopCtx)

	return serveErr
}

// envFileOwners inverts resolved's per-process env_file declarations into
// an env file path -> owning process names map, resolving relative paths
// against each process's cwd, for EnvFileWatcher.SetOwners.
func envFileOwners(resolved []manifest.ResolvedProcessConfig) map[string][]string {
	owners := make(map[string][]string)
	for _, cfg := range resolved {
		if cfg.EnvFile == "" {
			continue
		}
		path := cfg.EnvFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.Cwd, path)
		}
		owners[path] = append(owners[path], cfg.Name)
	}
	return owners
}
