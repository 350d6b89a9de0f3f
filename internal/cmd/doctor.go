package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stagehand-dev/stagehand/internal/ipc"
	"github.com/stagehand-dev/stagehand/internal/manifest"
	"github.com/stagehand-dev/stagehand/internal/session"
)

var doctorCmd = &cobra.Command{
	Use:     "doctor",
	GroupID: GroupDiag,
	Short:   "Check that the manifest, daemon socket, and process commands look healthy",
	RunE:    runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

type doctorCheck struct {
	name string
	ok   bool
	note string
}

func runDoctor(cmd *cobra.Command, args []string) error {
	path := manifestPath()
	var checks []doctorCheck

	m, err := manifest.Load(path)
	if err != nil {
		checks = append(checks, doctorCheck{name: "manifest " + path, ok: false, note: err.Error()})
		return printDoctorChecks(checks)
	}
	checks = append(checks, doctorCheck{name: "manifest " + path, ok: true, note: fmt.Sprintf("%d process(es) declared", len(m.Processes))})

	for name, cfg := range m.Processes {
		bin := firstToken(cfg.Command)
		if bin == "" {
			checks = append(checks, doctorCheck{name: "command for " + name, ok: false, note: "empty command"})
			continue
		}
		if _, err := exec.LookPath(bin); err != nil {
			checks = append(checks, doctorCheck{name: "command for " + name, ok: false, note: fmt.Sprintf("%q not found on PATH", bin)})
			continue
		}
		checks = append(checks, doctorCheck{name: "command for " + name, ok: true})
	}

	id, _, err := resolveIdentity(path)
	if err != nil {
		checks = append(checks, doctorCheck{name: "session identity", ok: false, note: err.Error()})
		return printDoctorChecks(checks)
	}

	if client, err := ipc.Probe(id.SocketPath()); err != nil {
		checks = append(checks, doctorCheck{name: "daemon socket", ok: true, note: "no daemon running yet; `stage up` will spawn one"})
	} else {
		client.Close()
		checks = append(checks, doctorCheck{name: "daemon socket", ok: true, note: "reachable at " + id.SocketPath()})
	}

	checks = append(checks, staleSessionChecks()...)

	return printDoctorChecks(checks)
}

// staleSessionChecks reports registered sessions whose socket no longer
// answers: a daemon that recorded itself but exited without cleaning up.
func staleSessionChecks() []doctorCheck {
	runtimeRoot := filepath.Join(os.TempDir(), "stagehand-runtime")
	regs, err := session.ListRegistrations(runtimeRoot)
	if err != nil {
		return []doctorCheck{{name: "stale sessions", ok: false, note: err.Error()}}
	}
	var stale []doctorCheck
	for _, reg := range regs {
		if client, err := ipc.Probe(reg.SocketPath); err == nil {
			client.Close()
			continue
		}
		stale = append(stale, doctorCheck{
			name: "stale session " + reg.ManifestPath,
			ok:   false,
			note: fmt.Sprintf("registered at %s (pid %d) but socket %s is unreachable", reg.BoundAt.Format("15:04:05"), reg.PID, reg.SocketPath),
		})
	}
	return stale
}

func firstToken(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func printDoctorChecks(checks []doctorCheck) error {
	p := printer()
	failed := 0
	for _, c := range checks {
		mark := "ok"
		if !c.ok {
			mark = "fail"
			failed++
		}
		line := fmt.Sprintf("[%s] %s", mark, c.name)
		if c.note != "" {
			line += ": " + c.note
		}
		if c.ok {
			fmt.Println(line)
		} else {
			fmt.Println(p.Bold(line))
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}
