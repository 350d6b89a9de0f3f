//go:build windows

package panehost

import (
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {
	// No POSIX process groups on Windows; the child is killed directly by pid.
}

func killProcessGroup(pid int) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	_ = proc.Kill()
}

func interruptProcessGroup(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(os.Interrupt)
}
