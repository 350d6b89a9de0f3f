package panehost

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestHostTerminalWindow_CreateAndCapture(t *testing.T) {
	h := NewHostTerminalWindow()
	id, err := h.CreatePane(context.Background(), "proc", "echo hello; echo world", "", nil)
	if err != nil {
		t.Fatalf("CreatePane() error = %v", err)
	}

	waitForExit(t, h, id)

	out, err := h.CapturePane(id, 10)
	if err != nil {
		t.Fatalf("CapturePane() error = %v", err)
	}
	if !strings.Contains(out, "hello") || !strings.Contains(out, "world") {
		t.Errorf("CapturePane() = %q, want it to contain hello and world", out)
	}
}

func TestHostTerminalWindow_PollReportsExitCode(t *testing.T) {
	h := NewHostTerminalWindow()
	id, err := h.CreatePane(context.Background(), "proc", "exit 3", "", nil)
	if err != nil {
		t.Fatalf("CreatePane() error = %v", err)
	}

	waitForExit(t, h, id)

	status, err := h.Poll(id)
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if status.Alive {
		t.Error("Poll().Alive = true, want false after exit")
	}
	if status.ExitCode != 3 {
		t.Errorf("Poll().ExitCode = %d, want 3", status.ExitCode)
	}
}

func TestHostTerminalWindow_KillPaneTerminatesChild(t *testing.T) {
	h := NewHostTerminalWindow()
	id, err := h.CreatePane(context.Background(), "proc", "sleep 30", "", nil)
	if err != nil {
		t.Fatalf("CreatePane() error = %v", err)
	}

	if err := h.KillPane(id); err != nil {
		t.Fatalf("KillPane() error = %v", err)
	}

	if _, err := h.Poll(id); err == nil {
		t.Error("Poll() after KillPane() should report unknown pane")
	}
}

func TestHostTerminalWindow_SupportsGeometryFalse(t *testing.T) {
	h := NewHostTerminalWindow()
	if h.SupportsGeometry() {
		t.Error("SupportsGeometry() = true, want false for HostTerminalWindow")
	}
}

func waitForExit(t *testing.T, h *HostTerminalWindow, id PaneID) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		status, err := h.Poll(id)
		if err != nil {
			t.Fatalf("Poll() error = %v", err)
		}
		if !status.Alive {
			return
		}
		select {
		case <-deadline:
			t.Fatal("process did not exit in time")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
