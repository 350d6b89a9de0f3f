package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLogger_DebugfSuppressedWithoutDebug(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "daemon", false)
	l.Debugf("hidden %d", 1)
	if buf.Len() != 0 {
		t.Errorf("Debugf wrote output with debug=false: %q", buf.String())
	}
}

func TestLogger_DebugfEmitsWithDebug(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "daemon", true)
	l.Debugf("shown %d", 1)
	if !strings.Contains(buf.String(), "shown 1") {
		t.Errorf("Debugf output = %q, want to contain %q", buf.String(), "shown 1")
	}
}

func TestLogger_InfofIncludesComponentPrefix(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "supervisor", false)
	l.Infof("started")
	if !strings.Contains(buf.String(), "supervisor") {
		t.Errorf("Infof output = %q, want to contain component name", buf.String())
	}
}

func TestLogger_WithComponentSharesOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "daemon", false)
	child := l.WithComponent("watch")
	child.Warnf("retrying")
	if !strings.Contains(buf.String(), "watch") {
		t.Errorf("WithComponent logger output = %q, want to contain %q", buf.String(), "watch")
	}
}
