package cliui

import (
	"bytes"
	"strings"
	"testing"
)

func TestPrinter_TableAlignsColumns(t *testing.T) {
	p := New(&bytes.Buffer{})
	out := p.Table(
		[]string{"NAME", "STATUS"},
		[][]string{
			{"web", "ready"},
			{"worker-pool", "starting"},
		},
	)
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("Table() produced %d lines, want 3", len(lines))
	}
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			t.Fatalf("line %q has %d fields, want 2", line, len(fields))
		}
		// Column 0 (cell plus padding) ends at the two-space separator
		// just before column 1 starts.
		width := strings.Index(line, fields[1]) - len("  ")
		if width != len("worker-pool") {
			t.Errorf("column width = %d, want %d (line %q)", width, len("worker-pool"), line)
		}
	}
}

func TestPrinter_StatusLabelReturnsInputForUnknownStatus(t *testing.T) {
	p := New(&bytes.Buffer{})
	if got := p.StatusLabel("mystery"); got != "mystery" {
		t.Errorf("StatusLabel(%q) = %q, want unchanged", "mystery", got)
	}
}
