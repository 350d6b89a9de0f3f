// Package cliui provides color-aware terminal output for the CLI's
// tabular status/log views, built on termenv so color degrades
// automatically on dumb terminals, NO_COLOR, or redirected output.
package cliui

import (
	"fmt"
	"io"
	"strings"

	"github.com/muesli/termenv"
)

// Printer renders styled text to an underlying writer, honoring the
// writer's detected color profile.
type Printer struct {
	out     *termenv.Output
	profile termenv.Profile
}

// New constructs a Printer over w, auto-detecting its color profile.
func New(w io.Writer) *Printer {
	out := termenv.NewOutput(w)
	return &Printer{out: out, profile: out.ColorProfile()}
}

// Plain reports whether this Printer has fallen back to uncolored output,
// either because the terminal can't show color or NO_COLOR is set.
func (p *Printer) Plain() bool {
	return p.profile == termenv.Ascii
}

func (p *Printer) style(s, color string) string {
	if p.Plain() {
		return s
	}
	return termenv.String(s).Foreground(p.out.Color(color)).String()
}

// StatusLabel renders a process status with the color the daemon's own
// status table uses: green for ready/running, yellow for starting/
// pending, red for crashed, gray for stopped/completed.
func (p *Printer) StatusLabel(status string) string {
	switch status {
	case "ready", "running":
		return p.style(status, "2")
	case "starting", "pending":
		return p.style(status, "3")
	case "crashed":
		return p.style(status, "1")
	case "stopped", "completed":
		return p.style(status, "8")
	default:
		return status
	}
}

// Bold renders s in bold, or returns it unstyled if colors are disabled.
func (p *Printer) Bold(s string) string {
	if p.Plain() {
		return s
	}
	return termenv.String(s).Bold().String()
}

// Table renders rows as a left-aligned, space-padded table with headers,
// matching the plain columnar layout the CLI uses for `status`/`list`.
func (p *Printer) Table(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	var b strings.Builder
	writeRow := func(cells []string) {
		for i, cell := range cells {
			if i > 0 {
				b.WriteString("  ")
			}
			fmt.Fprintf(&b, "%-*s", widths[i], cell)
		}
		b.WriteByte('\n')
	}
	writeRow(headers)
	for _, row := range rows {
		writeRow(row)
	}
	return b.String()
}
