// Package logging provides the daemon's leveled console/file logger: a
// thin wrapper over the standard library's log.Logger with a component
// prefix and a debug gate, matching the plain Printf/Println style the
// rest of the daemon uses for its own status lines.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Logger writes leveled lines to an underlying log.Logger, prefixing each
// with the component name it was constructed for.
type Logger struct {
	std       *log.Logger
	debug     bool
	component string
}

// New constructs a Logger writing to w (os.Stderr if w is nil), tagged
// with component.
func New(w io.Writer, component string, debug bool) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{std: log.New(w, "", log.LstdFlags), debug: debug, component: component}
}

// WithComponent returns a Logger sharing the same output but tagged with
// a different component name, for a subsystem the caller wants to
// distinguish in the log stream without opening a second file.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{std: l.std, debug: l.debug, component: component}
}

func (l *Logger) line(level, format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)
	if l.component != "" {
		return fmt.Sprintf("[%s] %s: %s", level, l.component, msg)
	}
	return fmt.Sprintf("[%s] %s", level, msg)
}

// Debugf logs at debug level. Suppressed unless the Logger was
// constructed with debug=true.
func (l *Logger) Debugf(format string, args ...interface{}) {
	if !l.debug {
		return
	}
	l.std.Print(l.line("debug", format, args...))
}

// Infof logs a routine status line.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.std.Print(l.line("info", format, args...))
}

// Warnf logs a recoverable problem.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.std.Print(l.line("warn", format, args...))
}

// Errorf logs a failure.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.std.Print(l.line("error", format, args...))
}
