// Package eventlog implements the per-session append-only JSON-lines event
// log: the sole channel through which interaction results reach a waiting
// broker. The filesystem is the ground truth — there is no in-memory
// custodian — so every operation here re-opens or re-reads the file.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/stagehand-dev/stagehand/internal/lock"
)

// Event is one record appended to the log. Fields are a union of every
// defined kind's payload: result (ID, Action, Answers, Result), reload
// (Added, Removed, Changed), status (Message, Prompts). A writer fills in
// only the fields its kind uses. Every event always carries Timestamp —
// Append/AppendResult fill it in if the caller left it zero, so every line
// on disk has an epoch-ms ts.
type Event struct {
	Type      string      `json:"type"`
	Timestamp int64       `json:"ts"`
	ID        string      `json:"id,omitempty"`
	Action    string      `json:"action,omitempty"`
	Answers   interface{} `json:"answers,omitempty"`
	Result    interface{} `json:"result,omitempty"`

	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
	Changed []string `json:"changed,omitempty"`

	Message string   `json:"message,omitempty"`
	Prompts []string `json:"prompts,omitempty"`
}

// Log is an append-only events.jsonl file with idempotent result writes.
type Log struct {
	path string
	mu   sync.Mutex
}

// Open returns a Log bound to path, creating the file (and its parent
// directory) if it does not already exist.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating event log directory for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening event log %s: %w", path, err)
	}
	_ = f.Close()
	return &Log{path: path}, nil
}

// Append writes ev as one JSON line. Every write acquires an exclusive
// advisory lock on the file for the duration of the write, since multiple
// processes (parent, supervised children, interaction UIs) share one path.
func (l *Log) Append(ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	release, err := lock.Acquire(l.path + ".lock")
	if err != nil {
		return fmt.Errorf("locking event log for append: %w", err)
	}
	defer release()
	return l.appendLocked(ev)
}

func (l *Log) appendLocked(ev Event) error {
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening event log %s: %w", l.path, err)
	}
	defer func() { _ = f.Close() }()

	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	return nil
}

// AppendResult appends a result event with the given id, first scanning
// the file backwards for an existing result with the same id. If one is
// found, the new event is dropped — at most one result per interaction id
// survives, even if a UI writes twice on exit. Writers may be separate OS
// processes (supervised children, interaction UIs), so the idempotence
// check and the append are serialized with a cross-process file lock
// rather than only the in-process mutex.
func (l *Log) AppendResult(ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	release, err := lock.Acquire(l.path + ".lock")
	if err != nil {
		return fmt.Errorf("locking event log for idempotent append: %w", err)
	}
	defer release()

	existing, err := l.hasResultLocked(ev.ID)
	if err != nil {
		return err
	}
	if existing {
		return nil
	}
	return l.appendLocked(ev)
}

func (l *Log) hasResultLocked(id string) (bool, error) {
	events, err := l.readAllLocked()
	if err != nil {
		return false, err
	}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == "result" && events[i].ID == id {
			return true, nil
		}
	}
	return false, nil
}

func (l *Log) readAllLocked() ([]Event, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening event log %s: %w", l.path, err)
	}
	defer func() { _ = f.Close() }()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue // tolerate partial/corrupt lines rather than failing the whole read
		}
		events = append(events, ev)
	}
	return events, scanner.Err()
}

// Reader tails a Log by polling file length and reading only bytes past
// the last observed offset, splitting on '\n'. Not safe for concurrent use
// by multiple goroutines; give each consumer its own Reader.
type Reader struct {
	path    string
	offset  int64
	partial []byte
}

// NewReader returns a Reader starting at the current end of path, so the
// first Poll only sees events appended after this call.
func NewReader(path string) (*Reader, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Reader{path: path}, nil
		}
		return nil, fmt.Errorf("stat event log %s: %w", path, err)
	}
	return &Reader{path: path, offset: info.Size()}, nil
}

// Poll reads any bytes appended since the last Poll (or since NewReader)
// and returns the fully-formed Events found. Lines without a trailing
// newline yet are buffered until the next Poll.
func (r *Reader) Poll() ([]Event, error) {
	f, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening event log %s: %w", r.path, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat event log %s: %w", r.path, err)
	}
	if info.Size() < r.offset {
		// File was truncated/rotated out from under us; restart from zero.
		r.offset = 0
		r.partial = nil
	}
	if info.Size() == r.offset {
		return nil, nil
	}

	if _, err := f.Seek(r.offset, 0); err != nil {
		return nil, fmt.Errorf("seeking event log %s: %w", r.path, err)
	}
	buf := make([]byte, info.Size()-r.offset)
	n, err := f.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("reading event log %s: %w", r.path, err)
	}
	r.offset += int64(n)

	data := append(r.partial, buf[:n]...)
	var events []Event
	start := 0
	for i := 0; i < len(data); i++ {
		if data[i] != '\n' {
			continue
		}
		line := data[start:i]
		start = i + 1
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	if start < len(data) {
		r.partial = append([]byte{}, data[start:]...)
	} else {
		r.partial = nil
	}
	return events, nil
}
