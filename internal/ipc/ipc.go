// Package ipc implements the reuse-daemon transport: a length-delimited
// JSON request/response protocol over a Unix domain socket, plus the
// bind-or-proxy race that decides which of several concurrently starting
// CLI invocations becomes the daemon for a workspace.
//
// The wire format is one JSON object per line. A Request carries an id,
// a method name, and opaque params; a Response echoes the id and carries
// either a result or an error string, never both.
package ipc

import (
	"encoding/json"
	"fmt"
	"time"
)

// MaxRequestSize bounds a single incoming line before the connection is
// dropped, guarding against a misbehaving or malicious client pinning
// server memory with an unbounded line.
const MaxRequestSize = 1 << 20 // 1 MiB

// MaxConnections caps concurrently open client connections. A connection
// beyond the cap is refused rather than queued, since a daemon serving
// one workstation has no business holding more clients than that.
const MaxConnections = 50

// IdleTimeout closes a connection that sends nothing for this long.
const IdleTimeout = 30 * time.Second

// Request is one call across the wire.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers a Request by the same ID. Exactly one of Result or
// Error is set when Ok is true/false respectively.
type Response struct {
	ID     string          `json:"id"`
	Ok     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// RemoteError wraps an error string returned by the daemon side of a
// proxied call, so callers can tell a daemon-side failure from a transport
// failure with errors.As. Only the message crosses the wire: the daemon's
// original error type is not preserved.
type RemoteError struct{ Message string }

func (e *RemoteError) Error() string { return e.Message }

func marshalParams(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling params: %w", err)
	}
	return b, nil
}
