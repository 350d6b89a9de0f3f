package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/stagehand-dev/stagehand/internal/lock"
)

// ProbeTimeout bounds how long a startup handshake waits to confirm an
// existing daemon is actually listening before giving up and attempting
// to bind.
const ProbeTimeout = 300 * time.Millisecond

// Client is a connected proxy handle to a running daemon.
type Client struct {
	conn    net.Conn
	scanner *bufio.Scanner
	enc     *json.Encoder

	mu     sync.Mutex
	nextID atomic.Uint64
}

// Probe attempts to connect to socketPath within ProbeTimeout. A nil error
// means a daemon is reachable there.
func Probe(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, ProbeTimeout)
	if err != nil {
		return nil, err
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), MaxRequestSize)
	return &Client{conn: conn, scanner: scanner, enc: json.NewEncoder(conn)}, nil
}

// Call sends method(params) and blocks for a matching response.
func (c *Client) Call(ctx context.Context, method string, params interface{}, out interface{}) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	id := fmt.Sprintf("%d", c.nextID.Add(1))

	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
	} else {
		_ = c.conn.SetDeadline(time.Time{})
	}

	// A send error is reported only if no response can be read: a server
	// that rejects an oversize request answers and closes while the
	// request is still being written.
	sendErr := c.enc.Encode(Request{ID: id, Method: method, Params: raw})

	for {
		if !c.scanner.Scan() {
			if sendErr != nil {
				return fmt.Errorf("sending request: %w", sendErr)
			}
			if err := c.scanner.Err(); err != nil {
				return fmt.Errorf("reading response: %w", err)
			}
			return fmt.Errorf("connection closed before response arrived")
		}
		var resp Response
		if err := json.Unmarshal(c.scanner.Bytes(), &resp); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
		// A failure for a request the server could not read carries no id.
		if resp.ID != id && !(resp.ID == "" && !resp.Ok) {
			continue
		}
		if !resp.Ok {
			return &RemoteError{Message: resp.Error}
		}
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		return json.Unmarshal(resp.Result, out)
	}
}

// Close releases the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// BindResult reports the outcome of the startup handshake.
type BindResult struct {
	// Client is set when an existing daemon answered the probe; the
	// caller should proxy every subsequent call through it.
	Client *Client
	// Server is set when this process won the race and should run its
	// own Supervisor; the caller must call Server.Serve.
	Server *Server
}

// BindOrProxy implements the reuse-daemon startup handshake: probe for a
// live daemon at socketPath, and if none answers, race other concurrently
// starting processes for the bind using a lock file alongside the socket.
// The loser of the race proxies through whichever process won.
func BindOrProxy(socketPath string, handler Handler) (BindResult, error) {
	if client, err := Probe(socketPath); err == nil {
		return BindResult{Client: client}, nil
	}

	release, err := lock.Acquire(socketPath + ".lock")
	if err != nil {
		return BindResult{}, fmt.Errorf("acquiring bind lock: %w", err)
	}
	defer release()

	// Someone may have bound and exited between our probe and acquiring
	// the lock; probe again now that we hold it.
	if client, err := Probe(socketPath); err == nil {
		return BindResult{Client: client}, nil
	}

	srv := NewServer(socketPath, handler)
	if err := srv.Listen(); err != nil {
		if !errors.Is(err, syscall.EADDRINUSE) {
			return BindResult{}, err
		}
		// Another process bound between our second probe and our own
		// Listen call; fall back to proxying through it.
		client, probeErr := Probe(socketPath)
		if probeErr != nil {
			return BindResult{}, fmt.Errorf("lost bind race but could not reach winner: %w", probeErr)
		}
		return BindResult{Client: client}, nil
	}
	return BindResult{Server: srv}, nil
}
