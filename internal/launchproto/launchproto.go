// Package launchproto is the client side of the wire protocol: connect,
// query settings, request a session, and interpret the Yes/No reply —
// mirroring the original optirun's socket handshake.
package launchproto

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gswitch/gswitchd/internal/wire"
)

// Client wraps one connection to the service's IPC socket.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
}

// Dial connects to the service's Unix socket, blocking, with a bounded
// timeout so a hung service doesn't wedge the launcher forever — the
// original connected with a blocking socketConnect and no timeout at all;
// this is the one place the adaptation tightens the original's guarantees.
func Dial(socketPath string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("launchproto: connect %s: %w", socketPath, err)
	}
	return &Client{conn: conn, r: bufio.NewReader(conn)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Status sends "S" and returns the service's status line verbatim.
func (c *Client) Status() (string, error) {
	if err := wire.WriteMessage(c.conn, "S"); err != nil {
		return "", fmt.Errorf("launchproto: send status: %w", err)
	}
	return wire.ReadMessage(c.r)
}

// Query sends "Q <key>" and strips the "Value: " prefix from the reply.
func (c *Client) Query(key string) (string, error) {
	if err := wire.WriteMessage(c.conn, "Q "+key); err != nil {
		return "", fmt.Errorf("launchproto: send query %s: %w", key, err)
	}
	reply, err := wire.ReadMessage(c.r)
	if err != nil {
		return "", fmt.Errorf("launchproto: read query %s reply: %w", key, err)
	}
	const prefix = "Value: "
	if !strings.HasPrefix(reply, prefix) {
		return "", fmt.Errorf("launchproto: unexpected reply to %s: %q", key, reply)
	}
	return strings.TrimPrefix(reply, prefix), nil
}

// Settings bundles the two queries every launch needs.
type Settings struct {
	LibraryPath    string
	VirtualDisplay string
}

// FetchSettings issues the LibraryPath and VirtualDisplay queries.
func (c *Client) FetchSettings() (Settings, error) {
	lib, err := c.Query("LibraryPath")
	if err != nil {
		return Settings{}, err
	}
	disp, err := c.Query("VirtualDisplay")
	if err != nil {
		return Settings{}, err
	}
	return Settings{LibraryPath: lib, VirtualDisplay: disp}, nil
}

// SessionResult is the outcome of a session request.
type SessionResult struct {
	Granted bool
	Reason  string // set when Granted is false, or on "N" replies
}

// RequestSession sends "C" (or "F", an alias) with an optional "NoX" tail
// and interprets the leading Y/N byte of the reply.
func (c *Client) RequestSession(needDisplay bool) (SessionResult, error) {
	msg := "C"
	if !needDisplay {
		msg = "C NoX"
	}
	if err := wire.WriteMessage(c.conn, msg); err != nil {
		return SessionResult{}, fmt.Errorf("launchproto: send session request: %w", err)
	}
	reply, err := wire.ReadMessage(c.r)
	if err != nil {
		return SessionResult{}, fmt.Errorf("launchproto: read session reply: %w", err)
	}
	if reply == "" {
		return SessionResult{}, fmt.Errorf("launchproto: empty session reply")
	}
	switch reply[0] {
	case 'Y':
		return SessionResult{Granted: true}, nil
	case 'N':
		return SessionResult{Granted: false, Reason: reply}, nil
	default:
		return SessionResult{}, fmt.Errorf("launchproto: unexpected session reply: %q", reply)
	}
}

// Done sends "D", releasing this session.
func (c *Client) Done() error {
	return wire.WriteMessage(c.conn, "D")
}
