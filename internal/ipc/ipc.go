// Package ipc is the Unix-domain socket server clients connect to: one
// listener, NUL-terminated text framing per internal/wire, and the
// unlink-bind-listen-chmod lifecycle the daemon needs on every start.
package ipc

import (
	"bufio"
	"fmt"
	"net"
	"os"

	"github.com/gswitch/gswitchd/internal/wire"
)

// ListenBacklog mirrors the original's fixed accept backlog.
const ListenBacklog = 100

// SocketMode allows read/write for the owner and group, matching
// S_IRUSR|S_IWUSR|S_IRGRP|S_IWGRP.
const SocketMode = 0o660

// Server owns the listening Unix socket. A stale node at address is
// unlinked before bind, which is a documented footgun: whatever is at that
// path is deleted unconditionally.
type Server struct {
	address  string
	listener *net.UnixListener
}

// Listen unlinks any stale socket file at address, binds, listens with a
// backlog of ListenBacklog, and chmods the node to SocketMode.
func Listen(address string) (*Server, error) {
	if err := os.Remove(address); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("ipc: unlink stale socket %s: %w", address, err)
	}

	addr, err := net.ResolveUnixAddr("unix", address)
	if err != nil {
		return nil, fmt.Errorf("ipc: resolve %s: %w", address, err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("ipc: bind %s: %w", address, err)
	}
	ln.SetUnlinkOnClose(true)

	if err := os.Chmod(address, SocketMode); err != nil {
		ln.Close()
		return nil, fmt.Errorf("ipc: chmod %s: %w", address, err)
	}

	return &Server{address: address, listener: ln}, nil
}

// File returns a duplicate of the listener's file descriptor for use with a
// poll-based readiness loop. The caller owns the returned *os.File and
// closes it when done; closing it does not close the listener, and closing
// the Server does not close the duplicate.
func (s *Server) File() (*os.File, error) {
	return s.listener.File()
}

// Accept accepts one pending connection. Intended to be called only after
// the control loop's poll indicates the listen socket is readable.
func (s *Server) Accept() (*Conn, error) {
	c, err := s.listener.AcceptUnix()
	if err != nil {
		return nil, fmt.Errorf("ipc: accept: %w", err)
	}
	return &Conn{conn: c, r: bufio.NewReader(c)}, nil
}

// Close closes the listener, unlinking the socket file.
func (s *Server) Close() error {
	return s.listener.Close()
}

// Conn is one accepted client connection, framed per internal/wire.
type Conn struct {
	conn *net.UnixConn
	r    *bufio.Reader
}

// File returns the connection's file descriptor for the poll loop.
func (c *Conn) File() (*os.File, error) {
	return c.conn.File()
}

// ReadMessage reads one NUL-terminated message.
func (c *Conn) ReadMessage() (string, error) {
	return wire.ReadMessage(c.r)
}

// WriteMessage writes one NUL-terminated message.
func (c *Conn) WriteMessage(msg string) error {
	return wire.WriteMessage(c.conn, msg)
}

// Close closes the client connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}
