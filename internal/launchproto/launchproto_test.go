package launchproto

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gswitch/gswitchd/internal/wire"
)

func serveOnce(t *testing.T, path string, handle func(conn net.Conn, r *bufio.Reader)) {
	t.Helper()
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close(); os.Remove(path) })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn, bufio.NewReader(conn))
	}()
}

func TestQueryStripsValuePrefix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gswitchd.sock")
	serveOnce(t, path, func(conn net.Conn, r *bufio.Reader) {
		msg, err := wire.ReadMessage(r)
		require.NoError(t, err)
		require.Equal(t, "Q LibraryPath", msg)
		require.NoError(t, wire.WriteMessage(conn, "Value: /usr/lib/nvidia"))
	})

	c, err := Dial(path, time.Second)
	require.NoError(t, err)
	defer c.Close()

	val, err := c.Query("LibraryPath")
	require.NoError(t, err)
	require.Equal(t, "/usr/lib/nvidia", val)
}

func TestRequestSessionInterpretsYes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gswitchd.sock")
	serveOnce(t, path, func(conn net.Conn, r *bufio.Reader) {
		msg, err := wire.ReadMessage(r)
		require.NoError(t, err)
		require.Equal(t, "C", msg)
		require.NoError(t, wire.WriteMessage(conn, "Yes. X is active."))
	})

	c, err := Dial(path, time.Second)
	require.NoError(t, err)
	defer c.Close()

	res, err := c.RequestSession(true)
	require.NoError(t, err)
	require.True(t, res.Granted)
}

func TestRequestSessionNoXSendsTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gswitchd.sock")
	serveOnce(t, path, func(conn net.Conn, r *bufio.Reader) {
		msg, err := wire.ReadMessage(r)
		require.NoError(t, err)
		require.Equal(t, "C NoX", msg)
		require.NoError(t, wire.WriteMessage(conn, "No. could not load GPU driver"))
	})

	c, err := Dial(path, time.Second)
	require.NoError(t, err)
	defer c.Close()

	res, err := c.RequestSession(false)
	require.NoError(t, err)
	require.False(t, res.Granted)
	require.Contains(t, res.Reason, "could not load GPU driver")
}

func TestDialFailsFastWhenNoServer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing.sock")
	_, err := Dial(path, 100*time.Millisecond)
	require.Error(t, err)
}
