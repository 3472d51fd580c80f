package ipc

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gswitch/gswitchd/internal/wire"
)

func TestListenUnlinksStaleSocketAndSetsMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gswitchd.sock")
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0644))

	srv, err := Listen(path)
	require.NoError(t, err)
	defer srv.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(SocketMode), info.Mode().Perm())
}

func TestAcceptAndRoundTripMessage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gswitchd.sock")

	srv, err := Listen(path)
	require.NoError(t, err)
	defer srv.Close()

	done := make(chan error, 1)
	go func() {
		conn, err := srv.Accept()
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		msg, err := conn.ReadMessage()
		if err != nil {
			done <- err
			return
		}
		if msg != "Q LibraryPath" {
			done <- nil
			return
		}
		done <- conn.WriteMessage("/usr/lib/nvidia")
	}()

	client, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, wire.WriteMessage(client, "Q LibraryPath"))
	reply, err := wire.ReadMessage(bufio.NewReader(client))
	require.NoError(t, err)
	require.Equal(t, "/usr/lib/nvidia", reply)

	require.NoError(t, <-done)
}
