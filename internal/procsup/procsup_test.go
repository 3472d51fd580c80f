package procsup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestForkWaitReturnsExitCode(t *testing.T) {
	code, err := ForkWait(context.Background(), []string{"sh", "-c", "exit 3"}, time.Second)
	require.NoError(t, err)
	require.Equal(t, 3, code)
}

func TestForkWaitTimesOutAndKills(t *testing.T) {
	start := time.Now()
	code, err := ForkWait(context.Background(), []string{"sleep", "5"}, 50*time.Millisecond)
	require.NoError(t, err)
	require.Less(t, time.Since(start), 3*time.Second)
	require.NotEqual(t, 0, code)
}

func TestOverlayLibraryPathPrependsExisting(t *testing.T) {
	env := []string{"PATH=/usr/bin", "LD_LIBRARY_PATH=/usr/lib"}
	out := overlayLibraryPath(env, "/opt/nvidia/lib")
	require.Contains(t, out, "LD_LIBRARY_PATH=/opt/nvidia/lib:/usr/lib")
}

func TestOverlayLibraryPathAddsWhenAbsent(t *testing.T) {
	env := []string{"PATH=/usr/bin"}
	out := overlayLibraryPath(env, "/opt/nvidia/lib")
	require.Contains(t, out, "LD_LIBRARY_PATH=/opt/nvidia/lib")
}

func TestOverlayLibraryPathNoopWhenEmpty(t *testing.T) {
	env := []string{"PATH=/usr/bin"}
	out := overlayLibraryPath(env, "")
	require.Equal(t, env, out)
}

func TestSupervisorRegisterAndIsRunning(t *testing.T) {
	s := New()
	s.register(1234, "display")
	require.True(t, s.IsRunning(1234))
	require.False(t, s.IsRunning(5678))

	children := s.Children()
	require.Len(t, children, 1)
	require.Equal(t, "display", children[0].Label)

	s.remove(1234)
	require.False(t, s.IsRunning(1234))
}

func TestForkDetachedRegistersPidAndReaps(t *testing.T) {
	s := New()
	pid, err := s.ForkDetached([]string{"sh", "-c", "sleep 0.05"}, "", nil, "test-child")
	require.NoError(t, err)
	require.True(t, s.IsRunning(pid))

	require.Eventually(t, func() bool {
		s.ReapAll()
		return !s.IsRunning(pid)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopWaitEscalatesToSigkillOnUnresponsiveChild(t *testing.T) {
	s := New()
	pid, err := s.ForkDetached([]string{"sh", "-c", "trap '' TERM; sleep 30"}, "", nil, "stubborn")
	require.NoError(t, err)

	err = s.StopWait(pid, true)
	require.NoError(t, err)
	require.False(t, s.IsRunning(pid))
}

func TestStopAllDrainsSet(t *testing.T) {
	s := New()
	for i := 0; i < 3; i++ {
		_, err := s.ForkDetached([]string{"sh", "-c", "sleep 0.2"}, "", nil, "child")
		require.NoError(t, err)
	}
	require.Len(t, s.Children(), 3)

	s.StopAll(true)
	require.Empty(t, s.Children())
}
