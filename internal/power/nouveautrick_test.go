package power

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeDRMFixture(t *testing.T, cards map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for card, driver := range cards {
		deviceDir := filepath.Join(root, card, "device")
		require.NoError(t, os.MkdirAll(deviceDir, 0755))
		if driver != "" {
			driverDir := filepath.Join(root, "drivers", driver)
			require.NoError(t, os.MkdirAll(driverDir, 0755))
			require.NoError(t, os.Symlink(driverDir, filepath.Join(deviceDir, "driver")))
		}
	}
	return root
}

func TestFindNouveauCardLocatesBoundCard(t *testing.T) {
	root := writeDRMFixture(t, map[string]string{
		"card0": "i915",
		"card1": "nouveau",
	})
	drmClassRoot = root
	t.Cleanup(func() { drmClassRoot = "/sys/class/drm" })

	n, err := findNouveauCard()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestFindNouveauCardErrorsWhenNoneBound(t *testing.T) {
	root := writeDRMFixture(t, map[string]string{
		"card0": "i915",
	})
	drmClassRoot = root
	t.Cleanup(func() { drmClassRoot = "/sys/class/drm" })

	_, err := findNouveauCard()
	require.Error(t, err)
}

func TestNouveauTrickStatusReflectsHeldLock(t *testing.T) {
	b := NewNouveauTrickBackend()
	st, err := b.Status()
	require.NoError(t, err)
	require.Equal(t, On, st)

	b.fd = 3
	st, err = b.Status()
	require.NoError(t, err)
	require.Equal(t, Off, st)
}

func TestNouveauTrickRequiresNoDriverUnload(t *testing.T) {
	b := NewNouveauTrickBackend()
	require.False(t, b.RequiresDriverUnload())
}
