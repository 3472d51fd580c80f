package power

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestACPIStatusParsing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bbswitch")
	require.NoError(t, os.WriteFile(path, []byte("0000:01:00.0 OFF\n"), 0644))

	acpiPath = path
	t.Cleanup(func() { acpiPath = "/proc/acpi/bbswitch" })

	b := NewACPIBackend()
	st, err := b.Status()
	require.NoError(t, err)
	require.Equal(t, Off, st)

	require.NoError(t, os.WriteFile(path, []byte("0000:01:00.0 ON\n"), 0644))
	st, err = b.Status()
	require.NoError(t, err)
	require.Equal(t, On, st)
}

func TestACPIAvailableWhenProcEntryPresent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bbswitch")
	require.NoError(t, os.WriteFile(path, []byte("0000:01:00.0 ON\n"), 0644))

	acpiPath = path
	t.Cleanup(func() { acpiPath = "/proc/acpi/bbswitch" })

	b := NewACPIBackend()
	require.True(t, b.Available("", ""))
}

func TestKernelSwitchStatusParsing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "switch")
	require.NoError(t, os.WriteFile(path, []byte("0:DIS: :Pwr\n1:IGD:+:Pwr\n"), 0644))

	switcherooPath = path
	t.Cleanup(func() { switcherooPath = "/sys/kernel/debug/vgaswitcheroo/switch" })

	b := NewKernelSwitchBackend()
	st, err := b.Status()
	require.NoError(t, err)
	require.Equal(t, On, st)

	require.NoError(t, os.WriteFile(path, []byte("0:DIS: :Off\n"), 0644))
	st, err = b.Status()
	require.NoError(t, err)
	require.Equal(t, Off, st)
}

func TestKernelSwitchAvailableRequiresNouveauPreference(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "switch")
	require.NoError(t, os.WriteFile(path, []byte("0:DIS: :Pwr\n"), 0644))

	switcherooPath = path
	t.Cleanup(func() { switcherooPath = "/sys/kernel/debug/vgaswitcheroo/switch" })

	b := NewKernelSwitchBackend()
	require.False(t, b.Available("kernel-switch", "nvidia"))
	require.False(t, b.Available("acpi", "nouveau"))
	require.True(t, b.Available("kernel-switch", "nouveau"))
}

func TestSelectReturnsFirstAvailableInFixedOrder(t *testing.T) {
	acpiDir := t.TempDir()
	acpiPath = filepath.Join(acpiDir, "bbswitch")
	require.NoError(t, os.WriteFile(acpiPath, []byte("0000:01:00.0 ON\n"), 0644))
	t.Cleanup(func() { acpiPath = "/proc/acpi/bbswitch" })

	switchDir := t.TempDir()
	switcherooPath = filepath.Join(switchDir, "switch")
	require.NoError(t, os.WriteFile(switcherooPath, []byte("0:DIS: :Pwr\n"), 0644))
	t.Cleanup(func() { switcherooPath = "/sys/kernel/debug/vgaswitcheroo/switch" })

	// With both the ACPI path present and a nouveau preference that would
	// also satisfy kernel-switch, ACPI wins because it is tried first.
	backend, err := Select("kernel-switch", "nouveau")
	require.NoError(t, err)
	require.Equal(t, "acpi", backend.Name())
}

func TestSelectFallsThroughToKernelSwitchWhenACPIAbsent(t *testing.T) {
	acpiPath = filepath.Join(t.TempDir(), "missing")
	t.Cleanup(func() { acpiPath = "/proc/acpi/bbswitch" })

	switchDir := t.TempDir()
	switcherooPath = filepath.Join(switchDir, "switch")
	require.NoError(t, os.WriteFile(switcherooPath, []byte("0:DIS: :Off\n"), 0644))
	t.Cleanup(func() { switcherooPath = "/sys/kernel/debug/vgaswitcheroo/switch" })

	backend, err := Select("kernel-switch", "nouveau")
	require.NoError(t, err)
	require.Equal(t, "kernel-switch", backend.Name())
}

func TestSelectErrorsWhenNoBackendAvailable(t *testing.T) {
	acpiPath = filepath.Join(t.TempDir(), "missing")
	t.Cleanup(func() { acpiPath = "/proc/acpi/bbswitch" })

	switcherooPath = filepath.Join(t.TempDir(), "missing")
	t.Cleanup(func() { switcherooPath = "/sys/kernel/debug/vgaswitcheroo/switch" })

	_, err := Select("", "")
	require.Error(t, err)
}
