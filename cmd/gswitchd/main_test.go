package main

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gswitch/gswitchd/internal/pciutil"
)

// fakePCIBus writes a /proc/bus/pci/devices fixture plus matching sysfs
// class files for a set of (vendor, device, class) triples, in order.
func fakePCIBus(t *testing.T, entries []struct {
	bus, slot, fn uint8
	vendor        uint16
	class         uint32
}) {
	t.Helper()
	dir := t.TempDir()

	procFile := filepath.Join(dir, "devices")
	f, err := os.Create(procFile)
	require.NoError(t, err)
	sysfsRoot := filepath.Join(dir, "sysfs")
	for _, e := range entries {
		id := pciutil.New(e.bus, e.slot, e.fn)
		_, err := fmt.Fprintf(f, "%04x %04x0000 11 0\n", uint16(id), e.vendor)
		require.NoError(t, err)

		devDir := filepath.Join(sysfsRoot, id.SysfsName())
		require.NoError(t, os.MkdirAll(devDir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(devDir, "class"), []byte(fmt.Sprintf("0x%06x", e.class<<8)), 0644))
	}
	require.NoError(t, f.Close())

	pciutil.DevicesPath = procFile
	pciutil.SysfsRoot = sysfsRoot
	t.Cleanup(func() {
		pciutil.DevicesPath = "/proc/bus/pci/devices"
		pciutil.SysfsRoot = "/sys/bus/pci/devices"
	})
}

func TestFindIntegratedGPUPrefersIntel(t *testing.T) {
	fakePCIBus(t, []struct {
		bus, slot, fn uint8
		vendor        uint16
		class         uint32
	}{
		{0x00, 0x02, 0x0, vendorIntel, pciutil.ClassVGA},
		{0x01, 0x00, 0x0, 0x10de, pciutil.ClassVGA},
	})

	id, err := findIntegratedGPU(0x10de)
	require.NoError(t, err)
	require.Equal(t, pciutil.New(0x00, 0x02, 0x0), id)
}

func TestFindIntegratedGPUFallsBackToSecondNVIDIA(t *testing.T) {
	fakePCIBus(t, []struct {
		bus, slot, fn uint8
		vendor        uint16
		class         uint32
	}{
		{0x01, 0x00, 0x0, 0x10de, pciutil.ClassVGA},
		{0x02, 0x00, 0x0, 0x10de, pciutil.ClassVGA},
	})

	id, err := findIntegratedGPU(0x10de)
	require.NoError(t, err)
	require.Equal(t, pciutil.New(0x02, 0x00, 0x0), id)
}

func TestFindIntegratedGPUErrorsWhenNeitherPresent(t *testing.T) {
	fakePCIBus(t, []struct {
		bus, slot, fn uint8
		vendor        uint16
		class         uint32
	}{
		{0x01, 0x00, 0x0, 0x10de, pciutil.ClassVGA},
	})

	_, err := findIntegratedGPU(0x10de)
	require.Error(t, err)
}

func TestVendorIDForUnsupportedDriver(t *testing.T) {
	_, err := vendorIDFor("intel")
	require.Error(t, err)
}
