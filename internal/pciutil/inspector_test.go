package pciutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeFixture builds a fake /proc/bus/pci/devices file plus matching sysfs
// class/driver entries for a set of devices.
func writeFixture(t *testing.T, devices []Device, classes map[BusID]uint32, drivers map[BusID]string) {
	t.Helper()
	dir := t.TempDir()

	procFile := filepath.Join(dir, "devices")
	f, err := os.Create(procFile)
	require.NoError(t, err)
	for _, d := range devices {
		_, err := f.WriteString(
			hex4(uint16(d.ID)) + " " + hex8(d.VendorID, d.DeviceID) + " 11 0\n")
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())

	sysfsRoot := filepath.Join(dir, "sysfs")
	for id, class := range classes {
		devDir := filepath.Join(sysfsRoot, id.SysfsName())
		require.NoError(t, os.MkdirAll(devDir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(devDir, "class"), []byte(hexClass(class)), 0644))
		require.NoError(t, os.WriteFile(filepath.Join(devDir, "config"), make([]byte, 64), 0644))
		if driver, ok := drivers[id]; ok {
			require.NoError(t, os.Symlink(filepath.Join("..", "..", "bus", "pci", "drivers", driver), filepath.Join(devDir, "driver")))
		}
	}

	DevicesPath = procFile
	SysfsRoot = sysfsRoot
	t.Cleanup(func() {
		DevicesPath = procDevicesPath
		SysfsRoot = sysfsDevicePath
	})
}

func hex4(v uint16) string { return hexPad(uint64(v), 4) }
func hex8(vendor, device uint16) string {
	return hexPad(uint64(vendor)<<16|uint64(device), 8)
}
func hexClass(class uint32) string { return "0x" + hexPad(uint64(class)<<8, 6) }

func hexPad(v uint64, width int) string {
	s := ""
	for i := 0; i < width; i++ {
		nibble := (v >> uint((width-1-i)*4)) & 0xf
		s += string("0123456789abcdef"[nibble])
	}
	return s
}

func TestFindNthAndCurrentDriver(t *testing.T) {
	integrated := New(0x00, 0x02, 0x0)
	discrete := New(0x01, 0x00, 0x0)
	writeFixture(t,
		[]Device{
			{ID: integrated, VendorID: 0x8086, DeviceID: 0x1916},
			{ID: discrete, VendorID: 0x10de, DeviceID: 0x1c8d},
		},
		map[BusID]uint32{integrated: ClassVGA, discrete: Class3D},
		map[BusID]string{discrete: "nouveau"},
	)

	found, err := FindNth(0x10de, 0)
	require.NoError(t, err)
	require.Equal(t, discrete, found)

	driver, err := CurrentDriver(discrete)
	require.NoError(t, err)
	require.Equal(t, "nouveau", driver)

	driver, err = CurrentDriver(integrated)
	require.NoError(t, err)
	require.Equal(t, "", driver)

	_, err = FindNth(0x10de, 1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSaveRestoreConfigSpace(t *testing.T) {
	discrete := New(0x01, 0x00, 0x0)
	writeFixture(t,
		[]Device{{ID: discrete, VendorID: 0x10de, DeviceID: 0x1c8d}},
		map[BusID]uint32{discrete: Class3D},
		nil,
	)

	saved, err := SaveConfigSpace(discrete)
	require.NoError(t, err)
	require.Len(t, saved, 64)

	for i := range saved {
		saved[i] = byte(i)
	}
	require.NoError(t, RestoreConfigSpace(discrete, saved))

	reread, err := SaveConfigSpace(discrete)
	require.NoError(t, err)
	require.Equal(t, saved, reread)
}
