package pciutil

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// ClassVGA is the PCI class+subclass for a VGA-compatible controller.
	ClassVGA = 0x0300
	// Class3D is the PCI class+subclass for a 3D controller.
	Class3D = 0x0302

	procDevicesPath = "/proc/bus/pci/devices"
	sysfsDevicePath = "/sys/bus/pci/devices"
	configSpaceLen  = 64
)

// DevicesPath lets tests point enumeration at a fixture file.
var DevicesPath = procDevicesPath

// SysfsRoot lets tests point sysfs-backed lookups at a fixture directory.
var SysfsRoot = sysfsDevicePath

// Device is one entry from the kernel's PCI device list.
type Device struct {
	ID       BusID
	VendorID uint16
	DeviceID uint16
}

// Enumerate reads DevicesPath and returns every PCI device the kernel
// currently lists. Lines are "bus_devfn vendor_device irq bar0 ..." in hex,
// as emitted by /proc/bus/pci/devices.
func Enumerate() ([]Device, error) {
	f, err := os.Open(DevicesPath)
	if err != nil {
		return nil, fmt.Errorf("pci: open %s: %w", DevicesPath, err)
	}
	defer f.Close()

	var devices []Device
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		busDevFn, err := strconv.ParseUint(fields[0], 16, 16)
		if err != nil {
			continue
		}
		vendorDevice, err := strconv.ParseUint(fields[1], 16, 32)
		if err != nil {
			continue
		}
		devices = append(devices, Device{
			ID:       BusID(busDevFn),
			VendorID: uint16(vendorDevice >> 16),
			DeviceID: uint16(vendorDevice),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("pci: scan %s: %w", DevicesPath, err)
	}
	return devices, nil
}

// DeviceClass reads the 16-bit class+subclass code for a device from sysfs
// (the top two bytes of the 24-bit "class" register).
func DeviceClass(id BusID) (uint32, error) {
	path := filepath.Join(SysfsRoot, id.SysfsName(), "class")
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("pci: read class for %s: %w", id, err)
	}
	raw := strings.TrimSpace(string(data))
	raw = strings.TrimPrefix(raw, "0x")
	class, err := strconv.ParseUint(raw, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("pci: parse class %q: %w", raw, err)
	}
	return uint32(class >> 8), nil
}

// FindNth returns the bus id of the index-th (0-based) device matching
// vendorID whose class is VGA or 3D. Enumeration order is the order devices
// appear in DevicesPath.
func FindNth(vendorID uint16, index int) (BusID, error) {
	devices, err := Enumerate()
	if err != nil {
		return 0, err
	}

	seen := 0
	for _, d := range devices {
		if d.VendorID != vendorID {
			continue
		}
		class, err := DeviceClass(d.ID)
		if err != nil {
			continue
		}
		if class != ClassVGA && class != Class3D {
			continue
		}
		if seen == index {
			return d.ID, nil
		}
		seen++
	}
	return 0, fmt.Errorf("pci: %w (vendor %04x, index %d)", ErrNotFound, vendorID, index)
}

// CurrentDriver resolves the driver symlink under the device's sysfs
// directory and returns its basename. An unbound device yields "", nil.
func CurrentDriver(id BusID) (string, error) {
	link := filepath.Join(SysfsRoot, id.SysfsName(), "driver")
	target, err := os.Readlink(link)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("pci: read driver link for %s: %w", id, err)
	}
	return filepath.Base(target), nil
}

// SaveConfigSpace reads the first 64 bytes of config space for a device,
// for transports (notably the ACPI toggle) that lose it across a power
// cycle and need it restored afterward.
func SaveConfigSpace(id BusID) ([]byte, error) {
	path := filepath.Join(SysfsRoot, id.SysfsName(), "config")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pci: open config space for %s: %w", id, err)
	}
	defer f.Close()

	buf := make([]byte, configSpaceLen)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("pci: read config space for %s: %w", id, err)
	}
	return buf, nil
}

// RestoreConfigSpace writes back bytes previously captured by
// SaveConfigSpace. buf must be exactly configSpaceLen bytes.
func RestoreConfigSpace(id BusID, buf []byte) error {
	if len(buf) != configSpaceLen {
		return fmt.Errorf("pci: restore config space for %s: expected %d bytes, got %d", id, configSpaceLen, len(buf))
	}
	path := filepath.Join(SysfsRoot, id.SysfsName(), "config")
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("pci: open config space for %s: %w", id, err)
	}
	defer f.Close()

	if _, err := f.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("pci: write config space for %s: %w", id, err)
	}
	return nil
}
