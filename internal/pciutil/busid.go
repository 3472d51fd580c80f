// Package pciutil discovers and manipulates PCI devices on the host: finding
// the discrete GPU's bus address, reading which driver is bound to it, and
// saving/restoring the first bytes of its configuration space across power
// toggles. It does not bind or unbind drivers.
package pciutil

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrNotFound is returned when enumeration can't find a matching device.
var ErrNotFound = errors.New("pci: device not found")

// BusID is a packed (bus:8, slot:5, func:3) PCI address, matching the layout
// the kernel itself uses for the bus/devfn field in
// /proc/bus/pci/devices (bus<<8 | devfn).
type BusID uint16

// New packs a bus, slot, and function into a BusID.
func New(bus, slot, fn uint8) BusID {
	return BusID(uint16(bus)<<8 | uint16(slot&0x1f)<<3 | uint16(fn&0x7))
}

// Bus returns the 8-bit bus number.
func (b BusID) Bus() uint8 { return uint8(b >> 8) }

// Slot returns the 5-bit device/slot number.
func (b BusID) Slot() uint8 { return uint8((b >> 3) & 0x1f) }

// Func returns the 3-bit function number.
func (b BusID) Func() uint8 { return uint8(b & 0x7) }

// String renders the canonical "BB:SS.F" form: hex bus, hex slot, octal func.
func (b BusID) String() string {
	return fmt.Sprintf("%02x:%02x.%o", b.Bus(), b.Slot(), b.Func())
}

// SysfsName renders the id the way /sys/bus/pci/devices entries are named:
// "0000:BB:SS.F".
func (b BusID) SysfsName() string {
	return "0000:" + b.String()
}

// Parse parses the canonical "BB:SS.F" form (hex bus, hex slot, octal func).
// An optional "0000:" domain prefix is accepted and ignored.
func Parse(s string) (BusID, error) {
	s = strings.TrimPrefix(s, "0000:")
	busPart, rest, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("pci: malformed bus id %q", s)
	}
	slotPart, funcPart, ok := strings.Cut(rest, ".")
	if !ok {
		return 0, fmt.Errorf("pci: malformed bus id %q", s)
	}

	bus, err := strconv.ParseUint(busPart, 16, 8)
	if err != nil {
		return 0, fmt.Errorf("pci: bad bus %q: %w", busPart, err)
	}
	slot, err := strconv.ParseUint(slotPart, 16, 8)
	if err != nil {
		return 0, fmt.Errorf("pci: bad slot %q: %w", slotPart, err)
	}
	fn, err := strconv.ParseUint(funcPart, 8, 8)
	if err != nil {
		return 0, fmt.Errorf("pci: bad func %q: %w", funcPart, err)
	}
	if slot > 0x1f || fn > 0x7 {
		return 0, fmt.Errorf("pci: slot/func out of range in %q", s)
	}
	return New(uint8(bus), uint8(slot), uint8(fn)), nil
}
