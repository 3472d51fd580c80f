// Package power implements the discrete GPU power backends: the ACPI
// procfs toggle, the kernel vga_switcheroo debugfs toggle, and the
// nouveau-load trick that powers the card down as a side effect of holding
// its DRM node open. Exactly one backend is selected and used for the
// lifetime of the service.
package power

import (
	"fmt"
)

// State is the reported power state of the discrete GPU.
type State int

const (
	Off State = iota
	On
	Unavail
)

func (s State) String() string {
	switch s {
	case On:
		return "on"
	case Off:
		return "off"
	default:
		return "unavailable"
	}
}

// Backend is one interchangeable power/driver-binding toggle implementation.
type Backend interface {
	// Name identifies the backend for logging ("acpi", "kernel-switch", "nouveau-trick").
	Name() string
	// Available reports whether this backend can be used given the
	// configured preference and the resolved driver.
	Available(preference, driverName string) bool
	Status() (State, error)
	On() error
	Off() error
	// RequiresDriverUnload reports whether the discrete GPU's driver must be
	// unbound before Off can succeed.
	RequiresDriverUnload() bool
}

// orderedBackends is the fixed detection order from spec.md §4.C.
func orderedBackends() []Backend {
	return []Backend{
		NewACPIBackend(),
		NewKernelSwitchBackend(),
		NewNouveauTrickBackend(),
	}
}

// Select iterates the fixed backend order and returns the first one that
// reports itself available for the given preference ("" or "auto" means no
// preference) and driver name. Selection is meant to be called once and the
// result held for the service's lifetime.
func Select(preference, driverName string) (Backend, error) {
	for _, b := range orderedBackends() {
		if b.Available(preference, driverName) {
			return b, nil
		}
	}
	return nil, fmt.Errorf("power: no backend available (preference=%q driver=%q)", preference, driverName)
}
