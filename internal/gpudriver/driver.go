// Package gpudriver resolves which GPU driver gswitchd should bind and load,
// and derives the kernel module name and library/Xorg search paths that
// follow from that choice.
package gpudriver

import (
	"log/slog"

	"github.com/gswitch/gswitchd/internal/kmod"
)

// Descriptor describes one driver choice end to end.
type Descriptor struct {
	Name                string // e.g. "nvidia", "nouveau"
	KernelModuleName    string // defaults to Name
	LibrarySearchPath   string
	XorgModulePath      string
	PMBackendPreference string // "", "auto", "acpi", "kernel-switch", "nouveau-trick"
}

// CompileTimeDriver pins a default driver choice for a packaging build, set
// via -ldflags (e.g. -X github.com/gswitch/gswitchd/internal/gpudriver.CompileTimeDriver=).
// Defaults to the proprietary driver; a build with no reliable default (or a
// test) clears it to fall through to the detection tiers below.
var CompileTimeDriver = "nvidia"

// Defaults seeds the proprietary driver's probe name and search paths. These
// are struct fields, so -ldflags -X cannot set them; at run time
// --driver-module and --module-path override the module name and the Xorg
// module path.
var Defaults = struct {
	ProprietaryName        string
	ProprietaryLibraryPath string
	ProprietaryXorgModules string
}{
	ProprietaryName:        "nvidia",
	ProprietaryLibraryPath: "/usr/lib/nvidia",
	ProprietaryXorgModules: "/usr/lib/nvidia/xorg",
}

// Resolve chooses a driver following the precedence in spec.md §4.D:
// explicit config > compile-time default > already-loaded nouveau >
// probe-loadable proprietary module > probe-loadable nouveau.
func Resolve(log *slog.Logger, configured string) (Descriptor, error) {
	name := configured

	if name == "" {
		name = CompileTimeDriver
	}
	if name == "" && kmod.IsLoaded("nouveau") {
		name = "nouveau"
	}
	if name == "" && kmod.IsAvailable(Defaults.ProprietaryName) {
		name = Defaults.ProprietaryName
	}
	if name == "" && kmod.IsAvailable("nouveau") {
		name = "nouveau"
	}
	if name == "" {
		return Descriptor{}, &NoDriverError{}
	}

	d := Descriptor{
		Name:             name,
		KernelModuleName: name,
	}
	if name == Defaults.ProprietaryName {
		d.LibrarySearchPath = Defaults.ProprietaryLibraryPath
		d.XorgModulePath = Defaults.ProprietaryXorgModules
	}

	log.Info("driver selected", "name", d.Name, "module", d.KernelModuleName)
	return d, nil
}

// NoDriverError is returned when no driver could be resolved by any
// precedence rule.
type NoDriverError struct{}

func (e *NoDriverError) Error() string { return "gpudriver: no usable driver found" }
