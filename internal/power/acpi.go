package power

import (
	"fmt"
	"os"
	"strings"

	"github.com/gswitch/gswitchd/internal/kmod"
)

// acpiPath is the procfs entry the bbswitch-style ACPI toggle exposes.
// Overridable for tests.
var acpiPath = "/proc/acpi/bbswitch"

// ACPIBackend toggles the card through a procfs entry created by an
// ACPI-interface kernel module (e.g. bbswitch). Reading the entry yields a
// line "0000:BB:SS.F ON\n" or "...OFF\n"; writing "ON\n"/"OFF\n" toggles it.
type ACPIBackend struct{}

func NewACPIBackend() *ACPIBackend { return &ACPIBackend{} }

func (b *ACPIBackend) Name() string { return "acpi" }

// Available reports true if the procfs entry already exists and is
// read/write accessible, or if the backing module can be loaded on demand.
func (b *ACPIBackend) Available(_ string, _ string) bool {
	if f, err := os.OpenFile(acpiPath, os.O_RDWR, 0); err == nil {
		f.Close()
		return true
	}
	return kmod.IsAvailable("bbswitch")
}

func (b *ACPIBackend) Status() (State, error) {
	data, err := os.ReadFile(acpiPath)
	if err != nil {
		return Unavail, fmt.Errorf("power: read %s: %w", acpiPath, err)
	}
	line := strings.TrimSpace(string(data))
	switch {
	case strings.HasSuffix(line, "ON"):
		return On, nil
	case strings.HasSuffix(line, "OFF"):
		return Off, nil
	default:
		return Unavail, fmt.Errorf("power: unrecognized status line %q", line)
	}
}

func (b *ACPIBackend) On() error  { return b.write("ON\n") }
func (b *ACPIBackend) Off() error { return b.write("OFF\n") }

func (b *ACPIBackend) write(msg string) error {
	f, err := os.OpenFile(acpiPath, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("power: open %s: %w", acpiPath, err)
	}
	defer f.Close()
	if _, err := f.WriteString(msg); err != nil {
		return fmt.Errorf("power: write %s to %s: %w", strings.TrimSpace(msg), acpiPath, err)
	}
	return nil
}

func (b *ACPIBackend) RequiresDriverUnload() bool { return true }
