package power

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// switcherooPath is the vga_switcheroo debugfs entry. Overridable for tests.
var switcherooPath = "/sys/kernel/debug/vgaswitcheroo/switch"

// KernelSwitchBackend toggles the card through the kernel's built-in
// vga_switcheroo debugfs interface. Only usable with the nouveau driver.
type KernelSwitchBackend struct{}

func NewKernelSwitchBackend() *KernelSwitchBackend { return &KernelSwitchBackend{} }

func (b *KernelSwitchBackend) Name() string { return "kernel-switch" }

// Available requires this backend to be explicitly configured by name and
// the resolved driver to be nouveau; vga_switcheroo cannot drive any other
// driver's power state.
func (b *KernelSwitchBackend) Available(preference, driverName string) bool {
	if preference != "kernel-switch" {
		return false
	}
	if driverName != "nouveau" {
		return false
	}
	_, err := os.Stat(switcherooPath)
	return err == nil
}

func (b *KernelSwitchBackend) Status() (State, error) {
	f, err := os.Open(switcherooPath)
	if err != nil {
		return Unavail, fmt.Errorf("power: open %s: %w", switcherooPath, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "0:DIS:") {
			continue
		}
		const marker = "0:DIS: :"
		if len(line) <= len(marker) {
			continue
		}
		switch line[len(marker)] {
		case 'P':
			return On, nil
		case 'O':
			return Off, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return Unavail, fmt.Errorf("power: scan %s: %w", switcherooPath, err)
	}
	return Unavail, fmt.Errorf("power: no DIS line found in %s", switcherooPath)
}

func (b *KernelSwitchBackend) On() error  { return b.write("ON\n") }
func (b *KernelSwitchBackend) Off() error { return b.write("OFF\n") }

func (b *KernelSwitchBackend) write(msg string) error {
	f, err := os.OpenFile(switcherooPath, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("power: open %s: %w", switcherooPath, err)
	}
	defer f.Close()
	if _, err := f.WriteString(msg); err != nil {
		return fmt.Errorf("power: write %s to %s: %w", strings.TrimSpace(msg), switcherooPath, err)
	}
	return nil
}

func (b *KernelSwitchBackend) RequiresDriverUnload() bool { return true }
