package power

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/gswitch/gswitchd/internal/kmod"
)

// drmClassRoot is the sysfs directory enumerated to find the discrete
// card's DRM node. Overridable for tests.
var drmClassRoot = "/sys/class/drm"

// driNodeDir is where DRM device nodes live. Overridable for tests.
var driNodeDir = "/dev/dri"

const (
	nouveauOpenRetries = 10
	nouveauOpenDelay   = 5 * time.Millisecond
)

// NouveauTrickBackend powers the card down by loading nouveau with
// power-management options and holding an exclusive advisory lock on its
// DRM node, which keeps nouveau (and therefore the card) runtime-suspended.
// Powering back on means releasing the lock and unloading nouveau.
type NouveauTrickBackend struct {
	fd int // -1 when not held
}

func NewNouveauTrickBackend() *NouveauTrickBackend { return &NouveauTrickBackend{fd: -1} }

func (b *NouveauTrickBackend) Name() string { return "nouveau-trick" }

// Available requires the backend to be explicitly configured by name and
// the nouveau module to be resolvable by modprobe.
func (b *NouveauTrickBackend) Available(preference, _ string) bool {
	if preference != "nouveau-trick" {
		return false
	}
	return kmod.IsAvailable("nouveau")
}

func (b *NouveauTrickBackend) Status() (State, error) {
	if b.fd != -1 {
		return Off, nil
	}
	return On, nil
}

// Off loads nouveau, locates the discrete card's DRM node by following each
// /sys/class/drm/cardN/device/driver symlink until one resolves to
// "nouveau", then opens and exclusively locks it. The open is retried a
// handful of times because udev may not have created the device node yet.
func (b *NouveauTrickBackend) Off() error {
	if b.fd != -1 {
		return nil
	}

	if err := kmod.Load("nouveau", map[string]string{"runpm": "1", "modeset": "2"}); err != nil {
		return fmt.Errorf("power: load nouveau: %w", err)
	}

	cardNo, err := findNouveauCard()
	if err != nil {
		return err
	}

	devPath := filepath.Join(driNodeDir, fmt.Sprintf("card%d", cardNo))
	var fd int
	for attempt := 0; attempt < nouveauOpenRetries; attempt++ {
		fd, err = unix.Open(devPath, unix.O_RDONLY, 0)
		if err == nil {
			break
		}
		time.Sleep(nouveauOpenDelay)
	}
	if err != nil {
		return fmt.Errorf("power: open %s: %w", devPath, err)
	}

	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		unix.Close(fd)
		return fmt.Errorf("power: flock %s: %w", devPath, err)
	}

	b.fd = fd
	return nil
}

// On releases the DRM node lock and unloads nouveau. The fd must be closed
// before the unload attempt, otherwise rmmod fails with a busy module since
// the open fd still holds a reference.
func (b *NouveauTrickBackend) On() error {
	if b.fd != -1 {
		unix.Close(b.fd)
		b.fd = -1
	}
	if err := kmod.Unload("nouveau"); err != nil {
		return fmt.Errorf("power: unload nouveau: %w", err)
	}
	return nil
}

func (b *NouveauTrickBackend) RequiresDriverUnload() bool { return false }

// findNouveauCard walks /sys/class/drm/cardN/device/driver symlinks looking
// for the one whose driver basename is "nouveau".
func findNouveauCard() (int, error) {
	entries, err := os.ReadDir(drmClassRoot)
	if err != nil {
		return 0, fmt.Errorf("power: read %s: %w", drmClassRoot, err)
	}

	for _, e := range entries {
		var cardNo int
		var trailing string
		n, _ := fmt.Sscanf(e.Name(), "card%d%s", &cardNo, &trailing)
		if n != 1 || trailing != "" {
			continue
		}
		link := filepath.Join(drmClassRoot, e.Name(), "device", "driver")
		target, err := os.Readlink(link)
		if err != nil {
			continue
		}
		if filepath.Base(target) == "nouveau" {
			return cardNo, nil
		}
	}
	return 0, fmt.Errorf("power: no card handled by nouveau found under %s", drmClassRoot)
}
