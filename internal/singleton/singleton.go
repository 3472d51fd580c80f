// Package singleton enforces that only one gswitchd instance runs at a
// time, using an advisory file lock on the PID file itself.
package singleton

import (
	"fmt"
	"os"
	"strconv"

	"github.com/gofrs/flock"
)

// Guard holds a pidfile's flock for the life of the process.
type Guard struct {
	lock    *flock.Flock
	pidPath string
}

// Acquire takes an exclusive, non-blocking lock on pidPath and writes the
// current PID into it. It returns an error if another instance already
// holds the lock — the caller should treat that as fatal startup failure,
// not retry, since a second daemon sharing one GPU would race the first.
func Acquire(pidPath string) (*Guard, error) {
	lock := flock.New(pidPath)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("singleton: lock %s: %w", pidPath, err)
	}
	if !ok {
		return nil, fmt.Errorf("singleton: another instance already holds %s", pidPath)
	}

	f, err := os.OpenFile(pidPath, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("singleton: write pidfile %s: %w", pidPath, err)
	}
	_, err = f.WriteString(strconv.Itoa(os.Getpid()))
	closeErr := f.Close()
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("singleton: write pidfile %s: %w", pidPath, err)
	}
	if closeErr != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("singleton: write pidfile %s: %w", pidPath, closeErr)
	}

	return &Guard{lock: lock, pidPath: pidPath}, nil
}

// Release unlocks the pidfile and removes it.
func (g *Guard) Release() error {
	if err := g.lock.Unlock(); err != nil {
		return fmt.Errorf("singleton: unlock %s: %w", g.pidPath, err)
	}
	return os.Remove(g.pidPath)
}
