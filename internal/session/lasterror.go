package session

import (
	"sync"

	"github.com/gswitch/gswitchd/internal/apperr"
)

// LastError stores the first error since the last reset; subsequent Set
// calls are logged by the caller but never overwrite the held value.
type LastError struct {
	mu  sync.Mutex
	err *apperr.Error
}

// Set stores err only if nothing is currently held. It reports whether the
// value was actually stored, so callers can log-but-not-overwrite.
func (l *LastError) Set(err *apperr.Error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false
	}
	l.err = err
	return true
}

// Reset clears the held error. This and a successful start_secondary are
// the only ways to clear it.
func (l *LastError) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = nil
}

// Get returns the currently held error, or nil.
func (l *LastError) Get() *apperr.Error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}
