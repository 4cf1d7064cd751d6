// Package wakelock keeps the host awake while the agent runs.
package wakelock

import (
	"errors"
	"log/slog"
	"sync"
)

var errUnsupported = errors.New("wake lock not supported on this platform")

// Lock is a sleep inhibitor that can be taken and released repeatedly.
// When the platform offers no inhibitor it degrades to a no-op.
type Lock struct {
	mu      sync.Mutex
	release func()
	logger  *slog.Logger
	acquire func(why string) (func(), error)
}

// New creates an unheld lock
func New(logger *slog.Logger) *Lock {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lock{logger: logger, acquire: inhibit}
}

// Acquire takes the lock if not already held
func (l *Lock) Acquire(why string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.release != nil {
		return
	}
	release, err := l.acquire(why)
	if err != nil {
		if errors.Is(err, errUnsupported) {
			l.logger.Debug("Wake lock unavailable", "error", err)
		} else {
			l.logger.Warn("Failed to acquire wake lock", "error", err)
		}
		return
	}
	l.release = release
	l.logger.Debug("Wake lock acquired")
}

// Release drops the lock if held
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.release == nil {
		return
	}
	l.release()
	l.release = nil
	l.logger.Debug("Wake lock released")
}

// Held reports whether the lock is currently held
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.release != nil
}
