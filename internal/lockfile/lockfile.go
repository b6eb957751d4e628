// Package lockfile provides an advisory file lock with bounded-timeout
// acquisition. Every writer of the shared state document and the global
// scratch file goes through it, so a crashed holder never wedges the
// orchestrator: the OS releases the lock when the process dies.
package lockfile

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/time/rate"
)

// DefaultTimeout bounds how long Acquire waits before giving up.
const DefaultTimeout = 60 * time.Second

const retryInterval = 100 * time.Millisecond

// TimeoutError is returned when the lock could not be acquired in time
type TimeoutError struct {
	Path    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("could not acquire lock on %s within %s", e.Path, e.Timeout)
}

// Lock is a held advisory lock. Release it exactly once.
type Lock struct {
	path string
	file *os.File
}

// waitNotice throttles the stderr notice printed while a lock is contended
var waitNotice = rate.Sometimes{Interval: 5 * time.Second}

// Acquire opens (creating if needed) the lock file at path and takes an
// exclusive advisory lock on it, retrying until timeout elapses or ctx is
// cancelled. A timeout of 0 uses DefaultTimeout.
func Acquire(ctx context.Context, path string, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}

	deadline := time.Now().Add(timeout)
	for {
		err := flockExclusive(file)
		if err == nil {
			return &Lock{path: path, file: file}, nil
		}

		if time.Now().After(deadline) {
			file.Close()
			return nil, &TimeoutError{Path: path, Timeout: timeout}
		}

		waitNotice.Do(func() {
			fmt.Fprintf(os.Stderr, "Waiting for lock on %s...\n", path)
		})

		select {
		case <-ctx.Done():
			file.Close()
			return nil, fmt.Errorf("lock acquisition on %s interrupted: %w", path, ctx.Err())
		case <-time.After(retryInterval):
		}
	}
}

// Release drops the lock and closes the underlying file
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	unlockErr := flockUnlock(l.file)
	closeErr := l.file.Close()
	l.file = nil
	if unlockErr != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.path, unlockErr)
	}
	return closeErr
}

// Path returns the lock file path
func (l *Lock) Path() string {
	return l.path
}
