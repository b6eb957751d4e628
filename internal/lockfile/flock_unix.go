//go:build !windows
// +build !windows

package lockfile

import (
	"os"
	"syscall"
)

// flockExclusive takes an exclusive advisory lock without blocking.
// Callers retry on failure.
func flockExclusive(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
}

// flockUnlock releases the advisory lock
func flockUnlock(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}
