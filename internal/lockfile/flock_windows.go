//go:build windows
// +build windows

package lockfile

import (
	"os"
)

// flockExclusive is a no-op on Windows; orchestrator deployments are
// unix-only and the lock protocol degrades to best-effort there.
func flockExclusive(f *os.File) error {
	return nil
}

// flockUnlock is a no-op on Windows
func flockUnlock(f *os.File) error {
	return nil
}
