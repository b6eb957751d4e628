// Package scratch manages the persistent memory files that carry context
// between workflow steps. Two scopes with different locking disciplines: the
// global scratch.md is written by many workers under an advisory lock, while
// scratch_<story_id>.md has a single writer (the worker assigned to the
// story) and needs none.
package scratch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/strawboss/strawboss/internal/lockfile"
)

const (
	globalName     = "scratch.md"
	globalLockName = "scratch.md.lock"
)

// Dir provides access to the scratch files under a shared directory
type Dir struct {
	root        string
	lockTimeout time.Duration
}

// New returns a Dir rooted at the shared directory
func New(root string) *Dir {
	return &Dir{
		root:        root,
		lockTimeout: lockfile.DefaultTimeout,
	}
}

// GlobalPath returns the path of the global scratch file
func (d *Dir) GlobalPath() string {
	return filepath.Join(d.root, globalName)
}

// StoryPath returns the path of a per-story scratch file
func (d *Dir) StoryPath(storyID string) string {
	return filepath.Join(d.root, fmt.Sprintf("scratch_%s.md", storyID))
}

func (d *Dir) globalLockPath() string {
	return filepath.Join(d.root, globalLockName)
}

// ReadGlobal returns the global scratch content, or "" if the file does not
// exist. No lock is taken: writers replace the file atomically, so a reader
// always sees a complete document.
func (d *Dir) ReadGlobal() (string, error) {
	return readOptional(d.GlobalPath())
}

// WriteGlobal replaces the global scratch content under the lock
func (d *Dir) WriteGlobal(ctx context.Context, content string) error {
	lock, err := lockfile.Acquire(ctx, d.globalLockPath(), d.lockTimeout)
	if err != nil {
		return err
	}
	defer lock.Release()

	return atomicWrite(d.GlobalPath(), content)
}

// AppendGlobal appends a line to the global scratch under the lock, creating
// the file if needed
func (d *Dir) AppendGlobal(ctx context.Context, message string) error {
	lock, err := lockfile.Acquire(ctx, d.globalLockPath(), d.lockTimeout)
	if err != nil {
		return err
	}
	defer lock.Release()

	return appendLine(d.GlobalPath(), message)
}

// ReadStory returns the per-story scratch content, or "" if the file does
// not exist
func (d *Dir) ReadStory(storyID string) (string, error) {
	return readOptional(d.StoryPath(storyID))
}

// WriteStory replaces the per-story scratch content
func (d *Dir) WriteStory(storyID, content string) error {
	return os.WriteFile(d.StoryPath(storyID), []byte(content), 0644)
}

// AppendStory appends a line to the per-story scratch, creating the file if
// needed
func (d *Dir) AppendStory(storyID, message string) error {
	return appendLine(d.StoryPath(storyID), message)
}

// ArchiveStory renames the per-story scratch to <name>.done when the story
// completes, keeping it out of future prompts but on disk for inspection.
// No-op if the file does not exist.
func (d *Dir) ArchiveStory(storyID string) error {
	path := d.StoryPath(storyID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := os.Rename(path, path+".done"); err != nil {
		return fmt.Errorf("failed to archive story scratch %s: %w", path, err)
	}
	return nil
}

func readOptional(path string) (string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return string(data), nil
}

func appendLine(path, message string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s for append: %w", path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(message + "\n"); err != nil {
		return fmt.Errorf("failed to append to %s: %w", path, err)
	}
	return nil
}

func atomicWrite(path, content string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".scratch_*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
