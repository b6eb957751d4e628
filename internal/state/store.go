// Package state persists the workflow document: one JSON file, one advisory
// lock, one writer at a time. All access runs through the same protocol so
// readers and writers always observe a complete document: acquire the
// sibling lock, read, optionally mutate and rewrite via temp file + atomic
// rename, release.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/strawboss/strawboss/internal/lockfile"
	"github.com/strawboss/strawboss/internal/types"
)

// Store manages the on-disk workflow state document
type Store struct {
	path        string
	lockTimeout time.Duration
}

// NewStore returns a store for the document at path. The lock file is the
// sibling <path>.lock.
func NewStore(path string) *Store {
	return &Store{
		path:        path,
		lockTimeout: lockfile.DefaultTimeout,
	}
}

// Path returns the state document path
func (s *Store) Path() string {
	return s.path
}

// LockPath returns the sibling lock file path
func (s *Store) LockPath() string {
	return s.path + ".lock"
}

// Exists reports whether the state document exists on disk
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Load reads the state document under the lock
func (s *Store) Load(ctx context.Context) (*types.WorkflowState, error) {
	lock, err := lockfile.Acquire(ctx, s.LockPath(), s.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	return s.read()
}

// Mutate runs fn on the current document under the lock and atomically
// rewrites the file with the result. If fn returns an error nothing is
// written and the document on disk is unchanged.
func (s *Store) Mutate(ctx context.Context, fn func(*types.WorkflowState) error) error {
	lock, err := lockfile.Acquire(ctx, s.LockPath(), s.lockTimeout)
	if err != nil {
		return err
	}
	defer lock.Release()

	state, err := s.read()
	if err != nil {
		return err
	}
	if err := fn(state); err != nil {
		return err
	}
	return s.write(state)
}

// Create writes a fresh document under the lock, replacing any existing one
func (s *Store) Create(ctx context.Context, state *types.WorkflowState) error {
	lock, err := lockfile.Acquire(ctx, s.LockPath(), s.lockTimeout)
	if err != nil {
		return err
	}
	defer lock.Release()

	return s.write(state)
}

// Init builds a new state document from manifest stories, validates the
// dependency graph, and writes it. Validation failures abort before anything
// touches disk.
func (s *Store) Init(ctx context.Context, prdFile string, stories []*types.Story) (*types.WorkflowState, error) {
	state := &types.WorkflowState{
		Version:   types.StateVersion,
		CreatedAt: time.Now().UTC(),
		PRDFile:   prdFile,
		Stories:   make(map[string]*types.Story, len(stories)),
	}
	for _, story := range stories {
		if _, exists := state.Stories[story.ID]; exists {
			return nil, fmt.Errorf("duplicate story id %q in manifest", story.ID)
		}
		state.Stories[story.ID] = story
	}

	if err := ValidateDependencyGraph(state); err != nil {
		return nil, err
	}
	if err := s.Create(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

func (s *Store) read() (*types.WorkflowState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read state file %s: %w", s.path, err)
	}
	var state types.WorkflowState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", s.path, err)
	}
	return &state, nil
}

// write marshals the document and replaces the file atomically: temp file in
// the same directory, fsync, rename over the original.
func (s *Store) write(state *types.WorkflowState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".state_*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace state file %s: %w", s.path, err)
	}
	return nil
}
