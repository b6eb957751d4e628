// Package edits parses, validates, and applies workflow edit requests.
// Agents drop a JSON file into the shared workflow_edits/ directory; the
// executor picks it up after the step succeeds. Every file is all-or-nothing:
// one rejected operation rejects the whole file.
package edits

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/strawboss/strawboss/internal/types"
)

// DirName is the drop-box directory under the shared dir
const DirName = "workflow_edits"

const failedDirName = "failed"

// Box is the edit-request drop box for a run
type Box struct {
	shared string
}

// NewBox returns a Box rooted at the shared directory
func NewBox(sharedDir string) *Box {
	return &Box{shared: sharedDir}
}

// Dir returns the drop-box directory path
func (b *Box) Dir() string {
	return filepath.Join(b.shared, DirName)
}

// FilePath returns the edit-request path for a story
func (b *Box) FilePath(storyID string) string {
	return filepath.Join(b.Dir(), storyID+".json")
}

// Read parses the edit-request file for a story. Returns (nil, nil) when no
// file exists. The file may hold a single edit object or an array; every
// operation is shape-checked before anything is returned.
func (b *Box) Read(storyID string) ([]types.Edit, error) {
	data, err := os.ReadFile(b.FilePath(storyID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read edit file for %s: %w", storyID, err)
	}

	ops, err := parseEdits(data)
	if err != nil {
		return nil, fmt.Errorf("invalid edit file for %s: %w", storyID, err)
	}
	return ops, nil
}

func parseEdits(data []byte) ([]types.Edit, error) {
	var ops []types.Edit
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(data, &ops); err != nil {
			return nil, err
		}
	} else {
		var one types.Edit
		if err := json.Unmarshal(data, &one); err != nil {
			return nil, err
		}
		ops = []types.Edit{one}
	}

	for i := range ops {
		if err := ops[i].Validate(); err != nil {
			return nil, err
		}
	}
	return ops, nil
}

// Discard moves a rejected or orphaned edit file into the failed/
// subdirectory so it can be inspected later. No-op if the file is absent.
func (b *Box) Discard(storyID string) error {
	src := b.FilePath(storyID)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	dir := filepath.Join(b.Dir(), failedDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	if err := os.Rename(src, filepath.Join(dir, storyID+".json")); err != nil {
		return fmt.Errorf("failed to discard edit file for %s: %w", storyID, err)
	}
	return nil
}

// Remove deletes the edit file after successful application. No-op if the
// file is absent.
func (b *Box) Remove(storyID string) error {
	err := os.Remove(b.FilePath(storyID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove edit file for %s: %w", storyID, err)
	}
	return nil
}
