// Package rundir manages the per-run shared directory: a timestamped
// folder holding the state document, agent logs, workflow edit files, the
// scratch layer, and the run's summary and metadata records.
package rundir

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/strawboss/strawboss/internal/edits"
	"github.com/strawboss/strawboss/internal/git"
)

const (
	// DefaultRoot is where run directories are created unless overridden.
	DefaultRoot = "run_strawboss"

	// StateFileName is the default state document name inside a run dir.
	StateFileName = "workflow_state.json"

	logsDirName  = "logs"
	summaryFile  = "summary.log"
	metadataFile = "metadata.json"
	prdCopyName  = "prd.json"

	// EnvPrefix selects which environment variables are captured in the
	// run metadata.
	EnvPrefix = "STRAWBOSS_"
)

var runDirPattern = regexp.MustCompile(`^\d{8}T\d{6}_[0-9a-f]{8}$`)

// Dir is a run directory on disk.
type Dir struct {
	path string
}

// Create makes a fresh run directory under root, named
// <YYYYMMDDTHHMMSS>_<8-hex>, with the workflow_edits and logs
// subdirectories ready.
func Create(root string) (*Dir, error) {
	if root == "" {
		root = DefaultRoot
	}
	name := fmt.Sprintf("%s_%s", time.Now().UTC().Format("20060102T150405"), uuid.New().String()[:8])
	return Open(filepath.Join(root, name))
}

// Open prepares an existing or explicit run directory, creating it and its
// subdirectories as needed.
func Open(path string) (*Dir, error) {
	for _, dir := range []string{path, filepath.Join(path, edits.DirName), filepath.Join(path, logsDirName)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create run directory %s: %w", dir, err)
		}
	}
	return &Dir{path: path}, nil
}

// Latest returns the most recent run directory under root. Names sort
// lexicographically by timestamp, so the last match wins.
func Latest(root string) (*Dir, error) {
	if root == "" {
		root = DefaultRoot
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read run root %s: %w", root, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() && runDirPattern.MatchString(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no run directories found under %s", root)
	}
	sort.Strings(names)
	return Open(filepath.Join(root, names[len(names)-1]))
}

// Path returns the run directory path.
func (d *Dir) Path() string {
	return d.path
}

// LogsDir returns the agent transcript directory.
func (d *Dir) LogsDir() string {
	return filepath.Join(d.path, logsDirName)
}

// StatePath returns the default state document path inside the run dir.
func (d *Dir) StatePath() string {
	return filepath.Join(d.path, StateFileName)
}

// AppendSummary adds a timestamped line to summary.log. Newlines in the
// message are flattened so the log stays one line per event.
func (d *Dir) AppendSummary(message string) error {
	clean := strings.ReplaceAll(message, "\n", " ")
	clean = strings.ReplaceAll(clean, "\r", "")
	line := fmt.Sprintf("[%s UTC] %s\n", time.Now().UTC().Format("2006-01-02 15:04:05"), clean)

	f, err := os.OpenFile(filepath.Join(d.path, summaryFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open summary log: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("failed to append summary log: %w", err)
	}
	return nil
}

// Metadata captures the environment a run started in, for post-run
// analysis.
type Metadata struct {
	Timestamp string            `json:"timestamp"`
	Hostname  string            `json:"hostname"`
	GoVersion string            `json:"go_version"`
	GitBranch string            `json:"git_branch"`
	GitSHA    string            `json:"git_sha"`
	Image     string            `json:"image"`
	EnvVars   map[string]string `json:"env_vars"`
}

// WriteMetadata records metadata.json for the run. Git lookups are best
// effort: a run launched outside a repository records empty branch and SHA.
func (d *Dir) WriteMetadata(ctx context.Context, g *git.Git, repoPath, image string) error {
	meta := Metadata{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		GoVersion: runtime.Version(),
		Image:     image,
		EnvVars:   map[string]string{},
	}
	if host, err := os.Hostname(); err == nil {
		meta.Hostname = host
	}
	if g != nil {
		if branch, err := g.CurrentBranch(ctx, repoPath); err == nil {
			meta.GitBranch = branch
		}
		if sha, err := g.Head(ctx, repoPath); err == nil {
			meta.GitSHA = sha
		}
	}
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		if k, v, ok := strings.Cut(kv, "="); ok {
			meta.EnvVars[k] = v
		}
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run metadata: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(filepath.Join(d.path, metadataFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write run metadata: %w", err)
	}
	return nil
}

// CopyPRD snapshots the manifest into the run directory as prd.json so the
// run stays reproducible even if the source file changes later.
func (d *Dir) CopyPRD(src string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read manifest %s: %w", src, err)
	}
	if err := os.WriteFile(filepath.Join(d.path, prdCopyName), data, 0644); err != nil {
		return fmt.Errorf("failed to snapshot manifest: %w", err)
	}
	return nil
}
