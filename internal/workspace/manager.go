// Package workspace manages per-agent git worktrees and the integration
// path that lands finished stories on the base branch. Each assigned agent
// works in <repo>/worktrees/agent-<n> on a strawboss/<story_id> branch cut
// from the base branch.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/strawboss/strawboss/internal/git"
)

// Config holds configuration for the workspace manager.
type Config struct {
	// RepoRoot is the path to the parent git repository
	RepoRoot string

	// Root is the directory worktrees are created under.
	// Defaults to <RepoRoot>/worktrees.
	Root string

	// BaseBranch is the branch stories are cut from and merged into.
	// Defaults to the branch checked out in RepoRoot.
	BaseBranch string

	// Messages generates squash-merge commit messages. Optional; the
	// deterministic fallback is used when nil.
	Messages *git.MessageGenerator
}

// Manager creates, disposes, and integrates agent worktrees.
type Manager struct {
	git        *git.Git
	repoRoot   string
	root       string
	baseBranch string
	messages   *git.MessageGenerator
}

// BranchName returns the branch a story's work happens on.
func BranchName(storyID string) string {
	return "strawboss/" + storyID
}

// NewManager validates the parent repository and prepares the worktree root.
func NewManager(ctx context.Context, g *git.Git, cfg Config) (*Manager, error) {
	if cfg.RepoRoot == "" {
		return nil, fmt.Errorf("RepoRoot cannot be empty")
	}
	if err := validateGitRepo(cfg.RepoRoot); err != nil {
		return nil, fmt.Errorf("invalid parent repo: %w", err)
	}

	root := cfg.Root
	if root == "" {
		root = filepath.Join(cfg.RepoRoot, "worktrees")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create worktree root: %w", err)
	}

	baseBranch := cfg.BaseBranch
	if baseBranch == "" {
		branch, err := g.CurrentBranch(ctx, cfg.RepoRoot)
		if err != nil || branch == "" {
			branch = "main"
		}
		baseBranch = branch
	}

	return &Manager{
		git:        g,
		repoRoot:   cfg.RepoRoot,
		root:       root,
		baseBranch: baseBranch,
		messages:   cfg.Messages,
	}, nil
}

// BaseBranch returns the integration target branch.
func (m *Manager) BaseBranch() string { return m.baseBranch }

// Path returns the worktree directory for an agent slot.
func (m *Manager) Path(agentID int) string {
	return filepath.Join(m.root, fmt.Sprintf("agent-%d", agentID))
}

// Create builds a fresh worktree for an agent working on a story. Stale
// registrations, leftover directories, and a leftover story branch from a
// previous run are cleared first.
func (m *Manager) Create(ctx context.Context, agentID int, storyID string) (string, error) {
	worktreePath := m.Path(agentID)
	branch := BranchName(storyID)

	// Clean up stale worktree entries then remove this worktree if registered
	_ = m.git.WorktreePrune(ctx, m.repoRoot)
	_ = m.git.WorktreeRemove(ctx, m.repoRoot, worktreePath)

	// Remove leftover directory (the worktree may already be pruned)
	if _, err := os.Stat(worktreePath); err == nil {
		if err := os.RemoveAll(worktreePath); err != nil {
			return "", fmt.Errorf("failed to remove leftover worktree directory: %w", err)
		}
	}

	// Delete the branch if it exists from a previous run
	_ = m.git.DeleteBranch(ctx, m.repoRoot, branch)

	if err := m.git.WorktreeAdd(ctx, m.repoRoot, worktreePath, branch, m.baseBranch); err != nil {
		return "", err
	}

	absPath, err := filepath.Abs(worktreePath)
	if err != nil {
		_ = m.git.WorktreeRemove(ctx, m.repoRoot, worktreePath)
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}
	return absPath, nil
}

// Remove disposes an agent's worktree. When deleteBranch is non-empty that
// branch is deleted too; failed stories keep their branch for post-mortem
// and rely on orphan cleanup.
func (m *Manager) Remove(ctx context.Context, agentID int, deleteBranch string) error {
	worktreePath := m.Path(agentID)

	if _, err := os.Stat(worktreePath); err == nil {
		if err := m.git.WorktreeRemove(ctx, m.repoRoot, worktreePath); err != nil {
			// A broken worktree still has to go away
			if rmErr := os.RemoveAll(worktreePath); rmErr != nil {
				return fmt.Errorf("failed to remove worktree directory: %w", rmErr)
			}
			_ = m.git.WorktreePrune(ctx, m.repoRoot)
		}
	}

	if deleteBranch != "" {
		if err := m.git.DeleteBranch(ctx, m.repoRoot, deleteBranch); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to delete branch %s: %v\n", deleteBranch, err)
		}
	}
	return nil
}

// CleanupOrphanedBranches removes story branches left behind with no
// worktree, subject to the retention window.
func (m *Manager) CleanupOrphanedBranches(ctx context.Context, retention time.Duration) (int, error) {
	return m.git.CleanupOrphanedBranches(ctx, m.repoRoot, retention, false)
}

// validateGitRepo checks if a directory is a git repository.
// Works for both regular checkouts and worktrees, where .git is a file.
func validateGitRepo(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("path does not exist: %s", path)
		}
		return fmt.Errorf("failed to stat path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}

	if _, err := os.Stat(filepath.Join(path, ".git")); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("not a git repository (no .git found): %s", path)
		}
		return fmt.Errorf("failed to check for .git: %w", err)
	}
	return nil
}
