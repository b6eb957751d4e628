// Package git wraps the git CLI for the orchestrator: revision capture,
// diagnostic diffs, hard resets, rebases, and the base-side squash merge
// that lands a finished story. Repository paths are trusted; no validation
// or sandboxing is performed here.
package git

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Git implements the operations using the git CLI.
type Git struct {
	// gitPath is the path to the git executable
	gitPath string
}

// NewGit creates a new Git instance.
// It verifies that git is available on the system.
func NewGit(ctx context.Context) (*Git, error) {
	gitPath, err := exec.LookPath("git")
	if err != nil {
		return nil, fmt.Errorf("git not found in PATH: %w", err)
	}

	cmd := exec.CommandContext(ctx, gitPath, "version")
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git command failed: %w", err)
	}

	return &Git{gitPath: gitPath}, nil
}

// Head returns the SHA of the repository's current HEAD.
func (g *Git) Head(ctx context.Context, repoPath string) (string, error) {
	cmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "rev-parse", "HEAD")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed in %s: %w", repoPath, err)
	}
	return strings.TrimSpace(string(output)), nil
}

// CurrentBranch returns the checked-out branch name.
func (g *Git) CurrentBranch(ctx context.Context, repoPath string) (string, error) {
	cmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "rev-parse", "--abbrev-ref", "HEAD")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to get current branch in %s: %w", repoPath, err)
	}
	return strings.TrimSpace(string(output)), nil
}

// ConfigValue reads a git config key, returning "" when the key is unset.
func (g *Git) ConfigValue(ctx context.Context, repoPath, key string) (string, error) {
	cmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "config", "--get", key)
	output, err := cmd.Output()
	if err != nil {
		// Exit code 1 means the key is simply not set.
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return "", nil
		}
		return "", fmt.Errorf("failed to read git config %s in %s: %w", key, repoPath, err)
	}
	return strings.TrimSpace(string(output)), nil
}

// HasUncommittedChanges checks if there are uncommitted changes.
func (g *Git) HasUncommittedChanges(ctx context.Context, repoPath string) (bool, error) {
	status, err := g.GetStatus(ctx, repoPath)
	if err != nil {
		return false, fmt.Errorf("failed to check uncommitted changes in %s: %w", repoPath, err)
	}
	return status.HasChanges, nil
}

// GetStatus returns the git status of the repository.
func (g *Git) GetStatus(ctx context.Context, repoPath string) (*Status, error) {
	// Use git status --porcelain for machine-readable output
	cmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "status", "--porcelain")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git status failed in %s: %w", repoPath, err)
	}

	status := &Status{
		Modified:   []string{},
		Untracked:  []string{},
		Deleted:    []string{},
		Added:      []string{},
		Renamed:    []string{},
		HasChanges: false,
	}

	scanner := bufio.NewScanner(strings.NewReader(string(output)))
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) < 3 {
			continue
		}

		statusCode := line[0:2]
		filePath := line[3:]

		// Parse status codes: XY where X=index, Y=working tree
		// Reference: https://git-scm.com/docs/git-status#_short_format
		switch {
		case strings.HasPrefix(statusCode, "??"):
			status.Untracked = append(status.Untracked, filePath)
		case strings.HasPrefix(statusCode, "A "), strings.HasPrefix(statusCode, "AM"):
			status.Added = append(status.Added, filePath)
		case strings.HasPrefix(statusCode, "M "), strings.HasPrefix(statusCode, " M"), strings.HasPrefix(statusCode, "MM"):
			status.Modified = append(status.Modified, filePath)
		case strings.HasPrefix(statusCode, "D "), strings.HasPrefix(statusCode, " D"):
			status.Deleted = append(status.Deleted, filePath)
		case strings.HasPrefix(statusCode, "R "):
			status.Renamed = append(status.Renamed, filePath)
		default:
			// Other changes (copied, updated but unmerged, etc.)
			status.Modified = append(status.Modified, filePath)
		}

		status.HasChanges = true
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse git status: %w", err)
	}

	return status, nil
}

// SaveDiff writes the diff between baseSHA and the working tree to
// outputPath. Untracked files are registered as intent-to-add first so they
// appear in the diff; callers reset the worktree afterwards.
func (g *Git) SaveDiff(ctx context.Context, repoPath, baseSHA, outputPath string) error {
	// Best effort: an empty repo or pathspec miss should not block the diff
	addCmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "add", "--intent-to-add", ".")
	_ = addCmd.Run()

	cmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "diff", baseSHA)
	output, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("git diff failed in %s: %w", repoPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return fmt.Errorf("failed to create diff directory: %w", err)
	}
	if err := os.WriteFile(outputPath, output, 0644); err != nil {
		return fmt.Errorf("failed to write diff to %s: %w", outputPath, err)
	}
	return nil
}

// ResetHard discards all changes, resetting the worktree to targetSHA and
// removing untracked files and directories.
func (g *Git) ResetHard(ctx context.Context, repoPath, targetSHA string) error {
	resetCmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "reset", "--hard", targetSHA)
	if output, err := resetCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git reset --hard failed in %s: %w\n%s", repoPath, err, strings.TrimSpace(string(output)))
	}

	cleanCmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "clean", "-fd")
	if output, err := cleanCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git clean failed in %s: %w\n%s", repoPath, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// CommitChanges creates a git commit.
// Returns the commit hash if successful.
func (g *Git) CommitChanges(ctx context.Context, repoPath string, opts CommitOptions) (string, error) {
	if opts.Message == "" {
		return "", fmt.Errorf("commit message is required")
	}

	// Stage changes if requested
	if opts.AddAll {
		addCmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "add", "-A")
		if err := addCmd.Run(); err != nil {
			return "", fmt.Errorf("git add failed in %s: %w", repoPath, err)
		}
	}

	args := []string{"-C", repoPath, "commit", "-m", opts.Message}
	if opts.Author != "" {
		args = append(args, "--author", opts.Author)
	}
	if opts.AllowEmpty {
		args = append(args, "--allow-empty")
	}

	commitCmd := exec.CommandContext(ctx, g.gitPath, args...)
	if output, err := commitCmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("git commit failed in %s: %w\n%s", repoPath, err, strings.TrimSpace(string(output)))
	}

	return g.Head(ctx, repoPath)
}

// DiffStat returns the diff --stat between base and ref, for commit-message
// context.
func (g *Git) DiffStat(ctx context.Context, repoPath, base, ref string) (string, error) {
	cmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "diff", "--stat", base+"..."+ref)
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git diff --stat failed in %s: %w", repoPath, err)
	}
	return string(output), nil
}

// Rebase rebases the current branch onto baseBranch. A conflicted rebase is
// an expected outcome, reported via RebaseResult.HasConflicts with a nil
// error; the rebase is left in progress for the caller to abort or resolve.
func (g *Git) Rebase(ctx context.Context, repoPath, baseBranch string) (*RebaseResult, error) {
	result := &RebaseResult{BaseBranch: baseBranch}

	currentBranch, err := g.CurrentBranch(ctx, repoPath)
	if err != nil {
		return nil, err
	}
	result.CurrentBranch = currentBranch

	rebaseCmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "rebase", baseBranch)
	output, err := rebaseCmd.CombinedOutput()
	if err == nil {
		result.Success = true
		return result, nil
	}

	// Rebase failed - check if it's due to conflicts
	hasConflicts, conflictErr := g.hasConflicts(ctx, repoPath)
	if conflictErr != nil {
		result.ErrorMessage = fmt.Sprintf("rebase failed and conflict check failed: %v\nRebase output: %s", conflictErr, string(output))
		return result, fmt.Errorf("git rebase failed in %s and conflict check failed: %w", repoPath, err)
	}

	if hasConflicts {
		result.HasConflicts = true
		result.ConflictedFiles = g.getConflictedFiles(ctx, repoPath)
		result.ErrorMessage = fmt.Sprintf("rebase failed with conflicts: %s", string(output))
		return result, nil
	}

	result.ErrorMessage = fmt.Sprintf("rebase failed: %v\nOutput: %s", err, string(output))
	return result, fmt.Errorf("git rebase failed in %s: %w", repoPath, err)
}

// RebaseAbort abandons an in-progress rebase.
func (g *Git) RebaseAbort(ctx context.Context, repoPath string) error {
	cmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "rebase", "--abort")
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git rebase --abort failed in %s: %w\n%s", repoPath, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// SquashMerge applies branch onto the current branch with merge --squash and
// commits the result with message. Returns the new commit SHA, or "" when
// the branch introduced no changes (nothing is committed).
func (g *Git) SquashMerge(ctx context.Context, repoPath, branch, message string) (string, error) {
	mergeCmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "merge", "--squash", branch)
	if output, err := mergeCmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("git merge --squash %s failed in %s: %w\n%s", branch, repoPath, err, strings.TrimSpace(string(output)))
	}

	status, err := g.GetStatus(ctx, repoPath)
	if err != nil {
		return "", err
	}
	if !status.HasChanges {
		return "", nil
	}

	return g.CommitChanges(ctx, repoPath, CommitOptions{Message: message})
}

// hasConflicts checks if there are unmerged files (merge conflicts).
// This uses git diff --diff-filter=U which specifically checks for unmerged paths.
func (g *Git) hasConflicts(ctx context.Context, repoPath string) (bool, error) {
	cmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "diff", "--name-only", "--diff-filter=U")
	output, err := cmd.Output()
	if err != nil {
		// If the command fails, it might be because we're not in a rebase
		// In that case, there are no conflicts
		return false, nil
	}
	return len(strings.TrimSpace(string(output))) > 0, nil
}

// getConflictedFiles returns a list of files with merge conflicts.
func (g *Git) getConflictedFiles(ctx context.Context, repoPath string) []string {
	cmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "diff", "--name-only", "--diff-filter=U")
	output, err := cmd.Output()
	if err != nil {
		return []string{}
	}

	var files []string
	scanner := bufio.NewScanner(strings.NewReader(string(output)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			files = append(files, line)
		}
	}

	return files
}

// ListBranches returns local branch names matching pattern.
func (g *Git) ListBranches(ctx context.Context, repoPath, pattern string) ([]string, error) {
	cmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "branch", "--list", pattern, "--format=%(refname:short)")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git branch --list failed in %s: %w", repoPath, err)
	}

	var branches []string
	scanner := bufio.NewScanner(strings.NewReader(string(output)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			branches = append(branches, line)
		}
	}
	return branches, nil
}

// ListWorktrees returns the branch names checked out in the repository's
// worktrees, including the main checkout.
func (g *Git) ListWorktrees(ctx context.Context, repoPath string) ([]string, error) {
	cmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "worktree", "list", "--porcelain")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git worktree list failed in %s: %w", repoPath, err)
	}

	var branches []string
	scanner := bufio.NewScanner(strings.NewReader(string(output)))
	for scanner.Scan() {
		line := scanner.Text()
		if ref, ok := strings.CutPrefix(line, "branch refs/heads/"); ok {
			branches = append(branches, ref)
		}
	}
	return branches, nil
}

// GetBranchTimestamp returns the committer time of the branch tip.
func (g *Git) GetBranchTimestamp(ctx context.Context, repoPath, branch string) (time.Time, error) {
	cmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "log", "-1", "--format=%ct", branch)
	output, err := cmd.Output()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get timestamp of %s: %w", branch, err)
	}

	unix, err := strconv.ParseInt(strings.TrimSpace(string(output)), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp of %s: %w", branch, err)
	}
	return time.Unix(unix, 0), nil
}

// DeleteBranch force-deletes a local branch.
func (g *Git) DeleteBranch(ctx context.Context, repoPath, branch string) error {
	cmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "branch", "-D", branch)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git branch -D %s failed in %s: %w\n%s", branch, repoPath, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// WorktreePrune drops stale worktree registrations.
func (g *Git) WorktreePrune(ctx context.Context, repoPath string) error {
	cmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "worktree", "prune")
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git worktree prune failed in %s: %w\n%s", repoPath, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// WorktreeAdd creates a worktree at path on a new branch cut from base.
func (g *Git) WorktreeAdd(ctx context.Context, repoPath, path, branch, base string) error {
	cmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "worktree", "add", path, "-b", branch, base)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git worktree add failed in %s: %w\n%s", repoPath, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// WorktreeRemove force-removes a worktree registration and its directory.
func (g *Git) WorktreeRemove(ctx context.Context, repoPath, path string) error {
	cmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "worktree", "remove", "--force", path)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git worktree remove failed in %s: %w\n%s", repoPath, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// ResetHardHead discards staged and unstaged changes without touching
// untracked files. Used to recover the base checkout from a failed
// squash merge.
func (g *Git) ResetHardHead(ctx context.Context, repoPath string) error {
	cmd := exec.CommandContext(ctx, g.gitPath, "-C", repoPath, "reset", "--hard", "HEAD")
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git reset --hard HEAD failed in %s: %w\n%s", repoPath, err, strings.TrimSpace(string(output)))
	}
	return nil
}
