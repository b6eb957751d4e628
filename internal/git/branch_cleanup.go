package git

import (
	"context"
	"fmt"
	"time"
)

// storyBranchPattern matches the branches the orchestrator creates for
// story worktrees.
const storyBranchPattern = "strawboss/*"

// OrphanedBranch represents a story branch with no associated worktree
type OrphanedBranch struct {
	Name      string
	Timestamp time.Time
	Age       time.Duration
}

// FindOrphanedStoryBranches finds story branches that have no associated
// worktree. These are leftovers from crashed orchestrators or manually
// removed worktrees; live stories always hold their branch through a
// worktree.
func (g *Git) FindOrphanedStoryBranches(ctx context.Context, repoPath string) ([]OrphanedBranch, error) {
	branches, err := g.ListBranches(ctx, repoPath, storyBranchPattern)
	if err != nil {
		return nil, fmt.Errorf("failed to list story branches: %w", err)
	}

	worktrees, err := g.ListWorktrees(ctx, repoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}

	activeBranches := make(map[string]bool)
	for _, branch := range worktrees {
		activeBranches[branch] = true
	}

	var orphaned []OrphanedBranch
	now := time.Now()

	for _, branch := range branches {
		if activeBranches[branch] {
			continue
		}
		timestamp, err := g.GetBranchTimestamp(ctx, repoPath, branch)
		if err != nil {
			// Skip branches we can't get timestamps for
			continue
		}

		orphaned = append(orphaned, OrphanedBranch{
			Name:      branch,
			Timestamp: timestamp,
			Age:       now.Sub(timestamp),
		})
	}

	return orphaned, nil
}

// CleanupOrphanedBranches deletes orphaned story branches older than the
// retention period. Returns the number of branches deleted. If dryRun is
// true, branches are identified but not deleted.
func (g *Git) CleanupOrphanedBranches(ctx context.Context, repoPath string, retention time.Duration, dryRun bool) (int, error) {
	orphaned, err := g.FindOrphanedStoryBranches(ctx, repoPath)
	if err != nil {
		return 0, fmt.Errorf("failed to find orphaned branches: %w", err)
	}

	deletedCount := 0
	for _, branch := range orphaned {
		if branch.Age < retention {
			// Branch is too recent to delete
			continue
		}

		if dryRun {
			fmt.Printf("[DRY RUN] Would delete: %s (age: %.1f days)\n",
				branch.Name, branch.Age.Hours()/24)
			deletedCount++
			continue
		}

		if err := g.DeleteBranch(ctx, repoPath, branch.Name); err != nil {
			// Keep going; one undeletable branch should not stop the rest
			fmt.Printf("Warning: failed to delete branch %s: %v\n", branch.Name, err)
			continue
		}

		deletedCount++
	}

	return deletedCount, nil
}
