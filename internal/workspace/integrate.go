package workspace

import (
	"context"
	"fmt"

	"github.com/strawboss/strawboss/internal/git"
	"github.com/strawboss/strawboss/internal/types"
)

// IntegrationResult reports how a story's integration ended.
type IntegrationResult struct {
	// Merged is true when the squash commit landed on the base branch
	Merged bool

	// CommitSHA is the squash commit, empty when the story changed nothing
	CommitSHA string

	// Conflict is true when the rebase onto the base branch stopped on
	// merge conflicts; the rebase has been aborted and the worktree is
	// back on the story branch
	Conflict bool

	// ConflictedFiles lists the files the rebase could not reconcile
	ConflictedFiles []string

	// Message is the commit message used for the squash commit
	Message string
}

// Integrate lands a completed story: rebase the story branch onto the base
// branch inside the agent's worktree, then squash-merge it into the base
// checkout. A conflicted rebase is reported via IntegrationResult.Conflict
// with a nil error so the caller can queue conflict resolution.
func (m *Manager) Integrate(ctx context.Context, agentID int, story *types.Story) (*IntegrationResult, error) {
	worktreePath := m.Path(agentID)
	branch := BranchName(story.ID)

	// Whatever the agent left uncommitted belongs to the story
	dirty, err := m.git.HasUncommittedChanges(ctx, worktreePath)
	if err != nil {
		return nil, err
	}
	if dirty {
		message := fmt.Sprintf("%s: uncommitted work at integration", story.ID)
		if _, err := m.git.CommitChanges(ctx, worktreePath, git.CommitOptions{Message: message, AddAll: true}); err != nil {
			return nil, fmt.Errorf("failed to commit leftover changes for %s: %w", story.ID, err)
		}
	}

	rebase, err := m.git.Rebase(ctx, worktreePath, m.baseBranch)
	if err != nil {
		return nil, fmt.Errorf("rebase of %s failed: %w", branch, err)
	}
	if rebase.HasConflicts {
		if err := m.git.RebaseAbort(ctx, worktreePath); err != nil {
			return nil, fmt.Errorf("failed to abort conflicted rebase of %s: %w", branch, err)
		}
		return &IntegrationResult{
			Conflict:        true,
			ConflictedFiles: rebase.ConflictedFiles,
		}, nil
	}

	// Diff stat is commit-message context only; ignore failures
	stat, _ := m.git.DiffStat(ctx, m.repoRoot, m.baseBranch, branch)

	message := m.messages.CommitMessage(ctx, git.CommitMessageRequest{
		StoryID:            story.ID,
		Title:              story.Title,
		AcceptanceCriteria: story.AcceptanceCriteria,
		Branch:             branch,
		DiffStat:           stat,
	})

	sha, err := m.git.SquashMerge(ctx, m.repoRoot, branch, message)
	if err != nil {
		// Leave the base checkout clean for the next integration
		if resetErr := m.git.ResetHardHead(ctx, m.repoRoot); resetErr != nil {
			return nil, fmt.Errorf("squash merge of %s failed (%v) and base reset failed: %w", branch, err, resetErr)
		}
		return nil, fmt.Errorf("squash merge of %s failed: %w", branch, err)
	}

	return &IntegrationResult{
		Merged:    true,
		CommitSHA: sha,
		Message:   message,
	}, nil
}
