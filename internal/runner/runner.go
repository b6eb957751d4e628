// Package runner drives one claimed story through its workflow: pick the
// next pending step, execute it, react to the outcome, repeat until the
// story completes, fails, or shutdown interrupts it.
package runner

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/strawboss/strawboss/internal/executor"
	"github.com/strawboss/strawboss/internal/scratch"
	"github.com/strawboss/strawboss/internal/state"
	"github.com/strawboss/strawboss/internal/steps"
	"github.com/strawboss/strawboss/internal/types"
)

// Config assembles a Runner. Progress is optional.
type Config struct {
	Store    *state.Store
	Scratch  *scratch.Dir
	Executor *executor.Executor
	AgentID  int
	Progress func(string)
}

// Runner owns the step loop for a single agent.
type Runner struct {
	store    *state.Store
	scratch  *scratch.Dir
	exec     *executor.Executor
	agentID  int
	progress func(string)
}

// New validates the configuration and returns a Runner.
func New(cfg Config) (*Runner, error) {
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("runner config: Store is required")
	case cfg.Scratch == nil:
		return nil, fmt.Errorf("runner config: Scratch is required")
	case cfg.Executor == nil:
		return nil, fmt.Errorf("runner config: Executor is required")
	case cfg.AgentID < 1:
		return nil, fmt.Errorf("runner config: AgentID must be >= 1, got %d", cfg.AgentID)
	}
	r := &Runner{
		store:    cfg.Store,
		scratch:  cfg.Scratch,
		exec:     cfg.Executor,
		agentID:  cfg.AgentID,
		progress: cfg.Progress,
	}
	if r.progress == nil {
		r.progress = func(msg string) { fmt.Println(msg) }
	}
	return r, nil
}

// RunStory claims the story if needed and executes steps until none remain
// pending. It returns true when the story finished with a completed final
// review. A false return with a nil error means the story failed and the
// failure was recorded; an error return means the loop itself broke down
// and the story's state is whatever was last persisted.
func (r *Runner) RunStory(ctx context.Context, storyID string) (bool, error) {
	alreadyDone, err := r.claim(ctx, storyID)
	if err != nil {
		return false, err
	}
	if alreadyDone {
		r.progress(fmt.Sprintf("  [%s] already completed, nothing to run", storyID))
		return true, nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		// Reload every iteration: edits applied by the previous step may
		// have reshaped the workflow.
		ws, err := r.store.Load(ctx)
		if err != nil {
			return false, err
		}
		story, ok := ws.Stories[storyID]
		if !ok {
			return false, fmt.Errorf("story %s not found in state", storyID)
		}

		// A failed or cancelled step is terminal for the whole story. This
		// also catches steps failed by startup reconciliation on a resumed
		// run, which would otherwise be skipped over.
		if bad := firstTerminalStep(story); bad != nil {
			if err := r.failStory(ctx, storyID, bad, bad.Status == types.StepCancelled); err != nil {
				return false, err
			}
			return false, nil
		}

		next := story.FindNextPendingStep()
		if next == nil {
			return r.finishStory(ctx, storyID)
		}

		snap, err := r.exec.ExecuteStep(ctx, storyID, next.ID)
		if err != nil {
			// Shutdown surfaces here with the step still in_progress on
			// disk; the next run's reconciliation picks it up.
			return false, err
		}

		switch snap.Status {
		case types.StepCompleted:
			continue
		case types.StepPending:
			// Restarted by its own edit file; the loop picks it up again.
			continue
		case types.StepCancelled:
			if err := r.failStory(ctx, storyID, snap, true); err != nil {
				return false, err
			}
			return false, nil
		case types.StepFailed:
			if err := r.failStory(ctx, storyID, snap, false); err != nil {
				return false, err
			}
			return false, nil
		default:
			return false, fmt.Errorf("step %s finished in unexpected status %s", snap.ID, snap.Status)
		}
	}
}

// claim takes ownership of the story, installing the default workflow for
// fresh claims. Stories already claimed by this agent pass through so a
// reconciled run or a post-conflict re-run can resume them.
func (r *Runner) claim(ctx context.Context, storyID string) (bool, error) {
	var alreadyDone bool
	err := r.store.Mutate(ctx, func(ws *types.WorkflowState) error {
		story, ok := ws.Stories[storyID]
		if !ok {
			return fmt.Errorf("story %s not found in state", storyID)
		}
		switch story.Status {
		case types.StoryUnclaimed:
			state.ClaimStory(story, r.agentID)
		case types.StoryInProgress:
			if story.AgentID == nil || *story.AgentID != r.agentID {
				owner := "no agent"
				if story.AgentID != nil {
					owner = fmt.Sprintf("agent %d", *story.AgentID)
				}
				return fmt.Errorf("story %s is already claimed by %s", storyID, owner)
			}
			if len(story.Steps) == 0 {
				story.Steps = steps.DefaultWorkflow()
			}
		case types.StoryCompleted:
			alreadyDone = true
		default:
			return fmt.Errorf("story %s is %s and cannot be run", storyID, story.Status)
		}
		return nil
	})
	return alreadyDone, err
}

// finishStory resolves a story with no pending steps left: completed when
// the final review passed, failed otherwise.
func (r *Runner) finishStory(ctx context.Context, storyID string) (bool, error) {
	var completed bool
	err := r.store.Mutate(ctx, func(ws *types.WorkflowState) error {
		story, ok := ws.Stories[storyID]
		if !ok {
			return fmt.Errorf("story %s not found in state", storyID)
		}
		now := time.Now().UTC()
		story.CompletedAt = &now
		if finalReviewCompleted(story) {
			story.Status = types.StoryCompleted
			story.AddHistory(types.NewHistoryEntry(types.ActionStoryCompleted, r.agentID, "", nil))
			completed = true
		} else {
			story.Status = types.StoryFailed
			story.AddHistory(types.NewHistoryEntry(types.ActionStoryFailed, r.agentID, "", map[string]any{
				"reason": "workflow ended without a completed final_review step",
			}))
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	if completed {
		r.progress(fmt.Sprintf("  [%s] All steps completed", storyID))
		if err := r.scratch.ArchiveStory(storyID); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to archive scratch for %s: %v\n", storyID, err)
		}
		return true, nil
	}

	line := fmt.Sprintf("[%s] Story %s FAILED: workflow ended without a completed final_review step",
		time.Now().UTC().Format(time.RFC3339), storyID)
	if err := r.scratch.AppendGlobal(ctx, line); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to append global scratch: %v\n", err)
	}
	r.progress(fmt.Sprintf("  Story %s FAILED.", storyID))
	return false, nil
}

// failStory marks the story failed after a terminal step outcome and logs
// the failure to the global scratch so sibling agents see it.
func (r *Runner) failStory(ctx context.Context, storyID string, step *types.Step, timedOut bool) error {
	err := r.store.Mutate(ctx, func(ws *types.WorkflowState) error {
		story, ok := ws.Stories[storyID]
		if !ok {
			return fmt.Errorf("story %s not found in state", storyID)
		}
		now := time.Now().UTC()
		story.Status = types.StoryFailed
		story.CompletedAt = &now
		story.AddHistory(types.NewHistoryEntry(types.ActionStoryFailed, r.agentID, step.ID, map[string]any{
			"reason": fmt.Sprintf("step %s %s", step.ID, step.Status),
		}))
		return nil
	})
	if err != nil {
		return err
	}

	line := fmt.Sprintf("[%s] Story %s FAILED at step %s (%s)",
		time.Now().UTC().Format(time.RFC3339), storyID, step.ID, step.Kind)
	if timedOut {
		line += " - timed out"
	}
	if err := r.scratch.AppendGlobal(ctx, line); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to append global scratch: %v\n", err)
	}
	r.progress(fmt.Sprintf("  Story %s FAILED.", storyID))
	return nil
}

// finalReviewCompleted reports whether the story ends with a completed
// final review. Edit guardrails keep the final review as the last step, so
// checking the tail is enough.
func finalReviewCompleted(story *types.Story) bool {
	if len(story.Steps) == 0 {
		return false
	}
	last := story.Steps[len(story.Steps)-1]
	return last.Kind == types.KindFinalReview && last.Status == types.StepCompleted
}

// firstTerminalStep returns the first failed or cancelled step, if any.
func firstTerminalStep(story *types.Story) *types.Step {
	for _, step := range story.Steps {
		switch step.Status {
		case types.StepFailed, types.StepCancelled:
			return step
		}
	}
	return nil
}
