package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/strawboss/strawboss/internal/git"
	"github.com/strawboss/strawboss/internal/state"
	"github.com/strawboss/strawboss/internal/types"
)

// reconcileError is the message stamped on steps failed by reconciliation.
const reconcileError = "Interrupted by orchestrator crash or shutdown (reconciled at startup)"

// orphanStep identifies an in_progress step left behind by a run that no
// longer has a worker for it.
type orphanStep struct {
	storyID string
	stepID  string
	agentID int
	preSHA  string
}

// findOrphanSteps collects the current in_progress step of every in_progress
// story. agentID is 0 and preSHA empty when the state never recorded them.
func findOrphanSteps(ws *types.WorkflowState) []orphanStep {
	var orphans []orphanStep
	for _, id := range state.SortedStoryIDs(ws) {
		story := ws.Stories[id]
		if story.Status != types.StoryInProgress {
			continue
		}
		step := story.CurrentInProgressStep()
		if step == nil {
			continue
		}
		o := orphanStep{storyID: id, stepID: step.ID}
		if story.AgentID != nil {
			o.agentID = *story.AgentID
		}
		if step.GitSHAAtStart != nil {
			o.preSHA = *step.GitSHAAtStart
		}
		orphans = append(orphans, o)
	}
	return orphans
}

// failOrphanSteps marks every orphaned step failed with the reconciliation
// error in one state transaction, then reports each repair. Steps that moved
// on since the caller loaded the state are left alone, which is what makes
// a second pass a no-op.
func failOrphanSteps(ctx context.Context, store *state.Store, orphans []orphanStep, progress func(string)) error {
	err := store.Mutate(ctx, func(ws *types.WorkflowState) error {
		for _, o := range orphans {
			story, ok := ws.Stories[o.storyID]
			if !ok {
				continue
			}
			step := story.FindStep(o.stepID)
			if step == nil || step.Status != types.StepInProgress {
				continue
			}
			now := time.Now().UTC()
			msg := reconcileError
			step.Status = types.StepFailed
			step.CompletedAt = &now
			step.Error = &msg
			story.AddHistory(types.NewHistoryEntry(types.ActionStepFailed, 0, o.stepID, map[string]any{
				"reason": "reconciliation",
			}))
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, o := range orphans {
		progress(fmt.Sprintf("  Reconciled [%s] %s: worker absent, step marked failed", o.storyID, o.stepID))
	}
	return nil
}

// Reconcile repairs state left behind by a crashed or interrupted run. It
// runs before any worker exists, so every in_progress step belongs to an
// absent worker: each is marked failed with a reconciliation error, its
// uncommitted work saved to <story>/<step>.reconcile.diff, and its worktree
// reset to the step's pre-start revision. Stories stay in_progress; their
// runners mark them failed when re-dispatched. Running Reconcile twice
// yields the same state as once.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	ws, err := s.store.Load(ctx)
	if err != nil {
		return err
	}
	orphans := findOrphanSteps(ws)
	if len(orphans) == 0 {
		return nil
	}

	// Workspace repair happens before the state write so a crash here
	// leaves the step in_progress and the next reconcile retries.
	for _, o := range orphans {
		if o.agentID == 0 || o.preSHA == "" {
			continue
		}
		workDir := s.workspaces.Path(o.agentID)
		if _, statErr := os.Stat(workDir); statErr != nil {
			fmt.Fprintf(os.Stderr, "warning: worktree %s missing, skipping workspace reset for %s\n", workDir, o.storyID)
			continue
		}
		diffPath := filepath.Join(s.logRoot, o.storyID, o.stepID+".reconcile.diff")
		if err := s.git.SaveDiff(ctx, workDir, o.preSHA, diffPath); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to save reconcile diff for %s/%s: %v\n", o.storyID, o.stepID, err)
		}
		if err := s.git.ResetHard(ctx, workDir, o.preSHA); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to reset worktree for %s: %v\n", o.storyID, err)
		}
	}

	return failOrphanSteps(ctx, s.store, orphans, s.progress)
}

// ReconcileInPlace is startup reconciliation for single-workspace runs,
// where every story executes directly in workDir rather than a per-agent
// worktree. Orphaned steps are repaired exactly as Reconcile repairs them:
// uncommitted work goes to logRoot/<story>/<step>.reconcile.diff, workDir is
// reset to the step's pre-start revision, and the step is marked failed.
func ReconcileInPlace(ctx context.Context, store *state.Store, g *git.Git, logRoot, workDir string, progress func(string)) error {
	ws, err := store.Load(ctx)
	if err != nil {
		return err
	}
	orphans := findOrphanSteps(ws)
	if len(orphans) == 0 {
		return nil
	}

	for _, o := range orphans {
		if o.preSHA == "" {
			continue
		}
		diffPath := filepath.Join(logRoot, o.storyID, o.stepID+".reconcile.diff")
		if err := g.SaveDiff(ctx, workDir, o.preSHA, diffPath); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to save reconcile diff for %s/%s: %v\n", o.storyID, o.stepID, err)
		}
		if err := g.ResetHard(ctx, workDir, o.preSHA); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to reset workspace for %s: %v\n", o.storyID, err)
		}
	}

	return failOrphanSteps(ctx, store, orphans, progress)
}
