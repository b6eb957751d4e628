// Package scheduler coordinates parallel story execution: it validates and
// repairs persisted state at startup, claims assignable stories onto worker
// slots, launches one worker per claimed story, integrates finished work
// onto the base branch, and propagates failures through the dependency
// graph until every story is terminal.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/strawboss/strawboss/internal/git"
	"github.com/strawboss/strawboss/internal/state"
	"github.com/strawboss/strawboss/internal/steps"
	"github.com/strawboss/strawboss/internal/types"
	"github.com/strawboss/strawboss/internal/workspace"
)

// DefaultMaxIterations bounds how many stories one run may claim.
const DefaultMaxIterations = 50

// BranchRetention is how long orphaned story branches survive startup
// cleanup. Branches younger than this are kept for post-mortem.
const BranchRetention = 24 * time.Hour

// ConflictResolutionDescription is the task given to the coding step the
// scheduler inserts when a finished story's rebase hits conflicts.
const ConflictResolutionDescription = "Resolve rebase conflicts against the base branch and re-verify the story"

// Config assembles a Scheduler. MaxIterations and Progress are optional.
type Config struct {
	Store      *state.Store
	Workspaces *workspace.Manager
	Launcher   WorkerLauncher
	Git        *git.Git

	// LogRoot receives reconciliation diffs under <story>/<step>.reconcile.diff.
	LogRoot string

	// Agents is the worker-slot count N; slots are named agent-1..agent-N.
	Agents int

	// MaxIterations caps claimed stories per run. Zero means
	// DefaultMaxIterations.
	MaxIterations int

	// Progress receives one-line status messages. Nil means stdout.
	Progress func(string)
}

// Scheduler runs the parallel mode main loop.
type Scheduler struct {
	store         *state.Store
	workspaces    *workspace.Manager
	launcher      WorkerLauncher
	git           *git.Git
	logRoot       string
	agents        int
	maxIterations int
	progress      func(string)
	sem           *semaphore.Weighted
}

// New validates the configuration and returns a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("scheduler config: Store is required")
	case cfg.Workspaces == nil:
		return nil, fmt.Errorf("scheduler config: Workspaces is required")
	case cfg.Launcher == nil:
		return nil, fmt.Errorf("scheduler config: Launcher is required")
	case cfg.Git == nil:
		return nil, fmt.Errorf("scheduler config: Git is required")
	case cfg.LogRoot == "":
		return nil, fmt.Errorf("scheduler config: LogRoot is required")
	case cfg.Agents < 1:
		return nil, fmt.Errorf("scheduler config: Agents must be >= 1, got %d", cfg.Agents)
	}

	s := &Scheduler{
		store:         cfg.Store,
		workspaces:    cfg.Workspaces,
		launcher:      cfg.Launcher,
		git:           cfg.Git,
		logRoot:       cfg.LogRoot,
		agents:        cfg.Agents,
		maxIterations: cfg.MaxIterations,
		progress:      cfg.Progress,
		sem:           semaphore.NewWeighted(int64(cfg.Agents)),
	}
	if s.maxIterations <= 0 {
		s.maxIterations = DefaultMaxIterations
	}
	if s.progress == nil {
		s.progress = func(msg string) { fmt.Println(msg) }
	}
	return s, nil
}

// workerResult is what a worker goroutine reports back to the main loop.
type workerResult struct {
	agentID  int
	storyID  string
	exitCode int
	err      error
}

// runState is the main loop's bookkeeping. Only the loop goroutine touches
// it; worker goroutines communicate exclusively through the results channel.
type runState struct {
	pool    *slotPool
	running map[int]string
	results chan workerResult
	claimed int
}

// Run executes stories until every one is terminal, the claim budget is
// exhausted, or the context is cancelled. On cancellation live workers are
// terminated and their stories stay in_progress for the next run's
// reconciliation.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Reconcile(ctx); err != nil {
		return err
	}
	if n, err := s.workspaces.CleanupOrphanedBranches(ctx, BranchRetention); err != nil {
		fmt.Fprintf(os.Stderr, "warning: orphaned branch cleanup failed: %v\n", err)
	} else if n > 0 {
		s.progress(fmt.Sprintf("  Cleaned up %d orphaned story branch(es)", n))
	}
	// A resumed state file may hold failures whose dependents were never
	// blocked because the previous run died first.
	if err := s.propagate(ctx); err != nil {
		return err
	}

	s.progress(fmt.Sprintf("Parallel mode: %d agents", s.agents))

	// Workers run under a child context so an orchestrator-side error can
	// terminate them without waiting out their timeouts.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	rs := &runState{
		pool:    newSlotPool(s.agents),
		running: make(map[int]string),
		results: make(chan workerResult),
	}

	var runErr error
loop:
	for {
		if err := runCtx.Err(); err != nil {
			runErr = err
			break
		}
		if err := s.unblock(runCtx); err != nil {
			runErr = err
			break
		}
		if err := s.dispatchOrphans(runCtx, rs); err != nil {
			runErr = err
			break
		}
		if err := s.claimStories(runCtx, rs); err != nil {
			runErr = err
			break
		}

		if len(rs.running) == 0 {
			runErr = s.finishRun(runCtx, rs)
			break
		}

		select {
		case res := <-rs.results:
			if err := s.handleResult(runCtx, rs, res); err != nil {
				runErr = err
				break loop
			}
			s.printStatus(runCtx)
		case <-runCtx.Done():
			runErr = runCtx.Err()
			break loop
		}
	}

	cancel()
	s.drain(rs)
	s.printStatus(context.Background())
	return runErr
}

// unblock returns blocked stories to the unclaimed pool once their
// dependencies are all completed.
func (s *Scheduler) unblock(ctx context.Context) error {
	var unblocked []string
	err := s.store.Mutate(ctx, func(ws *types.WorkflowState) error {
		unblocked = state.ReevaluateBlocked(ws)
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range unblocked {
		s.progress(fmt.Sprintf("  Story %s unblocked: all dependencies completed", id))
	}
	return nil
}

// propagate blocks the dependents of every failed story.
func (s *Scheduler) propagate(ctx context.Context) error {
	var blocked []state.BlockEvent
	err := s.store.Mutate(ctx, func(ws *types.WorkflowState) error {
		blocked = state.PropagateFailures(ws)
		return nil
	})
	if err != nil {
		return err
	}
	s.announceBlocked(blocked)
	return nil
}

func (s *Scheduler) announceBlocked(blocked []state.BlockEvent) {
	for _, ev := range blocked {
		s.progress(fmt.Sprintf("  Story %s blocked: dependency %s failed", ev.StoryID, ev.Dependency))
	}
}

// dispatchOrphans re-launches workers for stories left in_progress by a
// previous run, on their recorded agent slots with their existing worktrees.
// A resumed story whose reconciled step failed is immediately marked failed
// by its runner; one with pending steps simply continues.
func (s *Scheduler) dispatchOrphans(ctx context.Context, rs *runState) error {
	ws, err := s.store.Load(ctx)
	if err != nil {
		return err
	}

	busy := make(map[string]bool, len(rs.running))
	for _, id := range rs.running {
		busy[id] = true
	}

	for _, id := range state.SortedStoryIDs(ws) {
		if len(rs.running) >= s.agents {
			return nil
		}
		story := ws.Stories[id]
		if story.Status != types.StoryInProgress || busy[id] {
			continue
		}
		if story.AgentID == nil {
			if err := s.failAndPropagate(ctx, id, "story is in_progress with no assigned agent"); err != nil {
				return err
			}
			continue
		}
		slot := *story.AgentID
		if _, taken := rs.running[slot]; taken {
			// The recorded slot is busy with another story; retry once
			// it frees up.
			continue
		}
		workDir := s.workspaces.Path(slot)
		if _, err := os.Stat(workDir); err != nil {
			if err := s.failAndPropagate(ctx, id, fmt.Sprintf("worktree %s is gone, cannot resume", workDir)); err != nil {
				return err
			}
			continue
		}
		rs.pool.take(slot)
		s.progress(fmt.Sprintf("  Agent %d: resuming story [%s] %s", slot, id, story.Title))
		if err := s.spawn(ctx, rs, slot, id, workDir); err != nil {
			return err
		}
	}
	return nil
}

// claimStories assigns unclaimed stories to free slots until the slots, the
// assignable stories, or the claim budget run out. The claim commits under
// the state lock; the worktree is created after the lock is released.
func (s *Scheduler) claimStories(ctx context.Context, rs *runState) error {
	for len(rs.running) < s.agents && rs.claimed < s.maxIterations {
		slot, ok := rs.pool.next()
		if !ok {
			return nil
		}

		var storyID, title string
		err := s.store.Mutate(ctx, func(ws *types.WorkflowState) error {
			story := state.FindAssignableStory(ws)
			if story == nil {
				return nil
			}
			state.ClaimStory(story, slot)
			storyID, title = story.ID, story.Title
			return nil
		})
		if err != nil {
			rs.pool.release(slot)
			return err
		}
		if storyID == "" {
			rs.pool.release(slot)
			return nil
		}
		rs.claimed++
		s.progress(fmt.Sprintf("  Agent %d: starting story [%s] %s", slot, storyID, title))

		workDir, err := s.workspaces.Create(ctx, slot, storyID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to create worktree for %s: %v\n", storyID, err)
			if ferr := s.failAndPropagate(ctx, storyID, fmt.Sprintf("failed to create worktree: %v", err)); ferr != nil {
				rs.pool.release(slot)
				return ferr
			}
			rs.pool.release(slot)
			continue
		}
		if err := s.spawn(ctx, rs, slot, storyID, workDir); err != nil {
			rs.pool.release(slot)
			return err
		}
	}
	return nil
}

// spawn starts one worker goroutine for a story. The loop only calls it
// with len(running) < agents, so the semaphore never blocks outside
// shutdown.
func (s *Scheduler) spawn(ctx context.Context, rs *runState, slot int, storyID, workDir string) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	rs.running[slot] = storyID
	req := WorkerRequest{StoryID: storyID, AgentID: slot, WorkDir: workDir}
	go func() {
		defer s.sem.Release(1)
		code, err := s.launcher.Run(ctx, req)
		rs.results <- workerResult{agentID: slot, storyID: storyID, exitCode: code, err: err}
	}()
	return nil
}

// handleResult reacts to one worker exit: integration for completed
// stories, failure propagation otherwise. The slot returns to the pool
// unless a conflict re-run keeps it.
func (s *Scheduler) handleResult(ctx context.Context, rs *runState, res workerResult) error {
	delete(rs.running, res.agentID)

	if res.err != nil {
		if errors.Is(res.err, context.Canceled) || errors.Is(res.err, context.DeadlineExceeded) {
			s.progress(fmt.Sprintf("  Agent %d: story [%s] interrupted by shutdown", res.agentID, res.storyID))
			return nil
		}
		s.progress(fmt.Sprintf("  Agent %d: story [%s] worker error: %v", res.agentID, res.storyID, res.err))
		if err := s.failAndPropagate(ctx, res.storyID, fmt.Sprintf("worker did not run: %v", res.err)); err != nil {
			return err
		}
		s.disposeWorktree(ctx, res.agentID, "")
		rs.pool.release(res.agentID)
		return nil
	}

	if res.exitCode == 0 {
		return s.handleCompleted(ctx, rs, res)
	}

	s.progress(fmt.Sprintf("  Agent %d: story [%s] FAILED (exit %d)", res.agentID, res.storyID, res.exitCode))
	if err := s.failAndPropagate(ctx, res.storyID, fmt.Sprintf("worker exited %d", res.exitCode)); err != nil {
		return err
	}
	// The branch survives for post-mortem; startup cleanup retires it.
	s.disposeWorktree(ctx, res.agentID, "")
	rs.pool.release(res.agentID)
	return nil
}

// handleCompleted integrates a completed story onto the base branch.
func (s *Scheduler) handleCompleted(ctx context.Context, rs *runState, res workerResult) error {
	s.progress(fmt.Sprintf("  Agent %d: story [%s] completed", res.agentID, res.storyID))

	ws, err := s.store.Load(ctx)
	if err != nil {
		return err
	}
	story, ok := ws.Stories[res.storyID]
	if !ok {
		return fmt.Errorf("story %s not found in state", res.storyID)
	}
	if story.Status != types.StoryCompleted {
		if err := s.failAndPropagate(ctx, res.storyID, fmt.Sprintf("worker exited 0 but story is %s", story.Status)); err != nil {
			return err
		}
		s.disposeWorktree(ctx, res.agentID, "")
		rs.pool.release(res.agentID)
		return nil
	}

	integ, err := s.workspaces.Integrate(ctx, res.agentID, story)
	if err != nil {
		// The story stays completed; its branch keeps the work for a
		// manual merge.
		s.progress(fmt.Sprintf("  Agent %d: merge FAILED for [%s]: %v", res.agentID, res.storyID, err))
		s.disposeWorktree(ctx, res.agentID, "")
		rs.pool.release(res.agentID)
		return nil
	}

	if integ.Conflict {
		return s.handleConflict(ctx, rs, res, integ)
	}

	if integ.CommitSHA == "" {
		s.progress(fmt.Sprintf("  Agent %d: [%s] introduced no changes, nothing to merge", res.agentID, res.storyID))
	} else {
		s.progress(fmt.Sprintf("  Agent %d: merged [%s] into %s", res.agentID, res.storyID, s.workspaces.BaseBranch()))
	}
	s.disposeWorktree(ctx, res.agentID, workspace.BranchName(res.storyID))
	rs.pool.release(res.agentID)
	return nil
}

// handleConflict schedules conflict resolution: a coding step inserted
// before final_review, final_review reset to pending, the story back to
// in_progress, and the worker re-launched on the same slot with the same
// worktree. The workflow step cap bounds repeated conflicts.
func (s *Scheduler) handleConflict(ctx context.Context, rs *runState, res workerResult, integ *workspace.IntegrationResult) error {
	s.progress(fmt.Sprintf("  Agent %d: rebase conflicts for [%s] in %d file(s)", res.agentID, res.storyID, len(integ.ConflictedFiles)))

	var capped bool
	var blocked []state.BlockEvent
	err := s.store.Mutate(ctx, func(ws *types.WorkflowState) error {
		story, ok := ws.Stories[res.storyID]
		if !ok {
			return fmt.Errorf("story %s not found in state", res.storyID)
		}

		if len(story.Steps) >= steps.MaxStepsPerWorkflow {
			capped = true
			now := time.Now().UTC()
			story.Status = types.StoryFailed
			story.CompletedAt = &now
			story.AddHistory(types.NewHistoryEntry(types.ActionStoryFailed, 0, "", map[string]any{
				"reason": "rebase conflicts persisted past the workflow step cap",
			}))
			blocked = state.PropagateFailures(ws)
			return nil
		}

		conflictStep := &types.Step{
			ID:          story.NextStepID(),
			Kind:        types.KindCoding,
			Status:      types.StepPending,
			Description: ConflictResolutionDescription,
		}
		insertBeforeFinalReview(story, conflictStep)
		if fr := lastFinalReview(story); fr != nil && fr.Status == types.StepCompleted {
			// Orchestrator-initiated rerun: restart_count is not consumed.
			fr.ResetForRerun()
		}
		story.Status = types.StoryInProgress
		story.CompletedAt = nil
		story.AddHistory(types.NewHistoryEntry(types.ActionWorkflowEdit, 0, conflictStep.ID, map[string]any{
			"operation":        "insert_conflict_resolution",
			"conflicted_files": integ.ConflictedFiles,
		}))
		return nil
	})
	if err != nil {
		return err
	}

	if capped {
		s.progress(fmt.Sprintf("  Agent %d: merge FAILED for [%s]: conflict resolution exceeded the step cap", res.agentID, res.storyID))
		s.announceBlocked(blocked)
		s.disposeWorktree(ctx, res.agentID, "")
		rs.pool.release(res.agentID)
		return nil
	}

	s.progress(fmt.Sprintf("  Agent %d: re-running [%s] to resolve rebase conflicts", res.agentID, res.storyID))
	return s.spawn(ctx, rs, res.agentID, res.storyID, s.workspaces.Path(res.agentID))
}

// failAndPropagate makes a story terminal after a scheduler-side failure
// and blocks its dependents, all in one state transaction. A story already
// terminal keeps its status; only propagation runs.
func (s *Scheduler) failAndPropagate(ctx context.Context, storyID, reason string) error {
	var blocked []state.BlockEvent
	err := s.store.Mutate(ctx, func(ws *types.WorkflowState) error {
		story, ok := ws.Stories[storyID]
		if !ok {
			return fmt.Errorf("story %s not found in state", storyID)
		}
		if story.Status == types.StoryInProgress || story.Status == types.StoryUnclaimed {
			now := time.Now().UTC()
			if step := story.CurrentInProgressStep(); step != nil {
				msg := reason
				step.Status = types.StepFailed
				step.CompletedAt = &now
				step.Error = &msg
			}
			story.Status = types.StoryFailed
			story.CompletedAt = &now
			story.AddHistory(types.NewHistoryEntry(types.ActionStoryFailed, 0, "", map[string]any{
				"reason": reason,
			}))
		}
		blocked = state.PropagateFailures(ws)
		return nil
	})
	if err != nil {
		return err
	}
	s.announceBlocked(blocked)
	return nil
}

// finishRun prints the terminal summary once nothing is running and
// nothing else can be dispatched, stamping finished_at when every story is
// terminal.
func (s *Scheduler) finishRun(ctx context.Context, rs *runState) error {
	ws, err := s.store.Load(ctx)
	if err != nil {
		return err
	}
	remaining := 0
	for _, story := range ws.Stories {
		if story.Status == types.StoryUnclaimed || story.Status == types.StoryInProgress {
			remaining++
		}
	}

	switch {
	case remaining == 0:
		err := s.store.Mutate(ctx, func(ws *types.WorkflowState) error {
			if ws.FinishedAt == nil {
				now := time.Now().UTC()
				ws.FinishedAt = &now
			}
			return nil
		})
		if err != nil {
			return err
		}
		s.progress("\nAll stories finished (parallel mode).")
	case rs.claimed >= s.maxIterations:
		s.progress(fmt.Sprintf("\nMax iterations (%d) reached.", s.maxIterations))
	default:
		s.progress(fmt.Sprintf("\nNo assignable stories. %d stories remain but are blocked or in progress.", remaining))
	}
	return nil
}

// drain receives the result of every still-running worker so their
// goroutines finish. State is not touched: interrupted stories stay
// in_progress for reconciliation, and their worktrees are kept so it can
// capture diffs.
func (s *Scheduler) drain(rs *runState) {
	for len(rs.running) > 0 {
		res := <-rs.results
		delete(rs.running, res.agentID)
		switch {
		case res.err != nil && (errors.Is(res.err, context.Canceled) || errors.Is(res.err, context.DeadlineExceeded)):
			s.progress(fmt.Sprintf("  Agent %d: story [%s] interrupted by shutdown", res.agentID, res.storyID))
		case res.err != nil:
			fmt.Fprintf(os.Stderr, "warning: worker for %s: %v\n", res.storyID, res.err)
		case res.exitCode == 0:
			fmt.Fprintf(os.Stderr, "warning: story %s completed during shutdown; branch %s is left unmerged\n",
				res.storyID, workspace.BranchName(res.storyID))
		default:
			s.progress(fmt.Sprintf("  Agent %d: story [%s] FAILED (exit %d)", res.agentID, res.storyID, res.exitCode))
		}
	}
}

// disposeWorktree removes an agent's worktree, deleting the story branch
// too when deleteBranch is non-empty. Failures are reported but never
// interrupt the loop.
func (s *Scheduler) disposeWorktree(ctx context.Context, agentID int, deleteBranch string) {
	if err := s.workspaces.Remove(ctx, agentID, deleteBranch); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to remove worktree for agent %d: %v\n", agentID, err)
	}
}

// printStatus emits the per-status story counts.
func (s *Scheduler) printStatus(ctx context.Context) {
	ws, err := s.store.Load(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to load state for status summary: %v\n", err)
		return
	}
	s.progress(StatusLine(ws))
}

func insertBeforeFinalReview(story *types.Story, step *types.Step) {
	for i := len(story.Steps) - 1; i >= 0; i-- {
		if story.Steps[i].Kind == types.KindFinalReview {
			story.Steps = append(story.Steps[:i], append([]*types.Step{step}, story.Steps[i:]...)...)
			return
		}
	}
	story.Steps = append(story.Steps, step)
}

func lastFinalReview(story *types.Story) *types.Step {
	for i := len(story.Steps) - 1; i >= 0; i-- {
		if story.Steps[i].Kind == types.KindFinalReview {
			return story.Steps[i]
		}
	}
	return nil
}

// slotPool hands out the lowest free agent slot first. Slots outside
// 1..max (a resumed story recorded under a larger previous pool) are never
// pooled.
type slotPool struct {
	free []int
	max  int
}

func newSlotPool(n int) *slotPool {
	p := &slotPool{free: make([]int, 0, n), max: n}
	for i := 1; i <= n; i++ {
		p.free = append(p.free, i)
	}
	return p
}

func (p *slotPool) next() (int, bool) {
	if len(p.free) == 0 {
		return 0, false
	}
	slot := p.free[0]
	p.free = p.free[1:]
	return slot, true
}

func (p *slotPool) take(slot int) {
	for i, v := range p.free {
		if v == slot {
			p.free = append(p.free[:i], p.free[i+1:]...)
			return
		}
	}
}

func (p *slotPool) release(slot int) {
	if slot < 1 || slot > p.max {
		return
	}
	i := 0
	for i < len(p.free) && p.free[i] < slot {
		i++
	}
	if i < len(p.free) && p.free[i] == slot {
		return
	}
	p.free = append(p.free, 0)
	copy(p.free[i+1:], p.free[i:])
	p.free[i] = slot
}
