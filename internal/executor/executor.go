// Package executor runs one workflow step end to end: the state
// transitions around an agent invocation, prompt composition, summary
// capture, workflow-edit processing, and the rollback paths for failure,
// timeout, and restart.
package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/strawboss/strawboss/internal/agent"
	"github.com/strawboss/strawboss/internal/edits"
	"github.com/strawboss/strawboss/internal/git"
	"github.com/strawboss/strawboss/internal/prompt"
	"github.com/strawboss/strawboss/internal/scratch"
	"github.com/strawboss/strawboss/internal/state"
	"github.com/strawboss/strawboss/internal/steps"
	"github.com/strawboss/strawboss/internal/types"
)

// Config assembles an Executor. StepTimeout, MaxTurns, and Progress are
// optional; everything else is required.
type Config struct {
	Store   *state.Store
	Scratch *scratch.Dir
	Box     *edits.Box
	Git     *git.Git
	Backend agent.Backend
	Prompts *prompt.Builder

	// LogRoot is the directory that receives per-story agent transcripts
	// and rollback diffs (LogRoot/<story>/<step>.jsonl, <step>.diff).
	LogRoot string

	// WorkDir is the working tree the agent edits, normally the story's
	// worktree. All git rollback operations target this directory.
	WorkDir string

	AgentID  int
	MaxTurns int

	// StepTimeout overrides the per-kind timeout table. Nil means
	// steps.Timeout.
	StepTimeout func(types.StepKind) time.Duration

	// Progress receives one-line status messages. Nil means stdout.
	Progress func(string)
}

// Executor drives individual workflow steps for a single agent.
type Executor struct {
	store    *state.Store
	scratch  *scratch.Dir
	box      *edits.Box
	git      *git.Git
	backend  agent.Backend
	prompts  *prompt.Builder
	logRoot  string
	workDir  string
	agentID  int
	maxTurns int
	timeout  func(types.StepKind) time.Duration
	progress func(string)
}

// New validates the configuration and returns an Executor.
func New(cfg Config) (*Executor, error) {
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("executor config: Store is required")
	case cfg.Scratch == nil:
		return nil, fmt.Errorf("executor config: Scratch is required")
	case cfg.Box == nil:
		return nil, fmt.Errorf("executor config: Box is required")
	case cfg.Git == nil:
		return nil, fmt.Errorf("executor config: Git is required")
	case cfg.Backend == nil:
		return nil, fmt.Errorf("executor config: Backend is required")
	case cfg.Prompts == nil:
		return nil, fmt.Errorf("executor config: Prompts is required")
	case cfg.LogRoot == "":
		return nil, fmt.Errorf("executor config: LogRoot is required")
	case cfg.WorkDir == "":
		return nil, fmt.Errorf("executor config: WorkDir is required")
	case cfg.AgentID < 1:
		return nil, fmt.Errorf("executor config: AgentID must be >= 1, got %d", cfg.AgentID)
	}

	e := &Executor{
		store:    cfg.Store,
		scratch:  cfg.Scratch,
		box:      cfg.Box,
		git:      cfg.Git,
		backend:  cfg.Backend,
		prompts:  cfg.Prompts,
		logRoot:  cfg.LogRoot,
		workDir:  cfg.WorkDir,
		agentID:  cfg.AgentID,
		maxTurns: cfg.MaxTurns,
		timeout:  cfg.StepTimeout,
		progress: cfg.Progress,
	}
	if e.timeout == nil {
		e.timeout = steps.Timeout
	}
	if e.progress == nil {
		e.progress = func(msg string) { fmt.Println(msg) }
	}
	return e, nil
}

// ExecuteStep runs a single step of a story and persists its outcome. The
// returned step is a snapshot of the step's final state: completed, failed,
// cancelled, or pending again after a restart edit. An error return means
// the outcome could not be recorded, not that the agent failed.
func (e *Executor) ExecuteStep(ctx context.Context, storyID, stepID string) (*types.Step, error) {
	// Captured before taking the state lock: git subprocesses never run
	// while the lock is held.
	preSHA, err := e.git.Head(ctx, e.workDir)
	if err != nil {
		return nil, fmt.Errorf("failed to record pre-step revision: %w", err)
	}

	var (
		story *types.Story
		step  *types.Step
	)
	err = e.store.Mutate(ctx, func(ws *types.WorkflowState) error {
		var err error
		story, step, err = findStep(ws, storyID, stepID)
		if err != nil {
			return err
		}
		if !step.Status.CanTransitionTo(types.StepInProgress) {
			return fmt.Errorf("step %s is %s, cannot start", stepID, step.Status)
		}
		now := time.Now().UTC()
		step.Status = types.StepInProgress
		step.StartedAt = &now
		step.GitSHAAtStart = &preSHA
		story.AddHistory(types.NewHistoryEntry(types.ActionStepStarted, e.agentID, stepID, nil))
		return nil
	})
	if err != nil {
		return nil, err
	}

	globalScratch, err := e.scratch.ReadGlobal()
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to read global scratch: %v\n", err)
	}
	storyScratch, err := e.scratch.ReadStory(storyID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to read scratch for %s: %v\n", storyID, err)
	}

	promptText, err := e.prompts.Build(&prompt.Context{
		Story:         story,
		Step:          step,
		GlobalScratch: globalScratch,
		StoryScratch:  storyScratch,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to compose prompt for %s/%s: %w", storyID, stepID, err)
	}

	timeout := e.timeout(step.Kind)
	logPath := filepath.Join(e.logRoot, storyID, stepID+".jsonl")
	e.progress(fmt.Sprintf("  [%s] %s (%s): invoking agent (timeout %s)", storyID, stepID, step.Kind, timeout))

	res, invokeErr := agent.Invoke(ctx, e.backend, promptText, agent.InvokeOptions{
		AgentID:  e.agentID,
		MaxTurns: e.maxTurns,
		Timeout:  timeout,
		WorkDir:  e.workDir,
		LogPath:  logPath,
	})
	if invokeErr != nil {
		return e.finishLaunchFailure(ctx, storyID, stepID, preSHA, logPath, invokeErr)
	}

	// The summary feeds the story scratch on every outcome. A partial
	// summary from a failed attempt still informs the next one.
	summary := agent.ExtractSummary(res.FinalResponse)
	if summary != "" {
		block := fmt.Sprintf("\n### %s (%s)\n%s", step.Kind, stepID, summary)
		if err := e.scratch.AppendStory(storyID, block); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to append scratch for %s: %v\n", storyID, err)
		}
	}

	switch {
	case res.TimedOut:
		return e.finishTimeout(ctx, storyID, stepID, preSHA, logPath, timeout, res)
	case res.Interrupted:
		// Shutdown. The step stays in_progress on disk; the next run's
		// reconciliation saves the diff, resets the workspace, and fails
		// the step.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, context.Canceled
	case res.ExitCode != 0:
		return e.finishFailure(ctx, storyID, stepID, preSHA, logPath, res)
	default:
		return e.finishSuccess(ctx, storyID, stepID, preSHA, logPath, summary, res)
	}
}

// finishSuccess processes any workflow-edit file the agent wrote and marks
// the step completed. Edit application and the status transition happen in
// a single state mutation so observers never see one without the other. A
// restart edit that targets the executing step wins over completion: the
// step stays pending and the workspace is rolled back for the re-run.
func (e *Executor) finishSuccess(ctx context.Context, storyID, stepID, preSHA, logPath, summary string, res *agent.Result) (*types.Step, error) {
	ops, parseErr := e.box.Read(storyID)
	if parseErr != nil {
		ops = nil
	}

	notes := summary
	if notes == "" {
		notes = strings.TrimSpace(res.FinalResponse)
	}
	if notes == "" {
		notes = "(agent provided no summary)"
	}

	var (
		applied      int
		rejection    string
		restarted    bool
		restartCount int
	)
	step, err := e.finalize(ctx, storyID, stepID, func(story *types.Story, step *types.Step) {
		if len(ops) > 0 {
			if verr := edits.Validate(story, e.agentID, ops); verr != nil {
				rejection = verr.Error()
			} else {
				edits.Apply(story, ops)
				for _, op := range ops {
					story.AddHistory(types.NewHistoryEntry(types.ActionWorkflowEdit, e.agentID, stepID, op.DetailsMap()))
					if op.Operation == types.EditRestart && op.TargetStepID == stepID {
						restarted = true
					}
				}
				applied = len(ops)
			}
		}

		if restarted {
			// Apply already reset the step to pending and bumped its
			// restart count. Completion is skipped entirely.
			restartCount = step.RestartCount
			return
		}

		now := time.Now().UTC()
		step.Status = types.StepCompleted
		step.CompletedAt = &now
		step.Notes = &notes
		recordMetrics(step, res, logPath)
		story.AddHistory(types.NewHistoryEntry(types.ActionStepCompleted, e.agentID, stepID, map[string]any{
			"cost_usd":      res.CostUSD,
			"num_turns":     res.NumTurns,
			"input_tokens":  res.InputTokens,
			"output_tokens": res.OutputTokens,
		}))
	})
	if err != nil {
		return nil, err
	}

	switch {
	case parseErr != nil:
		e.noteRejectedEdits(storyID, stepID, parseErr.Error())
	case rejection != "":
		e.noteRejectedEdits(storyID, stepID, rejection)
	case applied > 0:
		if err := e.box.Remove(storyID); err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}
		e.progress(fmt.Sprintf("  [%s] applied %d workflow edit(s) requested by %s", storyID, applied, stepID))
	}

	if restarted {
		e.saveDiffAndReset(ctx, storyID, fmt.Sprintf("%s.restart-%d.diff", stepID, restartCount), preSHA)
		e.progress(fmt.Sprintf("  [%s] %s restarting (attempt %d)", storyID, stepID, restartCount+1))
		return step, nil
	}

	e.progress(fmt.Sprintf("  [%s] %s completed (cost=$%.4f, turns=%d)", storyID, stepID, res.CostUSD, res.NumTurns))
	return step, nil
}

func (e *Executor) finishFailure(ctx context.Context, storyID, stepID, preSHA, logPath string, res *agent.Result) (*types.Step, error) {
	e.discardEdits(storyID)
	e.saveDiffAndReset(ctx, storyID, stepID+".diff", preSHA)

	msg := fmt.Sprintf("Agent exited with code %d (status=%s)", res.ExitCode, res.CompletionStatus)
	step, err := e.finalize(ctx, storyID, stepID, func(story *types.Story, step *types.Step) {
		now := time.Now().UTC()
		step.Status = types.StepFailed
		step.CompletedAt = &now
		step.Error = &msg
		recordMetrics(step, res, logPath)
		story.AddHistory(types.NewHistoryEntry(types.ActionStepFailed, e.agentID, stepID, map[string]any{
			"exit_code":         res.ExitCode,
			"completion_status": res.CompletionStatus,
			"cost_usd":          res.CostUSD,
		}))
	})
	if err != nil {
		return nil, err
	}
	e.progress(fmt.Sprintf("  [%s] %s failed: %s", storyID, stepID, msg))
	return step, nil
}

func (e *Executor) finishTimeout(ctx context.Context, storyID, stepID, preSHA, logPath string, timeout time.Duration, res *agent.Result) (*types.Step, error) {
	e.discardEdits(storyID)
	e.saveDiffAndReset(ctx, storyID, stepID+".timeout.diff", preSHA)

	secs := int(timeout.Seconds())
	msg := fmt.Sprintf("Step timed out after %ds", secs)
	step, err := e.finalize(ctx, storyID, stepID, func(story *types.Story, step *types.Step) {
		now := time.Now().UTC()
		step.Status = types.StepCancelled
		step.CompletedAt = &now
		step.Error = &msg
		recordMetrics(step, res, logPath)
		story.AddHistory(types.NewHistoryEntry(types.ActionStepCancelled, e.agentID, stepID, map[string]any{
			"reason":          "timeout",
			"timeout_seconds": secs,
		}))
	})
	if err != nil {
		return nil, err
	}
	e.progress(fmt.Sprintf("  [%s] %s cancelled: %s", storyID, stepID, msg))
	return step, nil
}

func (e *Executor) finishLaunchFailure(ctx context.Context, storyID, stepID, preSHA, logPath string, invokeErr error) (*types.Step, error) {
	e.discardEdits(storyID)
	e.saveDiffAndReset(ctx, storyID, stepID+".diff", preSHA)

	msg := fmt.Sprintf("Agent launch failed: %v", invokeErr)
	step, err := e.finalize(ctx, storyID, stepID, func(story *types.Story, step *types.Step) {
		now := time.Now().UTC()
		step.Status = types.StepFailed
		step.CompletedAt = &now
		step.Error = &msg
		recordMetrics(step, nil, logPath)
		story.AddHistory(types.NewHistoryEntry(types.ActionStepFailed, e.agentID, stepID, map[string]any{
			"error": invokeErr.Error(),
		}))
	})
	if err != nil {
		return nil, err
	}
	e.progress(fmt.Sprintf("  [%s] %s failed: %s", storyID, stepID, msg))
	return step, nil
}

// finalize records a step's terminal outcome under the state lock and
// returns the updated step.
func (e *Executor) finalize(ctx context.Context, storyID, stepID string, apply func(*types.Story, *types.Step)) (*types.Step, error) {
	var step *types.Step
	err := e.store.Mutate(ctx, func(ws *types.WorkflowState) error {
		story, s, err := findStep(ws, storyID, stepID)
		if err != nil {
			return err
		}
		apply(story, s)
		step = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record outcome of %s/%s: %w", storyID, stepID, err)
	}
	return step, nil
}

// noteRejectedEdits moves a rejected edit file to the failed box and
// surfaces the reason in the story scratch so the next step sees what was
// refused and why.
func (e *Executor) noteRejectedEdits(storyID, stepID, reason string) {
	fmt.Fprintf(os.Stderr, "warning: workflow edits from %s rejected: %s\n", storyID, reason)
	if err := e.box.Discard(storyID); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	block := fmt.Sprintf("\n### workflow edit rejected (%s)\n%s", stepID, reason)
	if err := e.scratch.AppendStory(storyID, block); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to append scratch for %s: %v\n", storyID, err)
	}
}

// saveDiffAndReset captures everything produced since the pre-step
// revision to a diagnostic file under the story's log directory, then
// returns the working tree to that revision. Both operations are
// best-effort and never mask the step outcome.
func (e *Executor) saveDiffAndReset(ctx context.Context, storyID, diffName, preSHA string) {
	if preSHA == "" {
		return
	}
	diffPath := filepath.Join(e.logRoot, storyID, diffName)
	if err := e.git.SaveDiff(ctx, e.workDir, preSHA, diffPath); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to save diff to %s: %v\n", diffPath, err)
	}
	if err := e.git.ResetHard(ctx, e.workDir, preSHA); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to reset working tree to %s: %v\n", preSHA, err)
	}
}

func (e *Executor) discardEdits(storyID string) {
	if err := e.box.Discard(storyID); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
}

// recordMetrics stamps cost, token, and transcript fields from the agent
// result. Metrics are kept for every terminal status, not just success.
func recordMetrics(step *types.Step, res *agent.Result, logPath string) {
	step.LogFile = &logPath
	if res == nil {
		return
	}
	cost := res.CostUSD
	in := res.InputTokens
	out := res.OutputTokens
	step.CostUSD = &cost
	step.InputTokens = &in
	step.OutputTokens = &out
}

func findStep(ws *types.WorkflowState, storyID, stepID string) (*types.Story, *types.Step, error) {
	story, ok := ws.Stories[storyID]
	if !ok {
		return nil, nil, fmt.Errorf("story %s not found in state", storyID)
	}
	step := story.FindStep(stepID)
	if step == nil {
		return nil, nil, fmt.Errorf("step %s not found in story %s", stepID, storyID)
	}
	return story, step, nil
}
