package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/strawboss/strawboss/internal/git"
	"github.com/strawboss/strawboss/internal/state"
	"github.com/strawboss/strawboss/internal/steps"
	"github.com/strawboss/strawboss/internal/types"
	"github.com/strawboss/strawboss/internal/workspace"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

// tryGit is runGit for launcher fakes, which run off the test goroutine
// and must not call t.Fatalf.
func tryGit(dir string, args ...string) error {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git %v failed: %v\n%s", args, err, out)
	}
	return nil
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "Test User")
	writeFile(t, dir, "README.md", "initial\n")
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "initial commit")
	return dir
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
}

// fixture wires a Scheduler against a real repository and a real state
// store. Progress lines are only ever appended from the Run goroutine, so
// tests read them after Run returns.
type fixture struct {
	repo     string
	store    *state.Store
	manager  *workspace.Manager
	git      *git.Git
	logRoot  string
	progress []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	repo := initRepo(t)
	g, err := git.NewGit(ctx)
	if err != nil {
		t.Fatalf("failed to create Git instance: %v", err)
	}
	m, err := workspace.NewManager(ctx, g, workspace.Config{RepoRoot: repo})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	runDir := t.TempDir()
	return &fixture{
		repo:    repo,
		store:   state.NewStore(filepath.Join(runDir, "workflow_state.json")),
		manager: m,
		git:     g,
		logRoot: filepath.Join(runDir, "logs"),
	}
}

func (f *fixture) seed(t *testing.T, stories ...*types.Story) {
	t.Helper()
	if _, err := f.store.Init(context.Background(), "prd.md", stories); err != nil {
		t.Fatalf("failed to init state: %v", err)
	}
}

func (f *fixture) scheduler(t *testing.T, launcher WorkerLauncher, agents, maxIterations int) *Scheduler {
	t.Helper()
	s, err := New(Config{
		Store:         f.store,
		Workspaces:    f.manager,
		Launcher:      launcher,
		Git:           f.git,
		LogRoot:       f.logRoot,
		Agents:        agents,
		MaxIterations: maxIterations,
		Progress:      func(msg string) { f.progress = append(f.progress, msg) },
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func (f *fixture) progressText() string { return strings.Join(f.progress, "\n") }

func (f *fixture) load(t *testing.T) *types.WorkflowState {
	t.Helper()
	ws, err := f.store.Load(context.Background())
	if err != nil {
		t.Fatalf("failed to load state: %v", err)
	}
	return ws
}

func newStory(id, title string, deps ...string) *types.Story {
	return &types.Story{
		ID:                 id,
		Title:              title,
		Description:        "Story " + id + " exercises the scheduler.",
		AcceptanceCriteria: []string{"The work lands on the base branch."},
		Status:             types.StoryUnclaimed,
		DependsOn:          deps,
	}
}

// orphanedStory fabricates the state a crashed run leaves behind: the story
// claimed, one step finished, one step stuck in_progress at a known
// revision.
func orphanedStory(id, title string, agentID int, sha string) *types.Story {
	now := time.Now().UTC()
	notes := "Implemented."
	return &types.Story{
		ID:                 id,
		Title:              title,
		Description:        "Story " + id + " was interrupted mid-step.",
		AcceptanceCriteria: []string{"The work lands on the base branch."},
		Status:             types.StoryInProgress,
		AgentID:            &agentID,
		ClaimedAt:          &now,
		Steps: []*types.Step{
			{ID: "step-001", Kind: types.KindCoding, Status: types.StepCompleted, Description: "Implement the feature.", CompletedAt: &now, Notes: &notes},
			{ID: "step-002", Kind: types.KindCoding, Status: types.StepInProgress, Description: "Wire the feature end to end.", StartedAt: &now, GitSHAAtStart: &sha},
			{ID: "step-003", Kind: types.KindFinalReview, Status: types.StepPending, Description: "Review the story end to end."},
		},
	}
}

// completeStory plays the worker's part: every remaining step completed
// with notes, then the story itself. Callers pass the launcher's context.
func completeStory(ctx context.Context, t *testing.T, store *state.Store, storyID string) {
	err := store.Mutate(ctx, func(ws *types.WorkflowState) error {
		story, ok := ws.Stories[storyID]
		if !ok {
			return fmt.Errorf("story %s not in state", storyID)
		}
		now := time.Now().UTC()
		notes := "Done."
		for _, step := range story.Steps {
			if !step.Status.IsTerminal() {
				step.Status = types.StepCompleted
				step.CompletedAt = &now
				step.Notes = &notes
			}
		}
		agentID := 0
		if story.AgentID != nil {
			agentID = *story.AgentID
		}
		story.Status = types.StoryCompleted
		story.CompletedAt = &now
		story.AddHistory(types.NewHistoryEntry(types.ActionStoryCompleted, agentID, "", nil))
		return nil
	})
	if err != nil {
		t.Errorf("completeStory %s: %v", storyID, err)
	}
}

// failStoryState plays a worker that gives up on its story before exiting 1.
func failStoryState(ctx context.Context, t *testing.T, store *state.Store, storyID, reason string) {
	err := store.Mutate(ctx, func(ws *types.WorkflowState) error {
		story, ok := ws.Stories[storyID]
		if !ok {
			return fmt.Errorf("story %s not in state", storyID)
		}
		now := time.Now().UTC()
		agentID := 0
		if story.AgentID != nil {
			agentID = *story.AgentID
		}
		story.Status = types.StoryFailed
		story.CompletedAt = &now
		story.AddHistory(types.NewHistoryEntry(types.ActionStoryFailed, agentID, "", map[string]any{
			"reason": reason,
		}))
		return nil
	})
	if err != nil {
		t.Errorf("failStoryState %s: %v", storyID, err)
	}
}

func neverLaunch(t *testing.T) WorkerLauncher {
	return LauncherFunc(func(ctx context.Context, req WorkerRequest) (int, error) {
		t.Errorf("launcher invoked unexpectedly for %s", req.StoryID)
		return 1, nil
	})
}

func blockReason(story *types.Story) string {
	for _, e := range story.History {
		if e.Action == types.ActionStoryFailed {
			if reason, ok := e.Details["reason"].(string); ok {
				return reason
			}
		}
	}
	return ""
}

func TestNewValidatesConfig(t *testing.T) {
	f := newFixture(t)
	base := Config{
		Store:      f.store,
		Workspaces: f.manager,
		Launcher:   neverLaunch(t),
		Git:        f.git,
		LogRoot:    f.logRoot,
		Agents:     2,
	}

	s, err := New(base)
	if err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	if s.maxIterations != DefaultMaxIterations {
		t.Errorf("maxIterations = %d, want default %d", s.maxIterations, DefaultMaxIterations)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"nil store", func(c *Config) { c.Store = nil }},
		{"nil workspaces", func(c *Config) { c.Workspaces = nil }},
		{"nil launcher", func(c *Config) { c.Launcher = nil }},
		{"nil git", func(c *Config) { c.Git = nil }},
		{"empty log root", func(c *Config) { c.LogRoot = "" }},
		{"zero agents", func(c *Config) { c.Agents = 0 }},
	}
	for _, tc := range cases {
		cfg := base
		tc.mutate(&cfg)
		if _, err := New(cfg); err == nil {
			t.Errorf("%s: New accepted an invalid config", tc.name)
		}
	}
}

func TestRunCompletesStoriesAndMerges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t,
		newStory("US-001", "Add the first feature"),
		newStory("US-002", "Add the second feature"),
	)

	launcher := LauncherFunc(func(ctx context.Context, req WorkerRequest) (int, error) {
		name := req.StoryID + ".txt"
		if err := os.WriteFile(filepath.Join(req.WorkDir, name), []byte("work for "+req.StoryID+"\n"), 0644); err != nil {
			t.Errorf("failed to write %s: %v", name, err)
			return 1, nil
		}
		completeStory(ctx, t, f.store, req.StoryID)
		return 0, nil
	})

	sched := f.scheduler(t, launcher, 2, 0)
	if err := sched.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	ws := f.load(t)
	for _, id := range []string{"US-001", "US-002"} {
		if got := ws.Stories[id].Status; got != types.StoryCompleted {
			t.Errorf("story %s status = %s, want completed", id, got)
		}
		if _, err := os.Stat(filepath.Join(f.repo, id+".txt")); err != nil {
			t.Errorf("%s.txt not merged onto the base branch: %v", id, err)
		}
	}
	if ws.FinishedAt == nil {
		t.Error("finished_at not stamped with every story terminal")
	}
	if branches := runGit(t, f.repo, "branch", "--list", "strawboss/*"); branches != "" {
		t.Errorf("story branches not deleted after merge: %q", branches)
	}

	out := f.progressText()
	for _, want := range []string{
		"Parallel mode: 2 agents",
		"merged [US-001] into main",
		"merged [US-002] into main",
		"\nAll stories finished (parallel mode).",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("progress missing %q:\n%s", want, out)
		}
	}
}

func TestRunDependencyCascade(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t,
		newStory("US-001", "Build the base"),
		newStory("US-002", "Build on the base", "US-001"),
		newStory("US-003", "Build on the middle", "US-002"),
	)

	launcher := LauncherFunc(func(ctx context.Context, req WorkerRequest) (int, error) {
		failStoryState(ctx, t, f.store, req.StoryID, "build broke")
		return 1, nil
	})

	sched := f.scheduler(t, launcher, 2, 0)
	if err := sched.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	ws := f.load(t)
	if got := ws.Stories["US-001"].Status; got != types.StoryFailed {
		t.Errorf("US-001 status = %s, want failed", got)
	}
	for _, id := range []string{"US-002", "US-003"} {
		if got := ws.Stories[id].Status; got != types.StoryBlocked {
			t.Errorf("%s status = %s, want blocked", id, got)
		}
	}
	if got := blockReason(ws.Stories["US-002"]); got != "dependency US-001 failed (transitive)" {
		t.Errorf("US-002 block reason = %q", got)
	}
	if got := blockReason(ws.Stories["US-003"]); got != "dependency US-002 failed (transitive)" {
		t.Errorf("US-003 block reason = %q", got)
	}
	if ws.FinishedAt == nil {
		t.Error("finished_at not stamped with every story terminal")
	}
	if branches := runGit(t, f.repo, "branch", "--list", "strawboss/US-001"); branches == "" {
		t.Error("failed story branch should be kept for post-mortem")
	}

	out := f.progressText()
	for _, want := range []string{
		"story [US-001] FAILED (exit 1)",
		"Story US-002 blocked: dependency US-001 failed",
		"Story US-003 blocked: dependency US-002 failed",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("progress missing %q:\n%s", want, out)
		}
	}
}

func TestRunBlockedReevaluation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Now().UTC()
	done := newStory("US-001", "Finished in a previous run")
	done.Status = types.StoryCompleted
	done.CompletedAt = &now
	waiting := newStory("US-002", "Waits on the base", "US-001")
	waiting.Status = types.StoryBlocked
	f.seed(t, done, waiting)

	launcher := LauncherFunc(func(ctx context.Context, req WorkerRequest) (int, error) {
		completeStory(ctx, t, f.store, req.StoryID)
		return 0, nil
	})

	sched := f.scheduler(t, launcher, 1, 0)
	if err := sched.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	ws := f.load(t)
	if got := ws.Stories["US-002"].Status; got != types.StoryCompleted {
		t.Errorf("US-002 status = %s, want completed after unblocking", got)
	}
	if !strings.Contains(f.progressText(), "Story US-002 unblocked: all dependencies completed") {
		t.Errorf("progress missing unblock line:\n%s", f.progressText())
	}
}

func TestReconcileRepairsOrphanedStep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	workDir, err := f.manager.Create(ctx, 1, "US-001")
	if err != nil {
		t.Fatalf("failed to create worktree: %v", err)
	}
	head := runGit(t, workDir, "rev-parse", "HEAD")
	writeFile(t, workDir, "half.txt", "incomplete work\n")

	f.seed(t, orphanedStory("US-001", "Crashed mid-step", 1, head))

	sched := f.scheduler(t, neverLaunch(t), 1, 0)
	if err := sched.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	ws := f.load(t)
	story := ws.Stories["US-001"]
	if story.Status != types.StoryInProgress {
		t.Errorf("story status = %s, want in_progress until its runner re-dispatches", story.Status)
	}
	step := story.FindStep("step-002")
	if step.Status != types.StepFailed {
		t.Errorf("step-002 status = %s, want failed", step.Status)
	}
	if step.Error == nil || *step.Error != reconcileError {
		t.Errorf("step-002 error = %v, want %q", step.Error, reconcileError)
	}
	if step.CompletedAt == nil {
		t.Error("step-002 completed_at not stamped")
	}

	var recorded bool
	for _, e := range story.History {
		if e.Action == types.ActionStepFailed && e.Details["reason"] == "reconciliation" {
			recorded = true
		}
	}
	if !recorded {
		t.Error("missing step_failed history entry for reconciliation")
	}

	diff, err := os.ReadFile(filepath.Join(f.logRoot, "US-001", "step-002.reconcile.diff"))
	if err != nil {
		t.Fatalf("reconcile diff not written: %v", err)
	}
	if !strings.Contains(string(diff), "half.txt") {
		t.Errorf("reconcile diff does not capture the uncommitted work:\n%s", diff)
	}
	if _, err := os.Stat(filepath.Join(workDir, "half.txt")); !os.IsNotExist(err) {
		t.Error("worktree not reset to the step's starting revision")
	}
	if !strings.Contains(f.progressText(), "Reconciled [US-001] step-002: worker absent, step marked failed") {
		t.Errorf("progress missing reconcile line:\n%s", f.progressText())
	}

	before := len(f.progress)
	if err := sched.Reconcile(ctx); err != nil {
		t.Fatalf("second Reconcile failed: %v", err)
	}
	if len(f.progress) != before {
		t.Errorf("second Reconcile repeated work: %v", f.progress[before:])
	}
}

func TestReconcileInPlaceRepairsSerialWorkspace(t *testing.T) {
	ctx := context.Background()
	repo := initRepo(t)
	g, err := git.NewGit(ctx)
	if err != nil {
		t.Fatalf("failed to create Git instance: %v", err)
	}
	head := runGit(t, repo, "rev-parse", "HEAD")
	writeFile(t, repo, "half.txt", "incomplete work\n")

	runDir := t.TempDir()
	store := state.NewStore(filepath.Join(runDir, "workflow_state.json"))
	if _, err := store.Init(ctx, "prd.md", []*types.Story{orphanedStory("US-001", "Interrupted serial story", 1, head)}); err != nil {
		t.Fatalf("failed to init state: %v", err)
	}

	logRoot := filepath.Join(runDir, "logs")
	var progress []string
	record := func(msg string) { progress = append(progress, msg) }

	if err := ReconcileInPlace(ctx, store, g, logRoot, repo, record); err != nil {
		t.Fatalf("ReconcileInPlace failed: %v", err)
	}

	ws, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("failed to load state: %v", err)
	}
	step := ws.Stories["US-001"].FindStep("step-002")
	if step.Status != types.StepFailed {
		t.Errorf("step-002 status = %s, want failed", step.Status)
	}
	if step.Error == nil || *step.Error != reconcileError {
		t.Errorf("step-002 error = %v, want %q", step.Error, reconcileError)
	}

	diff, err := os.ReadFile(filepath.Join(logRoot, "US-001", "step-002.reconcile.diff"))
	if err != nil {
		t.Fatalf("reconcile diff not written: %v", err)
	}
	if !strings.Contains(string(diff), "half.txt") {
		t.Errorf("reconcile diff does not capture the uncommitted work:\n%s", diff)
	}
	if _, err := os.Stat(filepath.Join(repo, "half.txt")); !os.IsNotExist(err) {
		t.Error("workspace not reset to the step's starting revision")
	}

	before := len(progress)
	if err := ReconcileInPlace(ctx, store, g, logRoot, repo, record); err != nil {
		t.Fatalf("second ReconcileInPlace failed: %v", err)
	}
	if len(progress) != before {
		t.Errorf("second ReconcileInPlace repeated work: %v", progress[before:])
	}
}

func TestRunResumesReconciledStoryToFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	workDir, err := f.manager.Create(ctx, 1, "US-001")
	if err != nil {
		t.Fatalf("failed to create worktree: %v", err)
	}
	head := runGit(t, workDir, "rev-parse", "HEAD")
	writeFile(t, workDir, "half.txt", "incomplete work\n")

	f.seed(t,
		orphanedStory("US-001", "Crashed mid-step", 1, head),
		newStory("US-002", "Depends on the crashed story", "US-001"),
	)

	var gotWorkDir string
	launcher := LauncherFunc(func(ctx context.Context, req WorkerRequest) (int, error) {
		gotWorkDir = req.WorkDir
		failStoryState(ctx, t, f.store, req.StoryID, "workflow has a failed step")
		return 1, nil
	})

	sched := f.scheduler(t, launcher, 1, 0)
	if err := sched.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if gotWorkDir != workDir {
		t.Errorf("resumed worker ran in %s, want the existing worktree %s", gotWorkDir, workDir)
	}

	ws := f.load(t)
	if got := ws.Stories["US-001"].Status; got != types.StoryFailed {
		t.Errorf("US-001 status = %s, want failed", got)
	}
	if got := ws.Stories["US-002"].Status; got != types.StoryBlocked {
		t.Errorf("US-002 status = %s, want blocked", got)
	}
	if ws.FinishedAt == nil {
		t.Error("finished_at not stamped with every story terminal")
	}

	out := f.progressText()
	for _, want := range []string{
		"Reconciled [US-001] step-002: worker absent, step marked failed",
		"Agent 1: resuming story [US-001] Crashed mid-step",
		"Story US-002 blocked: dependency US-001 failed",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("progress missing %q:\n%s", want, out)
		}
	}
}

func TestRunConflictInsertsResolutionStep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, newStory("US-001", "Rewrite the readme"))

	calls := 0
	launcher := LauncherFunc(func(ctx context.Context, req WorkerRequest) (int, error) {
		calls++
		switch calls {
		case 1:
			// The agent rewrites README.md while the base branch moves
			// underneath it, so integration must hit a rebase conflict.
			if err := os.WriteFile(filepath.Join(req.WorkDir, "README.md"), []byte("agent version\n"), 0644); err != nil {
				t.Errorf("failed to write worktree README: %v", err)
				return 1, nil
			}
			if err := os.WriteFile(filepath.Join(f.repo, "README.md"), []byte("base version\n"), 0644); err != nil {
				t.Errorf("failed to write base README: %v", err)
				return 1, nil
			}
			if err := tryGit(f.repo, "commit", "-am", "base change"); err != nil {
				t.Error(err)
				return 1, nil
			}
		case 2:
			// Conflict resolution pass: rebuild on the moved base.
			if err := tryGit(req.WorkDir, "reset", "--hard", "main"); err != nil {
				t.Error(err)
				return 1, nil
			}
			if err := os.WriteFile(filepath.Join(req.WorkDir, "README.md"), []byte("merged version\n"), 0644); err != nil {
				t.Errorf("failed to write resolved README: %v", err)
				return 1, nil
			}
		default:
			t.Errorf("unexpected launcher call %d", calls)
			return 1, nil
		}
		completeStory(ctx, t, f.store, req.StoryID)
		return 0, nil
	})

	sched := f.scheduler(t, launcher, 1, 0)
	if err := sched.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if calls != 2 {
		t.Fatalf("launcher calls = %d, want 2", calls)
	}

	ws := f.load(t)
	story := ws.Stories["US-001"]
	if story.Status != types.StoryCompleted {
		t.Fatalf("story status = %s, want completed", story.Status)
	}
	if got, want := len(story.Steps), len(steps.DefaultWorkflow())+1; got != want {
		t.Errorf("step count = %d, want %d after one insertion", got, want)
	}

	conflictIdx, reviewIdx := -1, -1
	for i, step := range story.Steps {
		if step.Description == ConflictResolutionDescription {
			conflictIdx = i
		}
		if step.Kind == types.KindFinalReview {
			reviewIdx = i
		}
	}
	if conflictIdx == -1 {
		t.Fatal("conflict resolution step not inserted")
	}
	if reviewIdx == -1 || conflictIdx > reviewIdx {
		t.Errorf("conflict step at index %d, final_review at %d; want insertion before the review", conflictIdx, reviewIdx)
	}
	if got := story.Steps[conflictIdx].Kind; got != types.KindCoding {
		t.Errorf("conflict step kind = %s, want coding", got)
	}
	review := story.Steps[reviewIdx]
	if review.Status != types.StepCompleted {
		t.Errorf("final_review status = %s, want completed after the re-run", review.Status)
	}
	if review.RestartCount != 0 {
		t.Errorf("final_review restart_count = %d, conflict re-runs must not consume restarts", review.RestartCount)
	}

	var edited bool
	for _, e := range story.History {
		if e.Action == types.ActionWorkflowEdit && e.Details["operation"] == "insert_conflict_resolution" {
			edited = true
		}
	}
	if !edited {
		t.Error("missing workflow_edit history entry for the inserted step")
	}

	data, err := os.ReadFile(filepath.Join(f.repo, "README.md"))
	if err != nil {
		t.Fatalf("failed to read merged README: %v", err)
	}
	if string(data) != "merged version\n" {
		t.Errorf("README on base = %q, want the resolved content", data)
	}

	out := f.progressText()
	for _, want := range []string{
		"rebase conflicts for [US-001] in 1 file(s)",
		"re-running [US-001] to resolve rebase conflicts",
		"merged [US-001] into main",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("progress missing %q:\n%s", want, out)
		}
	}
}

func TestRunShutdownLeavesStoryInProgress(t *testing.T) {
	f := newFixture(t)
	f.seed(t, newStory("US-001", "Long running work"))

	started := make(chan struct{})
	launcher := LauncherFunc(func(ctx context.Context, req WorkerRequest) (int, error) {
		close(started)
		<-ctx.Done()
		return 0, ctx.Err()
	})

	sched := f.scheduler(t, launcher, 1, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- sched.Run(ctx) }()

	<-started
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}

	ws := f.load(t)
	story := ws.Stories["US-001"]
	if story.Status != types.StoryInProgress {
		t.Errorf("story status = %s, want in_progress for next-run reconciliation", story.Status)
	}
	if story.AgentID == nil || *story.AgentID != 1 {
		t.Errorf("agent assignment lost across shutdown: %v", story.AgentID)
	}
	if _, err := os.Stat(f.manager.Path(1)); err != nil {
		t.Errorf("worktree removed during shutdown: %v", err)
	}
	if !strings.Contains(f.progressText(), "interrupted by shutdown") {
		t.Errorf("progress missing shutdown line:\n%s", f.progressText())
	}
}

func TestRunStopsAtMaxIterations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t,
		newStory("US-001", "First"),
		newStory("US-002", "Second"),
		newStory("US-003", "Third"),
	)

	launcher := LauncherFunc(func(ctx context.Context, req WorkerRequest) (int, error) {
		completeStory(ctx, t, f.store, req.StoryID)
		return 0, nil
	})

	sched := f.scheduler(t, launcher, 1, 2)
	if err := sched.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	ws := f.load(t)
	for _, id := range []string{"US-001", "US-002"} {
		if got := ws.Stories[id].Status; got != types.StoryCompleted {
			t.Errorf("%s status = %s, want completed", id, got)
		}
	}
	if got := ws.Stories["US-003"].Status; got != types.StoryUnclaimed {
		t.Errorf("US-003 status = %s, want unclaimed with the claim budget spent", got)
	}
	if ws.FinishedAt != nil {
		t.Error("finished_at stamped with a story still unclaimed")
	}

	out := f.progressText()
	if !strings.Contains(out, "Max iterations (2) reached.") {
		t.Errorf("progress missing max-iterations line:\n%s", out)
	}
	// Stories with no file changes squash to nothing.
	if !strings.Contains(out, "[US-001] introduced no changes, nothing to merge") {
		t.Errorf("progress missing empty-merge line:\n%s", out)
	}
}

func TestRunWorkerErrorFailsStory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t,
		newStory("US-001", "Launch target"),
		newStory("US-002", "Dependent work", "US-001"),
	)

	launcher := LauncherFunc(func(ctx context.Context, req WorkerRequest) (int, error) {
		return 0, errors.New("boom")
	})

	sched := f.scheduler(t, launcher, 1, 0)
	if err := sched.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	ws := f.load(t)
	if got := ws.Stories["US-001"].Status; got != types.StoryFailed {
		t.Errorf("US-001 status = %s, want failed", got)
	}
	if got := blockReason(ws.Stories["US-001"]); got != "worker did not run: boom" {
		t.Errorf("failure reason = %q", got)
	}
	if got := ws.Stories["US-002"].Status; got != types.StoryBlocked {
		t.Errorf("US-002 status = %s, want blocked", got)
	}
	if _, err := os.Stat(f.manager.Path(1)); !os.IsNotExist(err) {
		t.Error("worktree should be removed after a worker error")
	}
	if branches := runGit(t, f.repo, "branch", "--list", "strawboss/US-001"); branches == "" {
		t.Error("story branch should be kept for post-mortem")
	}
}

func TestSubprocessLauncherExitCodes(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	req := WorkerRequest{StoryID: "US-001", AgentID: 1, WorkDir: dir}

	l := &SubprocessLauncher{Binary: "true", StatePath: "workflow_state.json", SharedDir: dir}
	if code, err := l.Run(ctx, req); err != nil || code != 0 {
		t.Fatalf("Run(true) = %d, %v; want 0, nil", code, err)
	}

	l.Binary = "false"
	if code, err := l.Run(ctx, req); err != nil || code != 1 {
		t.Fatalf("Run(false) = %d, %v; want 1, nil", code, err)
	}

	l.Binary = filepath.Join(dir, "does-not-exist")
	if _, err := l.Run(ctx, req); err == nil {
		t.Fatal("Run with a missing binary should fail to start")
	}
}

func TestSubprocessLauncherTerminatesOnCancel(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "worker.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nsleep 30\n"), 0755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}

	l := &SubprocessLauncher{
		Binary:    script,
		StatePath: "workflow_state.json",
		SharedDir: dir,
		TermGrace: 5 * time.Second,
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := l.Run(ctx, WorkerRequest{StoryID: "US-001", AgentID: 1, WorkDir: dir})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("termination took %s, worker ignored SIGTERM", elapsed)
	}
}

func TestInsertBeforeFinalReview(t *testing.T) {
	story := &types.Story{
		ID:     "US-001",
		Title:  "Insertion order",
		Status: types.StoryInProgress,
		Steps: []*types.Step{
			{ID: "step-001", Kind: types.KindCoding, Status: types.StepCompleted},
			{ID: "step-002", Kind: types.KindFinalReview, Status: types.StepCompleted},
		},
	}
	insertBeforeFinalReview(story, &types.Step{ID: "step-003", Kind: types.KindCoding, Status: types.StepPending})

	got := make([]string, 0, len(story.Steps))
	for _, step := range story.Steps {
		got = append(got, step.ID)
	}
	want := []string{"step-001", "step-003", "step-002"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("step order = %v, want %v", got, want)
	}

	noReview := &types.Story{
		ID:     "US-002",
		Title:  "No review step",
		Status: types.StoryInProgress,
		Steps:  []*types.Step{{ID: "step-001", Kind: types.KindCoding, Status: types.StepCompleted}},
	}
	insertBeforeFinalReview(noReview, &types.Step{ID: "step-002", Kind: types.KindCoding, Status: types.StepPending})
	if got := noReview.Steps[len(noReview.Steps)-1].ID; got != "step-002" {
		t.Errorf("appended step is %s, want step-002 at the tail", got)
	}
}

func TestSlotPool(t *testing.T) {
	p := newSlotPool(3)
	for want := 1; want <= 3; want++ {
		got, ok := p.next()
		if !ok || got != want {
			t.Fatalf("next() = %d, %v; want %d", got, ok, want)
		}
	}
	if slot, ok := p.next(); ok {
		t.Fatalf("next() on an empty pool returned %d", slot)
	}

	p.release(3)
	p.release(1)
	if got, _ := p.next(); got != 1 {
		t.Errorf("next() = %d, want the lowest released slot 1", got)
	}
	p.take(3)
	if slot, ok := p.next(); ok {
		t.Errorf("take(3) left slot %d in the pool", slot)
	}

	p.release(2)
	p.release(2)
	p.release(0)
	p.release(7)
	if got, _ := p.next(); got != 2 {
		t.Errorf("next() = %d, want 2", got)
	}
	if slot, ok := p.next(); ok {
		t.Errorf("duplicate or out-of-range release leaked slot %d", slot)
	}
}

func TestStatusLine(t *testing.T) {
	ws := &types.WorkflowState{Stories: map[string]*types.Story{
		"US-001": {ID: "US-001", Status: types.StoryCompleted},
		"US-002": {ID: "US-002", Status: types.StoryCompleted},
		"US-003": {ID: "US-003", Status: types.StoryFailed},
		"US-004": {ID: "US-004", Status: types.StoryUnclaimed},
	}}
	got := StatusLine(ws)
	want := "  Status: 4 stories - completed=2, failed=1, unclaimed=1"
	if got != want {
		t.Errorf("StatusLine = %q, want %q", got, want)
	}
}
