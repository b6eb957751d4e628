package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/strawboss/strawboss/internal/types"
)

func testStory(id string, deps ...string) *types.Story {
	return &types.Story{
		ID:                 id,
		Title:              "Story " + id,
		Description:        "Do the work for " + id,
		AcceptanceCriteria: []string{"it works"},
		Status:             types.StoryUnclaimed,
		DependsOn:          deps,
	}
}

func TestInitAndLoad(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "workflow_state.json"))
	ctx := context.Background()

	if store.Exists() {
		t.Fatal("Exists() = true before Init")
	}

	state, err := store.Init(ctx, "prd.yaml", []*types.Story{
		testStory("US-001"),
		testStory("US-002", "US-001"),
	})
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if state.Version != types.StateVersion {
		t.Errorf("Version = %d, want %d", state.Version, types.StateVersion)
	}
	if !store.Exists() {
		t.Error("Exists() = false after Init")
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.PRDFile != "prd.yaml" {
		t.Errorf("PRDFile = %q, want %q", loaded.PRDFile, "prd.yaml")
	}
	if len(loaded.Stories) != 2 {
		t.Fatalf("got %d stories, want 2", len(loaded.Stories))
	}
	if got := loaded.Stories["US-002"].DependsOn; len(got) != 1 || got[0] != "US-001" {
		t.Errorf("US-002 depends_on = %v, want [US-001]", got)
	}
}

func TestInitRejectsDuplicateStoryID(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "workflow_state.json"))

	_, err := store.Init(context.Background(), "prd.yaml", []*types.Story{
		testStory("US-001"),
		testStory("US-001"),
	})
	if err == nil {
		t.Fatal("expected duplicate story id error")
	}
	if store.Exists() {
		t.Error("state file written despite duplicate id")
	}
}

func TestInitRejectsUnknownDependency(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "workflow_state.json"))

	_, err := store.Init(context.Background(), "prd.yaml", []*types.Story{
		testStory("US-001"),
		testStory("US-002", "US-404"),
	})
	if err == nil {
		t.Fatal("expected unknown dependency error")
	}
	want := `story "US-002" depends on "US-404" which does not exist`
	if err.Error() != want {
		t.Errorf("error = %q, want %q", err.Error(), want)
	}
	if store.Exists() {
		t.Error("state file written despite invalid graph")
	}
}

func TestInitRejectsCycle(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "workflow_state.json"))

	_, err := store.Init(context.Background(), "prd.yaml", []*types.Story{
		testStory("US-001", "US-002"),
		testStory("US-002", "US-003"),
		testStory("US-003", "US-001"),
	})
	if err == nil {
		t.Fatal("expected cycle error")
	}
	want := "circular dependency detected: US-001 -> US-002 -> US-003 -> US-001"
	if err.Error() != want {
		t.Errorf("error = %q, want %q", err.Error(), want)
	}
	if store.Exists() {
		t.Error("state file written despite cycle")
	}
}

func TestTwoStoryCycleMessage(t *testing.T) {
	state := &types.WorkflowState{Stories: map[string]*types.Story{
		"US-001": testStory("US-001", "US-002"),
		"US-002": testStory("US-002", "US-001"),
	}}
	err := ValidateDependencyGraph(state)
	if err == nil {
		t.Fatal("expected cycle error")
	}
	want := "circular dependency detected: US-001 -> US-002 -> US-001"
	if err.Error() != want {
		t.Errorf("error = %q, want %q", err.Error(), want)
	}
}

func TestMutatePersists(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "workflow_state.json"))
	ctx := context.Background()

	if _, err := store.Init(ctx, "prd.yaml", []*types.Story{testStory("US-001")}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	agentID := 1
	err := store.Mutate(ctx, func(s *types.WorkflowState) error {
		story := s.Stories["US-001"]
		story.Status = types.StoryInProgress
		story.AgentID = &agentID
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	story := loaded.Stories["US-001"]
	if story.Status != types.StoryInProgress {
		t.Errorf("status = %q, want in_progress", story.Status)
	}
	if story.AgentID == nil || *story.AgentID != 1 {
		t.Errorf("agent_id = %v, want 1", story.AgentID)
	}
}

func TestMutateErrorLeavesFileUntouched(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workflow_state.json")
	store := NewStore(path)
	ctx := context.Background()

	if _, err := store.Init(ctx, "prd.yaml", []*types.Story{testStory("US-001")}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	mutErr := store.Mutate(ctx, func(s *types.WorkflowState) error {
		s.Stories["US-001"].Status = types.StoryFailed
		return fmt.Errorf("validation rejected")
	})
	if mutErr == nil || mutErr.Error() != "validation rejected" {
		t.Fatalf("Mutate error = %v, want validation rejected", mutErr)
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(before) != string(after) {
		t.Error("state file changed even though mutation returned an error")
	}
}

func TestRewriteIsByteIdentical(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workflow_state.json")
	store := NewStore(path)
	ctx := context.Background()

	stories := []*types.Story{testStory("US-001"), testStory("US-002", "US-001")}
	stories[0].Steps = []*types.Step{
		{ID: "step-001", Kind: types.KindCoding, Status: types.StepPending, Description: "write it"},
	}
	if _, err := store.Init(ctx, "prd.yaml", stories); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	if err := store.Mutate(ctx, func(*types.WorkflowState) error { return nil }); err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(before) != string(after) {
		t.Errorf("no-op rewrite changed bytes:\nbefore:\n%s\nafter:\n%s", before, after)
	}
}

func TestConcurrentMutatesSerialize(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "workflow_state.json"))
	ctx := context.Background()

	if _, err := store.Init(ctx, "prd.yaml", []*types.Story{testStory("US-001")}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	const workers = 8
	const perWorker = 5
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				err := store.Mutate(ctx, func(s *types.WorkflowState) error {
					s.Stories["US-001"].NextStepCounter++
					return nil
				})
				if err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Mutate failed: %v", err)
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := loaded.Stories["US-001"].NextStepCounter; got != workers*perWorker {
		t.Errorf("counter = %d, want %d (lost updates)", got, workers*perWorker)
	}
}

func TestFindAssignableStory(t *testing.T) {
	state := &types.WorkflowState{Stories: map[string]*types.Story{
		"US-001": testStory("US-001"),
		"US-002": testStory("US-002", "US-001"),
		"US-003": testStory("US-003"),
	}}

	// Lowest eligible ID wins.
	if got := FindAssignableStory(state); got == nil || got.ID != "US-001" {
		t.Fatalf("FindAssignableStory = %v, want US-001", got)
	}

	// Claimed stories are not assignable; unmet dependencies hold US-002 back.
	state.Stories["US-001"].Status = types.StoryInProgress
	if got := FindAssignableStory(state); got == nil || got.ID != "US-003" {
		t.Fatalf("FindAssignableStory = %v, want US-003", got)
	}

	// Completing the dependency releases US-002.
	state.Stories["US-001"].Status = types.StoryCompleted
	state.Stories["US-003"].Status = types.StoryInProgress
	if got := FindAssignableStory(state); got == nil || got.ID != "US-002" {
		t.Fatalf("FindAssignableStory = %v, want US-002", got)
	}

	// Nothing left to hand out.
	state.Stories["US-002"].Status = types.StoryInProgress
	if got := FindAssignableStory(state); got != nil {
		t.Fatalf("FindAssignableStory = %v, want nil", got)
	}
}

func TestValidateDependencyGraphAcceptsDiamond(t *testing.T) {
	state := &types.WorkflowState{Stories: map[string]*types.Story{
		"US-001": testStory("US-001"),
		"US-002": testStory("US-002", "US-001"),
		"US-003": testStory("US-003", "US-001"),
		"US-004": testStory("US-004", "US-002", "US-003"),
	}}
	if err := ValidateDependencyGraph(state); err != nil {
		t.Errorf("diamond graph rejected: %v", err)
	}
}
