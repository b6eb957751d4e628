// Package types defines the workflow data model: stories, steps, history
// entries, and workflow edit operations. It is pure data with no I/O so the
// state store, editor, executor, and scheduler can all share one vocabulary.
package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// StepKind categorizes the work a single step performs
type StepKind string

const (
	KindContextGathering StepKind = "context_gathering"
	KindPlanning         StepKind = "planning"
	KindArchitecture     StepKind = "architecture"
	KindTestArchitecture StepKind = "test_architecture"
	KindCoding           StepKind = "coding"
	KindLinting          StepKind = "linting"
	KindInitialTesting   StepKind = "initial_testing"
	KindReview           StepKind = "review"
	KindPruneTests       StepKind = "prune_tests"
	KindFinalReview      StepKind = "final_review"
)

// IsValid checks if the step kind value is valid
func (k StepKind) IsValid() bool {
	switch k {
	case KindContextGathering, KindPlanning, KindArchitecture, KindTestArchitecture,
		KindCoding, KindLinting, KindInitialTesting, KindReview, KindPruneTests,
		KindFinalReview:
		return true
	}
	return false
}

// StepStatus represents the current state of a step
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepSkipped    StepStatus = "skipped"
	StepFailed     StepStatus = "failed"
	StepCancelled  StepStatus = "cancelled"
)

// IsValid checks if the step status value is valid
func (s StepStatus) IsValid() bool {
	switch s {
	case StepPending, StepInProgress, StepCompleted, StepSkipped, StepFailed, StepCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition can leave this status.
// A restart edit resets in_progress back to pending, so only the four
// result statuses are terminal.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepCompleted, StepSkipped, StepFailed, StepCancelled:
		return true
	}
	return false
}

// ValidTransitions defines the valid transitions for the step state machine.
//
// State machine:
//
//	pending → in_progress → completed
//	   ↓           ↓ ↓ ↓
//	skipped   pending failed cancelled
//
// pending → in_progress when the executor begins work; pending → skipped only
// via a skip edit. in_progress → completed/failed/cancelled on the agent
// result, and in_progress → pending only via a restart edit.
func (s StepStatus) ValidTransitions() []StepStatus {
	switch s {
	case StepPending:
		return []StepStatus{StepInProgress, StepSkipped}
	case StepInProgress:
		return []StepStatus{StepCompleted, StepFailed, StepCancelled, StepPending}
	default:
		return nil
	}
}

// CanTransitionTo checks if a transition from this status to the target is valid
func (s StepStatus) CanTransitionTo(target StepStatus) bool {
	for _, valid := range s.ValidTransitions() {
		if valid == target {
			return true
		}
	}
	return false
}

// StoryStatus represents the current state of a story
type StoryStatus string

const (
	StoryUnclaimed  StoryStatus = "unclaimed"
	StoryInProgress StoryStatus = "in_progress"
	StoryCompleted  StoryStatus = "completed"
	StoryFailed     StoryStatus = "failed"
	StoryBlocked    StoryStatus = "blocked"
)

// IsValid checks if the story status value is valid
func (s StoryStatus) IsValid() bool {
	switch s {
	case StoryUnclaimed, StoryInProgress, StoryCompleted, StoryFailed, StoryBlocked:
		return true
	}
	return false
}

// ValidTransitions defines the valid transitions for the story state machine.
// unclaimed↔blocked follows dependency failures and recoveries; failed →
// in_progress is the integration-conflict re-run; completed is re-entered
// after a conflict-resolution pass succeeds.
func (s StoryStatus) ValidTransitions() []StoryStatus {
	switch s {
	case StoryUnclaimed:
		return []StoryStatus{StoryInProgress, StoryBlocked}
	case StoryInProgress:
		return []StoryStatus{StoryCompleted, StoryFailed}
	case StoryCompleted:
		return []StoryStatus{StoryInProgress}
	case StoryBlocked:
		return []StoryStatus{StoryUnclaimed}
	case StoryFailed:
		return []StoryStatus{}
	default:
		return nil
	}
}

// CanTransitionTo checks if a transition from this status to the target is valid
func (s StoryStatus) CanTransitionTo(target StoryStatus) bool {
	for _, valid := range s.ValidTransitions() {
		if valid == target {
			return true
		}
	}
	return false
}

// HistoryAction categorizes audit trail entries
type HistoryAction string

const (
	ActionStepStarted    HistoryAction = "step_started"
	ActionStepCompleted  HistoryAction = "step_completed"
	ActionStepFailed     HistoryAction = "step_failed"
	ActionStepCancelled  HistoryAction = "step_cancelled"
	ActionStepSkipped    HistoryAction = "step_skipped"
	ActionWorkflowEdit   HistoryAction = "workflow_edit"
	ActionStoryClaimed   HistoryAction = "story_claimed"
	ActionStoryCompleted HistoryAction = "story_completed"
	ActionStoryFailed    HistoryAction = "story_failed"
)

// IsValid checks if the history action value is valid
func (a HistoryAction) IsValid() bool {
	switch a {
	case ActionStepStarted, ActionStepCompleted, ActionStepFailed, ActionStepCancelled,
		ActionStepSkipped, ActionWorkflowEdit, ActionStoryClaimed, ActionStoryCompleted,
		ActionStoryFailed:
		return true
	}
	return false
}

// Step is a single scheduled unit of agent work within a story.
// Nullable fields are pointers so the persisted document carries explicit
// nulls until the field is populated.
type Step struct {
	ID            string     `json:"id"`
	Kind          StepKind   `json:"type"`
	Status        StepStatus `json:"status"`
	Description   string     `json:"description"`
	StartedAt     *time.Time `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at"`
	GitSHAAtStart *string    `json:"git_sha_at_start"`
	Notes         *string    `json:"notes"`
	Error         *string    `json:"error"`
	SkipReason    *string    `json:"skip_reason"`
	RestartCount  int        `json:"restart_count"`
	CostUSD       *float64   `json:"cost_usd"`
	InputTokens   *int       `json:"input_tokens"`
	OutputTokens  *int       `json:"output_tokens"`
	LogFile       *string    `json:"log_file"`
}

// Validate checks if the step has valid field values
func (s *Step) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("step id is required")
	}
	if !s.Kind.IsValid() {
		return fmt.Errorf("invalid step kind: %s", s.Kind)
	}
	if !s.Status.IsValid() {
		return fmt.Errorf("invalid step status: %s", s.Status)
	}
	if s.RestartCount < 0 {
		return fmt.Errorf("restart_count cannot be negative (got %d)", s.RestartCount)
	}
	if s.Status == StepCompleted && (s.Notes == nil || strings.TrimSpace(*s.Notes) == "") {
		return fmt.Errorf("completed step %s has no notes", s.ID)
	}
	return nil
}

// ResetForRestart clears the step's result fields and returns it to pending
// with a new description. The restart counter is incremented.
func (s *Step) ResetForRestart(newDescription string) {
	s.Description = newDescription
	s.RestartCount++
	s.resetResults()
}

// ResetForRerun returns the step to pending without touching its description
// or restart counter. Used when the orchestrator itself schedules a re-run,
// such as re-verifying a story after rebase conflicts were resolved.
func (s *Step) ResetForRerun() {
	s.resetResults()
}

func (s *Step) resetResults() {
	s.Status = StepPending
	s.StartedAt = nil
	s.CompletedAt = nil
	s.Notes = nil
	s.Error = nil
	s.CostUSD = nil
	s.InputTokens = nil
	s.OutputTokens = nil
	s.LogFile = nil
}

// HistoryEntry is an append-only audit record on a story
type HistoryEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Action    HistoryAction  `json:"action"`
	AgentID   *int           `json:"agent_id"`
	StepID    *string        `json:"step_id"`
	Details   map[string]any `json:"details"`
}

// NewHistoryEntry builds a history entry stamped with the current time.
// An empty stepID records as null; agentID 0 records as null (no acting worker).
func NewHistoryEntry(action HistoryAction, agentID int, stepID string, details map[string]any) HistoryEntry {
	e := HistoryEntry{
		Timestamp: time.Now().UTC(),
		Action:    action,
		Details:   details,
	}
	if agentID != 0 {
		e.AgentID = &agentID
	}
	if stepID != "" {
		e.StepID = &stepID
	}
	return e
}

// Story is a unit of user intent realized as an ordered step sequence.
// The step list order is authoritative for execution.
type Story struct {
	ID                 string         `json:"story_id"`
	Title              string         `json:"title"`
	Description        string         `json:"description"`
	AcceptanceCriteria []string       `json:"acceptance_criteria"`
	Status             StoryStatus    `json:"status"`
	AgentID            *int           `json:"agent_id"`
	ClaimedAt          *time.Time     `json:"claimed_at"`
	CompletedAt        *time.Time     `json:"completed_at"`
	DependsOn          []string       `json:"depends_on"`
	Steps              []*Step        `json:"steps"`
	History            []HistoryEntry `json:"history"`
	NextStepCounter    int            `json:"next_step_counter"`
}

// Validate checks if the story has valid field values
func (s *Story) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("story_id is required")
	}
	if s.Title == "" {
		return fmt.Errorf("title is required")
	}
	if !s.Status.IsValid() {
		return fmt.Errorf("invalid story status: %s", s.Status)
	}
	for _, step := range s.Steps {
		if err := step.Validate(); err != nil {
			return fmt.Errorf("story %s: %w", s.ID, err)
		}
	}
	return nil
}

// FindStep returns the step with the given ID, or nil
func (s *Story) FindStep(stepID string) *Step {
	for _, step := range s.Steps {
		if step.ID == stepID {
			return step
		}
	}
	return nil
}

// FindNextPendingStep returns the first pending step in sequence order, or nil
func (s *Story) FindNextPendingStep() *Step {
	for _, step := range s.Steps {
		if step.Status == StepPending {
			return step
		}
	}
	return nil
}

// CurrentInProgressStep returns the step currently in_progress, or nil.
// At most one step of a story is in_progress at any time.
func (s *Story) CurrentInProgressStep() *Step {
	for _, step := range s.Steps {
		if step.Status == StepInProgress {
			return step
		}
	}
	return nil
}

// PendingStepIDs returns the IDs of all pending steps in sequence order
func (s *Story) PendingStepIDs() []string {
	var ids []string
	for _, step := range s.Steps {
		if step.Status == StepPending {
			ids = append(ids, step.ID)
		}
	}
	return ids
}

// NextStepID returns the next free step ID and advances the story-scoped
// counter. IDs never decrease: the counter is persisted, and when absent
// (older documents) it is rehydrated from the highest existing numeric
// suffix, with a floor one past the default workflow.
func (s *Story) NextStepID() string {
	if s.NextStepCounter == 0 {
		s.NextStepCounter = s.maxStepNumber() + 1
	}
	id := fmt.Sprintf("step-%03d", s.NextStepCounter)
	s.NextStepCounter++
	return id
}

func (s *Story) maxStepNumber() int {
	max := 10
	for _, step := range s.Steps {
		parts := strings.Split(step.ID, "-")
		if len(parts) < 2 {
			continue
		}
		n, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	return max
}

// AddHistory appends a history entry to the story
func (s *Story) AddHistory(entry HistoryEntry) {
	s.History = append(s.History, entry)
}

// WorkflowState is the top-level persisted state document
type WorkflowState struct {
	Version    int               `json:"version"`
	CreatedAt  time.Time         `json:"created_at"`
	PRDFile    string            `json:"prd_file"`
	FinishedAt *time.Time        `json:"finished_at"`
	Stories    map[string]*Story `json:"stories"`
}

// StateVersion is the schema version written to new state documents
const StateVersion = 1

// Validate checks the state document and every story in it
func (w *WorkflowState) Validate() error {
	if w.Version != StateVersion {
		return fmt.Errorf("unsupported state version %d (want %d)", w.Version, StateVersion)
	}
	for id, story := range w.Stories {
		if id != story.ID {
			return fmt.Errorf("story key %q does not match story_id %q", id, story.ID)
		}
		if err := story.Validate(); err != nil {
			return err
		}
	}
	return nil
}
