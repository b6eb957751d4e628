package edits

import (
	"fmt"
	"strings"

	"github.com/strawboss/strawboss/internal/steps"
	"github.com/strawboss/strawboss/internal/types"
)

// ValidationError reports every guardrail violation found in an edit file
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Violations, "; ")
}

// Validate checks all operations against the guardrails. Validation is
// atomic: every operation is checked and every violation collected before
// anything is applied, so a single bad operation rejects the whole file.
// agentID is the worker submitting the file; only the story's assigned
// worker may edit it.
func Validate(story *types.Story, agentID int, ops []types.Edit) error {
	var violations []string

	if story.AgentID == nil || *story.AgentID != agentID {
		violations = append(violations, fmt.Sprintf("agent %d is not the assigned worker for story %s", agentID, story.ID))
	}

	// Simulated step count after all operations, checked against the cap.
	simulatedCount := len(story.Steps)

	for _, op := range ops {
		switch op.Operation {
		case types.EditAddAfter:
			target := story.FindStep(op.TargetStepID)
			if target == nil {
				violations = append(violations, fmt.Sprintf("add_after: target step '%s' not found", op.TargetStepID))
			} else if target.Kind == types.KindFinalReview {
				violations = append(violations, "add_after: cannot add steps after final_review")
			}
			simulatedCount += len(op.NewSteps)

		case types.EditSplit:
			target := story.FindStep(op.TargetStepID)
			if target == nil {
				violations = append(violations, fmt.Sprintf("split: target step '%s' not found", op.TargetStepID))
			} else if target.Status != types.StepPending {
				violations = append(violations, fmt.Sprintf("split: can only split pending steps, '%s' is %s", op.TargetStepID, target.Status))
			} else if steps.IsMandatory(target.Kind) {
				violations = append(violations, fmt.Sprintf("split: cannot split mandatory step type '%s'", target.Kind))
			}
			simulatedCount += len(op.ReplacementSteps) - 1

		case types.EditSkip:
			target := story.FindStep(op.TargetStepID)
			if target == nil {
				violations = append(violations, fmt.Sprintf("skip: target step '%s' not found", op.TargetStepID))
			} else if target.Status != types.StepPending {
				violations = append(violations, fmt.Sprintf("skip: can only skip pending steps, '%s' is %s", op.TargetStepID, target.Status))
			} else if steps.IsMandatory(target.Kind) {
				violations = append(violations, fmt.Sprintf("skip: cannot skip mandatory step type '%s'", target.Kind))
			}

		case types.EditReorder:
			pendingIDs := story.PendingStepIDs()
			if !samePermutation(op.NewOrder, pendingIDs) {
				violations = append(violations, fmt.Sprintf("reorder: new_order must contain exactly all pending step IDs. Expected: %v, got: %v", pendingIDs, op.NewOrder))
			}
			finalID := pendingFinalReviewID(story)
			if finalID != "" && len(op.NewOrder) > 0 && op.NewOrder[len(op.NewOrder)-1] != finalID {
				violations = append(violations, "reorder: final_review must remain the last step")
			}

		case types.EditEditDescription:
			target := story.FindStep(op.TargetStepID)
			if target == nil {
				violations = append(violations, fmt.Sprintf("edit_description: target step '%s' not found", op.TargetStepID))
			} else if target.Status != types.StepPending {
				violations = append(violations, fmt.Sprintf("edit_description: can only edit pending steps, '%s' is %s", op.TargetStepID, target.Status))
			}

		case types.EditRestart:
			target := story.FindStep(op.TargetStepID)
			if target == nil {
				violations = append(violations, fmt.Sprintf("restart: target step '%s' not found", op.TargetStepID))
			} else if target.Status != types.StepInProgress {
				violations = append(violations, fmt.Sprintf("restart: can only restart in_progress steps, '%s' is %s", op.TargetStepID, target.Status))
			} else if target.RestartCount >= steps.MaxRestartsPerStep {
				violations = append(violations, fmt.Sprintf("restart: step '%s' has reached max restarts (%d)", op.TargetStepID, steps.MaxRestartsPerStep))
			}
		}
	}

	if simulatedCount > steps.MaxStepsPerWorkflow {
		violations = append(violations, fmt.Sprintf("total steps would be %d, exceeding maximum of %d", simulatedCount, steps.MaxStepsPerWorkflow))
	}

	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}

// Apply mutates the story with validated operations. Callers must run
// Validate first; Apply assumes every target exists and is in a legal state.
func Apply(story *types.Story, ops []types.Edit) {
	for _, op := range ops {
		switch op.Operation {
		case types.EditAddAfter:
			applyAddAfter(story, op)
		case types.EditSplit:
			applySplit(story, op)
		case types.EditSkip:
			applySkip(story, op)
		case types.EditReorder:
			applyReorder(story, op)
		case types.EditEditDescription:
			applyEditDescription(story, op)
		case types.EditRestart:
			applyRestart(story, op)
		}
	}
}

func applyAddAfter(story *types.Story, op types.Edit) {
	idx := stepIndex(story, op.TargetStepID)
	if idx < 0 {
		return
	}
	inserted := buildSteps(story, op.NewSteps)
	story.Steps = append(story.Steps[:idx+1], append(inserted, story.Steps[idx+1:]...)...)
}

func applySplit(story *types.Story, op types.Edit) {
	idx := stepIndex(story, op.TargetStepID)
	if idx < 0 {
		return
	}
	replacements := buildSteps(story, op.ReplacementSteps)
	story.Steps = append(story.Steps[:idx], append(replacements, story.Steps[idx+1:]...)...)
}

func applySkip(story *types.Story, op types.Edit) {
	if step := story.FindStep(op.TargetStepID); step != nil {
		step.Status = types.StepSkipped
		reason := op.Reason
		step.SkipReason = &reason
	}
}

// applyReorder rebuilds the step list: non-pending steps keep their relative
// order at the front, the pending suffix follows new_order.
func applyReorder(story *types.Story, op types.Edit) {
	var nonPending []*types.Step
	pendingByID := make(map[string]*types.Step)
	for _, s := range story.Steps {
		if s.Status == types.StepPending {
			pendingByID[s.ID] = s
		} else {
			nonPending = append(nonPending, s)
		}
	}
	reordered := make([]*types.Step, 0, len(op.NewOrder))
	for _, id := range op.NewOrder {
		if s, ok := pendingByID[id]; ok {
			reordered = append(reordered, s)
		}
	}
	story.Steps = append(nonPending, reordered...)
}

func applyEditDescription(story *types.Story, op types.Edit) {
	if step := story.FindStep(op.TargetStepID); step != nil {
		step.Description = op.NewDescription
	}
}

func applyRestart(story *types.Story, op types.Edit) {
	if step := story.FindStep(op.TargetStepID); step != nil {
		step.ResetForRestart(op.NewDescription)
	}
}

func buildSteps(story *types.Story, specs []types.NewStepSpec) []*types.Step {
	built := make([]*types.Step, 0, len(specs))
	for _, spec := range specs {
		built = append(built, &types.Step{
			ID:          story.NextStepID(),
			Kind:        spec.Kind,
			Status:      types.StepPending,
			Description: spec.Description,
		})
	}
	return built
}

func stepIndex(story *types.Story, stepID string) int {
	for i, s := range story.Steps {
		if s.ID == stepID {
			return i
		}
	}
	return -1
}

func pendingFinalReviewID(story *types.Story) string {
	for _, s := range story.Steps {
		if s.Status == types.StepPending && s.Kind == types.KindFinalReview {
			return s.ID
		}
	}
	return ""
}

func samePermutation(newOrder, pendingIDs []string) bool {
	if len(newOrder) != len(pendingIDs) {
		return false
	}
	want := make(map[string]bool, len(pendingIDs))
	for _, id := range pendingIDs {
		want[id] = true
	}
	seen := make(map[string]bool, len(newOrder))
	for _, id := range newOrder {
		if !want[id] || seen[id] {
			return false
		}
		seen[id] = true
	}
	return true
}
