package types

import (
	"encoding/json"
	"fmt"
)

// EditOp tags a workflow edit operation
type EditOp string

const (
	EditAddAfter        EditOp = "add_after"
	EditSplit           EditOp = "split"
	EditSkip            EditOp = "skip"
	EditReorder         EditOp = "reorder"
	EditEditDescription EditOp = "edit_description"
	EditRestart         EditOp = "restart"
)

// IsValid checks if the edit operation value is valid
func (o EditOp) IsValid() bool {
	switch o {
	case EditAddAfter, EditSplit, EditSkip, EditReorder, EditEditDescription, EditRestart:
		return true
	}
	return false
}

// NewStepSpec describes a step to be created by an add_after or split edit
type NewStepSpec struct {
	Kind        StepKind `json:"type"`
	Description string   `json:"description"`
}

// Edit is one requested workflow mutation. An edit-request file holds a
// single edit or a list of them; the whole file is validated and applied
// atomically. Every operation carries a reason for the audit trail.
type Edit struct {
	Operation        EditOp        `json:"operation"`
	TargetStepID     string        `json:"target_step_id,omitempty"`
	Reason           string        `json:"reason"`
	NewSteps         []NewStepSpec `json:"new_steps,omitempty"`
	ReplacementSteps []NewStepSpec `json:"replacement_steps,omitempty"`
	NewOrder         []string      `json:"new_order,omitempty"`
	NewDescription   string        `json:"new_description,omitempty"`
}

// Validate checks the structural shape of the edit: a known operation, a
// reason, and the payload fields that operation requires. Guardrail checks
// against a concrete story happen in the edits package.
func (e *Edit) Validate() error {
	if !e.Operation.IsValid() {
		return fmt.Errorf("unknown edit operation: %s", e.Operation)
	}
	if e.Reason == "" {
		return fmt.Errorf("%s: reason is required", e.Operation)
	}
	switch e.Operation {
	case EditAddAfter:
		if e.TargetStepID == "" {
			return fmt.Errorf("add_after: target_step_id is required")
		}
		if len(e.NewSteps) == 0 {
			return fmt.Errorf("add_after: new_steps must not be empty")
		}
		for _, spec := range e.NewSteps {
			if !spec.Kind.IsValid() {
				return fmt.Errorf("add_after: invalid step kind: %s", spec.Kind)
			}
		}
	case EditSplit:
		if e.TargetStepID == "" {
			return fmt.Errorf("split: target_step_id is required")
		}
		if len(e.ReplacementSteps) < 2 {
			return fmt.Errorf("split: replacement_steps must contain at least two steps")
		}
		for _, spec := range e.ReplacementSteps {
			if !spec.Kind.IsValid() {
				return fmt.Errorf("split: invalid step kind: %s", spec.Kind)
			}
		}
	case EditSkip:
		if e.TargetStepID == "" {
			return fmt.Errorf("skip: target_step_id is required")
		}
	case EditReorder:
		if len(e.NewOrder) == 0 {
			return fmt.Errorf("reorder: new_order must not be empty")
		}
	case EditEditDescription:
		if e.TargetStepID == "" {
			return fmt.Errorf("edit_description: target_step_id is required")
		}
		if e.NewDescription == "" {
			return fmt.Errorf("edit_description: new_description is required")
		}
	case EditRestart:
		if e.TargetStepID == "" {
			return fmt.Errorf("restart: target_step_id is required")
		}
		if e.NewDescription == "" {
			return fmt.Errorf("restart: new_description is required")
		}
	}
	return nil
}

// DetailsMap renders the edit as a generic map for history details
func (e *Edit) DetailsMap() map[string]any {
	raw, err := json.Marshal(e)
	if err != nil {
		return map[string]any{"operation": string(e.Operation)}
	}
	var dump map[string]any
	if err := json.Unmarshal(raw, &dump); err != nil {
		return map[string]any{"operation": string(e.Operation)}
	}
	return map[string]any{
		"operation": string(e.Operation),
		"edit":      dump,
	}
}
