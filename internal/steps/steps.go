// Package steps carries the per-kind step metadata: timeouts, edit
// permission, the mandatory set, and the default ten-step workflow every
// claimed story starts from.
package steps

import (
	"fmt"
	"time"

	"github.com/strawboss/strawboss/internal/types"
)

const (
	// MaxStepsPerWorkflow caps a story's total step count, counting every
	// status. Edits that would push past it are rejected whole.
	MaxStepsPerWorkflow = 30

	// MaxRestartsPerStep caps agent-requested restarts of a single step.
	MaxRestartsPerStep = 3
)

// DefaultTimeout applies to unknown kinds and is never expected in practice.
const DefaultTimeout = 15 * time.Minute

var timeouts = map[types.StepKind]time.Duration{
	types.KindContextGathering: 15 * time.Minute,
	types.KindPlanning:         10 * time.Minute,
	types.KindArchitecture:     10 * time.Minute,
	types.KindTestArchitecture: 10 * time.Minute,
	types.KindCoding:           30 * time.Minute,
	types.KindLinting:          5 * time.Minute,
	types.KindInitialTesting:   20 * time.Minute,
	types.KindReview:           10 * time.Minute,
	types.KindPruneTests:       10 * time.Minute,
	types.KindFinalReview:      15 * time.Minute,
}

// allowsEditing marks the kinds whose agents may request workflow edits.
// Mechanical kinds (context gathering, linting, test pruning) may not.
var allowsEditing = map[types.StepKind]bool{
	types.KindContextGathering: false,
	types.KindPlanning:         true,
	types.KindArchitecture:     true,
	types.KindTestArchitecture: true,
	types.KindCoding:           true,
	types.KindLinting:          false,
	types.KindInitialTesting:   true,
	types.KindReview:           true,
	types.KindPruneTests:       false,
	types.KindFinalReview:      true,
}

var mandatory = map[types.StepKind]bool{
	types.KindLinting:     true,
	types.KindFinalReview: true,
}

// Timeout returns the agent timeout for a step kind
func Timeout(kind types.StepKind) time.Duration {
	if d, ok := timeouts[kind]; ok {
		return d
	}
	return DefaultTimeout
}

// AllowsEditing reports whether agents running this kind may request workflow edits
func AllowsEditing(kind types.StepKind) bool {
	return allowsEditing[kind]
}

// IsMandatory reports whether the kind must remain in every workflow.
// Mandatory steps cannot be skipped or removed by any edit.
func IsMandatory(kind types.StepKind) bool {
	return mandatory[kind]
}

// defaultSequence is the canonical workflow instantiated when a story is
// claimed with no steps of its own. final_review is always last.
var defaultSequence = []struct {
	kind        types.StepKind
	description string
}{
	{types.KindContextGathering, "Explore codebase, DB schema, docs, and related code"},
	{types.KindPlanning, "Produce implementation plan based on gathered context"},
	{types.KindArchitecture, "Design code structure and identify files to modify"},
	{types.KindTestArchitecture, "Design test strategy and identify test files"},
	{types.KindCoding, "Implement the changes"},
	{types.KindLinting, "Run formatters and lint checks"},
	{types.KindInitialTesting, "Run tests and identify failures"},
	{types.KindReview, "Self-review against acceptance criteria"},
	{types.KindPruneTests, "Remove redundant tests"},
	{types.KindFinalReview, "Final verification and commit"},
}

// DefaultWorkflow builds the ten-step default sequence, step-001 through
// step-010, all pending.
func DefaultWorkflow() []*types.Step {
	workflow := make([]*types.Step, 0, len(defaultSequence))
	for i, spec := range defaultSequence {
		workflow = append(workflow, &types.Step{
			ID:          fmt.Sprintf("step-%03d", i+1),
			Kind:        spec.kind,
			Status:      types.StepPending,
			Description: spec.description,
		})
	}
	return workflow
}
