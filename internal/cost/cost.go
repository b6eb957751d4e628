// Package cost aggregates the per-step spend recorded in the state
// document into story and run totals.
package cost

import (
	"fmt"
	"sort"

	"github.com/strawboss/strawboss/internal/types"
)

// StorySpend is the recorded spend of one story across all of its steps.
// Steps that never reported cost or token counts contribute nothing.
type StorySpend struct {
	StoryID      string
	CostUSD      float64
	InputTokens  int
	OutputTokens int

	// Steps counts the steps that reported any spend.
	Steps int
}

// RunSpend is the recorded spend of an entire run, with per-story
// breakdowns in story-ID order.
type RunSpend struct {
	CostUSD      float64
	InputTokens  int
	OutputTokens int
	Stories      []StorySpend
}

// ForStory sums the recorded spend of a single story.
func ForStory(story *types.Story) StorySpend {
	spend := StorySpend{StoryID: story.ID}
	for _, step := range story.Steps {
		reported := false
		if step.CostUSD != nil {
			spend.CostUSD += *step.CostUSD
			reported = true
		}
		if step.InputTokens != nil {
			spend.InputTokens += *step.InputTokens
			reported = true
		}
		if step.OutputTokens != nil {
			spend.OutputTokens += *step.OutputTokens
			reported = true
		}
		if reported {
			spend.Steps++
		}
	}
	return spend
}

// ForRun sums recorded spend across every story. Stories that reported
// nothing are omitted from the breakdown but the totals are still exact.
func ForRun(ws *types.WorkflowState) RunSpend {
	ids := make([]string, 0, len(ws.Stories))
	for id := range ws.Stories {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var run RunSpend
	for _, id := range ids {
		spend := ForStory(ws.Stories[id])
		run.CostUSD += spend.CostUSD
		run.InputTokens += spend.InputTokens
		run.OutputTokens += spend.OutputTokens
		if spend.Steps > 0 {
			run.Stories = append(run.Stories, spend)
		}
	}
	return run
}

// Zero reports whether nothing in the run recorded any spend.
func (r RunSpend) Zero() bool {
	return r.CostUSD == 0 && r.InputTokens == 0 && r.OutputTokens == 0
}

// String renders a one-line summary like "$0.8312 (12345 in / 6789 out)".
func (s StorySpend) String() string {
	return fmt.Sprintf("$%.4f (%d in / %d out)", s.CostUSD, s.InputTokens, s.OutputTokens)
}

// String renders a one-line summary of the run totals.
func (r RunSpend) String() string {
	return fmt.Sprintf("$%.4f (%d in / %d out)", r.CostUSD, r.InputTokens, r.OutputTokens)
}
