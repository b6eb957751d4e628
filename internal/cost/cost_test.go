package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/strawboss/strawboss/internal/types"
)

func usd(v float64) *float64 { return &v }
func tokens(v int) *int      { return &v }

func TestForStorySumsReportedSteps(t *testing.T) {
	story := &types.Story{
		ID: "US-001",
		Steps: []*types.Step{
			{ID: "step-001", CostUSD: usd(0.25), InputTokens: tokens(1000), OutputTokens: tokens(200)},
			{ID: "step-002", CostUSD: usd(0.50), InputTokens: tokens(3000), OutputTokens: tokens(800)},
			{ID: "step-003"},
		},
	}

	spend := ForStory(story)
	assert.Equal(t, "US-001", spend.StoryID)
	assert.InDelta(t, 0.75, spend.CostUSD, 1e-9)
	assert.Equal(t, 4000, spend.InputTokens)
	assert.Equal(t, 1000, spend.OutputTokens)
	assert.Equal(t, 2, spend.Steps)
}

func TestForStoryCountsPartialReports(t *testing.T) {
	story := &types.Story{
		ID: "US-001",
		Steps: []*types.Step{
			{ID: "step-001", OutputTokens: tokens(500)},
		},
	}

	spend := ForStory(story)
	assert.Equal(t, 1, spend.Steps)
	assert.Equal(t, 0, spend.InputTokens)
	assert.Equal(t, 500, spend.OutputTokens)
	assert.Zero(t, spend.CostUSD)
}

func TestForRunOrdersByStoryIDAndSkipsSilentStories(t *testing.T) {
	ws := &types.WorkflowState{
		Stories: map[string]*types.Story{
			"US-002": {ID: "US-002", Steps: []*types.Step{
				{ID: "step-001", CostUSD: usd(0.10), InputTokens: tokens(100), OutputTokens: tokens(10)},
			}},
			"US-001": {ID: "US-001", Steps: []*types.Step{
				{ID: "step-001", CostUSD: usd(0.40), InputTokens: tokens(400), OutputTokens: tokens(40)},
			}},
			"US-003": {ID: "US-003", Steps: []*types.Step{{ID: "step-001"}}},
		},
	}

	run := ForRun(ws)
	assert.InDelta(t, 0.50, run.CostUSD, 1e-9)
	assert.Equal(t, 500, run.InputTokens)
	assert.Equal(t, 50, run.OutputTokens)

	ids := make([]string, 0, len(run.Stories))
	for _, s := range run.Stories {
		ids = append(ids, s.StoryID)
	}
	assert.Equal(t, []string{"US-001", "US-002"}, ids)
}

func TestZeroAndString(t *testing.T) {
	assert.True(t, RunSpend{}.Zero())
	assert.False(t, RunSpend{InputTokens: 1}.Zero())

	run := RunSpend{CostUSD: 0.8312, InputTokens: 12345, OutputTokens: 6789}
	assert.Equal(t, "$0.8312 (12345 in / 6789 out)", run.String())
}
