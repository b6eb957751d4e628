package state

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/strawboss/strawboss/internal/steps"
	"github.com/strawboss/strawboss/internal/types"
)

// SortedStoryIDs returns all story IDs in lexicographic order. Story IDs use
// zero-padded numbers (US-001), so lexicographic order is also numeric order.
func SortedStoryIDs(state *types.WorkflowState) []string {
	ids := make([]string, 0, len(state.Stories))
	for id := range state.Stories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidateDependencyGraph checks that every depends_on reference resolves to
// a known story and that the graph is acyclic (Kahn's algorithm). Returns on
// the first unknown reference; cycle errors name the stories on the cycle.
func ValidateDependencyGraph(state *types.WorkflowState) error {
	inDegree := make(map[string]int, len(state.Stories))
	dependents := make(map[string][]string)
	for id := range state.Stories {
		inDegree[id] = 0
	}

	ids := SortedStoryIDs(state)
	for _, id := range ids {
		for _, dep := range state.Stories[id].DependsOn {
			if _, ok := state.Stories[dep]; !ok {
				return fmt.Errorf("story %q depends on %q which does not exist", id, dep)
			}
			dependents[dep] = append(dependents[dep], id)
			inDegree[id]++
		}
	}

	queue := make([]string, 0, len(ids))
	for _, id := range ids {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if visited != len(state.Stories) {
		remaining := make(map[string]bool)
		for id, deg := range inDegree {
			if deg > 0 {
				remaining[id] = true
			}
		}
		cycle := traceCycle(state, remaining)
		return fmt.Errorf("circular dependency detected: %s", strings.Join(cycle, " -> "))
	}
	return nil
}

// traceCycle walks depends_on edges within the unresolved set until a story
// repeats, then returns the closed loop starting and ending at that story.
func traceCycle(state *types.WorkflowState, remaining map[string]bool) []string {
	start := ""
	for _, id := range SortedStoryIDs(state) {
		if remaining[id] {
			start = id
			break
		}
	}
	if start == "" {
		return nil
	}

	path := []string{start}
	seen := map[string]int{start: 0}
	current := start
	for {
		next := ""
		for _, dep := range state.Stories[current].DependsOn {
			if remaining[dep] {
				next = dep
				break
			}
		}
		if next == "" {
			return path
		}
		if idx, ok := seen[next]; ok {
			return append(path[idx:], next)
		}
		seen[next] = len(path)
		path = append(path, next)
		current = next
	}
}

// ClaimStory marks a story as owned by the given agent and installs the
// default workflow when the story has no steps yet. Callers run this inside
// a Mutate so the claim and the dispatch decision commit together.
func ClaimStory(story *types.Story, agentID int) {
	now := time.Now().UTC()
	story.Status = types.StoryInProgress
	story.AgentID = &agentID
	story.ClaimedAt = &now
	if len(story.Steps) == 0 {
		story.Steps = steps.DefaultWorkflow()
	}
	story.AddHistory(types.NewHistoryEntry(types.ActionStoryClaimed, agentID, "", map[string]any{
		"title": story.Title,
	}))
}

// BlockEvent records one story moved to blocked during failure propagation.
type BlockEvent struct {
	StoryID    string
	Dependency string
}

// PropagateFailures moves every unclaimed story that depends, directly or
// transitively, on a failed or blocked story to blocked, appending a
// story_failed history entry naming the failed dependency. It returns the
// stories blocked by this pass in ID order. Callers run it inside a Mutate.
func PropagateFailures(state *types.WorkflowState) []BlockEvent {
	failed := make(map[string]bool)
	for id, story := range state.Stories {
		if story.Status == types.StoryFailed || story.Status == types.StoryBlocked {
			failed[id] = true
		}
	}

	var events []BlockEvent
	for changed := true; changed; {
		changed = false
		for _, id := range SortedStoryIDs(state) {
			story := state.Stories[id]
			if story.Status != types.StoryUnclaimed {
				continue
			}
			for _, dep := range story.DependsOn {
				if !failed[dep] {
					continue
				}
				story.Status = types.StoryBlocked
				story.AddHistory(types.NewHistoryEntry(types.ActionStoryFailed, 0, "", map[string]any{
					"reason": fmt.Sprintf("dependency %s failed (transitive)", dep),
				}))
				failed[id] = true
				events = append(events, BlockEvent{StoryID: id, Dependency: dep})
				changed = true
				break
			}
		}
	}
	return events
}

// ReevaluateBlocked returns blocked stories to the unclaimed pool once all
// their dependencies are completed, and reports which were unblocked.
// Callers run it inside a Mutate.
func ReevaluateBlocked(state *types.WorkflowState) []string {
	completed := make(map[string]bool)
	for id, story := range state.Stories {
		if story.Status == types.StoryCompleted {
			completed[id] = true
		}
	}

	var unblocked []string
	for _, id := range SortedStoryIDs(state) {
		story := state.Stories[id]
		if story.Status != types.StoryBlocked {
			continue
		}
		ready := true
		for _, dep := range story.DependsOn {
			if !completed[dep] {
				ready = false
				break
			}
		}
		if ready {
			story.Status = types.StoryUnclaimed
			unblocked = append(unblocked, id)
		}
	}
	return unblocked
}

// FindAssignableStory returns the lowest-ID unclaimed story whose
// dependencies are all completed, or nil if none qualifies right now.
func FindAssignableStory(state *types.WorkflowState) *types.Story {
	completed := make(map[string]bool)
	for id, story := range state.Stories {
		if story.Status == types.StoryCompleted {
			completed[id] = true
		}
	}

	for _, id := range SortedStoryIDs(state) {
		story := state.Stories[id]
		if story.Status != types.StoryUnclaimed {
			continue
		}
		ready := true
		for _, dep := range story.DependsOn {
			if !completed[dep] {
				ready = false
				break
			}
		}
		if ready {
			return story
		}
	}
	return nil
}
