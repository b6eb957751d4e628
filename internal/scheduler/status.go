package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/strawboss/strawboss/internal/types"
)

// StatusLine renders the one-line story census printed after every handled
// worker exit, e.g. "  Status: 4 stories - completed=2, failed=1, unclaimed=1".
func StatusLine(ws *types.WorkflowState) string {
	counts := make(map[string]int)
	for _, story := range ws.Stories {
		counts[string(story.Status)]++
	}

	statuses := make([]string, 0, len(counts))
	for status := range counts {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)

	parts := make([]string, 0, len(statuses))
	for _, status := range statuses {
		parts = append(parts, fmt.Sprintf("%s=%d", status, counts[status]))
	}
	return fmt.Sprintf("  Status: %d stories - %s", len(ws.Stories), strings.Join(parts, ", "))
}
