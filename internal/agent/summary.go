package agent

import "strings"

// ExtractSummary pulls the SUMMARY section out of an agent's final response.
// The section starts at the first line that reads "SUMMARY" after leading
// whitespace and '#' markers are stripped (case-insensitive). Everything
// below that line is the summary; a bare "SUMMARY: done it" header with no
// body yields the text after the colon. Returns "" when no section exists.
func ExtractSummary(text string) string {
	if text == "" {
		return ""
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		stripped := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#"))
		if len(stripped) < len("SUMMARY") || !strings.EqualFold(stripped[:len("SUMMARY")], "SUMMARY") {
			continue
		}
		body := strings.TrimSpace(strings.Join(lines[i+1:], "\n"))
		if body != "" {
			return body
		}
		return strings.TrimSpace(strings.TrimLeft(stripped[len("SUMMARY"):], ":"))
	}
	return ""
}
