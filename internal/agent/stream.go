package agent

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// displayLimit caps how much of any one event is echoed to the console.
const displayLimit = 200

// streamEvent is one line of the agent's stream-json output. Only the
// fields the orchestrator acts on are decoded; the raw line is preserved
// in the step log.
type streamEvent struct {
	Type         string        `json:"type"`
	Subtype      string        `json:"subtype"`
	Model        string        `json:"model"`
	Message      *eventMessage `json:"message"`
	NumTurns     int           `json:"num_turns"`
	TotalCostUSD float64       `json:"total_cost_usd"`
	Usage        *eventUsage   `json:"usage"`
}

type eventMessage struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text"`
	Name    string          `json:"name"`
	Input   map[string]any  `json:"input"`
	Content json.RawMessage `json:"content"`
}

type eventUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// displayEvent writes a one-line human-readable rendering of a stream event.
func displayEvent(w io.Writer, ev *streamEvent) {
	switch ev.Type {
	case "system":
		fmt.Fprintf(w, "[system] session started (model=%s)\n", ev.Model)
	case "assistant":
		if ev.Message == nil {
			return
		}
		for _, block := range ev.Message.Content {
			switch block.Type {
			case "text":
				if strings.TrimSpace(block.Text) != "" {
					fmt.Fprintf(w, "[assistant] %s\n", truncateLine(block.Text))
				}
			case "tool_use":
				fmt.Fprintf(w, "[tool_use] %s: %s\n", block.Name, truncateLine(toolDetail(block.Name, block.Input)))
			}
		}
	case "user":
		if ev.Message == nil {
			return
		}
		for _, block := range ev.Message.Content {
			if block.Type != "tool_result" {
				continue
			}
			if text := resultText(block.Content); text != "" {
				fmt.Fprintf(w, "[tool_result] %s\n", truncateLine(text))
			}
		}
	case "result":
		fmt.Fprintf(w, "[done] %s (turns=%d, cost=$%.4f)\n", ev.Subtype, ev.NumTurns, ev.TotalCostUSD)
	}
}

// toolDetail picks the most informative argument of a tool call for display.
func toolDetail(name string, input map[string]any) string {
	switch name {
	case "Bash":
		return asString(input["command"])
	case "Read", "Write", "Edit":
		return asString(input["file_path"])
	case "Glob", "Grep":
		return asString(input["pattern"])
	case "Task":
		return asString(input["description"])
	}
	if len(input) == 0 {
		return ""
	}
	data, err := json.Marshal(input)
	if err != nil {
		return ""
	}
	return string(data)
}

// resultText flattens a tool_result content payload, which may be a plain
// string or a list of text blocks.
func resultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && strings.TrimSpace(b.Text) != "" {
			parts = append(parts, strings.TrimSpace(b.Text))
		}
	}
	return strings.Join(parts, " ")
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// truncateLine collapses whitespace runs and caps the result at displayLimit
// runes.
func truncateLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= displayLimit {
		return s
	}
	return string(runes[:displayLimit]) + "..."
}
