package git

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
)

// defaultMessageModel is used when the caller does not pick a model.
const defaultMessageModel = "claude-sonnet-4-5-20250929"

// MessageGenerator produces squash-merge commit messages for integrated
// stories. A nil client is allowed; every failure path falls back to a
// deterministic message so integration never blocks on the API.
type MessageGenerator struct {
	client        *anthropic.Client
	model         string
	retryAttempts int
}

// NewMessageGenerator creates a new MessageGenerator.
func NewMessageGenerator(client *anthropic.Client, model string) *MessageGenerator {
	if model == "" {
		model = defaultMessageModel
	}
	return &MessageGenerator{
		client:        client,
		model:         model,
		retryAttempts: 3,
	}
}

// CommitMessage returns the commit message for a story's squash merge.
func (m *MessageGenerator) CommitMessage(ctx context.Context, req CommitMessageRequest) string {
	if m == nil || m.client == nil {
		return FallbackMessage(req)
	}

	prompt := m.buildPrompt(req)

	var response *anthropic.Message
	err := m.retryWithBackoff(ctx, "commit-message", func(attemptCtx context.Context) error {
		resp, apiErr := m.client.Messages.New(attemptCtx, anthropic.MessageNewParams{
			Model:     anthropic.Model(m.model),
			MaxTokens: 2048,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if apiErr != nil {
			return apiErr
		}
		response = resp
		return nil
	})
	if err != nil {
		return FallbackMessage(req)
	}

	var text strings.Builder
	for _, block := range response.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	message := strings.TrimSpace(text.String())
	if message == "" {
		return FallbackMessage(req)
	}
	return message
}

// FallbackMessage is the deterministic commit message used when no API
// client is configured or generation fails.
func FallbackMessage(req CommitMessageRequest) string {
	return fmt.Sprintf("%s: %s (squash merge from %s)", req.StoryID, req.Title, req.Branch)
}

// buildPrompt constructs the prompt for commit message generation.
func (m *MessageGenerator) buildPrompt(req CommitMessageRequest) string {
	var prompt strings.Builder

	prompt.WriteString("You are a commit message generator for an automated coding workflow.\n\n")
	prompt.WriteString("Generate the squash-merge commit message for a completed user story.\n\n")

	prompt.WriteString("## Story\n\n")
	prompt.WriteString(fmt.Sprintf("**ID**: %s\n", req.StoryID))
	prompt.WriteString(fmt.Sprintf("**Title**: %s\n", req.Title))
	if len(req.AcceptanceCriteria) > 0 {
		prompt.WriteString("**Acceptance criteria**:\n")
		for _, criterion := range req.AcceptanceCriteria {
			prompt.WriteString(fmt.Sprintf("- %s\n", criterion))
		}
	}
	prompt.WriteString("\n")

	if req.DiffStat != "" {
		prompt.WriteString("## Diff Stat\n\n")
		prompt.WriteString("```\n")
		// Truncate if too large (keep first 10000 chars)
		stat := req.DiffStat
		if len(stat) > 10000 {
			stat = stat[:10000] + "\n... (truncated)"
		}
		prompt.WriteString(stat)
		prompt.WriteString("\n```\n\n")
	}

	prompt.WriteString("## Instructions\n\n")
	prompt.WriteString(fmt.Sprintf("1. Subject: one line, 50 chars max, imperative mood, starting with the story ID: `%s: <description>`\n", req.StoryID))
	prompt.WriteString("2. Body: what changed and why, wrapped at 72 chars\n\n")
	prompt.WriteString("Respond with the commit message only, no surrounding quotes or code fences.\n")

	return prompt.String()
}

// retryWithBackoff retries an operation with exponential backoff.
func (m *MessageGenerator) retryWithBackoff(ctx context.Context, operation string, fn func(context.Context) error) error {
	var lastErr error
	delay := time.Second

	for attempt := 1; attempt <= m.retryAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		lastErr = err

		// Check if context is canceled
		if ctx.Err() != nil {
			return fmt.Errorf("%s canceled: %w", operation, ctx.Err())
		}

		// Don't retry on last attempt
		if attempt == m.retryAttempts {
			break
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", operation, ctx.Err())
		}
		delay *= 2
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, m.retryAttempts, lastErr)
}
