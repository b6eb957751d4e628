// Package agent launches coding-agent subprocesses and streams their
// line-delimited JSON output: raw events go to the step's .jsonl log, a
// human-readable digest goes to stderr, and cost/token/summary data comes
// back in the Result.
package agent

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"time"
)

// Backend names accepted by configuration
const (
	BackendClaudeCode       = "claude-code"
	BackendClaudeCodeDocker = "claude-code-docker"
)

// DefaultTimeout bounds an invocation when the caller does not set one
const DefaultTimeout = 15 * time.Minute

// InvokeOptions carries the per-invocation parameters
type InvokeOptions struct {
	AgentID  int
	MaxTurns int // 0 means unlimited
	Timeout  time.Duration
	WorkDir  string
	LogPath  string // destination for the raw event stream
}

// Backend builds the agent subprocess command for a prompt
type Backend interface {
	Name() string
	BuildCommand(prompt string, opts InvokeOptions) *exec.Cmd
}

// ClaudeCode runs the Claude Code CLI directly on the host
type ClaudeCode struct {
	SystemPrompt string
}

// Name returns the backend identifier
func (c *ClaudeCode) Name() string { return BackendClaudeCode }

// BuildCommand assembles the npx invocation emitting stream-json on stdout
func (c *ClaudeCode) BuildCommand(prompt string, opts InvokeOptions) *exec.Cmd {
	args := []string{
		"@anthropic-ai/claude-code",
		"--dangerously-skip-permissions",
		"--print",
		"--verbose",
		"--output-format", "stream-json",
	}
	if c.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", c.SystemPrompt)
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	args = append(args, prompt)
	return exec.Command("npx", args...)
}

// ClaudeCodeDocker wraps the Claude Code CLI in a docker run so the agent
// works against an isolated container with the worktree mounted at
// /workspace.
type ClaudeCodeDocker struct {
	SystemPrompt  string
	Image         string
	GitAuthorName string
	GitEmail      string

	// ExtraEnv adds environment variables to the container, such as the
	// compose settings the sandboxed test harness reads.
	ExtraEnv map[string]string
}

// Name returns the backend identifier
func (d *ClaudeCodeDocker) Name() string { return BackendClaudeCodeDocker }

// BuildCommand wraps the direct invocation in docker run. The workspace is
// mounted at /workspace and becomes the working directory; the agent's
// credential directories are passed through when the home directory is
// resolvable.
func (d *ClaudeCodeDocker) BuildCommand(prompt string, opts InvokeOptions) *exec.Cmd {
	inner := (&ClaudeCode{SystemPrompt: d.SystemPrompt}).BuildCommand(prompt, opts)

	workspace := opts.WorkDir
	if workspace == "" {
		workspace = "."
	}
	if abs, err := filepath.Abs(workspace); err == nil {
		workspace = abs
	}

	args := []string{
		"run", "--rm",
		"-e", fmt.Sprintf("AGENT_ID=%d", opts.AgentID),
		"-e", fmt.Sprintf("COMPOSE_PROJECT_NAME=strawboss_agent_%d", opts.AgentID),
		"-e", "HOST_WORKSPACE=" + workspace,
		"-e", "IS_SANDBOX=1",
		"-e", "GIT_AUTHOR_NAME=" + d.GitAuthorName,
		"-e", "GIT_AUTHOR_EMAIL=" + d.GitEmail,
		"-e", "GIT_COMMITTER_NAME=" + d.GitAuthorName,
		"-e", "GIT_COMMITTER_EMAIL=" + d.GitEmail,
		"-v", "/var/run/docker.sock:/var/run/docker.sock",
		"-v", workspace + ":/workspace",
	}
	extra := make([]string, 0, len(d.ExtraEnv))
	for k := range d.ExtraEnv {
		extra = append(extra, k)
	}
	sort.Strings(extra)
	for _, k := range extra {
		args = append(args, "-e", k+"="+d.ExtraEnv[k])
	}
	if home, err := os.UserHomeDir(); err == nil {
		args = append(args,
			"-v", filepath.Join(home, ".claude")+":/home/agent/.claude",
			"-v", filepath.Join(home, ".config", "claude")+":/home/agent/.config/claude",
		)
	}
	args = append(args, "-w", "/workspace", d.Image)
	args = append(args, inner.Args...)

	return exec.Command("docker", args...)
}
