// Package config resolves orchestrator settings from the environment.
// Every knob is an environment variable with the STRAWBOSS_ prefix, with
// working defaults for a compose-based agent sandbox.
package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/strawboss/strawboss/internal/agent"
	"github.com/strawboss/strawboss/internal/git"
	"github.com/strawboss/strawboss/internal/rundir"
)

// Config holds the environment-driven settings shared by all run modes.
type Config struct {
	// Image is the container image used by the dockerized agent backend
	// (STRAWBOSS_IMAGE).
	Image string

	// Dockerfile is the build recipe for Image (STRAWBOSS_DOCKERFILE).
	Dockerfile string

	// ComposeFile is the docker compose file the agent sandbox runs
	// tests against (STRAWBOSS_COMPOSE_FILE).
	ComposeFile string

	// EnvFile is the env file handed to compose (STRAWBOSS_ENV_FILE).
	EnvFile string

	// Service is the compose service under test (STRAWBOSS_SERVICE).
	Service string

	// InfraServices are compose services kept running between steps
	// (STRAWBOSS_INFRA_SERVICES, comma separated).
	InfraServices []string

	// GitEmail is the committer email agents use when no identity is
	// configured (STRAWBOSS_GIT_EMAIL).
	GitEmail string

	// Backend selects how agents are launched (STRAWBOSS_AGENT_BACKEND):
	// claude-code runs the CLI on the host, claude-code-docker wraps it
	// in a container.
	Backend string

	// Model overrides the model used for AI-generated commit messages
	// (STRAWBOSS_MODEL). Empty keeps the built-in default.
	Model string

	// RunRoot is where run directories are created (STRAWBOSS_RUN_ROOT).
	RunRoot string

	// AnthropicAPIKey enables AI commit messages when present
	// (ANTHROPIC_API_KEY). Empty falls back to deterministic messages.
	AnthropicAPIKey string
}

// Load reads the configuration from the environment, applying defaults for
// anything unset.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STRAWBOSS")
	v.AutomaticEnv()

	v.SetDefault("image", "strawboss-agent:latest")
	v.SetDefault("dockerfile", "docker/Dockerfile")
	v.SetDefault("compose_file", "compose.test.yml")
	v.SetDefault("env_file", ".env")
	v.SetDefault("service", "app")
	v.SetDefault("infra_services", "mysql,redis")
	v.SetDefault("git_email", "agent@strawboss.dev")
	v.SetDefault("agent_backend", agent.BackendClaudeCode)
	v.SetDefault("model", "")
	v.SetDefault("run_root", rundir.DefaultRoot)

	cfg := &Config{
		Image:           v.GetString("image"),
		Dockerfile:      v.GetString("dockerfile"),
		ComposeFile:     v.GetString("compose_file"),
		EnvFile:         v.GetString("env_file"),
		Service:         v.GetString("service"),
		InfraServices:   splitList(v.GetString("infra_services")),
		GitEmail:        v.GetString("git_email"),
		Backend:         v.GetString("agent_backend"),
		Model:           v.GetString("model"),
		RunRoot:         v.GetString("run_root"),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
	}

	switch cfg.Backend {
	case agent.BackendClaudeCode, agent.BackendClaudeCodeDocker:
	default:
		return nil, fmt.Errorf("invalid STRAWBOSS_AGENT_BACKEND %q (want %s or %s)",
			cfg.Backend, agent.BackendClaudeCode, agent.BackendClaudeCodeDocker)
	}
	return cfg, nil
}

// Identity is the author identity agents commit with.
type Identity struct {
	Name  string
	Email string
}

// ResolveGitIdentity determines the commit identity for agent work. Name
// and email resolve independently: STRAWBOSS_GIT_AUTHOR_NAME /
// STRAWBOSS_GIT_AUTHOR_EMAIL from the environment first, then the
// repository's git config, then the built-in fallback with a warning.
func (c *Config) ResolveGitIdentity(ctx context.Context, g *git.Git, repoPath string) Identity {
	name := os.Getenv("STRAWBOSS_GIT_AUTHOR_NAME")
	if name == "" && g != nil {
		name, _ = g.ConfigValue(ctx, repoPath, "user.name")
	}
	if name == "" {
		name = "Strawboss Agent"
		fmt.Fprintln(os.Stderr, "Warning: git author name not configured. Set STRAWBOSS_GIT_AUTHOR_NAME or run `git config user.name`.")
	}

	email := os.Getenv("STRAWBOSS_GIT_AUTHOR_EMAIL")
	if email == "" && g != nil {
		email, _ = g.ConfigValue(ctx, repoPath, "user.email")
	}
	if email == "" {
		email = c.GitEmail
		fmt.Fprintln(os.Stderr, "Warning: git author email not configured. Set STRAWBOSS_GIT_AUTHOR_EMAIL or run `git config user.email`.")
	}
	return Identity{Name: name, Email: email}
}

// NewBackend builds the agent backend named by the configuration. The
// dockerized backend receives the compose settings so the sandboxed test
// harness sees the same contract as the orchestrator.
func (c *Config) NewBackend(identity Identity) agent.Backend {
	switch c.Backend {
	case agent.BackendClaudeCodeDocker:
		return &agent.ClaudeCodeDocker{
			Image:         c.Image,
			GitAuthorName: identity.Name,
			GitEmail:      identity.Email,
			ExtraEnv: map[string]string{
				"COMPOSE_FILE":   c.ComposeFile,
				"ENV_FILE":       c.EnvFile,
				"SERVICE":        c.Service,
				"INFRA_SERVICES": strings.Join(c.InfraServices, ","),
			},
		}
	default:
		return &agent.ClaudeCode{}
	}
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
