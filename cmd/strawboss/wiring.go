package main

import (
	"context"
	"fmt"
	"os"

	"github.com/strawboss/strawboss/internal/config"
	"github.com/strawboss/strawboss/internal/edits"
	"github.com/strawboss/strawboss/internal/executor"
	"github.com/strawboss/strawboss/internal/git"
	"github.com/strawboss/strawboss/internal/prompt"
	"github.com/strawboss/strawboss/internal/rundir"
	"github.com/strawboss/strawboss/internal/runner"
	"github.com/strawboss/strawboss/internal/scratch"
	"github.com/strawboss/strawboss/internal/state"
)

// runProgress returns a progress func that prints to stdout and mirrors
// every line into the run directory's summary log.
func runProgress(dir *rundir.Dir) func(string) {
	return func(msg string) {
		fmt.Println(msg)
		if err := dir.AppendSummary(msg); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to append summary: %v\n", err)
		}
	}
}

// newStoryRunner wires the full per-agent execution stack rooted at
// workDir: scratch layer, edit drop box, prompt builder, agent backend,
// step executor, and the story runner on top.
func newStoryRunner(ctx context.Context, cfg *config.Config, g *git.Git, dir *rundir.Dir, store *state.Store, workDir string, agentID, maxTurns int, progress func(string)) (*runner.Runner, error) {
	identity := cfg.ResolveGitIdentity(ctx, g, workDir)
	backend := cfg.NewBackend(identity)

	prompts, err := prompt.NewBuilder()
	if err != nil {
		return nil, err
	}

	scr := scratch.New(dir.Path())
	exec, err := executor.New(executor.Config{
		Store:    store,
		Scratch:  scr,
		Box:      edits.NewBox(dir.Path()),
		Git:      g,
		Backend:  backend,
		Prompts:  prompts,
		LogRoot:  dir.LogsDir(),
		WorkDir:  workDir,
		AgentID:  agentID,
		MaxTurns: maxTurns,
		Progress: progress,
	})
	if err != nil {
		return nil, err
	}

	return runner.New(runner.Config{
		Store:    store,
		Scratch:  scr,
		Executor: exec,
		AgentID:  agentID,
		Progress: progress,
	})
}
