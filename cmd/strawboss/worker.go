package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/strawboss/strawboss/internal/config"
	"github.com/strawboss/strawboss/internal/git"
	"github.com/strawboss/strawboss/internal/rundir"
	"github.com/strawboss/strawboss/internal/state"
)

// workerCmd is the subprocess entry used by parallel mode: one worker per
// assigned story, launched with the story's worktree as its working
// directory. Exit code 0 means the story completed.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Hidden: true,
	Short:  "Run a single story (internal, spawned by parallel mode)",
	Run: func(cmd *cobra.Command, args []string) {
		storyID, _ := cmd.Flags().GetString("story-id")
		agentID, _ := cmd.Flags().GetInt("agent-id")
		statePath, _ := cmd.Flags().GetString("state-path")
		sharedDir, _ := cmd.Flags().GetString("shared-dir")
		maxTurns, _ := cmd.Flags().GetInt("max-turns")

		if storyID == "" || statePath == "" || sharedDir == "" {
			fmt.Fprintln(os.Stderr, "Error: --story-id, --state-path, and --shared-dir are required")
			os.Exit(1)
		}

		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		g, err := git.NewGit(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		dir, err := rundir.Open(sharedDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		store := state.NewStore(statePath)
		progress := runProgress(dir)

		r, err := newStoryRunner(ctx, cfg, g, dir, store, cwd, agentID, maxTurns, progress)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		progress(fmt.Sprintf("Agent %d: running story [%s]", agentID, storyID))

		ok, err := r.RunStory(ctx, storyID)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				fmt.Fprintf(os.Stderr, "Agent %d: interrupted, leaving story [%s] for reconciliation\n", agentID, storyID)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if !ok {
			progress(fmt.Sprintf("Agent %d: story [%s] FAILED.", agentID, storyID))
			os.Exit(1)
		}
		progress(fmt.Sprintf("Agent %d: story [%s] completed successfully.", agentID, storyID))
	},
}

func init() {
	workerCmd.Flags().String("story-id", "", "Story to run")
	workerCmd.Flags().Int("agent-id", 1, "Agent ID")
	workerCmd.Flags().String("state-path", "", "Shared state file path")
	workerCmd.Flags().String("shared-dir", "", "Run directory shared with the orchestrator")
	workerCmd.Flags().Int("max-turns", 0, "Max agent turns per step (0 = unlimited)")
	rootCmd.AddCommand(workerCmd)
}
