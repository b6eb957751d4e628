package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/spf13/cobra"

	"github.com/strawboss/strawboss/internal/agent"
	"github.com/strawboss/strawboss/internal/config"
	"github.com/strawboss/strawboss/internal/git"
	"github.com/strawboss/strawboss/internal/manifest"
	"github.com/strawboss/strawboss/internal/rundir"
	"github.com/strawboss/strawboss/internal/scheduler"
	"github.com/strawboss/strawboss/internal/state"
	"github.com/strawboss/strawboss/internal/types"
	"github.com/strawboss/strawboss/internal/workspace"
)

var runCmd = &cobra.Command{
	Use:   "run [task]",
	Short: "Run a one-shot task or a PRD of user stories",
	Long: `Run coding agents against a task or a PRD manifest.

Modes:
  strawboss run "fix the login timeout"     one-shot: a single synthesized
                                            story executed in-process
  strawboss run --prd prd.yaml              serial: stories claimed and run
                                            one at a time in this process
  strawboss run --prd prd.yaml --agents 4   parallel: a scheduler claims
                                            stories onto worker subprocesses,
                                            each in its own git worktree

Each run gets a timestamped directory under the run root holding the
state document, agent logs, scratch files, metadata, and a summary log.
Use --resume to pick up the newest run directory and its state instead
of starting fresh.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		prdPath, _ := cmd.Flags().GetString("prd")
		agents, _ := cmd.Flags().GetInt("agents")
		agentID, _ := cmd.Flags().GetInt("agent-id")
		maxIterations, _ := cmd.Flags().GetInt("max-iterations")
		maxTurns, _ := cmd.Flags().GetInt("max-turns")
		statePath, _ := cmd.Flags().GetString("state-path")
		sharedDir, _ := cmd.Flags().GetString("shared-dir")
		resume, _ := cmd.Flags().GetBool("resume")
		build, _ := cmd.Flags().GetBool("build")

		var task string
		if len(args) > 0 {
			task = args[0]
		}
		if task == "" && prdPath == "" {
			fmt.Fprintln(os.Stderr, "Error: provide a task (positional) for one-shot mode or --prd for PRD mode")
			os.Exit(1)
		}
		if prdPath != "" {
			if _, err := os.Stat(prdPath); err != nil {
				fmt.Fprintf(os.Stderr, "Error: PRD file not found: %s\n", prdPath)
				os.Exit(1)
			}
		}
		if agents < 1 {
			fmt.Fprintf(os.Stderr, "Error: --agents must be >= 1, got %d\n", agents)
			os.Exit(1)
		}

		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if cfg.Backend == agent.BackendClaudeCodeDocker && (build || !agent.ImageExists(ctx, cfg.Image)) {
			if err := agent.BuildImage(ctx, cfg.Image, cfg.Dockerfile); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		g, err := git.NewGit(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		var dir *rundir.Dir
		fresh := false
		switch {
		case sharedDir != "":
			dir, err = rundir.Open(sharedDir)
		case resume:
			dir, err = rundir.Latest(cfg.RunRoot)
		default:
			dir, err = rundir.Create(cfg.RunRoot)
			fresh = true
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if statePath == "" {
			statePath = dir.StatePath()
		}
		store := state.NewStore(statePath)
		progress := runProgress(dir)

		if fresh {
			progress(fmt.Sprintf("Run directory: %s", dir.Path()))
		} else if resume && sharedDir == "" {
			progress(fmt.Sprintf("Resuming run directory: %s", dir.Path()))
		}

		if err := dir.WriteMetadata(ctx, g, cwd, cfg.Image); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to write run metadata: %v\n", err)
		}
		if prdPath != "" {
			if err := dir.CopyPRD(prdPath); err != nil {
				fmt.Fprintf(os.Stderr, "warning: %v\n", err)
			}
		}

		var storyFailed bool
		var runErr error
		switch {
		case task != "" && prdPath == "":
			storyFailed, runErr = runOneShot(ctx, cfg, g, dir, store, cwd, task, agentID, maxTurns, progress)
		case agents > 1:
			runErr = runParallel(ctx, cfg, g, dir, store, cwd, prdPath, agents, maxIterations, maxTurns, resume, progress)
		default:
			runErr = runSerial(ctx, cfg, g, dir, store, cwd, prdPath, agentID, maxIterations, maxTurns, resume, progress)
		}

		status := "success"
		switch {
		case errors.Is(runErr, context.Canceled):
			status = "interrupted"
		case runErr != nil || storyFailed:
			status = "failure"
		}
		if err := dir.AppendSummary("Run finished: " + status); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to append summary: %v\n", err)
		}

		switch {
		case errors.Is(runErr, context.Canceled):
			fmt.Fprintln(os.Stderr, "Interrupted.")
			os.Exit(1)
		case runErr != nil:
			fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
			os.Exit(1)
		case storyFailed:
			os.Exit(1)
		}
	},
}

// runOneShot synthesizes a single pre-claimed story from the request and
// executes it in-process in the current directory. The returned bool
// reports a story failure, as opposed to an orchestrator error.
func runOneShot(ctx context.Context, cfg *config.Config, g *git.Git, dir *rundir.Dir, store *state.Store, workDir, task string, agentID, maxTurns int, progress func(string)) (bool, error) {
	story := manifest.Synthesize(task)
	state.ClaimStory(story, agentID)

	ws := &types.WorkflowState{
		Version:   types.StateVersion,
		CreatedAt: time.Now().UTC(),
		Stories:   map[string]*types.Story{story.ID: story},
	}
	if err := store.Create(ctx, ws); err != nil {
		return false, err
	}

	progress(fmt.Sprintf("One-shot mode: executing task with %d steps", len(story.Steps)))
	progress(fmt.Sprintf("  State: %s", store.Path()))

	r, err := newStoryRunner(ctx, cfg, g, dir, store, workDir, agentID, maxTurns, progress)
	if err != nil {
		return false, err
	}
	ok, err := r.RunStory(ctx, story.ID)
	if err != nil {
		return false, err
	}
	if !ok {
		progress("One-shot task FAILED.")
		return true, nil
	}
	progress("One-shot task completed successfully.")
	return false, nil
}

// initState prepares the state document for a PRD run: reuse it on
// --resume, otherwise (re)initialize from the manifest.
func initState(ctx context.Context, store *state.Store, prdPath string, resume bool, progress func(string)) error {
	switch {
	case store.Exists() && resume:
		progress(fmt.Sprintf("Resuming from existing state: %s", store.Path()))
		return nil
	case store.Exists():
		progress(fmt.Sprintf("Re-initializing state from PRD (overwriting %s)", store.Path()))
	default:
		progress(fmt.Sprintf("Initializing state from PRD: %s", prdPath))
	}

	doc, err := manifest.Load(prdPath)
	if err != nil {
		return err
	}
	_, err = store.Init(ctx, prdPath, doc.Stories)
	return err
}

// runSerial claims and runs stories one at a time in the current
// directory, re-evaluating blocked stories between iterations.
func runSerial(ctx context.Context, cfg *config.Config, g *git.Git, dir *rundir.Dir, store *state.Store, workDir, prdPath string, agentID, maxIterations, maxTurns int, resume bool, progress func(string)) error {
	if err := initState(ctx, store, prdPath, resume, progress); err != nil {
		return err
	}
	// A resumed state file may hold a story interrupted mid-step; repair it
	// before the loop so the story can be re-dispatched to a clean failure.
	if err := scheduler.ReconcileInPlace(ctx, store, g, dir.LogsDir(), workDir, progress); err != nil {
		return err
	}

	r, err := newStoryRunner(ctx, cfg, g, dir, store, workDir, agentID, maxTurns, progress)
	if err != nil {
		return err
	}

	separator := strings.Repeat("=", 60)
	for iteration := 1; iteration <= maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		var unblocked []string
		if err := store.Mutate(ctx, func(ws *types.WorkflowState) error {
			unblocked = state.ReevaluateBlocked(ws)
			return nil
		}); err != nil {
			return err
		}
		for _, id := range unblocked {
			progress(fmt.Sprintf("  Story %s unblocked: all dependencies completed", id))
		}

		var storyID, storyTitle string
		var remaining int
		noneAssignable := false
		if err := store.Mutate(ctx, func(ws *types.WorkflowState) error {
			// Stories this agent already owns (an interrupted run picked
			// back up with --resume) take precedence over fresh claims.
			for _, id := range state.SortedStoryIDs(ws) {
				owned := ws.Stories[id]
				if owned.Status == types.StoryInProgress && owned.AgentID != nil && *owned.AgentID == agentID {
					storyID = owned.ID
					storyTitle = owned.Title
					return nil
				}
			}
			story := state.FindAssignableStory(ws)
			if story == nil {
				noneAssignable = true
				for _, s := range ws.Stories {
					if s.Status == types.StoryUnclaimed || s.Status == types.StoryInProgress {
						remaining++
					}
				}
				if remaining == 0 {
					now := time.Now().UTC()
					ws.FinishedAt = &now
				}
				return nil
			}
			state.ClaimStory(story, agentID)
			storyID = story.ID
			storyTitle = story.Title
			return nil
		}); err != nil {
			return err
		}

		if noneAssignable {
			if remaining == 0 {
				progress(fmt.Sprintf("\nAll stories finished after %d iterations.", iteration-1))
			} else {
				progress(fmt.Sprintf("\nNo assignable stories. %d stories remain but are blocked by dependencies.", remaining))
			}
			return nil
		}

		fmt.Printf("\n%s\n", separator)
		progress(fmt.Sprintf("Iteration %d/%d: [%s] %s", iteration, maxIterations, storyID, storyTitle))
		fmt.Printf("%s\n\n", separator)

		ok, err := r.RunStory(ctx, storyID)
		if err != nil {
			return err
		}
		if ok {
			progress(fmt.Sprintf("  Story %s completed successfully.", storyID))
		} else {
			var blocked []state.BlockEvent
			if err := store.Mutate(ctx, func(ws *types.WorkflowState) error {
				blocked = state.PropagateFailures(ws)
				return nil
			}); err != nil {
				return err
			}
			for _, ev := range blocked {
				progress(fmt.Sprintf("  Story %s blocked: dependency %s failed", ev.StoryID, ev.Dependency))
			}
		}

		ws, err := store.Load(ctx)
		if err != nil {
			return err
		}
		progress(scheduler.StatusLine(ws))
	}

	progress(fmt.Sprintf("\nMax iterations (%d) reached.", maxIterations))
	return nil
}

// runParallel hands the run to the scheduler, which claims stories onto
// worker subprocesses in per-agent git worktrees and integrates finished
// branches onto the base branch.
func runParallel(ctx context.Context, cfg *config.Config, g *git.Git, dir *rundir.Dir, store *state.Store, repoRoot, prdPath string, agents, maxIterations, maxTurns int, resume bool, progress func(string)) error {
	if err := initState(ctx, store, prdPath, resume, progress); err != nil {
		return err
	}

	var messages *git.MessageGenerator
	if cfg.AnthropicAPIKey != "" {
		client := anthropic.NewClient()
		messages = git.NewMessageGenerator(&client, cfg.Model)
	} else {
		fmt.Fprintln(os.Stderr, "Warning: ANTHROPIC_API_KEY not set, using deterministic merge commit messages")
	}

	manager, err := workspace.NewManager(ctx, g, workspace.Config{
		RepoRoot: repoRoot,
		Messages: messages,
	})
	if err != nil {
		return err
	}

	bin, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to resolve orchestrator binary: %w", err)
	}

	sched, err := scheduler.New(scheduler.Config{
		Store:      store,
		Workspaces: manager,
		Git:        g,
		Launcher: &scheduler.SubprocessLauncher{
			Binary:    bin,
			StatePath: store.Path(),
			SharedDir: dir.Path(),
			MaxTurns:  maxTurns,
		},
		LogRoot:       dir.LogsDir(),
		Agents:        agents,
		MaxIterations: maxIterations,
		Progress:      progress,
	})
	if err != nil {
		return err
	}
	return sched.Run(ctx)
}

func init() {
	runCmd.Flags().String("prd", "", "PRD manifest file for multi-story mode (YAML or JSON)")
	runCmd.Flags().Int("agents", 1, "Number of parallel agents (1 = serial)")
	runCmd.Flags().Int("agent-id", 1, "Agent ID for one-shot and serial mode")
	runCmd.Flags().Int("max-iterations", scheduler.DefaultMaxIterations, "Max story iterations per run")
	runCmd.Flags().Int("max-turns", 0, "Max agent turns per step (0 = unlimited)")
	runCmd.Flags().String("state-path", "", "State file path (default <run dir>/workflow_state.json)")
	runCmd.Flags().String("shared-dir", "", "Run directory override (default auto-generated under the run root)")
	runCmd.Flags().Bool("resume", false, "Resume the newest run directory and its state")
	runCmd.Flags().Bool("build", false, "Rebuild the agent container image before starting")
	rootCmd.AddCommand(runCmd)
}
