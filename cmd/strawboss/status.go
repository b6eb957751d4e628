package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/strawboss/strawboss/internal/config"
	"github.com/strawboss/strawboss/internal/cost"
	"github.com/strawboss/strawboss/internal/rundir"
	"github.com/strawboss/strawboss/internal/scheduler"
	"github.com/strawboss/strawboss/internal/state"
	"github.com/strawboss/strawboss/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show story and step status for a run",
	Long: `Display every story in a run's state document with its step progress.

Without --state-path the newest run directory under the configured run
root is inspected.`,
	Run: func(cmd *cobra.Command, args []string) {
		statePath, _ := cmd.Flags().GetString("state-path")

		if statePath == "" {
			cfg, err := config.Load()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			dir, err := rundir.Latest(cfg.RunRoot)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			statePath = dir.StatePath()
		}

		store := state.NewStore(statePath)
		if !store.Exists() {
			fmt.Fprintf(os.Stderr, "Error: state file not found: %s\n", statePath)
			os.Exit(1)
		}
		ws, err := store.Load(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		fmt.Printf("\n%s\n", cyan("=== Strawboss Run Status ==="))
		fmt.Printf("State:   %s\n", statePath)
		fmt.Printf("Created: %s\n", ws.CreatedAt.Format("2006-01-02 15:04:05"))
		if ws.FinishedAt != nil {
			fmt.Printf("Finished: %s\n", ws.FinishedAt.Format("2006-01-02 15:04:05"))
		}
		fmt.Println()

		for _, id := range state.SortedStoryIDs(ws) {
			story := ws.Stories[id]
			paint := storyPainter(story.Status)

			fmt.Printf("%s [%s] %s\n", paint(storyIcon(story.Status)), story.ID, story.Title)
			fmt.Printf("    Status: %s", paint(string(story.Status)))
			if story.AgentID != nil {
				fmt.Printf("  (agent %d)", *story.AgentID)
			}
			fmt.Println()
			if len(story.DependsOn) > 0 {
				fmt.Printf("    Depends on: %s\n", strings.Join(story.DependsOn, ", "))
			}
			if spend := cost.ForStory(story); spend.Steps > 0 {
				fmt.Printf("    Spend: %s\n", spend)
			}

			done := 0
			for _, step := range story.Steps {
				if step.Status == types.StepCompleted || step.Status == types.StepSkipped {
					done++
				}
			}
			if len(story.Steps) > 0 {
				fmt.Printf("    Steps: %d/%d done\n", done, len(story.Steps))
			}
			for _, step := range story.Steps {
				line := fmt.Sprintf("      %s %s %s", stepIcon(step.Status), step.ID, step.Kind)
				if step.RestartCount > 0 {
					line += fmt.Sprintf(" (restarted %d)", step.RestartCount)
				}
				if step.Status == types.StepFailed && step.Error != nil {
					line += " " + gray(truncate(*step.Error, 60))
				}
				fmt.Println(line)
			}
			fmt.Println()
		}

		fmt.Println(scheduler.StatusLine(ws))
		if spend := cost.ForRun(ws); !spend.Zero() {
			fmt.Printf("  Spend:  %s\n", spend)
		}
		fmt.Println()
	},
}

func storyPainter(s types.StoryStatus) func(a ...interface{}) string {
	switch s {
	case types.StoryCompleted:
		return color.New(color.FgGreen).SprintFunc()
	case types.StoryFailed:
		return color.New(color.FgRed).SprintFunc()
	case types.StoryInProgress:
		return color.New(color.FgYellow).SprintFunc()
	case types.StoryBlocked:
		return color.New(color.FgMagenta).SprintFunc()
	default:
		return color.New(color.FgHiBlack).SprintFunc()
	}
}

func storyIcon(s types.StoryStatus) string {
	switch s {
	case types.StoryCompleted:
		return "✓"
	case types.StoryFailed:
		return "✗"
	case types.StoryInProgress:
		return "●"
	case types.StoryBlocked:
		return "⊘"
	default:
		return "○"
	}
}

func stepIcon(s types.StepStatus) string {
	switch s {
	case types.StepCompleted:
		return "✓"
	case types.StepFailed, types.StepCancelled:
		return "✗"
	case types.StepInProgress:
		return "●"
	case types.StepSkipped:
		return "⊘"
	default:
		return "○"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func init() {
	statusCmd.Flags().String("state-path", "", "State file to inspect (default: newest run directory)")
	rootCmd.AddCommand(statusCmd)
}
