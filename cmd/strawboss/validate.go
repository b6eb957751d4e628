package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/strawboss/strawboss/internal/manifest"
	"github.com/strawboss/strawboss/internal/state"
	"github.com/strawboss/strawboss/internal/types"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a PRD manifest and its dependency graph",
	Long: `Parse a PRD manifest and check its dependency graph without writing
any state. Reports format violations, unknown dependencies, and cycles.`,
	Run: func(cmd *cobra.Command, args []string) {
		prdPath, _ := cmd.Flags().GetString("prd")
		if prdPath == "" {
			fmt.Fprintln(os.Stderr, "Error: --prd is required")
			os.Exit(1)
		}

		doc, err := manifest.Load(prdPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		// Throwaway document so the graph checks run against exactly what
		// a run would initialize, without touching disk.
		ws := &types.WorkflowState{
			Version:   types.StateVersion,
			CreatedAt: time.Now().UTC(),
			PRDFile:   prdPath,
			Stories:   make(map[string]*types.Story, len(doc.Stories)),
		}
		for _, story := range doc.Stories {
			if _, exists := ws.Stories[story.ID]; exists {
				fmt.Fprintf(os.Stderr, "Error: duplicate story id %q in manifest\n", story.ID)
				os.Exit(1)
			}
			ws.Stories[story.ID] = story
		}
		if err := state.ValidateDependencyGraph(ws); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s %s: %d stories, dependency graph OK\n", green("✓"), prdPath, len(doc.Stories))
		if doc.Project != "" {
			fmt.Printf("  Project: %s\n", doc.Project)
		}
		if doc.BranchName != "" {
			fmt.Printf("  Branch:  %s\n", doc.BranchName)
		}
		for _, story := range doc.Stories {
			line := fmt.Sprintf("  %s %s", story.ID, story.Title)
			if len(story.DependsOn) > 0 {
				line += fmt.Sprintf(" (depends on %s)", strings.Join(story.DependsOn, ", "))
			}
			fmt.Println(line)
		}
	},
}

func init() {
	validateCmd.Flags().String("prd", "", "PRD manifest file to validate")
	rootCmd.AddCommand(validateCmd)
}
