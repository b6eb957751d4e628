// Command strawboss orchestrates coding agents through persistent
// step-based workflows: a free-form one-shot task, a serial PRD run, or
// parallel story execution across isolated git worktrees.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "strawboss",
	Short: "Step-based multi-agent workflow orchestrator",
	Long: `Strawboss drives coding agents through persistent step-based workflows.

A run executes one free-form task (one-shot mode) or a PRD of user
stories, serially or across parallel agents working in isolated git
worktrees. Every run writes its state document, agent logs, scratch
files, and summary to a timestamped run directory so an interrupted run
can be inspected and resumed.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
