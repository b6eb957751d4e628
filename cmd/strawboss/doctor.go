package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/strawboss/strawboss/internal/agent"
	"github.com/strawboss/strawboss/internal/config"
	"github.com/strawboss/strawboss/internal/git"
	"github.com/strawboss/strawboss/internal/rundir"
	"github.com/strawboss/strawboss/internal/state"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the strawboss environment",
	Long: `Run health checks to diagnose common configuration and environment issues.

This command checks:
- Configuration (STRAWBOSS_ environment variables)
- Git availability and the working repository
- Agent backend tooling (npx or docker + image)
- ANTHROPIC_API_KEY
- The run root and the newest run's state document

Exit codes:
  0 - All checks passed
  1 - One or more checks failed
  2 - Critical failures that prevent strawboss from running`,
	Run: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")

		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		cyan := color.New(color.FgCyan).SprintFunc()

		fmt.Printf("Running strawboss health checks...\n\n")

		ctx := context.Background()
		var failures, warnings, critical []string

		fmt.Printf("%s Configuration\n", cyan("→"))
		cfg, err := config.Load()
		if err != nil {
			critical = append(critical, err.Error())
			fmt.Printf("  %s %v\n", red("✗"), err)
		} else {
			fmt.Printf("  %s Backend: %s\n", green("✓"), cfg.Backend)
			if verbose {
				fmt.Printf("    Image:    %s\n", cfg.Image)
				fmt.Printf("    Run root: %s\n", cfg.RunRoot)
			}
		}

		fmt.Printf("%s Git\n", cyan("→"))
		g, err := git.NewGit(ctx)
		if err != nil {
			critical = append(critical, err.Error())
			fmt.Printf("  %s %v\n", red("✗"), err)
		} else {
			fmt.Printf("  %s git binary found\n", green("✓"))
		}

		cwd, _ := os.Getwd()
		if _, err := os.Stat(filepath.Join(cwd, ".git")); err != nil {
			warnings = append(warnings, "not a git repository")
			fmt.Printf("  %s Not a git repository (PRD modes need one)\n", yellow("⚠"))
		} else {
			fmt.Printf("  %s Git repository detected\n", green("✓"))
			if g != nil {
				if dirty, err := g.HasUncommittedChanges(ctx, cwd); err == nil && dirty {
					warnings = append(warnings, "working tree has uncommitted changes")
					fmt.Printf("  %s Working tree has uncommitted changes\n", yellow("⚠"))
				}
			}
		}

		if cfg != nil {
			fmt.Printf("%s Agent backend\n", cyan("→"))
			switch cfg.Backend {
			case agent.BackendClaudeCodeDocker:
				if _, err := exec.LookPath("docker"); err != nil {
					failures = append(failures, "docker not found on PATH")
					fmt.Printf("  %s docker not found on PATH\n", red("✗"))
				} else if !agent.ImageExists(ctx, cfg.Image) {
					failures = append(failures, fmt.Sprintf("image %s not built", cfg.Image))
					fmt.Printf("  %s Image %s not built (run 'strawboss run --build ...')\n", red("✗"), cfg.Image)
				} else {
					fmt.Printf("  %s docker and image %s ready\n", green("✓"), cfg.Image)
				}
			default:
				if _, err := exec.LookPath("npx"); err != nil {
					failures = append(failures, "npx not found on PATH")
					fmt.Printf("  %s npx not found on PATH (needed for the claude-code backend)\n", red("✗"))
				} else {
					fmt.Printf("  %s npx found\n", green("✓"))
				}
			}
		}

		fmt.Printf("%s Environment variables\n", cyan("→"))
		if os.Getenv("ANTHROPIC_API_KEY") == "" {
			warnings = append(warnings, "ANTHROPIC_API_KEY not set")
			fmt.Printf("  %s ANTHROPIC_API_KEY not set (merge commit messages fall back to deterministic text)\n", yellow("⚠"))
		} else {
			fmt.Printf("  %s ANTHROPIC_API_KEY is set\n", green("✓"))
		}

		if cfg != nil {
			fmt.Printf("%s Run root\n", cyan("→"))
			dir, err := rundir.Latest(cfg.RunRoot)
			switch {
			case err != nil:
				fmt.Printf("  %s No previous runs under %s\n", green("✓"), cfg.RunRoot)
			default:
				fmt.Printf("  %s Newest run: %s\n", green("✓"), dir.Path())
				store := state.NewStore(dir.StatePath())
				if store.Exists() {
					if _, err := store.Load(ctx); err != nil {
						failures = append(failures, fmt.Sprintf("state document unreadable: %v", err))
						fmt.Printf("  %s State document unreadable: %v\n", red("✗"), err)
					} else {
						fmt.Printf("  %s State document parses\n", green("✓"))
					}
				}
			}
		}

		fmt.Println()
		switch {
		case len(critical) > 0:
			fmt.Printf("%s %d critical failure(s) prevent strawboss from running\n", red("✗"), len(critical))
			os.Exit(2)
		case len(failures) > 0:
			fmt.Printf("%s %d check(s) failed, %d warning(s)\n", red("✗"), len(failures), len(warnings))
			os.Exit(1)
		case len(warnings) > 0:
			fmt.Printf("%s All checks passed with %d warning(s)\n", yellow("⚠"), len(warnings))
		default:
			fmt.Printf("%s All checks passed\n", green("✓"))
		}
	},
}

func init() {
	doctorCmd.Flags().BoolP("verbose", "v", false, "Show detailed diagnostic information")
	rootCmd.AddCommand(doctorCmd)
}
