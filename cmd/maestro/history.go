package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/skovlund/maestro/internal/state"
)

var (
	historyPipeline string
	historyLimit    int
	historySteps    bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded pipeline runs",
	Long: `Display run history from the project-local database.

Shows each run's pipeline, outcome, step counts, and duration, newest
first. Use --steps to include per-step outcomes.

Examples:
  maestro history
  maestro history --pipeline default --limit 5 --steps`,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyPipeline, "pipeline", "", "Only show runs of this pipeline")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of runs to show")
	historyCmd.Flags().BoolVar(&historySteps, "steps", false, "Include per-step outcomes")
}

func runHistory(cmd *cobra.Command, args []string) error {
	dbPath := appCfg.History.Path
	if dbPath == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("get working directory: %w", err)
		}
		dbPath = state.ProjectDBPath(cwd)
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("No run history yet.")
		return nil
	}

	db, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	runs, err := db.Runs(cmd.Context(), historyPipeline, historyLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No run history yet.")
		return nil
	}

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	for _, run := range runs {
		if run.Success {
			green.Print("ok  ")
		} else {
			red.Print("FAIL")
		}
		fmt.Printf("  %s  %s  %d completed / %d failed  %s\n",
			run.StartedAt.Local().Format("2006-01-02 15:04:05"),
			run.Pipeline, run.CompletedSteps, run.FailedSteps, run.Duration().Round(time.Millisecond))

		if !historySteps {
			continue
		}
		steps, err := db.RunSteps(cmd.Context(), run.ID)
		if err != nil {
			return err
		}
		for _, step := range steps {
			fmt.Printf("      %-12s %s", step.Status, step.Step)
			if step.Optional {
				fmt.Print(" (optional)")
			}
			if step.Error != "" {
				fmt.Printf(": %s", step.Error)
			}
			fmt.Println()
		}
	}
	return nil
}
