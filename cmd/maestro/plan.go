package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/skovlund/maestro/internal/config"
	"github.com/skovlund/maestro/internal/graph"
)

var planCmd = &cobra.Command{
	Use:   "plan <pipeline>",
	Short: "Show the execution plan for a pipeline",
	Long: `Build the dependency graph for a pipeline and print its execution
groups. Steps in the same group have no dependencies on each other and run
concurrently, capped by max_parallel_steps.

Examples:
  maestro plan default
  maestro plan content --pipelines ./pipelines.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func runPlan(cmd *cobra.Command, args []string) error {
	file, err := config.LoadPipelineFile(pipelinesPath)
	if err != nil {
		return err
	}
	def := file.Pipeline(args[0])
	if def == nil {
		return fmt.Errorf("pipeline %q not found (have: %s)", args[0], strings.Join(file.Names(), ", "))
	}

	g := graph.New()
	if err := g.Build(def); err != nil {
		return fmt.Errorf("build graph: %w", err)
	}
	groups, err := g.ExecutionGroups()
	if err != nil {
		return err
	}

	bold := color.New(color.Bold)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	bold.Printf("%s", def.Name)
	if def.Description != "" {
		fmt.Printf(" — %s", def.Description)
	}
	fmt.Printf("\n%d steps in %d groups", g.Size(), len(groups))
	if def.MaxParallelSteps > 0 {
		fmt.Printf(", up to %d in parallel", def.MaxParallelSteps)
	}
	fmt.Println()

	for i, group := range groups {
		cyan.Printf("group %d:\n", i+1)
		for _, key := range group {
			step := def.Step(key)
			fmt.Printf("  %s", key)
			var notes []string
			if step.Optional {
				notes = append(notes, "optional")
			}
			if step.TimeoutSeconds > 0 {
				notes = append(notes, fmt.Sprintf("timeout %ds", step.TimeoutSeconds))
			}
			if step.RetryCount > 0 {
				notes = append(notes, fmt.Sprintf("retries %d", step.RetryCount))
			}
			if len(notes) > 0 {
				yellow.Printf("  (%s)", strings.Join(notes, ", "))
			}
			fmt.Println()
		}
	}
	return nil
}
