package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/skovlund/maestro/internal/config"
)

var validateWatch bool

var validateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a pipeline definition file",
	Long: `Validate every pipeline in a definition file.

Reports all structural problems per pipeline: duplicate steps, unknown or
self-referencing dependencies, invalid strategies, and negative policy
values. The file argument defaults to the --pipelines path.

With --watch, keeps running and revalidates whenever a definition file in
the same directory changes.

Examples:
  maestro validate
  maestro validate ./pipelines.yaml
  maestro validate --watch`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateWatch, "watch", false, "Revalidate on file changes until interrupted")
}

func runValidate(cmd *cobra.Command, args []string) error {
	path := pipelinesPath
	if len(args) > 0 {
		path = args[0]
	}

	file, err := config.LoadPipelineFile(path)
	if err != nil {
		return err
	}
	failed := validateFile(file)

	if !validateWatch {
		if failed > 0 {
			return fmt.Errorf("%d of %d pipelines failed validation", failed, len(file.Pipelines))
		}
		return nil
	}
	return watchAndValidate(path)
}

// validateFile prints per-pipeline diagnostics and returns the number of
// pipelines that failed.
func validateFile(file *config.PipelineFile) int {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	failed := 0

	for _, name := range file.Names() {
		def := file.Pipeline(name)
		issues := config.ValidateDefinition(*def)
		if len(issues) == 0 {
			green.Printf("✓ %s (%d steps)\n", name, len(def.Steps))
			continue
		}
		failed++
		red.Printf("✗ %s\n", name)
		for _, issue := range issues {
			fmt.Printf("  - %s\n", issue)
		}
	}
	return failed
}

// watchAndValidate revalidates on every change to a definition file in the
// watched directory, until interrupted.
func watchAndValidate(path string) error {
	red := color.New(color.FgRed)
	w, err := config.NewWatcher(filepath.Dir(path),
		func(changed string, file *config.PipelineFile) {
			fmt.Printf("\n%s changed:\n", changed)
			validateFile(file)
		},
		func(changed string, err error) {
			red.Printf("\n%s: %v\n", changed, err)
		})
	if err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	defer w.Close()

	fmt.Printf("\nwatching %s (interrupt to stop)\n", w.Dir())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	return nil
}
