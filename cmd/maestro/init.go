package main

import (
	"fmt"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/skovlund/maestro/internal/config"
	"github.com/skovlund/maestro/internal/orchestrator"
	"github.com/skovlund/maestro/internal/state"
)

var initCmd = &cobra.Command{
	Use:   "init [directory]",
	Short: "Initialize a maestro project",
	Long: `Initialize a directory for use with maestro.

This command sets up everything needed to run pipelines:
  - Creates the .maestro directory structure
  - Writes a default pipeline definition file if none exists
  - Creates the run-history database (unless history.enabled is false)
  - Opens the debug log

The directory argument is optional and defaults to the current directory.

Examples:
  maestro init              # Initialize current directory
  maestro init ./myproject  # Initialize specific directory`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	targetDir := "."
	if len(args) > 0 {
		targetDir = args[0]
	}
	absDir, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("resolve directory: %w", err)
	}

	green := color.New(color.FgGreen)

	pipelinesFile := filepath.Join(absDir, ".maestro", "pipelines.yaml")
	file, err := config.EnsureDefaultPipelineFile(pipelinesFile)
	if err != nil {
		return fmt.Errorf("write pipeline file: %w", err)
	}
	green.Printf("✓ %s (%d pipelines)\n", pipelinesFile, len(file.Pipelines))

	if appCfg.History.Enabled {
		dbPath := appCfg.History.Path
		if dbPath == "" {
			dbPath = state.ProjectDBPath(absDir)
		}
		db, err := state.Open(dbPath)
		if err != nil {
			return fmt.Errorf("open run history: %w", err)
		}
		defer db.Close()
		if err := db.Migrate(); err != nil {
			return fmt.Errorf("migrate run history: %w", err)
		}
		green.Printf("✓ %s\n", dbPath)
	} else {
		fmt.Println("- run history disabled (history.enabled: false)")
	}

	logger := projectLogger(absDir)
	defer logger.Close()
	logger.Log("project initialized at %s", absDir)
	green.Println("✓ debug log")

	return nil
}

// projectLogger opens the configured debug log, falling back to the
// project-local .maestro/logs location.
func projectLogger(dir string) *orchestrator.DebugLogger {
	if path := appCfg.Logging.DebugLogPath; path != "" {
		logger, err := orchestrator.NewDebugLogger(path)
		if err == nil {
			return logger
		}
		fmt.Printf("- debug log %s unavailable: %v\n", path, err)
	}
	return orchestrator.NewDebugLoggerForDir(dir)
}
