package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/skovlund/maestro/internal/config"
)

var (
	pipelinesPath string
	appCfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "maestro",
	Short: "Multi-agent pipeline orchestrator",
	Long: `Maestro runs multi-agent pipelines: it builds a dependency graph from
a pipeline definition, schedules steps group by group with bounded
parallelism, and tracks progress, events, and run history along the way.

Pipelines are defined in YAML files. Each step names a registered agent,
the steps it depends on, and its timeout/retry/optional policy.

Common commands:
  maestro init       Set up a project directory
  maestro validate   Check a pipeline definition file
  maestro plan       Show the execution groups for a pipeline
  maestro history    Show recorded pipeline runs`,
	PersistentPreRunE: loadAppConfig,
}

// loadAppConfig resolves the user/project configuration before any command
// runs. The --pipelines flag wins over the configured pipelines_file.
func loadAppConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	appCfg = cfg

	if !cmd.Flags().Changed("pipelines") && cfg.Defaults.PipelinesFile != "" {
		pipelinesPath = cfg.Defaults.PipelinesFile
	}
	return nil
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&pipelinesPath, "pipelines", ".maestro/pipelines.yaml", "Path to the pipeline definitions file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
