package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/skovlund/maestro/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify maestro configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/maestro/config.yaml
Project-specific overrides can be placed in .maestro.yaml`,
	Args: cobra.MaximumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		switch len(args) {
		case 0:
			displayAllConfig(appCfg)
		case 1:
			displayConfigKey(appCfg, args[0])
		default:
			setConfigKey(appCfg, args[0], args[1])
		}
	},
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	fmt.Printf("defaults.pipeline: %s\n", cfg.Defaults.Pipeline)
	fmt.Printf("defaults.pipelines_file: %s\n", cfg.Defaults.PipelinesFile)
	fmt.Printf("defaults.max_parallel_steps: %d\n", cfg.Defaults.MaxParallelSteps)
	fmt.Printf("defaults.failure_strategy: %s\n", cfg.Defaults.FailureStrategy)
	fmt.Printf("convergence.threshold: %g\n", cfg.Convergence.Threshold)
	fmt.Printf("convergence.max_iterations: %d\n", cfg.Convergence.MaxIterations)
	fmt.Printf("timeouts.step: %s\n", cfg.Timeouts.Step)
	fmt.Printf("timeouts.global: %s\n", cfg.Timeouts.Global)
	fmt.Printf("history.enabled: %t\n", cfg.History.Enabled)
	fmt.Printf("history.path: %s\n", orNotSet(cfg.History.Path))
	fmt.Printf("logging.debug_log_path: %s\n", orNotSet(cfg.Logging.DebugLogPath))
}

// displayConfigKey prints a single configuration value.
func displayConfigKey(cfg *config.Config, key string) {
	value, err := getConfigValue(cfg, key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(value)
}

// setConfigKey sets a configuration value and saves the config.
func setConfigKey(cfg *config.Config, key, value string) {
	if err := setConfigValue(cfg, key, value); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := config.Save(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Set %s = %s\n", key, value)
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	switch strings.ToLower(key) {
	case "defaults.pipeline":
		return cfg.Defaults.Pipeline, nil
	case "defaults.pipelines_file":
		return cfg.Defaults.PipelinesFile, nil
	case "defaults.max_parallel_steps":
		return strconv.Itoa(cfg.Defaults.MaxParallelSteps), nil
	case "defaults.failure_strategy":
		return cfg.Defaults.FailureStrategy, nil
	case "convergence.threshold":
		return strconv.FormatFloat(cfg.Convergence.Threshold, 'g', -1, 64), nil
	case "convergence.max_iterations":
		return strconv.Itoa(cfg.Convergence.MaxIterations), nil
	case "timeouts.step":
		return cfg.Timeouts.Step.String(), nil
	case "timeouts.global":
		return cfg.Timeouts.Global.String(), nil
	case "history.enabled":
		return strconv.FormatBool(cfg.History.Enabled), nil
	case "history.path":
		return orNotSet(cfg.History.Path), nil
	case "logging.debug_log_path":
		return orNotSet(cfg.Logging.DebugLogPath), nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}

// setConfigValue updates a configuration value by dot-notation key.
func setConfigValue(cfg *config.Config, key, value string) error {
	switch strings.ToLower(key) {
	case "defaults.pipeline":
		cfg.Defaults.Pipeline = value
	case "defaults.pipelines_file":
		cfg.Defaults.PipelinesFile = value
	case "defaults.max_parallel_steps":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("max_parallel_steps must be a positive integer")
		}
		cfg.Defaults.MaxParallelSteps = n
	case "defaults.failure_strategy":
		switch value {
		case "stop", "continue", "retry":
			cfg.Defaults.FailureStrategy = value
		default:
			return fmt.Errorf("failure_strategy must be stop, continue, or retry")
		}
	case "convergence.threshold":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || f <= 0 || f > 1 {
			return fmt.Errorf("threshold must be a number in (0, 1]")
		}
		cfg.Convergence.Threshold = f
	case "convergence.max_iterations":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("max_iterations must be a positive integer")
		}
		cfg.Convergence.MaxIterations = n
	case "timeouts.step":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration: %s", value)
		}
		cfg.Timeouts.Step = d
	case "timeouts.global":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration: %s", value)
		}
		cfg.Timeouts.Global = d
	case "history.enabled":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("history.enabled must be true or false")
		}
		cfg.History.Enabled = b
	case "history.path":
		cfg.History.Path = value
	case "logging.debug_log_path":
		cfg.Logging.DebugLogPath = value
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	return nil
}

func orNotSet(value string) string {
	if value == "" {
		return "(not set)"
	}
	return value
}
