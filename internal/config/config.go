// Package config handles configuration loading for maestro.
// It supports XDG config paths, project-level overrides, and environment
// variables, plus loading and validating pipeline definition files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration for maestro.
type Config struct {
	Defaults    DefaultsConfig    `mapstructure:"defaults"`
	Convergence ConvergenceConfig `mapstructure:"convergence"`
	Timeouts    TimeoutsConfig    `mapstructure:"timeouts"`
	History     HistoryConfig     `mapstructure:"history"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// DefaultsConfig holds default values for pipeline runs.
type DefaultsConfig struct {
	Pipeline         string `mapstructure:"pipeline"`
	PipelinesFile    string `mapstructure:"pipelines_file"`
	MaxParallelSteps int    `mapstructure:"max_parallel_steps"`
	FailureStrategy  string `mapstructure:"failure_strategy"`
}

// ConvergenceConfig holds refinement loop defaults.
type ConvergenceConfig struct {
	Threshold     float64 `mapstructure:"threshold"`
	MaxIterations int     `mapstructure:"max_iterations"`
}

// TimeoutsConfig holds timeout settings.
type TimeoutsConfig struct {
	Step   time.Duration `mapstructure:"step"`
	Global time.Duration `mapstructure:"global"`
}

// HistoryConfig holds run-history persistence settings.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds debug log settings.
type LoggingConfig struct {
	DebugLogPath string `mapstructure:"debug_log_path"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (MAESTRO_*)
// 2. Project config (.maestro.yaml in current directory or parent)
// 3. User config (~/.config/maestro/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			// Project config takes precedence over the user file.
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("MAESTRO")
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return cfg, nil
}

// Save writes the current configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configPath := filepath.Join(userConfigDir, "config.yaml")
	v := viper.New()
	v.SetConfigFile(configPath)

	v.Set("defaults.pipeline", cfg.Defaults.Pipeline)
	v.Set("defaults.pipelines_file", cfg.Defaults.PipelinesFile)
	v.Set("defaults.max_parallel_steps", cfg.Defaults.MaxParallelSteps)
	v.Set("defaults.failure_strategy", cfg.Defaults.FailureStrategy)
	v.Set("convergence.threshold", cfg.Convergence.Threshold)
	v.Set("convergence.max_iterations", cfg.Convergence.MaxIterations)
	v.Set("timeouts.step", cfg.Timeouts.Step.String())
	v.Set("timeouts.global", cfg.Timeouts.Global.String())
	v.Set("history.enabled", cfg.History.Enabled)
	v.Set("history.path", cfg.History.Path)
	v.Set("logging.debug_log_path", cfg.Logging.DebugLogPath)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("defaults.pipeline", "default")
	v.SetDefault("defaults.pipelines_file", filepath.Join(".maestro", "pipelines.yaml"))
	v.SetDefault("defaults.max_parallel_steps", 3)
	v.SetDefault("defaults.failure_strategy", "stop")

	v.SetDefault("convergence.threshold", 0.9)
	v.SetDefault("convergence.max_iterations", 5)

	v.SetDefault("timeouts.step", "5m")
	v.SetDefault("timeouts.global", "30m")

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", "")

	v.SetDefault("logging.debug_log_path", "")
}

// getUserConfigDir returns the XDG config directory for maestro.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "maestro")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "maestro")
	}
	return filepath.Join(home, ".config", "maestro")
}

// findProjectConfig searches for .maestro.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".maestro.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}
