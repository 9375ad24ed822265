package main

import (
	"testing"

	"github.com/skovlund/maestro/internal/config"
)

func defaultTestConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return cfg
}

func TestConfigValueRoundTrip(t *testing.T) {
	cfg := defaultTestConfig(t)

	cases := []struct{ key, value string }{
		{"defaults.pipeline", "content"},
		{"defaults.pipelines_file", "pipelines/main.yaml"},
		{"defaults.max_parallel_steps", "5"},
		{"defaults.failure_strategy", "continue"},
		{"convergence.threshold", "0.8"},
		{"convergence.max_iterations", "7"},
		{"timeouts.step", "2m0s"},
		{"timeouts.global", "1h0m0s"},
		{"history.enabled", "false"},
		{"history.path", "/tmp/maestro.db"},
		{"logging.debug_log_path", "/tmp/maestro.log"},
	}
	for _, tc := range cases {
		if err := setConfigValue(cfg, tc.key, tc.value); err != nil {
			t.Fatalf("set %s: %v", tc.key, err)
		}
		got, err := getConfigValue(cfg, tc.key)
		if err != nil {
			t.Fatalf("get %s: %v", tc.key, err)
		}
		if got != tc.value {
			t.Errorf("%s = %q, want %q", tc.key, got, tc.value)
		}
	}
}

func TestConfigValueRejectsBadInput(t *testing.T) {
	cfg := defaultTestConfig(t)

	bad := []struct{ key, value string }{
		{"nope.such.key", "x"},
		{"defaults.max_parallel_steps", "0"},
		{"defaults.max_parallel_steps", "lots"},
		{"defaults.failure_strategy", "shrug"},
		{"convergence.threshold", "1.5"},
		{"convergence.max_iterations", "-1"},
		{"timeouts.step", "soon"},
		{"history.enabled", "maybe"},
	}
	for _, tc := range bad {
		if err := setConfigValue(cfg, tc.key, tc.value); err == nil {
			t.Errorf("set %s=%s: expected error", tc.key, tc.value)
		}
	}

	if _, err := getConfigValue(cfg, "nope.such.key"); err == nil {
		t.Error("get unknown key: expected error")
	}
}

func TestLoadAppConfigResolvesPipelinesPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if err := loadAppConfig(historyCmd, nil); err != nil {
		t.Fatalf("loadAppConfig: %v", err)
	}
	if appCfg == nil {
		t.Fatal("appCfg not populated")
	}
	if pipelinesPath != appCfg.Defaults.PipelinesFile {
		t.Errorf("pipelinesPath = %q, want configured %q", pipelinesPath, appCfg.Defaults.PipelinesFile)
	}
}
