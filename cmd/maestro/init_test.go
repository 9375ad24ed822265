package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/skovlund/maestro/internal/config"
)

func loadTestConfig(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	appCfg = cfg
}

func TestRunInitCreatesProjectLayout(t *testing.T) {
	loadTestConfig(t)
	dir := t.TempDir()

	if err := runInit(initCmd, []string{dir}); err != nil {
		t.Fatalf("runInit: %v", err)
	}

	pipelinesFile := filepath.Join(dir, ".maestro", "pipelines.yaml")
	if _, err := os.Stat(pipelinesFile); err != nil {
		t.Errorf("pipelines file not created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".maestro", "state.db")); err != nil {
		t.Errorf("history database not created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".maestro", "logs", "pipeline-debug.log")); err != nil {
		t.Errorf("debug log not created: %v", err)
	}

	file, err := config.LoadPipelineFile(pipelinesFile)
	if err != nil {
		t.Fatalf("load generated pipelines: %v", err)
	}
	if file.Pipeline("default") == nil {
		t.Error("generated file should contain the default pipeline")
	}
}

func TestRunInitIsIdempotent(t *testing.T) {
	loadTestConfig(t)
	dir := t.TempDir()

	if err := runInit(initCmd, []string{dir}); err != nil {
		t.Fatalf("first runInit: %v", err)
	}

	// A hand-edited pipeline file must survive a second init.
	pipelinesFile := filepath.Join(dir, ".maestro", "pipelines.yaml")
	custom := []byte("pipelines:\n  - name: mine\n    steps:\n      - agent_key: a\n")
	if err := os.WriteFile(pipelinesFile, custom, 0644); err != nil {
		t.Fatalf("write custom pipelines: %v", err)
	}

	if err := runInit(initCmd, []string{dir}); err != nil {
		t.Fatalf("second runInit: %v", err)
	}
	file, err := config.LoadPipelineFile(pipelinesFile)
	if err != nil {
		t.Fatalf("load pipelines: %v", err)
	}
	if file.Pipeline("mine") == nil {
		t.Error("second init overwrote an existing pipeline file")
	}
}

func TestRunInitHonorsHistoryDisabled(t *testing.T) {
	loadTestConfig(t)
	appCfg.History.Enabled = false
	dir := t.TempDir()

	if err := runInit(initCmd, []string{dir}); err != nil {
		t.Fatalf("runInit: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".maestro", "state.db")); !os.IsNotExist(err) {
		t.Errorf("history database should not be created when disabled (stat err = %v)", err)
	}
}

func TestRunInitUsesConfiguredDebugLogPath(t *testing.T) {
	loadTestConfig(t)
	logPath := filepath.Join(t.TempDir(), "logs", "custom.log")
	appCfg.Logging.DebugLogPath = logPath
	dir := t.TempDir()

	if err := runInit(initCmd, []string{dir}); err != nil {
		t.Fatalf("runInit: %v", err)
	}
	if _, err := os.Stat(logPath); err != nil {
		t.Errorf("configured debug log not created: %v", err)
	}
}
