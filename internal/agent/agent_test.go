package agent

import (
	"context"
	"sync"
	"testing"

	"github.com/skovlund/maestro/pkg/models"
)

func TestFuncAgent(t *testing.T) {
	a := &Func{
		Meta: models.AgentMetadata{Name: "Echo", ConfigType: models.ConfigStandard, Version: "1.0.0"},
		ProcessFn: func(ctx context.Context, input any, run *Context) (any, error) {
			return input, nil
		},
	}

	if a.Metadata().Name != "Echo" {
		t.Errorf("unexpected metadata name %q", a.Metadata().Name)
	}

	result := a.ValidateInput("anything")
	if !result.IsValid {
		t.Error("expected default validation to accept input")
	}

	out, err := a.Process(context.Background(), "hello", NewContext("test", "run-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "hello" {
		t.Errorf("expected echoed input, got %v", out)
	}
}

func TestFuncAgentCustomValidation(t *testing.T) {
	a := &Func{
		Meta: models.AgentMetadata{Name: "Strict"},
		ProcessFn: func(ctx context.Context, input any, run *Context) (any, error) {
			return nil, nil
		},
		ValidateFn: func(input any) models.ValidationResult {
			return models.ValidationResult{
				IsValid:     false,
				Warnings:    []string{"input too short"},
				Suggestions: []string{"provide more detail"},
			}
		},
	}

	result := a.ValidateInput("x")
	if result.IsValid {
		t.Error("expected custom validation to reject input")
	}
	if len(result.Warnings) != 1 || len(result.Suggestions) != 1 {
		t.Errorf("expected warnings and suggestions, got %+v", result)
	}
}

func TestContextResults(t *testing.T) {
	run := NewContext("default", "run-42")

	if run.CorrelationID() != "run-42" {
		t.Errorf("unexpected correlation id %q", run.CorrelationID())
	}
	if run.Pipeline() != "default" {
		t.Errorf("unexpected pipeline %q", run.Pipeline())
	}

	run.SetResult("analyst", "requirements")
	got, ok := run.Result("analyst")
	if !ok || got != "requirements" {
		t.Errorf("expected stored result, got %v (ok=%v)", got, ok)
	}

	if _, ok := run.Result("missing"); ok {
		t.Error("expected missing key to report absence")
	}

	// Results returns a copy: mutating it must not affect the context.
	snapshot := run.Results()
	snapshot["analyst"] = "tampered"
	got, _ = run.Result("analyst")
	if got != "requirements" {
		t.Error("expected Results to return a defensive copy")
	}
}

func TestContextConcurrentWrites(t *testing.T) {
	run := NewContext("default", "run-1")

	var wg sync.WaitGroup
	keys := []string{"a", "b", "c", "d"}
	for _, key := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			run.SetResult(key, key)
		}(key)
	}
	wg.Wait()

	if got := len(run.Results()); got != len(keys) {
		t.Errorf("expected %d results, got %d", len(keys), got)
	}
}
