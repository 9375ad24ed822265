// Package agent defines the capability interface every pipeline step
// implementation satisfies, plus adapters for building agents from plain
// functions.
package agent

import (
	"context"

	"github.com/skovlund/maestro/pkg/models"
)

// Agent is the capability interface the orchestration core consumes.
// Implementations perform the actual work of a pipeline step; the core
// never cares how (LLM call, shell command, pure function).
type Agent interface {
	// Metadata describes the agent for registration and diagnostics.
	Metadata() models.AgentMetadata
	// ValidateInput checks whether the input is processable and offers
	// warnings and suggestions. It must not mutate the input.
	ValidateInput(input any) models.ValidationResult
	// Process executes the step. The run context carries results of
	// earlier steps; ctx bounds the execution (timeout, cancellation).
	Process(ctx context.Context, input any, run *Context) (any, error)
}

// Func adapts plain functions into an Agent. Useful for tests and for
// steps whose work is a simple transformation.
type Func struct {
	// Meta is the agent metadata returned by Metadata.
	Meta models.AgentMetadata
	// ProcessFn is invoked by Process. Required.
	ProcessFn func(ctx context.Context, input any, run *Context) (any, error)
	// ValidateFn is invoked by ValidateInput. Optional; when nil the
	// input is accepted unconditionally.
	ValidateFn func(input any) models.ValidationResult
}

// Metadata implements Agent.
func (f *Func) Metadata() models.AgentMetadata { return f.Meta }

// ValidateInput implements Agent.
func (f *Func) ValidateInput(input any) models.ValidationResult {
	if f.ValidateFn != nil {
		return f.ValidateFn(input)
	}
	return models.ValidationResult{IsValid: true}
}

// Process implements Agent.
func (f *Func) Process(ctx context.Context, input any, run *Context) (any, error) {
	return f.ProcessFn(ctx, input, run)
}
