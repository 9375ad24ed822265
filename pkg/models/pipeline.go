// Package models defines the shared data types used across maestro.
package models

import "time"

// StepStatus represents the current state of a pipeline step.
type StepStatus string

const (
	// StepStatusPending indicates the step has not started.
	StepStatusPending StepStatus = "pending"
	// StepStatusRunning indicates the step is executing.
	StepStatusRunning StepStatus = "running"
	// StepStatusCompleted indicates the step completed successfully.
	StepStatusCompleted StepStatus = "completed"
	// StepStatusFailed indicates the step failed.
	StepStatusFailed StepStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s StepStatus) Valid() bool {
	switch s {
	case StepStatusPending, StepStatusRunning, StepStatusCompleted, StepStatusFailed:
		return true
	default:
		return false
	}
}

// ExecutionMode describes how a step may be scheduled relative to its group.
type ExecutionMode string

const (
	// ModeSequential runs the step on its own.
	ModeSequential ExecutionMode = "sequential"
	// ModeParallel allows the step to run alongside other members of its group.
	ModeParallel ExecutionMode = "parallel"
	// ModeConditional runs the step only when its conditions hold.
	ModeConditional ExecutionMode = "conditional"
)

// Valid returns true if the mode is a known value.
func (m ExecutionMode) Valid() bool {
	switch m {
	case ModeSequential, ModeParallel, ModeConditional:
		return true
	default:
		return false
	}
}

// FailureStrategy controls how the pipeline reacts to a required step failing.
type FailureStrategy string

const (
	// FailureStop aborts all remaining groups on the first required failure.
	FailureStop FailureStrategy = "stop"
	// FailureContinue records the failure and keeps executing later groups.
	FailureContinue FailureStrategy = "continue"
	// FailureRetry re-attempts failed steps before falling back to stop behavior.
	FailureRetry FailureStrategy = "retry"
)

// Valid returns true if the strategy is a known value.
func (f FailureStrategy) Valid() bool {
	switch f {
	case FailureStop, FailureContinue, FailureRetry:
		return true
	default:
		return false
	}
}

// StepDefinition configures a single pipeline step.
type StepDefinition struct {
	// AgentKey identifies the registered agent that executes this step.
	// Keys must be unique within a PipelineDefinition.
	AgentKey string `json:"agent_key" yaml:"agent_key"`
	// ConfigType selects the agent configuration profile.
	ConfigType ConfigType `json:"config_type,omitempty" yaml:"config_type,omitempty"`
	// DependsOn lists agent keys that must complete before this step runs.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	// ExecutionMode describes how the step may be scheduled.
	ExecutionMode ExecutionMode `json:"execution_mode,omitempty" yaml:"execution_mode,omitempty"`
	// Optional marks a step whose failure degrades to a warning.
	Optional bool `json:"optional,omitempty" yaml:"optional,omitempty"`
	// TimeoutSeconds bounds a single execution attempt. Zero means no timeout.
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	// RetryCount is the number of additional attempts after a failure.
	RetryCount int `json:"retry_count,omitempty" yaml:"retry_count,omitempty"`
	// Parameters carries step-specific settings opaque to the orchestrator.
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Timeout returns the step timeout as a duration, or zero when unset.
func (s StepDefinition) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// PipelineDefinition is an ordered list of steps plus pipeline-wide policy.
type PipelineDefinition struct {
	// Name identifies the pipeline.
	Name string `json:"name" yaml:"name"`
	// Description explains what the pipeline produces.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// Version is the definition version string.
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
	// Steps holds the step configurations in declaration order.
	Steps []StepDefinition `json:"steps" yaml:"steps"`
	// MaxParallelSteps caps concurrent step execution within a group.
	MaxParallelSteps int `json:"max_parallel_steps,omitempty" yaml:"max_parallel_steps,omitempty"`
	// FailureStrategy controls the reaction to required step failures.
	FailureStrategy FailureStrategy `json:"failure_strategy,omitempty" yaml:"failure_strategy,omitempty"`
	// GlobalTimeoutSeconds bounds the whole run. Zero means no bound.
	GlobalTimeoutSeconds int `json:"global_timeout_seconds,omitempty" yaml:"global_timeout_seconds,omitempty"`
}

// Step returns the definition for the given agent key, or nil if absent.
func (p *PipelineDefinition) Step(agentKey string) *StepDefinition {
	for i := range p.Steps {
		if p.Steps[i].AgentKey == agentKey {
			return &p.Steps[i]
		}
	}
	return nil
}

// GlobalTimeout returns the pipeline timeout as a duration, or zero when unset.
func (p *PipelineDefinition) GlobalTimeout() time.Duration {
	if p.GlobalTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(p.GlobalTimeoutSeconds) * time.Second
}
