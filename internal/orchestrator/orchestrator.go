package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skovlund/maestro/internal/agent"
	"github.com/skovlund/maestro/internal/bus"
	"github.com/skovlund/maestro/internal/graph"
	"github.com/skovlund/maestro/internal/progress"
	"github.com/skovlund/maestro/internal/registry"
	"github.com/skovlund/maestro/internal/state"
	"github.com/skovlund/maestro/pkg/models"
)

// RunReport is the final result of a pipeline run. Execute always returns
// a report when execution started; errors past the validation boundary are
// folded into it rather than thrown past the orchestrator.
type RunReport struct {
	RunID          string         `json:"run_id"`
	Pipeline       string         `json:"pipeline"`
	CorrelationID  string         `json:"correlation_id"`
	Success        bool           `json:"success"`
	CompletedSteps int            `json:"completed_steps"`
	FailedSteps    int            `json:"failed_steps"`
	Results        map[string]any `json:"results"`
	Failures       []*StepError   `json:"failures,omitempty"`
	Duration       time.Duration  `json:"duration"`
}

// Orchestrator executes pipeline definitions against registered agents,
// one dependency group at a time with bounded intra-group concurrency.
type Orchestrator struct {
	registry    *registry.Registry
	bus         *bus.Bus
	progress    *progress.Tracker
	logger      *DebugLogger
	store       state.RunStore
	maxParallel int
}

// New creates an orchestrator over a registry. The registry must already
// hold builders for every agent key the pipelines reference.
func New(reg *registry.Registry, opts ...Option) *Orchestrator {
	options := orchestratorOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if options.bus == nil {
		options.bus = bus.New()
	}
	if options.progress == nil {
		options.progress = progress.New()
	}
	if options.logger == nil {
		options.logger = NopLogger()
	}
	setPackageLogger(options.logger)

	return &Orchestrator{
		registry:    reg,
		bus:         options.bus,
		progress:    options.progress,
		logger:      options.logger,
		store:       options.store,
		maxParallel: options.maxParallel,
	}
}

// Bus returns the event bus lifecycle events are published on.
func (o *Orchestrator) Bus() *bus.Bus { return o.bus }

// Progress returns the progress tracker fed by this orchestrator.
func (o *Orchestrator) Progress() *progress.Tracker { return o.progress }

// Plan validates a definition and returns its execution groups without
// running anything. A *ConfigError means the definition can never run.
func (o *Orchestrator) Plan(def models.PipelineDefinition) ([]graph.ExecutionGroup, error) {
	if err := o.validate(def); err != nil {
		return nil, err
	}
	g := graph.New()
	g.SetDebugLog(debugLog)
	if err := g.Build(&def); err != nil {
		return nil, &ConfigError{Pipeline: def.Name, Reason: "dependency graph rejected", Err: err}
	}
	groups, err := g.ExecutionGroups()
	if err != nil {
		return nil, &ConfigError{Pipeline: def.Name, Reason: "cannot order steps", Err: err}
	}
	return groups, nil
}

// ValidateInput runs every first-group agent's ValidateInput against the
// pipeline input and merges the results. Warnings and suggestions are
// aggregated; the input is valid only if every agent accepts it.
func (o *Orchestrator) ValidateInput(def models.PipelineDefinition, input any) (models.ValidationResult, error) {
	groups, err := o.Plan(def)
	if err != nil {
		return models.ValidationResult{}, err
	}

	merged := models.ValidationResult{IsValid: true}
	for _, key := range groups[0] {
		inst, err := o.registry.Create(key, nil)
		if err != nil {
			return models.ValidationResult{}, err
		}
		res := inst.ValidateInput(input)
		if !res.IsValid {
			merged.IsValid = false
		}
		merged.Warnings = append(merged.Warnings, res.Warnings...)
		merged.Suggestions = append(merged.Suggestions, res.Suggestions...)
	}
	return merged, nil
}

// Execute runs the pipeline. It returns a *ConfigError (and a nil report)
// if the definition is invalid; otherwise it returns a report describing
// what completed, what failed, and the accumulated results. The report's
// Success field, not the error, is the run verdict: a failed required step
// under failureStrategy "continue" yields Success=false and a nil error.
func (o *Orchestrator) Execute(ctx context.Context, def models.PipelineDefinition, input any) (*RunReport, error) {
	groups, err := o.Plan(def)
	if err != nil {
		return nil, err
	}

	report := &RunReport{
		RunID:         uuid.New().String()[:8],
		Pipeline:      def.Name,
		CorrelationID: o.bus.CorrelationID(),
		Results:       make(map[string]any),
	}
	runCtx := agent.NewContext(def.Name, report.CorrelationID)
	started := time.Now()

	if timeout := def.GlobalTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// Register every step with the tracker up front, in group order, so
	// observers see the full run shape before the first step starts.
	stepIndex := make(map[string]int, len(def.Steps))
	for _, group := range groups {
		for _, key := range group {
			step := def.Step(key)
			desc := ""
			if meta, ok := o.registry.Metadata(key); ok {
				desc = meta.Description
			}
			stepIndex[key] = o.progress.AddStep(key, desc, step.Timeout())
		}
	}

	o.logger.Log("pipeline %s starting: run=%s groups=%d", def.Name, report.RunID, len(groups))
	o.publish(bus.EventPipelineStarted, report.CorrelationID, map[string]any{
		"pipeline": def.Name,
		"run_id":   report.RunID,
		"groups":   len(groups),
	})

	strategy := def.FailureStrategy
	if strategy == "" {
		strategy = models.FailureStop
	}

	var (
		mu       sync.Mutex
		failures []*StepError
	)
	aborted := false

groupLoop:
	for gi, group := range groups {
		if err := ctx.Err(); err != nil {
			aborted = true
			break
		}
		o.logger.Log("group %d/%d: [%s]", gi+1, len(groups), strings.Join(group, ", "))

		sem := make(chan struct{}, o.groupWorkers(def, len(group)))
		var wg sync.WaitGroup
		for _, key := range group {
			step := *def.Step(key)
			wg.Add(1)
			sem <- struct{}{}
			go func(key string, step models.StepDefinition) {
				defer wg.Done()
				defer func() { <-sem }()

				result, stepErr := o.runStep(ctx, step, input, runCtx, stepIndex[key])

				mu.Lock()
				defer mu.Unlock()
				if stepErr == nil {
					report.Results[key] = result
					report.CompletedSteps++
					return
				}
				report.FailedSteps++
				failures = append(failures, stepErr)
				if stepErr.Optional {
					// Degraded result keeps downstream steps informed of the gap.
					report.Results[key] = map[string]any{"error": stepErr.Err.Error(), "optional": true}
					runCtx.SetResult(key, report.Results[key])
				}
			}(key, step)
		}
		wg.Wait()

		if hasRequiredFailure(failures) && strategy != models.FailureContinue {
			aborted = true
			break groupLoop
		}
	}

	report.Failures = failures
	report.Duration = time.Since(started)
	report.Success = !aborted && !hasRequiredFailure(failures) && ctx.Err() == nil

	if report.Success {
		o.publish(bus.EventPipelineCompleted, report.CorrelationID, map[string]any{
			"pipeline":        def.Name,
			"run_id":          report.RunID,
			"completed_steps": report.CompletedSteps,
		})
	} else {
		o.publish(bus.EventPipelineFailed, report.CorrelationID, map[string]any{
			"pipeline":     def.Name,
			"run_id":       report.RunID,
			"failed_steps": report.FailedSteps,
			"reasons":      failureReasons(failures),
		})
	}
	o.logger.Log("pipeline %s finished: success=%v completed=%d failed=%d in %s",
		def.Name, report.Success, report.CompletedSteps, report.FailedSteps, report.Duration)

	o.record(ctx, def, report, started)
	return report, nil
}

// runStep executes one step with retry and timeout policy. It returns the
// step's result or a *StepError describing the final failure.
func (o *Orchestrator) runStep(ctx context.Context, step models.StepDefinition, input any, runCtx *agent.Context, progIdx int) (any, *StepError) {
	key := step.AgentKey

	inst, err := o.registry.Create(key, step.Parameters)
	if err != nil {
		fail := &StepError{Step: key, Optional: step.Optional, Err: err}
		o.failStep(runCtx.CorrelationID(), progIdx, fail)
		return nil, fail
	}

	o.progress.StartStep(progIdx, key)
	o.publish(bus.EventPipelineStepStarted, runCtx.CorrelationID(), map[string]any{
		"step": key, "optional": step.Optional,
	})

	attempts := step.RetryCount + 1
	var lastErr error
	timedOut := false

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		if attempt > 1 {
			o.logger.Log("step %s: retry %d/%d", key, attempt-1, step.RetryCount)
			o.progress.AddLog("warn", fmt.Sprintf("retrying %s (attempt %d of %d)", key, attempt, attempts))
		}

		result, timeout, err := o.attempt(ctx, inst, step, input, runCtx)
		if err == nil {
			runCtx.SetResult(key, result)
			o.progress.CompleteStep(progIdx, true, nil)
			o.publish(bus.EventPipelineStepCompleted, runCtx.CorrelationID(), map[string]any{
				"step": key, "attempts": attempt,
			})
			return result, nil
		}
		lastErr = err
		timedOut = timeout
		o.logger.Log("step %s attempt %d failed: %v", key, attempt, err)
	}

	fail := &StepError{
		Step:     key,
		Attempts: attempts,
		Timeout:  timedOut,
		Optional: step.Optional,
		Err:      lastErr,
	}
	o.failStep(runCtx.CorrelationID(), progIdx, fail)
	return nil, fail
}

// attempt performs a single bounded agent invocation. The timeout cancels
// only this step; siblings in the same group run to their own completion.
func (o *Orchestrator) attempt(ctx context.Context, inst agent.Agent, step models.StepDefinition, input any, runCtx *agent.Context) (result any, timedOut bool, err error) {
	stepCtx := ctx
	var cancel context.CancelFunc
	if timeout := step.Timeout(); timeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := inst.Process(stepCtx, input, runCtx)
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		return out.result, false, out.err
	case <-stepCtx.Done():
		if ctx.Err() != nil {
			// Parent cancellation, not a per-step timeout.
			return nil, false, ctx.Err()
		}
		return nil, true, fmt.Errorf("no result within %s", step.Timeout())
	}
}

func (o *Orchestrator) failStep(correlationID string, progIdx int, fail *StepError) {
	o.progress.CompleteStep(progIdx, false, fail)
	if fail.Optional {
		o.progress.AddLog("warn", fmt.Sprintf("optional step degraded: %s", fail))
		o.publish(bus.EventSystemWarning, correlationID, map[string]any{
			"step": fail.Step, "error": fail.Err.Error(), "optional": true,
		})
		return
	}
	o.publish(bus.EventAgentFailed, correlationID, map[string]any{
		"step": fail.Step, "error": fail.Err.Error(), "timeout": fail.Timeout,
	})
}

func (o *Orchestrator) groupWorkers(def models.PipelineDefinition, groupSize int) int {
	limit := def.MaxParallelSteps
	if o.maxParallel > 0 {
		limit = o.maxParallel
	}
	if limit <= 0 || limit > groupSize {
		limit = groupSize
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

func (o *Orchestrator) publish(typ bus.EventType, correlationID string, data map[string]any) {
	o.bus.Publish(bus.Event{
		Type:          typ,
		Source:        "orchestrator",
		CorrelationID: correlationID,
		Data:          data,
	})
}

// validate rejects definitions that can never run. Graph-level problems
// (cycles, unknown dependencies, duplicates) are caught by Plan.
func (o *Orchestrator) validate(def models.PipelineDefinition) error {
	if def.Name == "" {
		return &ConfigError{Pipeline: def.Name, Reason: "pipeline name is required"}
	}
	if len(def.Steps) == 0 {
		return &ConfigError{Pipeline: def.Name, Reason: "pipeline has no steps"}
	}
	if def.FailureStrategy != "" && !def.FailureStrategy.Valid() {
		return &ConfigError{Pipeline: def.Name, Reason: fmt.Sprintf("unknown failure strategy %q", def.FailureStrategy)}
	}
	for _, step := range def.Steps {
		if step.AgentKey == "" {
			return &ConfigError{Pipeline: def.Name, Reason: "step with empty agent key"}
		}
		if step.ExecutionMode != "" && !step.ExecutionMode.Valid() {
			return &ConfigError{Pipeline: def.Name, Reason: fmt.Sprintf("step %s: unknown execution mode %q", step.AgentKey, step.ExecutionMode)}
		}
	}
	return nil
}

// record persists the run and its step outcomes when a store is configured.
// Persistence failures are logged, never surfaced to the caller.
func (o *Orchestrator) record(ctx context.Context, def models.PipelineDefinition, report *RunReport, started time.Time) {
	if o.store == nil {
		return
	}

	run := state.RunRecord{
		ID:             report.RunID,
		Pipeline:       def.Name,
		CorrelationID:  report.CorrelationID,
		Success:        report.Success,
		CompletedSteps: report.CompletedSteps,
		FailedSteps:    report.FailedSteps,
		StartedAt:      started,
		FinishedAt:     started.Add(report.Duration),
	}
	if err := o.store.SaveRun(ctx, run); err != nil {
		o.logger.Log("run store: save run %s: %v", report.RunID, err)
		return
	}

	failed := make(map[string]*StepError, len(report.Failures))
	for _, f := range report.Failures {
		failed[f.Step] = f
	}
	keys := make([]string, 0, len(report.Results))
	for k := range report.Results {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if _, bad := failed[key]; bad {
			continue // recorded below with its error
		}
		rec := state.StepRecord{RunID: report.RunID, Step: key, Status: string(models.StepStatusCompleted)}
		if err := o.store.SaveStep(ctx, rec); err != nil {
			o.logger.Log("run store: save step %s/%s: %v", report.RunID, key, err)
		}
	}
	for _, f := range report.Failures {
		rec := state.StepRecord{
			RunID:    report.RunID,
			Step:     f.Step,
			Status:   string(models.StepStatusFailed),
			Attempts: f.Attempts,
			Optional: f.Optional,
			Error:    f.Err.Error(),
		}
		if err := o.store.SaveStep(ctx, rec); err != nil {
			o.logger.Log("run store: save step %s/%s: %v", report.RunID, f.Step, err)
		}
	}
}

func hasRequiredFailure(failures []*StepError) bool {
	for _, f := range failures {
		if !f.Optional {
			return true
		}
	}
	return false
}

func failureReasons(failures []*StepError) []string {
	reasons := make([]string, 0, len(failures))
	for _, f := range failures {
		reasons = append(reasons, f.Error())
	}
	return reasons
}
