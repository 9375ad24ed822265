package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skovlund/maestro/internal/agent"
	"github.com/skovlund/maestro/internal/bus"
	"github.com/skovlund/maestro/internal/registry"
	"github.com/skovlund/maestro/internal/state"
	"github.com/skovlund/maestro/pkg/models"
)

type processFn func(ctx context.Context, input any, run *agent.Context) (any, error)

func register(t *testing.T, reg *registry.Registry, name string, fn processFn) {
	t.Helper()
	_, err := reg.Register(registry.Builder{
		Metadata: models.AgentMetadata{Name: name, Description: name + " agent"},
		New: func(configOverride map[string]any) (agent.Agent, error) {
			return &agent.Func{
				Meta:      models.AgentMetadata{Name: name},
				ProcessFn: fn,
			}, nil
		},
	})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
}

func echoAgent(t *testing.T, reg *registry.Registry, name string) {
	register(t, reg, name, func(ctx context.Context, input any, run *agent.Context) (any, error) {
		return name + ":done", nil
	})
}

func linearDef(keys ...string) models.PipelineDefinition {
	def := models.PipelineDefinition{Name: "linear"}
	for i, key := range keys {
		step := models.StepDefinition{AgentKey: key}
		if i > 0 {
			step.DependsOn = []string{keys[i-1]}
		}
		def.Steps = append(def.Steps, step)
	}
	return def
}

func TestExecuteLinearPipeline(t *testing.T) {
	reg := registry.New()
	register(t, reg, "a", func(ctx context.Context, input any, run *agent.Context) (any, error) {
		return fmt.Sprintf("a(%v)", input), nil
	})
	register(t, reg, "b", func(ctx context.Context, input any, run *agent.Context) (any, error) {
		prev, _ := run.Result("a")
		return fmt.Sprintf("b(%v)", prev), nil
	})

	o := New(reg)
	report, err := o.Execute(context.Background(), linearDef("a", "b"), "seed")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !report.Success {
		t.Fatalf("report = %+v, want success", report)
	}
	if report.CompletedSteps != 2 || report.FailedSteps != 0 {
		t.Errorf("completed=%d failed=%d", report.CompletedSteps, report.FailedSteps)
	}
	if report.Results["b"] != "b(a(seed))" {
		t.Errorf("b result = %v: upstream result should flow through the run context", report.Results["b"])
	}
	if report.RunID == "" || report.CorrelationID == "" {
		t.Error("report missing run/correlation ids")
	}
}

func TestExecuteDiamondWithOptionalFailure(t *testing.T) {
	reg := registry.New()
	echoAgent(t, reg, "a")
	echoAgent(t, reg, "b")
	register(t, reg, "c", func(ctx context.Context, input any, run *agent.Context) (any, error) {
		return nil, errors.New("flaky enrichment")
	})
	var dRan atomic.Bool
	register(t, reg, "d", func(ctx context.Context, input any, run *agent.Context) (any, error) {
		dRan.Store(true)
		return "d:done", nil
	})

	def := models.PipelineDefinition{
		Name: "diamond",
		Steps: []models.StepDefinition{
			{AgentKey: "a"},
			{AgentKey: "b", DependsOn: []string{"a"}},
			{AgentKey: "c", DependsOn: []string{"a"}, Optional: true},
			{AgentKey: "d", DependsOn: []string{"b", "c"}},
		},
	}

	o := New(reg)
	report, err := o.Execute(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !dRan.Load() {
		t.Fatal("d should run despite the optional failure of c")
	}
	if !report.Success {
		t.Errorf("optional failure should not fail the run: %+v", report)
	}
	if report.CompletedSteps != 3 || report.FailedSteps != 1 {
		t.Errorf("completed=%d failed=%d, want 3/1", report.CompletedSteps, report.FailedSteps)
	}
	degraded, ok := report.Results["c"].(map[string]any)
	if !ok || degraded["optional"] != true || degraded["error"] == "" {
		t.Errorf("c result = %v, want degraded {error, optional:true}", report.Results["c"])
	}
	if len(report.Failures) != 1 || !report.Failures[0].Optional {
		t.Errorf("failures = %v", report.Failures)
	}
}

func TestExecuteRejectsCycle(t *testing.T) {
	reg := registry.New()
	echoAgent(t, reg, "a")
	echoAgent(t, reg, "b")

	def := models.PipelineDefinition{
		Name: "cyclic",
		Steps: []models.StepDefinition{
			{AgentKey: "a", DependsOn: []string{"b"}},
			{AgentKey: "b", DependsOn: []string{"a"}},
		},
	}

	o := New(reg)
	report, err := o.Execute(context.Background(), def, nil)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want *ConfigError", err)
	}
	if report != nil {
		t.Error("no report should be produced for an invalid definition")
	}
}

func TestValidateRejectsBadDefinitions(t *testing.T) {
	o := New(registry.New())

	cases := []models.PipelineDefinition{
		{},
		{Name: "empty-steps"},
		{Name: "bad-strategy", FailureStrategy: "explode", Steps: []models.StepDefinition{{AgentKey: "a"}}},
		{Name: "empty-key", Steps: []models.StepDefinition{{AgentKey: ""}}},
	}
	for _, def := range cases {
		if _, err := o.Plan(def); err == nil {
			t.Errorf("Plan(%q) should fail", def.Name)
		}
	}
}

func TestStopStrategyAbortsRemainingGroups(t *testing.T) {
	reg := registry.New()
	register(t, reg, "first", func(ctx context.Context, input any, run *agent.Context) (any, error) {
		return nil, errors.New("hard failure")
	})
	var secondRan atomic.Bool
	register(t, reg, "second", func(ctx context.Context, input any, run *agent.Context) (any, error) {
		secondRan.Store(true)
		return "ok", nil
	})

	def := linearDef("first", "second")
	def.FailureStrategy = models.FailureStop

	o := New(reg)
	report, err := o.Execute(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if report.Success {
		t.Error("run should not be successful")
	}
	if secondRan.Load() {
		t.Error("second group must not start after a required failure under stop")
	}
	if report.FailedSteps != 1 || report.CompletedSteps != 0 {
		t.Errorf("completed=%d failed=%d", report.CompletedSteps, report.FailedSteps)
	}
}

func TestContinueStrategyRunsRemainingGroups(t *testing.T) {
	reg := registry.New()
	register(t, reg, "first", func(ctx context.Context, input any, run *agent.Context) (any, error) {
		return nil, errors.New("hard failure")
	})
	var secondRan atomic.Bool
	register(t, reg, "second", func(ctx context.Context, input any, run *agent.Context) (any, error) {
		secondRan.Store(true)
		return "ok", nil
	})

	def := linearDef("first", "second")
	def.FailureStrategy = models.FailureContinue

	o := New(reg)
	report, err := o.Execute(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !secondRan.Load() {
		t.Error("continue strategy should keep executing later groups")
	}
	if report.Success {
		t.Error("a required failure still fails the run verdict")
	}
	if report.CompletedSteps != 1 || report.FailedSteps != 1 {
		t.Errorf("completed=%d failed=%d", report.CompletedSteps, report.FailedSteps)
	}
}

func TestStepRetrySucceedsAfterTransientFailures(t *testing.T) {
	reg := registry.New()
	var calls atomic.Int32
	register(t, reg, "flaky", func(ctx context.Context, input any, run *agent.Context) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return "recovered", nil
	})

	def := models.PipelineDefinition{
		Name:  "retry",
		Steps: []models.StepDefinition{{AgentKey: "flaky", RetryCount: 2}},
	}

	o := New(reg)
	report, err := o.Execute(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !report.Success || report.Results["flaky"] != "recovered" {
		t.Errorf("report = %+v", report)
	}
	if calls.Load() != 3 {
		t.Errorf("agent invoked %d times, want 3", calls.Load())
	}
}

func TestStepRetryExhaustion(t *testing.T) {
	reg := registry.New()
	var calls atomic.Int32
	register(t, reg, "broken", func(ctx context.Context, input any, run *agent.Context) (any, error) {
		calls.Add(1)
		return nil, errors.New("always fails")
	})

	def := models.PipelineDefinition{
		Name:  "retry",
		Steps: []models.StepDefinition{{AgentKey: "broken", RetryCount: 2}},
	}

	o := New(reg)
	report, err := o.Execute(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if report.Success {
		t.Error("run should fail after exhausting retries")
	}
	if calls.Load() != 3 {
		t.Errorf("agent invoked %d times, want 3 (1 + 2 retries)", calls.Load())
	}
	if len(report.Failures) != 1 || report.Failures[0].Attempts != 3 {
		t.Errorf("failures = %v", report.Failures)
	}
}

func TestStepTimeout(t *testing.T) {
	reg := registry.New()
	register(t, reg, "slow", func(ctx context.Context, input any, run *agent.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	def := models.PipelineDefinition{
		Name:  "timeout",
		Steps: []models.StepDefinition{{AgentKey: "slow", TimeoutSeconds: 1}},
	}

	o := New(reg)
	report, err := o.Execute(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if report.Success {
		t.Error("timed out required step should fail the run")
	}
	if len(report.Failures) != 1 {
		t.Fatalf("failures = %v", report.Failures)
	}
	if !errors.Is(report.Failures[0], ErrStepTimeout) {
		t.Errorf("failure = %v, want timeout cause", report.Failures[0])
	}
}

func TestTimeoutCancelsOnlyThatStep(t *testing.T) {
	reg := registry.New()
	register(t, reg, "slow", func(ctx context.Context, input any, run *agent.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	var siblingRan atomic.Bool
	register(t, reg, "sibling", func(ctx context.Context, input any, run *agent.Context) (any, error) {
		siblingRan.Store(true)
		return "ok", nil
	})

	def := models.PipelineDefinition{
		Name:            "siblings",
		FailureStrategy: models.FailureContinue,
		Steps: []models.StepDefinition{
			{AgentKey: "slow", TimeoutSeconds: 1},
			{AgentKey: "sibling"},
		},
	}

	o := New(reg)
	if _, err := o.Execute(context.Background(), def, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !siblingRan.Load() {
		t.Error("sibling in the same group should run to completion")
	}
}

func TestMaxParallelStepsBoundsConcurrency(t *testing.T) {
	reg := registry.New()
	var running, peak atomic.Int32
	work := func(ctx context.Context, input any, run *agent.Context) (any, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return "ok", nil
	}

	def := models.PipelineDefinition{Name: "fanout", MaxParallelSteps: 2}
	for i := 0; i < 6; i++ {
		key := fmt.Sprintf("worker%d", i)
		register(t, reg, key, work)
		def.Steps = append(def.Steps, models.StepDefinition{AgentKey: key})
	}

	o := New(reg)
	report, err := o.Execute(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !report.Success {
		t.Fatalf("report = %+v", report)
	}
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestLifecycleEventsPublished(t *testing.T) {
	reg := registry.New()
	echoAgent(t, reg, "a")
	echoAgent(t, reg, "b")

	b := bus.New()
	var mu sync.Mutex
	var seen []bus.EventType
	b.SubscribeFiltered(bus.Filter{Sources: []string{"orchestrator"}}, func(e bus.Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	})

	o := New(reg, WithEventBus(b))
	report, err := o.Execute(context.Background(), linearDef("a", "b"), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	counts := make(map[bus.EventType]int)
	for _, typ := range seen {
		counts[typ]++
	}
	if counts[bus.EventPipelineStarted] != 1 || counts[bus.EventPipelineCompleted] != 1 {
		t.Errorf("lifecycle events = %v", counts)
	}
	if counts[bus.EventPipelineStepStarted] != 2 || counts[bus.EventPipelineStepCompleted] != 2 {
		t.Errorf("step events = %v", counts)
	}

	correlated := b.EventsByCorrelationID(report.CorrelationID)
	if len(correlated) == 0 {
		t.Error("lifecycle events should carry the run correlation id")
	}
}

func TestFailureEventsCarryCorrelationID(t *testing.T) {
	reg := registry.New()
	echoAgent(t, reg, "a")
	register(t, reg, "b", func(ctx context.Context, input any, run *agent.Context) (any, error) {
		return nil, errors.New("broken enrichment")
	})
	register(t, reg, "c", func(ctx context.Context, input any, run *agent.Context) (any, error) {
		return nil, errors.New("hard failure")
	})

	def := models.PipelineDefinition{
		Name:            "failures",
		FailureStrategy: models.FailureContinue,
		Steps: []models.StepDefinition{
			{AgentKey: "a"},
			{AgentKey: "b", DependsOn: []string{"a"}, Optional: true},
			{AgentKey: "c", DependsOn: []string{"a"}},
		},
	}

	b := bus.New()
	o := New(reg, WithEventBus(b))
	report, err := o.Execute(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if report.Success {
		t.Fatalf("report = %+v, want failed run", report)
	}

	counts := make(map[bus.EventType]int)
	for _, e := range b.EventsByCorrelationID(report.CorrelationID) {
		counts[e.Type]++
	}
	if counts[bus.EventAgentFailed] != 1 {
		t.Errorf("correlated EventAgentFailed = %d, want 1", counts[bus.EventAgentFailed])
	}
	if counts[bus.EventSystemWarning] != 1 {
		t.Errorf("correlated EventSystemWarning = %d, want 1", counts[bus.EventSystemWarning])
	}
	if counts[bus.EventPipelineFailed] != 1 {
		t.Errorf("correlated EventPipelineFailed = %d, want 1", counts[bus.EventPipelineFailed])
	}
}

func TestProgressTrackerFed(t *testing.T) {
	reg := registry.New()
	echoAgent(t, reg, "a")
	echoAgent(t, reg, "b")

	o := New(reg)
	if _, err := o.Execute(context.Background(), linearDef("a", "b"), nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	snap := o.Progress().Snapshot()
	if snap.TotalSteps != 2 || snap.CompletedSteps != 2 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.OverallProgress != 100 {
		t.Errorf("OverallProgress = %v, want 100", snap.OverallProgress)
	}
}

func TestRunHistoryRecorded(t *testing.T) {
	reg := registry.New()
	echoAgent(t, reg, "a")
	register(t, reg, "opt", func(ctx context.Context, input any, run *agent.Context) (any, error) {
		return nil, errors.New("degraded")
	})

	db, err := state.Open(t.TempDir() + "/state.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	def := models.PipelineDefinition{
		Name: "recorded",
		Steps: []models.StepDefinition{
			{AgentKey: "a"},
			{AgentKey: "opt", DependsOn: []string{"a"}, Optional: true},
		},
	}

	o := New(reg, WithRunStore(db))
	report, err := o.Execute(context.Background(), def, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	runs, err := db.Runs(context.Background(), "recorded", 0)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != report.RunID {
		t.Fatalf("runs = %+v", runs)
	}
	if !runs[0].Success || runs[0].CompletedSteps != 1 || runs[0].FailedSteps != 1 {
		t.Errorf("run record = %+v", runs[0])
	}

	steps, err := db.RunSteps(context.Background(), report.RunID)
	if err != nil {
		t.Fatalf("RunSteps: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("steps = %+v", steps)
	}
}

func TestValidateInputAggregation(t *testing.T) {
	reg := registry.New()
	mustRegisterValidating := func(name string, res models.ValidationResult) {
		_, err := reg.Register(registry.Builder{
			Metadata: models.AgentMetadata{Name: name},
			New: func(configOverride map[string]any) (agent.Agent, error) {
				return &agent.Func{
					Meta: models.AgentMetadata{Name: name},
					ProcessFn: func(ctx context.Context, input any, run *agent.Context) (any, error) {
						return nil, nil
					},
					ValidateFn: func(input any) models.ValidationResult { return res },
				}, nil
			},
		})
		if err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	mustRegisterValidating("ok", models.ValidationResult{IsValid: true, Warnings: []string{"short input"}})
	mustRegisterValidating("picky", models.ValidationResult{IsValid: false, Suggestions: []string{"add a title"}})

	def := models.PipelineDefinition{
		Name:  "validated",
		Steps: []models.StepDefinition{{AgentKey: "ok"}, {AgentKey: "picky"}},
	}

	o := New(reg)
	res, err := o.ValidateInput(def, "draft")
	if err != nil {
		t.Fatalf("ValidateInput: %v", err)
	}
	if res.IsValid {
		t.Error("one rejecting agent should invalidate the input")
	}
	if len(res.Warnings) != 1 || len(res.Suggestions) != 1 {
		t.Errorf("merged result = %+v", res)
	}
}

func TestPlanGroups(t *testing.T) {
	reg := registry.New()
	o := New(reg)

	def := models.PipelineDefinition{
		Name: "plan",
		Steps: []models.StepDefinition{
			{AgentKey: "a"},
			{AgentKey: "b", DependsOn: []string{"a"}},
			{AgentKey: "c", DependsOn: []string{"a"}},
		},
	}
	groups, err := o.Plan(def)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(groups) != 2 || len(groups[0]) != 1 || len(groups[1]) != 2 {
		t.Errorf("groups = %v", groups)
	}
}

func TestParentCancellationStopsRun(t *testing.T) {
	reg := registry.New()
	register(t, reg, "slow", func(ctx context.Context, input any, run *agent.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	var secondRan atomic.Bool
	register(t, reg, "after", func(ctx context.Context, input any, run *agent.Context) (any, error) {
		secondRan.Store(true)
		return "ok", nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	o := New(reg)
	report, err := o.Execute(ctx, linearDef("slow", "after"), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if report.Success {
		t.Error("cancelled run must not be successful")
	}
	if secondRan.Load() {
		t.Error("steps after cancellation must not run")
	}
}
