package orchestrator

import (
	"github.com/skovlund/maestro/internal/bus"
	"github.com/skovlund/maestro/internal/progress"
	"github.com/skovlund/maestro/internal/state"
)

// Option configures an Orchestrator. Use With* functions to create Options.
type Option func(*orchestratorOptions)

// orchestratorOptions holds all optional configuration.
type orchestratorOptions struct {
	bus         *bus.Bus
	progress    *progress.Tracker
	logger      *DebugLogger
	store       state.RunStore
	maxParallel int
}

// WithEventBus sets the event bus that receives pipeline lifecycle events.
// If unset, the orchestrator creates its own.
func WithEventBus(b *bus.Bus) Option {
	return func(o *orchestratorOptions) {
		o.bus = b
	}
}

// WithProgress sets the progress tracker. If unset, the orchestrator
// creates its own.
func WithProgress(p *progress.Tracker) Option {
	return func(o *orchestratorOptions) {
		o.progress = p
	}
}

// WithLogger sets the debug logger. Defaults to a no-op logger.
func WithLogger(l *DebugLogger) Option {
	return func(o *orchestratorOptions) {
		o.logger = l
	}
}

// WithRunStore sets an optional run-history store. When set, the
// orchestrator records each run and its step outcomes.
func WithRunStore(s state.RunStore) Option {
	return func(o *orchestratorOptions) {
		o.store = s
	}
}

// WithMaxParallel caps intra-group concurrency, overriding the pipeline
// definition's maxParallelSteps. Zero means no override.
func WithMaxParallel(n int) Option {
	return func(o *orchestratorOptions) {
		o.maxParallel = n
	}
}
