// Package state provides SQLite-based run-history persistence for maestro.
package state

import (
	"context"
	"io"
	"time"
)

// RunRecord is one persisted pipeline run.
type RunRecord struct {
	ID             string
	Pipeline       string
	CorrelationID  string
	Success        bool
	CompletedSteps int
	FailedSteps    int
	StartedAt      time.Time
	FinishedAt     time.Time
}

// Duration returns the recorded run duration.
func (r RunRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// StepRecord is one persisted step outcome within a run.
type StepRecord struct {
	RunID    string
	Step     string
	Status   string
	Attempts int
	Optional bool
	Error    string
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// RunStore defines the interface for run-history persistence.
// The orchestrator depends on this rather than the concrete SQLite
// implementation; any backend satisfying it can record runs.
type RunStore interface {
	io.Closer
	SaveRun(ctx context.Context, run RunRecord) error
	SaveStep(ctx context.Context, step StepRecord) error
	Runs(ctx context.Context, pipeline string, limit int) ([]RunRecord, error)
	RunSteps(ctx context.Context, runID string) ([]StepRecord, error)
}

// Compile-time verification that DB implements the store interfaces.
var (
	_ RunStore = (*DB)(nil)
	_ Migrator = (*DB)(nil)
)
