package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveRun inserts or replaces a run record.
func (db *DB) SaveRun(ctx context.Context, run RunRecord) error {
	if run.ID == "" {
		return fmt.Errorf("save run: id is required")
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs
			(id, pipeline, correlation_id, success, completed_steps, failed_steps, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Pipeline, run.CorrelationID, boolToInt(run.Success),
		run.CompletedSteps, run.FailedSteps,
		run.StartedAt.UTC().Format(time.RFC3339Nano),
		run.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return nil
}

// SaveStep inserts or replaces a step outcome for a run.
func (db *DB) SaveStep(ctx context.Context, step StepRecord) error {
	if step.RunID == "" || step.Step == "" {
		return fmt.Errorf("save step: run id and step are required")
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.ExecContext(ctx, `
		INSERT OR REPLACE INTO run_steps
			(run_id, step, status, attempts, optional, error)
		VALUES (?, ?, ?, ?, ?, ?)`,
		step.RunID, step.Step, step.Status, step.Attempts, boolToInt(step.Optional), step.Error,
	)
	if err != nil {
		return fmt.Errorf("save step %s/%s: %w", step.RunID, step.Step, err)
	}
	return nil
}

// Runs returns the most recent runs, newest first. An empty pipeline matches
// all pipelines; limit <= 0 means no limit.
func (db *DB) Runs(ctx context.Context, pipeline string, limit int) ([]RunRecord, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	query := `
		SELECT id, pipeline, correlation_id, success, completed_steps, failed_steps, started_at, finished_at
		FROM runs`
	var args []any
	if pipeline != "" {
		query += " WHERE pipeline = ?"
		args = append(args, pipeline)
	}
	query += " ORDER BY started_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		var success int
		var startedAt, finishedAt string
		if err := rows.Scan(&r.ID, &r.Pipeline, &r.CorrelationID, &success,
			&r.CompletedSteps, &r.FailedSteps, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Success = success != 0
		if r.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, fmt.Errorf("parse run started_at: %w", err)
		}
		if r.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAt); err != nil {
			return nil, fmt.Errorf("parse run finished_at: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Run returns a single run by id.
func (db *DB) Run(ctx context.Context, id string) (*RunRecord, error) {
	runs, err := db.Runs(ctx, "", 0)
	if err != nil {
		return nil, err
	}
	for i := range runs {
		if runs[i].ID == id {
			return &runs[i], nil
		}
	}
	return nil, sql.ErrNoRows
}

// RunSteps returns all step outcomes for a run, ordered by step key.
func (db *DB) RunSteps(ctx context.Context, runID string) ([]StepRecord, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT run_id, step, status, attempts, optional, error
		FROM run_steps WHERE run_id = ? ORDER BY step`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run steps: %w", err)
	}
	defer rows.Close()

	var steps []StepRecord
	for rows.Next() {
		var s StepRecord
		var optional int
		if err := rows.Scan(&s.RunID, &s.Step, &s.Status, &s.Attempts, &optional, &s.Error); err != nil {
			return nil, fmt.Errorf("scan run step: %w", err)
		}
		s.Optional = optional != 0
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
