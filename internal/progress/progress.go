// Package progress tracks pipeline execution progress: per-step percentages,
// substeps, agent activity, and a single aggregate completion ratio with a
// linear ETA estimate.
package progress

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/skovlund/maestro/pkg/models"
)

// maxLogEntries bounds the in-memory activity log.
const maxLogEntries = 100

// Substep is a named unit of work within a step.
type Substep struct {
	Name     string  `json:"name"`
	Progress float64 `json:"progress"`
	Done     bool    `json:"done"`
}

// Step is one tracked pipeline step.
type Step struct {
	Name              string            `json:"name"`
	Description       string            `json:"description"`
	Status            models.StepStatus `json:"status"`
	Progress          float64           `json:"progress"`
	AgentName         string            `json:"agent_name,omitempty"`
	EstimatedDuration time.Duration     `json:"estimated_duration"`
	StartTime         time.Time         `json:"start_time,omitzero"`
	EndTime           time.Time         `json:"end_time,omitzero"`
	Substeps          []Substep         `json:"substeps,omitempty"`
	Error             string            `json:"error,omitempty"`
}

// Duration returns the wall time the step has been (or was) running.
func (s Step) Duration() time.Duration {
	if s.StartTime.IsZero() {
		return 0
	}
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// LogEntry is one activity log line.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// Snapshot is a point-in-time view of overall progress. The aggregate is a
// completion ratio: completed steps over total steps, ignoring the partial
// progress of running steps.
type Snapshot struct {
	TotalSteps      int            `json:"total_steps"`
	CompletedSteps  int            `json:"completed_steps"`
	FailedSteps     int            `json:"failed_steps"`
	OverallProgress float64        `json:"overall_progress"`
	CurrentStep     string         `json:"current_step,omitempty"`
	Elapsed         time.Duration  `json:"elapsed"`
	EstimatedRemain time.Duration  `json:"estimated_remaining"`
	Steps           []Step         `json:"steps"`
	AgentActivity   map[string]string `json:"agent_activity,omitempty"`
}

// Callback receives a snapshot after every state change. Callbacks run on
// the caller's goroutine; a panicking callback is recovered and logged so
// it cannot take down the pipeline.
type Callback func(Snapshot)

// Tracker aggregates step progress for a single pipeline run.
type Tracker struct {
	mu        sync.Mutex
	steps     []*Step
	logs      []LogEntry
	callbacks []Callback
	activity  map[string]string // agent name -> current activity
	startTime time.Time
	now       func() time.Time
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{
		activity: make(map[string]string),
		now:      time.Now,
	}
}

// OnUpdate registers a callback invoked after every state change.
func (t *Tracker) OnUpdate(cb Callback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}

// AddStep appends a step in execution order and returns its index.
func (t *Tracker) AddStep(name, description string, estimated time.Duration) int {
	t.mu.Lock()
	t.steps = append(t.steps, &Step{
		Name:              name,
		Description:       description,
		Status:            models.StepStatusPending,
		EstimatedDuration: estimated,
	})
	idx := len(t.steps) - 1
	t.mu.Unlock()

	t.notify()
	return idx
}

// AddSubstep appends a substep to the step at index.
func (t *Tracker) AddSubstep(index int, name string) error {
	t.mu.Lock()
	step, err := t.stepLocked(index)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	step.Substeps = append(step.Substeps, Substep{Name: name})
	t.mu.Unlock()

	t.notify()
	return nil
}

// UpdateSubstep sets a substep's progress; 100 or more marks it done.
func (t *Tracker) UpdateSubstep(index int, name string, pct float64) error {
	t.mu.Lock()
	step, err := t.stepLocked(index)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	found := false
	for i := range step.Substeps {
		if step.Substeps[i].Name == name {
			step.Substeps[i].Progress = clamp(pct)
			step.Substeps[i].Done = step.Substeps[i].Progress >= 100
			found = true
			break
		}
	}
	t.mu.Unlock()

	if !found {
		return fmt.Errorf("substep %q not found in step %d", name, index)
	}
	t.notify()
	return nil
}

// StartStep marks the step running and records which agent is executing it.
// The first started step anchors the tracker's elapsed clock.
func (t *Tracker) StartStep(index int, agentName string) error {
	t.mu.Lock()
	step, err := t.stepLocked(index)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	now := t.now()
	if t.startTime.IsZero() {
		t.startTime = now
	}
	step.Status = models.StepStatusRunning
	step.AgentName = agentName
	step.StartTime = now
	if agentName != "" {
		t.activity[agentName] = step.Name
	}
	t.appendLogLocked("info", fmt.Sprintf("step started: %s (agent %s)", step.Name, agentName))
	t.mu.Unlock()

	t.notify()
	return nil
}

// UpdateStepProgress sets a running step's progress to a caller-supplied
// percentage, clamped to [0, 100]. Progress is reported, never inferred.
func (t *Tracker) UpdateStepProgress(index int, pct float64) error {
	t.mu.Lock()
	step, err := t.stepLocked(index)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	step.Progress = clamp(pct)
	t.mu.Unlock()

	t.notify()
	return nil
}

// CompleteStep finishes a step. A successful step's progress is pinned to
// 100 regardless of the last reported value; a failed step keeps its last
// progress and records the error.
func (t *Tracker) CompleteStep(index int, success bool, stepErr error) error {
	t.mu.Lock()
	step, err := t.stepLocked(index)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	step.EndTime = t.now()
	if success {
		step.Status = models.StepStatusCompleted
		step.Progress = 100
		t.appendLogLocked("info", fmt.Sprintf("step completed: %s", step.Name))
	} else {
		step.Status = models.StepStatusFailed
		if stepErr != nil {
			step.Error = stepErr.Error()
		}
		t.appendLogLocked("error", fmt.Sprintf("step failed: %s: %v", step.Name, stepErr))
	}
	if step.AgentName != "" {
		delete(t.activity, step.AgentName)
	}
	t.mu.Unlock()

	t.notify()
	return nil
}

// SetAgentActivity records what an agent is currently doing, for display.
func (t *Tracker) SetAgentActivity(agentName, activity string) {
	t.mu.Lock()
	if activity == "" {
		delete(t.activity, agentName)
	} else {
		t.activity[agentName] = activity
	}
	t.mu.Unlock()

	t.notify()
}

// AddLog appends an activity log entry, evicting the oldest beyond the cap.
func (t *Tracker) AddLog(level, message string) {
	t.mu.Lock()
	t.appendLogLocked(level, message)
	t.mu.Unlock()

	t.notify()
}

// RecentLogs returns up to n most recent log entries, oldest first.
func (t *Tracker) RecentLogs(n int) []LogEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n <= 0 || n > len(t.logs) {
		n = len(t.logs)
	}
	out := make([]LogEntry, n)
	copy(out, t.logs[len(t.logs)-n:])
	return out
}

// Snapshot returns the current aggregate view. The ETA is a linear
// extrapolation: (elapsed / completed) * remaining, zero until at least one
// step has completed.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Reset clears all steps, logs, activity, and timing for reuse.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.steps = nil
	t.logs = nil
	t.activity = make(map[string]string)
	t.startTime = time.Time{}
	t.mu.Unlock()

	t.notify()
}

func (t *Tracker) stepLocked(index int) (*Step, error) {
	if index < 0 || index >= len(t.steps) {
		return nil, fmt.Errorf("step index %d out of range (have %d steps)", index, len(t.steps))
	}
	return t.steps[index], nil
}

func (t *Tracker) appendLogLocked(level, message string) {
	t.logs = append(t.logs, LogEntry{Timestamp: t.now(), Level: level, Message: message})
	if len(t.logs) > maxLogEntries {
		t.logs = t.logs[len(t.logs)-maxLogEntries:]
	}
}

func (t *Tracker) snapshotLocked() Snapshot {
	snap := Snapshot{
		TotalSteps: len(t.steps),
		Steps:      make([]Step, len(t.steps)),
	}
	for i, step := range t.steps {
		snap.Steps[i] = *step
		snap.Steps[i].Substeps = append([]Substep(nil), step.Substeps...)
		switch step.Status {
		case models.StepStatusCompleted:
			snap.CompletedSteps++
		case models.StepStatusFailed:
			snap.FailedSteps++
		case models.StepStatusRunning:
			if snap.CurrentStep == "" {
				snap.CurrentStep = step.Name
			}
		}
	}

	if snap.TotalSteps > 0 {
		snap.OverallProgress = float64(snap.CompletedSteps) / float64(snap.TotalSteps) * 100
	}
	if !t.startTime.IsZero() {
		snap.Elapsed = t.now().Sub(t.startTime)
	}
	if snap.CompletedSteps > 0 && snap.CompletedSteps < snap.TotalSteps {
		perStep := snap.Elapsed / time.Duration(snap.CompletedSteps)
		snap.EstimatedRemain = perStep * time.Duration(snap.TotalSteps-snap.CompletedSteps)
	}
	if len(t.activity) > 0 {
		snap.AgentActivity = make(map[string]string, len(t.activity))
		for k, v := range t.activity {
			snap.AgentActivity[k] = v
		}
	}
	return snap
}

// notify delivers a snapshot to every callback, isolating panics.
func (t *Tracker) notify() {
	t.mu.Lock()
	cbs := append([]Callback(nil), t.callbacks...)
	snap := t.snapshotLocked()
	t.mu.Unlock()

	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("progress: callback panic recovered: %v", r)
				}
			}()
			cb(snap)
		}()
	}
}

func clamp(pct float64) float64 {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
