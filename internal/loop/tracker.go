// Package loop tracks an iterative generation/review refinement loop and
// decides when it has converged. The tracker records state and recommends
// continuation; it never spawns work itself.
package loop

import (
	"fmt"
	"sync"
	"time"

	"github.com/skovlund/maestro/pkg/models"
)

// State is the loop state machine position.
type State string

const (
	// StateIdle is the initial state before StartLoop.
	StateIdle State = "idle"
	// StateGeneration indicates the generation phase is active.
	StateGeneration State = "generation"
	// StateReview indicates the review phase is active.
	StateReview State = "review"
	// StateCompleted is terminal: threshold met or iteration cap reached.
	StateCompleted State = "completed"
	// StateFailed is terminal: the loop was explicitly failed.
	StateFailed State = "failed"
)

// Terminal returns true for states the loop can never leave.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// DefaultConvergenceThreshold is used when no threshold is configured.
const DefaultConvergenceThreshold = 0.9

// DefaultMaxIterations caps the loop when no limit is configured.
const DefaultMaxIterations = 5

// maxLogEntries bounds the tracker's log ring.
const maxLogEntries = 100

// Iteration records one pass through the generation and review phases.
// Once both phases are completed the iteration is frozen.
type Iteration struct {
	// Number is the 1-based iteration index.
	Number int `json:"number"`
	// StartTime is when the iteration began.
	StartTime time.Time `json:"start_time"`
	// EndTime is when the review phase completed, zero while running.
	EndTime time.Time `json:"end_time,omitempty"`
	// GenerationProgress is the caller-reported generation percentage.
	GenerationProgress float64 `json:"generation_progress"`
	// ReviewProgress is the caller-reported review percentage.
	ReviewProgress float64 `json:"review_progress"`
	// GenerationStatus is pending, running, or completed.
	GenerationStatus models.StepStatus `json:"generation_status"`
	// ReviewStatus is pending, running, or completed.
	ReviewStatus models.StepStatus `json:"review_status"`
	// Feedback accumulates review feedback in arrival order.
	Feedback []string `json:"feedback,omitempty"`
	// QualityScore is the generation phase's self-assessed quality.
	QualityScore float64 `json:"quality_score"`
	// ConvergenceScore is the review phase's [0,1] convergence metric.
	ConvergenceScore float64 `json:"convergence_score"`
}

// Duration returns how long the iteration has been running, or took.
func (it Iteration) Duration() time.Duration {
	if !it.EndTime.IsZero() {
		return it.EndTime.Sub(it.StartTime)
	}
	return time.Since(it.StartTime)
}

// IsComplete reports whether both phases finished.
func (it Iteration) IsComplete() bool {
	return it.GenerationStatus == models.StepStatusCompleted &&
		it.ReviewStatus == models.StepStatusCompleted
}

// LogEntry is one line in the tracker's bounded log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Source    string    `json:"source"`
}

// Status is an observer snapshot of the loop.
type Status struct {
	State                State      `json:"state"`
	ActiveProcess        string     `json:"active_process,omitempty"`
	TotalIterations      int        `json:"total_iterations"`
	MaxIterations        int        `json:"max_iterations"`
	ConvergenceThreshold float64    `json:"convergence_threshold"`
	IsRunning            bool       `json:"is_running"`
	IsCompleted          bool       `json:"is_completed"`
	HasFailed            bool       `json:"has_failed"`
	TotalDuration        float64    `json:"total_duration_seconds"`
	CurrentIteration     *Iteration `json:"current_iteration,omitempty"`
	LatestFeedback       []string   `json:"latest_feedback,omitempty"`
}

// Tracker is the convergence-loop state machine. All methods are safe for
// concurrent use; observers read snapshots while the executing step drives
// the transitions.
type Tracker struct {
	mu sync.Mutex

	threshold     float64
	maxIterations int

	state         State
	activeProcess string // "generation", "review", or ""
	iterations    []*Iteration
	startTime     time.Time
	endTime       time.Time
	failReason    string
	logs          []LogEntry
}

// New creates a tracker with the given convergence threshold and iteration
// cap. Non-positive arguments fall back to the defaults.
func New(threshold float64, maxIterations int) *Tracker {
	if threshold <= 0 {
		threshold = DefaultConvergenceThreshold
	}
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return &Tracker{
		threshold:     threshold,
		maxIterations: maxIterations,
		state:         StateIdle,
		startTime:     time.Now(),
	}
}

// StartLoop transitions Idle -> Generation and opens iteration #1.
func (t *Tracker) StartLoop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.Terminal() {
		return
	}
	t.state = StateGeneration
	t.activeProcess = "generation"
	t.startTime = time.Now()
	t.addLogLocked("starting generation-review loop", "info", "system")
	t.startIterationLocked()
	t.current().GenerationStatus = models.StepStatusRunning
}

// startIterationLocked appends a fresh iteration. Caller must hold the lock.
func (t *Tracker) startIterationLocked() {
	it := &Iteration{
		Number:           len(t.iterations) + 1,
		StartTime:        time.Now(),
		GenerationStatus: models.StepStatusPending,
		ReviewStatus:     models.StepStatusPending,
	}
	t.iterations = append(t.iterations, it)
	t.addLogLocked(fmt.Sprintf("starting iteration #%d", it.Number), "info", "system")
}

// current returns the open iteration. Caller must hold the lock and have
// verified at least one iteration exists.
func (t *Tracker) current() *Iteration {
	return t.iterations[len(t.iterations)-1]
}

// UpdateGenerationProgress records caller-reported generation progress.
func (t *Tracker) UpdateGenerationProgress(progress float64, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.iterations) == 0 || t.state.Terminal() {
		return
	}
	t.current().GenerationProgress = clampPercent(progress)
	if message != "" {
		t.addLogLocked("generation: "+message, "info", "generation")
	}
}

// CompleteGeneration marks the generation phase completed, stores the quality
// score, and automatically starts the review phase of the same iteration.
// Generation and review are never triggered independently.
func (t *Tracker) CompleteGeneration(qualityScore float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.iterations) == 0 || t.state.Terminal() {
		return
	}

	it := t.current()
	it.GenerationStatus = models.StepStatusCompleted
	it.GenerationProgress = 100
	it.QualityScore = qualityScore
	t.addLogLocked("generation completed", "success", "generation")

	t.state = StateReview
	t.activeProcess = "review"
	it.ReviewStatus = models.StepStatusRunning
	t.addLogLocked("starting review", "info", "review")
}

// UpdateReviewProgress records caller-reported review progress.
func (t *Tracker) UpdateReviewProgress(progress float64, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.iterations) == 0 || t.state.Terminal() {
		return
	}
	t.current().ReviewProgress = clampPercent(progress)
	if message != "" {
		t.addLogLocked("review: "+message, "info", "review")
	}
}

// AddFeedback appends review feedback to the current iteration. The tracker
// only stores it; feeding it into the next generation is the caller's job.
func (t *Tracker) AddFeedback(feedback string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.iterations) == 0 || t.state.Terminal() {
		return
	}
	t.current().Feedback = append(t.current().Feedback, feedback)
	t.addLogLocked("feedback: "+feedback, "info", "review")
}

// CompleteReview marks the review phase completed, stores the convergence
// score, and applies the termination policy: converged or capped loops end
// in Completed, anything else opens the next iteration's generation phase.
func (t *Tracker) CompleteReview(convergenceScore float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.iterations) == 0 || t.state.Terminal() {
		return
	}

	it := t.current()
	it.ReviewStatus = models.StepStatusCompleted
	it.ReviewProgress = 100
	it.ConvergenceScore = convergenceScore
	it.EndTime = time.Now()
	t.addLogLocked(fmt.Sprintf("review completed, convergence score %.2f", convergenceScore), "success", "review")

	switch {
	case convergenceScore >= t.threshold:
		t.completeLocked()
	case len(t.iterations) >= t.maxIterations:
		// Cap reached: best effort, not a failure.
		t.addLogLocked("maximum iterations reached", "warning", "system")
		t.completeLocked()
	default:
		t.addLogLocked("starting next iteration based on feedback", "info", "system")
		t.startIterationLocked()
		t.state = StateGeneration
		t.activeProcess = "generation"
		t.current().GenerationStatus = models.StepStatusRunning
	}
}

// completeLocked ends the loop in Completed. Caller must hold the lock.
func (t *Tracker) completeLocked() {
	t.state = StateCompleted
	t.activeProcess = ""
	t.endTime = time.Now()
	t.addLogLocked("generation-review loop completed", "success", "system")
}

// FailLoop transitions any non-terminal state to Failed, freezing history.
func (t *Tracker) FailLoop(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.Terminal() {
		return
	}
	t.state = StateFailed
	t.activeProcess = ""
	t.failReason = reason
	t.endTime = time.Now()
	t.addLogLocked("loop failed: "+reason, "error", "system")
}

// ShouldContinue reports whether the caller's external loop should run
// another iteration. False as soon as the state is terminal, the latest
// convergence score meets the threshold, or the iteration cap is reached.
func (t *Tracker) ShouldContinue() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.Terminal() {
		return false
	}
	if len(t.iterations) == 0 {
		return true
	}
	return t.current().ConvergenceScore < t.threshold &&
		len(t.iterations) < t.maxIterations
}

// State returns the current state machine position.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// FailReason returns the reason passed to FailLoop, if any.
func (t *Tracker) FailReason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failReason
}

// Iterations returns copies of every iteration, oldest first.
func (t *Tracker) Iterations() []Iteration {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Iteration, 0, len(t.iterations))
	for _, it := range t.iterations {
		copied := *it
		copied.Feedback = append([]string(nil), it.Feedback...)
		out = append(out, copied)
	}
	return out
}

// CurrentStatus returns an observer snapshot of the loop.
func (t *Tracker) CurrentStatus() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	status := Status{
		State:                t.state,
		ActiveProcess:        t.activeProcess,
		TotalIterations:      len(t.iterations),
		MaxIterations:        t.maxIterations,
		ConvergenceThreshold: t.threshold,
		IsRunning:            t.state == StateGeneration || t.state == StateReview,
		IsCompleted:          t.state == StateCompleted,
		HasFailed:            t.state == StateFailed,
		TotalDuration:        t.totalDurationLocked().Seconds(),
	}

	if len(t.iterations) > 0 {
		it := *t.current()
		it.Feedback = append([]string(nil), t.current().Feedback...)
		status.CurrentIteration = &it

		// Tail of the feedback list, most useful for display.
		feedback := it.Feedback
		if len(feedback) > 3 {
			feedback = feedback[len(feedback)-3:]
		}
		status.LatestFeedback = feedback
	}

	return status
}

// ConvergenceProgress returns how close the latest iteration is to the
// threshold, as a percentage capped at 100.
func (t *Tracker) ConvergenceProgress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.iterations) == 0 {
		return 0
	}
	progress := t.current().ConvergenceScore / t.threshold * 100
	if progress > 100 {
		progress = 100
	}
	return progress
}

// TotalDuration returns the elapsed loop time, frozen once terminal.
func (t *Tracker) TotalDuration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalDurationLocked()
}

func (t *Tracker) totalDurationLocked() time.Duration {
	if !t.endTime.IsZero() {
		return t.endTime.Sub(t.startTime)
	}
	return time.Since(t.startTime)
}

// RecentLogs returns up to count trailing log entries.
func (t *Tracker) RecentLogs(count int) []LogEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	if count <= 0 || count > len(t.logs) {
		count = len(t.logs)
	}
	out := make([]LogEntry, count)
	copy(out, t.logs[len(t.logs)-count:])
	return out
}

// addLogLocked appends a log entry, dropping the oldest past capacity.
// Caller must hold the lock.
func (t *Tracker) addLogLocked(message, level, source string) {
	t.logs = append(t.logs, LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
		Source:    source,
	})
	if len(t.logs) > maxLogEntries {
		t.logs = t.logs[len(t.logs)-maxLogEntries:]
	}
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
