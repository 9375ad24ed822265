package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/skovlund/maestro/internal/loop"
	"github.com/skovlund/maestro/pkg/models"
)

// ErrLoopFailed indicates the inner refinement loop was aborted. It is
// always fatal to the loop and surfaces as an ordinary step failure to the
// enclosing pipeline.
var ErrLoopFailed = errors.New("refine loop failed")

// GenerateFunc produces a candidate output. feedback carries the previous
// iteration's review notes (empty on the first pass) and qualityScore is the
// generator's self-assessment.
type GenerateFunc func(ctx context.Context, input any, feedback []string) (output any, qualityScore float64, err error)

// ReviewFunc scores a candidate output. convergenceScore is a [0,1] quality
// metric; feedback lists concrete improvement notes for the next pass.
type ReviewFunc func(ctx context.Context, output any) (convergenceScore float64, feedback []string, err error)

// RefineResult is the output of a Refiner step.
type RefineResult struct {
	// Output is the final candidate from the last iteration.
	Output any `json:"output"`
	// Iterations is the number of generation/review passes performed.
	Iterations int `json:"iterations"`
	// Converged is true when the threshold was met, false when the loop
	// ended at the iteration cap.
	Converged bool `json:"converged"`
	// FinalScore is the last convergence score.
	FinalScore float64 `json:"final_score"`
	// Feedback is the accumulated review feedback across all iterations.
	Feedback []string `json:"feedback,omitempty"`
}

// Refiner is an agent whose Process drives an internal generate/review
// convergence loop: generate a candidate, review it, and regenerate with the
// review's feedback until the convergence threshold or iteration cap is hit.
type Refiner struct {
	meta          models.AgentMetadata
	generate      GenerateFunc
	review        ReviewFunc
	threshold     float64
	maxIterations int

	mu      sync.Mutex
	tracker *loop.Tracker
}

// NewRefiner creates a refinement agent. threshold and maxIterations use the
// loop package defaults when non-positive.
func NewRefiner(meta models.AgentMetadata, generate GenerateFunc, review ReviewFunc, threshold float64, maxIterations int) *Refiner {
	return &Refiner{
		meta:          meta,
		generate:      generate,
		review:        review,
		threshold:     threshold,
		maxIterations: maxIterations,
	}
}

// Metadata implements Agent.
func (r *Refiner) Metadata() models.AgentMetadata { return r.meta }

// ValidateInput implements Agent. A nil input cannot be refined.
func (r *Refiner) ValidateInput(input any) models.ValidationResult {
	if input == nil {
		return models.ValidationResult{
			IsValid:  false,
			Warnings: []string{"refinement requires a non-nil input"},
		}
	}
	return models.ValidationResult{IsValid: true}
}

// Tracker returns the loop tracker of the most recent Process call, or nil
// before the first run. Observers use it for the loop's status surface.
func (r *Refiner) Tracker() *loop.Tracker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tracker
}

// Process implements Agent. It records every phase transition in a fresh
// loop tracker and returns a RefineResult once the tracker terminates.
func (r *Refiner) Process(ctx context.Context, input any, run *Context) (any, error) {
	tracker := loop.New(r.threshold, r.maxIterations)
	r.mu.Lock()
	r.tracker = tracker
	r.mu.Unlock()

	tracker.StartLoop()

	var output any
	var allFeedback []string
	var feedback []string

	for {
		if err := ctx.Err(); err != nil {
			tracker.FailLoop(err.Error())
			return nil, fmt.Errorf("%w: %v", ErrLoopFailed, err)
		}

		candidate, quality, err := r.generate(ctx, input, feedback)
		if err != nil {
			tracker.FailLoop(fmt.Sprintf("generation: %v", err))
			return nil, fmt.Errorf("%w: generation: %v", ErrLoopFailed, err)
		}
		output = candidate
		tracker.CompleteGeneration(quality)

		score, notes, err := r.review(ctx, candidate)
		if err != nil {
			tracker.FailLoop(fmt.Sprintf("review: %v", err))
			return nil, fmt.Errorf("%w: review: %v", ErrLoopFailed, err)
		}
		for _, note := range notes {
			tracker.AddFeedback(note)
		}
		allFeedback = append(allFeedback, notes...)
		tracker.CompleteReview(score)

		if !tracker.ShouldContinue() {
			break
		}
		// Prior feedback seeds the next generation prompt.
		feedback = notes
	}

	iterations := tracker.Iterations()
	last := iterations[len(iterations)-1]
	return RefineResult{
		Output:     output,
		Iterations: len(iterations),
		Converged:  last.ConvergenceScore >= tracker.CurrentStatus().ConvergenceThreshold,
		FinalScore: last.ConvergenceScore,
		Feedback:   allFeedback,
	}, nil
}
