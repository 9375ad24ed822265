package orchestrator

import (
	"errors"
	"fmt"
)

// ErrStepTimeout distinguishes a timeout from other step failures.
// Match with errors.Is on a *StepError.
var ErrStepTimeout = errors.New("step timed out")

// ConfigError reports a malformed pipeline definition: empty name, no
// steps, unknown dependencies, or a cycle. It is fatal and raised before
// any step executes.
type ConfigError struct {
	Pipeline string
	Reason   string
	Err      error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid pipeline %q: %s: %v", e.Pipeline, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid pipeline %q: %s", e.Pipeline, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// StepError reports a single step failure with the originating agent key,
// how many attempts were made, and whether the cause was a timeout. An
// optional step's error is recorded on the run report but never aborts it.
type StepError struct {
	Step     string
	Attempts int
	Timeout  bool
	Optional bool
	Err      error
}

func (e *StepError) Error() string {
	cause := "failed"
	if e.Timeout {
		cause = "timed out"
	}
	if e.Attempts > 1 {
		return fmt.Sprintf("step %s %s after %d attempts: %v", e.Step, cause, e.Attempts, e.Err)
	}
	return fmt.Sprintf("step %s %s: %v", e.Step, cause, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrStepTimeout) match timed-out step errors.
func (e *StepError) Is(target error) bool {
	return target == ErrStepTimeout && e.Timeout
}
