package orchestrator

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrSuperseded is the cancellation cause of a run replaced by a newer run
	// for the same owner.
	ErrSuperseded = errors.New("superseded")
	// ErrTimedOut is the cancellation cause of a run that hit its deadline.
	ErrTimedOut = errors.New("timed out")
)

// CheckExecutionError is a job failure that is recorded as a failed check.
type CheckExecutionError struct {
	Rule   string
	Column string
	Panic  bool
	Err    error
}

func (e *CheckExecutionError) Error() string {
	if e.Panic {
		return fmt.Sprintf("rule %s on %s panicked: %v", e.Rule, e.Column, e.Err)
	}
	return fmt.Sprintf("rule %s on %s failed: %v", e.Rule, e.Column, e.Err)
}

func (e *CheckExecutionError) Unwrap() error { return e.Err }

// OrchestrationFault is a resource failure that fails the whole run, such as
// an unreadable dataset or an unavailable result store.
type OrchestrationFault struct {
	RunID uuid.UUID
	Op    string
	Err   error
}

func (e *OrchestrationFault) Error() string {
	return fmt.Sprintf("run %s: %s: %v", e.RunID, e.Op, e.Err)
}

func (e *OrchestrationFault) Unwrap() error { return e.Err }

func fault(runID uuid.UUID, op string, err error) *OrchestrationFault {
	return &OrchestrationFault{RunID: runID, Op: op, Err: err}
}

type supersededError struct {
	by uuid.UUID
}

func (e *supersededError) Error() string { return "superseded by run " + e.by.String() }

func (e *supersededError) Is(target error) bool { return target == ErrSuperseded }
