package orchestrator

import (
	"errors"
	"fmt"
)

// Severity says how a step failure affects the cycle.
type Severity string

const (
	// SeverityCritical ends the cycle as failed.
	SeverityCritical Severity = "critical"
	// SeverityHigh is recorded and the step continues.
	SeverityHigh Severity = "high"
	// SeverityLow is logged only.
	SeverityLow Severity = "low"
)

// StepError is a classified failure inside an orchestration step.
type StepError struct {
	Op       string // failing operation, e.g. "generate_code"
	Severity Severity
	Reason   string // user-visible, used as the failure message
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s failed (%s): %v", e.Op, e.Severity, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func critical(op, reason string, err error) *StepError {
	return &StepError{Op: op, Severity: SeverityCritical, Reason: reason, Err: err}
}

func high(op string, err error) *StepError {
	return &StepError{Op: op, Severity: SeverityHigh, Err: err}
}

func low(op string, err error) *StepError {
	return &StepError{Op: op, Severity: SeverityLow, Err: err}
}

// IsCritical reports whether err carries a critical StepError.
func IsCritical(err error) bool {
	var se *StepError
	return errors.As(err, &se) && se.Severity == SeverityCritical
}

// User-visible failure reasons.
const (
	ReasonMaxIterations    = "Maximum iterations reached"
	ReasonCodeFailed       = "Code generation failed"
	ReasonReviewFailed     = "Review failed"
	ReasonScheduleFailed   = "Could not schedule the next iteration"
	ReasonCITimeout        = "Timed out waiting for CI"
	ReasonApproved         = "Code approved and CI passed"
	ReasonRestarted        = "Restarted by request"
	reasonUnresolvedPrefix = "Max iterations reached or unresolvable issues. Last recommendation: "
)
