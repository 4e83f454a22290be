package playbook

import (
	"errors"
	"fmt"
)

var (
	// Store errors.
	ErrNoStore     = errors.New("playbook: no store configured")
	ErrStoreClosed = errors.New("playbook: store closed")

	// Not found errors.
	ErrRunNotFound     = errors.New("playbook: run not found")
	ErrStepRunNotFound = errors.New("playbook: step run not found")
	ErrJobNotFound     = errors.New("playbook: job not found")

	// Conflict errors.
	ErrRunAlreadyExists  = errors.New("playbook: run already exists")
	ErrStepAlreadyExists = errors.New("playbook: step run already exists")

	// State errors.
	ErrRunTerminal      = errors.New("playbook: run is in a terminal state")
	ErrRunNotResumable  = errors.New("playbook: run has no failed steps to resume")
	ErrNoHandler        = errors.New("playbook: no handler registered for step type")
	ErrAttemptsExceeded = errors.New("playbook: max attempts exceeded")
)

// ValidationError reports a malformed playbook graph: a dependency cycle,
// no entry step, a dangling edge reference, or an invalid branch config.
// Submissions failing validation are rejected before a run is created.
type ValidationError struct {
	Reason string
	Step   string // offending step key, if attributable to one step
}

func (e *ValidationError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("playbook: invalid graph: %s (step %q)", e.Reason, e.Step)
	}
	return "playbook: invalid graph: " + e.Reason
}

// NewValidationError builds a ValidationError for the given step key.
// Pass an empty step key for graph-wide problems.
func NewValidationError(reason, step string) *ValidationError {
	return &ValidationError{Step: step, Reason: reason}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
