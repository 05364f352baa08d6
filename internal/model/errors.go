package model

import (
	"errors"
	"fmt"

	"github.com/roach88/fmsync/internal/ir"
)

// PreconditionError reports an operation that cannot apply to the current
// document. Remote operations with failed preconditions are silently skipped
// during projection; local proposals surface this error so the run aborts.
type PreconditionError struct {
	Kind   ir.OpKind
	Target string
	Reason string
}

// Error implements the error interface.
func (e *PreconditionError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("PRECONDITION_FAILED: %s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("PRECONDITION_FAILED: %s %q: %s", e.Kind, e.Target, e.Reason)
}

// IsPreconditionError returns true if err wraps a *PreconditionError.
func IsPreconditionError(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}

// InvariantError reports a document that violates a structural invariant.
// Projection never produces one; seeing it means a bug in Apply.
type InvariantError struct {
	Feature string
	Reason  string
}

// Error implements the error interface.
func (e *InvariantError) Error() string {
	return fmt.Sprintf("INVARIANT_VIOLATION: feature %q: %s", e.Feature, e.Reason)
}
