package kernel

import (
	"errors"
	"fmt"

	"github.com/roach88/fmsync/internal/ir"
)

// RuntimeError reports misuse of the kernel lifecycle or a failed checkpoint.
// Initialization errors are programmer errors and surface immediately.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// Artifact identifies the affected artifact.
	Artifact ir.ArtifactID

	// Err is the underlying cause, if any.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeAlreadyInitialized indicates a second Initialize for an artifact.
	ErrCodeAlreadyInitialized RuntimeErrorCode = "ALREADY_INITIALIZED"

	// ErrCodeUninitializedArtifact indicates Run on an artifact never initialized.
	ErrCodeUninitializedArtifact RuntimeErrorCode = "UNINITIALIZED_ARTIFACT"

	// ErrCodeCheckpointFailed indicates the store rejected a write; nothing
	// was committed.
	ErrCodeCheckpointFailed RuntimeErrorCode = "CHECKPOINT_FAILED"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s (artifact=%s)", e.Code, e.Message, e.Artifact)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsAlreadyInitialized returns true for a double Initialize.
func IsAlreadyInitialized(err error) bool {
	return hasCode(err, ErrCodeAlreadyInitialized)
}

// IsUninitializedArtifact returns true for use before Initialize.
func IsUninitializedArtifact(err error) bool {
	return hasCode(err, ErrCodeUninitializedArtifact)
}

// IsCheckpointFailed returns true when a commit was refused by the store.
func IsCheckpointFailed(err error) bool {
	return hasCode(err, ErrCodeCheckpointFailed)
}

func newAlreadyInitializedError(artifact ir.ArtifactID, site ir.SiteID) *RuntimeError {
	return &RuntimeError{
		Code:     ErrCodeAlreadyInitialized,
		Message:  fmt.Sprintf("artifact already bound to site %s", site),
		Artifact: artifact,
	}
}

func newUninitializedError(artifact ir.ArtifactID) *RuntimeError {
	return &RuntimeError{
		Code:     ErrCodeUninitializedArtifact,
		Message:  "artifact was never initialized",
		Artifact: artifact,
	}
}

func newCheckpointError(artifact ir.ArtifactID, count int, err error) *RuntimeError {
	return &RuntimeError{
		Code:     ErrCodeCheckpointFailed,
		Message:  fmt.Sprintf("checkpoint of %d operations failed", count),
		Artifact: artifact,
		Err:      err,
	}
}
