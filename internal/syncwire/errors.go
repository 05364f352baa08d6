package syncwire

import (
	"errors"
	"fmt"
)

// ErrNotConnected is wrapped in a *TransportError when a carrier has no
// live connection.
var ErrNotConnected = errors.New("not connected")

// ValidationError reports a malformed or unrecognized message. These indicate
// a protocol bug on the sending side and are surfaced, never dropped.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("VALIDATION_FAILED: %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidationError returns true if err wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TransportError reports that a message could not be handed to the channel.
// Recoverable: committed local state is kept and resent on reconnect.
type TransportError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("TRANSPORT_FAILED: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError returns true if err wraps a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
