package retrieval

import (
	"errors"
	"fmt"
)

// ErrTaskNotFound is returned when a task id cannot be resolved.
var ErrTaskNotFound = errors.New("retrieval task not found")

// ErrImageNotFound is returned when an image id cannot be resolved.
var ErrImageNotFound = errors.New("image not found")

// ErrDuplicateCommand is returned by the ledger when a command id has already
// been processed; callers replay the recorded result instead of reapplying.
var ErrDuplicateCommand = errors.New("command already processed")

// ErrConcurrentModification is returned when an optimistic version check
// fails because another writer committed first. It is transient: the command
// is retried against the fresh state.
var ErrConcurrentModification = errors.New("task modified concurrently")

// ValidationError indicates malformed or missing input. It is permanent:
// redelivering the command cannot make it valid.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// InvalidStateTransitionError indicates a command that does not apply to the
// task's current lifecycle state. It is permanent.
type InvalidStateTransitionError struct {
	From TaskStatus
	To   TaskStatus
}

// NewInvalidStateTransitionError creates an InvalidStateTransitionError.
func NewInvalidStateTransitionError(from, to TaskStatus) *InvalidStateTransitionError {
	return &InvalidStateTransitionError{From: from, To: to}
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid task status transition from %s to %s", e.From, e.To)
}

// TransientError wraps an infrastructure failure (storage or transport
// unavailable) that is safe to retry with backoff.
type TransientError struct {
	Err error
}

// NewTransientError wraps err as retryable.
func NewTransientError(err error) *TransientError { return &TransientError{Err: err} }

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }

func (e *TransientError) Unwrap() error { return e.Err }

// IsPermanent reports whether err should not be retried. Permanent failures
// are acknowledged and recorded; everything else is eligible for redelivery.
func IsPermanent(err error) bool {
	var ve *ValidationError
	var te *InvalidStateTransitionError
	switch {
	case errors.As(err, &ve), errors.As(err, &te):
		return true
	case errors.Is(err, ErrTaskNotFound), errors.Is(err, ErrImageNotFound):
		return true
	default:
		return false
	}
}

// IsTransient reports whether err is explicitly retryable. Concurrent
// modification conflicts count: the retry re-reads the fresh task state.
func IsTransient(err error) bool {
	var tr *TransientError
	return errors.As(err, &tr) || errors.Is(err, ErrConcurrentModification)
}
