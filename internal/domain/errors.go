package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a record is absent or not yet visible to queries.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a create collided with an existing record or a save
	// lost a race with a concurrent write.
	ErrConflict = errors.New("record conflict")
	// ErrTransient indicates a network or availability failure worth retrying.
	ErrTransient = errors.New("store temporarily unavailable")
	// ErrPermanentFailure indicates the retry budget was exhausted.
	ErrPermanentFailure = errors.New("retry budget exhausted")
)

// ValidationError reports malformed caller input. It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsRetryable reports whether err belongs to the retry-with-backoff class.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrTransient)
}
