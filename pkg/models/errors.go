package models

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the domain packages and mapped to HTTP
// statuses by the API layer.
var (
	// ErrNotFound indicates the resource does not exist or is not visible
	// to the caller.
	ErrNotFound = errors.New("resource not found")

	// ErrUnauthorized indicates the caller does not own the resource.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAlreadyResolved indicates an approval request has already left the
	// pending state; transitions are monotonic and frozen once resolved.
	ErrAlreadyResolved = errors.New("approval already resolved")

	// ErrGone indicates an approval request expired before the caller's
	// decision arrived.
	ErrGone = errors.New("approval timed out")
)

// ValidationError describes invalid input at a service boundary.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Message)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
