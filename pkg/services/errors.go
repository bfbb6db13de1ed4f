// Package services implements the domain operations behind the API: session
// and message persistence, plan management, and agent/project CRUD. Every
// domain write commits together with its outbox event.
package services

import "github.com/hiveplane/hiveplane/pkg/models"

// Sentinel errors and validation helpers live in models so that lower-level
// packages can return them without importing this one; the aliases keep the
// service-facing names.
var (
	ErrNotFound        = models.ErrNotFound
	ErrUnauthorized    = models.ErrUnauthorized
	ErrAlreadyResolved = models.ErrAlreadyResolved
	ErrGone            = models.ErrGone
)

// ValidationError describes invalid input at a service boundary.
type ValidationError = models.ValidationError

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, message string) *ValidationError {
	return models.NewValidationError(field, message)
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	return models.IsValidationError(err)
}
