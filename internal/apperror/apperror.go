// Package apperror defines the error taxonomy shared by every layer.
//
// Services return *AppError values that wrap one of the sentinels below;
// the HTTP layer maps sentinels to status codes with errors.Is. Nothing in
// here knows about HTTP.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrValidation           = errors.New("Validation Error")
	ErrConflict             = errors.New("conflict")
	ErrPreconditionRequired = errors.New("precondition required")
	ErrPreconditionFailed   = errors.New("precondition failed")
	ErrUnauthenticated      = errors.New("unauthenticated")
	ErrUpstream             = errors.New("upstream failure")
	ErrUnavailable          = errors.New("unavailable")
)

type AppError struct {
	Err     error  // actual error
	Message string // Human-readable error message
	Field   string // Optional: field causing the error
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

// Conflict reports a uniqueness violation on the given field.
func Conflict(resource, field, value string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s with %s %s already exists", resource, field, value),
		Field:   field,
	}
}

// PreconditionRequired is returned when a write arrives without If-Match.
func PreconditionRequired(message string) *AppError {
	return &AppError{
		Err:     ErrPreconditionRequired,
		Message: message,
	}
}

// PreconditionFailed is returned when the client's validator is stale.
func PreconditionFailed(message string) *AppError {
	return &AppError{
		Err:     ErrPreconditionFailed,
		Message: message,
	}
}

func Unauthenticated(message string) *AppError {
	return &AppError{
		Err:     ErrUnauthenticated,
		Message: message,
	}
}

// Upstream wraps a failure of an external collaborator (identity provider,
// JWT service). The cause is kept for logs but never shown to clients.
func Upstream(message string, cause error) *AppError {
	err := ErrUpstream
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrUpstream, cause)
	}
	return &AppError{
		Err:     err,
		Message: message,
	}
}

// Unavailable marks a feature that is not configured or a dependency that
// cannot be reached at all.
func Unavailable(message string) *AppError {
	return &AppError{
		Err:     ErrUnavailable,
		Message: message,
	}
}
