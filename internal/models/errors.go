package models

import (
	"errors"
	"fmt"
)

// ErrNotFound is the 404-equivalent for any repository lookup. A clip that
// disappears mid-worker-run is detected through this sentinel and treated as
// stale rather than as a failure.
var ErrNotFound = errors.New("not found")

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ValidationError marks bad caller input (empty clip set, invalid max_parallel).
// It is raised synchronously and never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ExternalServiceError marks a failure of a collaborator (generation API,
// object storage). It is recorded on the affected entity and propagated so
// the outer queue's retry policy can act; core never retries implicitly.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}
