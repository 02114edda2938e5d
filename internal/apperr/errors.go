// Package apperr defines the error kinds the HTTP layer maps to status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// ValidationError represents bad or missing client input: no file, wrong
// type, an invalid preset or unusable resize parameters.
type ValidationError struct {
	Field  string // Form field at fault, empty when the request as a whole is invalid
	Reason string // Human-readable message returned to the client
	Err    error  // Underlying error, if any
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Invalid is a shorthand for a ValidationError without an underlying cause.
func Invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// NotFoundError represents an unknown artifact, record or backing file.
type NotFoundError struct {
	Resource string // Kind of the missing thing ("file", "artifact")
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.Resource == "" {
		return "Not found"
	}

	return fmt.Sprintf("%s not found", capitalize(e.Resource))
}

// ForbiddenError represents a refused capability, such as an invalid,
// expired or already consumed download token.
type ForbiddenError struct {
	Reason string // Human-readable message returned to the client
	Err    error
}

func (e *ForbiddenError) Error() string {
	switch {
	case e.Reason != "":
		return e.Reason
	case e.Err != nil:
		return e.Err.Error()
	default:
		return "Forbidden"
	}
}

func (e *ForbiddenError) Unwrap() error {
	return e.Err
}

// StatusCode maps an error to the HTTP status the client receives and
// reports whether the error is a known kind. Unknown errors are 500.
func StatusCode(err error) (int, bool) {
	var (
		validationErr *ValidationError
		notFoundErr   *NotFoundError
		forbiddenErr  *ForbiddenError
		maxBytesErr   *http.MaxBytesError
	)

	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest, true
	case errors.As(err, &maxBytesErr):
		return http.StatusBadRequest, true
	case errors.As(err, &forbiddenErr):
		return http.StatusForbidden, true
	case errors.As(err, &notFoundErr):
		return http.StatusNotFound, true
	default:
		return http.StatusInternalServerError, false
	}
}

func capitalize(s string) string {
	if s == "" || s[0] < 'a' || s[0] > 'z' {
		return s
	}

	return string(s[0]-'a'+'A') + s[1:]
}
