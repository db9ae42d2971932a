// Package apperrors defines the error taxonomy shared by the gateway's
// storage backends, workflows and HTTP layer.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for HTTP mapping and retry/fallback decisions.
type Kind int

const (
	// KindInternal is the catch-all for unexpected failures.
	KindInternal Kind = iota
	// KindValidation marks bad columns, filters or payload shapes.
	KindValidation
	// KindForbidden marks requests against non-whitelisted tables.
	KindForbidden
	// KindNotFound marks operations that matched zero rows.
	KindNotFound
	// KindConflict marks illegal state transitions.
	KindConflict
	// KindConnection marks backend-unreachable failures. These trigger mode
	// demotion and are never surfaced verbatim to HTTP callers.
	KindConnection
)

// Error carries a kind alongside a message and optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the error kind to a response status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Validationf builds a validation error.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Forbiddenf builds a table-not-whitelisted error.
func Forbiddenf(format string, args ...any) *Error {
	return &Error{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

// NotFoundf builds a zero-rows-matched error.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflictf builds an illegal-state-transition error.
func Conflictf(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// Connection wraps a backend-unreachable failure.
func Connection(msg string, err error) *Error {
	return &Error{Kind: KindConnection, Message: msg, Err: err}
}

// Internal wraps an unexpected failure.
func Internal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Message: msg, Err: err}
}

// KindOf extracts the kind of err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
