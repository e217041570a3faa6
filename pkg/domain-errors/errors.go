// Package dErrors provides coded domain errors. Services attach a Code to
// every error that crosses a module boundary; the HTTP layer translates codes
// into status responses without inspecting error strings.
package dErrors

import (
	"errors"
	"fmt"
)

// Code classifies a domain error for transport mapping and policy decisions.
type Code string

const (
	// CodeValidation marks a request that failed business validation.
	CodeValidation Code = "validation"
	// CodeInvalidInput marks malformed input rejected at a trust boundary.
	CodeInvalidInput Code = "invalid_input"
	// CodeBadRequest marks a structurally broken request (unparseable body).
	CodeBadRequest Code = "bad_request"
	// CodeNotFound marks a lookup that matched nothing the caller may see.
	CodeNotFound Code = "not_found"
	// CodeConflict marks a uniqueness or state conflict.
	CodeConflict Code = "conflict"
	// CodeUnauthorized marks a missing or unusable credential.
	CodeUnauthorized Code = "unauthorized"
	// CodeForbidden marks an authenticated caller acting outside its tenant.
	CodeForbidden Code = "forbidden"
	// CodeUnavailable marks a dependency that is temporarily down.
	CodeUnavailable Code = "unavailable"
	// CodeInternal marks everything else. Details are logged, not returned.
	CodeInternal Code = "internal"
)

// Error is a coded error with an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a coded error without a cause.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an existing error, preserving the
// cause for errors.Is / errors.As checks.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, cause: err}
}

// HasCode reports whether err (or anything it wraps) carries the given code.
func HasCode(err error, code Code) bool {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code == code
	}
	return false
}

// CodeOf returns the code carried by err, or CodeInternal when uncoded.
func CodeOf(err error) Code {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeInternal
}
