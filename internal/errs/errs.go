// Package errs defines the typed failure taxonomy shared by every
// operation boundary: validation, not-found, state, conflict, and
// authorization failures, each carrying a machine-readable code.
package errs

import "fmt"

// Code is a machine-readable error code.
type Code string

const (
	CodeValidation    Code = "VALIDATION"
	CodeNotFound      Code = "NOT_FOUND"
	CodeState         Code = "STATE"
	CodeConflict      Code = "CONFLICT"
	CodeAuthorization Code = "AUTHORIZATION"
)

// Error is the domain error type. Two Errors match under errors.Is when
// their codes are equal, so callers branch on code, not message.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// CodeOf extracts the code from err, walking the wrap chain.
// Returns empty string for non-domain errors.
func CodeOf(err error) Code {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}

func newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return newf(CodeValidation, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newf(CodeNotFound, format, args...)
}

func State(format string, args ...any) *Error {
	return newf(CodeState, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return newf(CodeConflict, format, args...)
}

func Authorization(format string, args ...any) *Error {
	return newf(CodeAuthorization, format, args...)
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}
