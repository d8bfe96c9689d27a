// Package errors defines the proxy's typed error kinds, used to carry
// the error-handling policy of the system across package boundaries
// without string-matching error text.
package errors

import "fmt"

// Code identifies a recognized error kind.
type Code string

// Error kinds recognized by the proxy's error-handling policy.
const (
	CodeSocketClosed             Code = "socket-closed"
	CodeSocketError              Code = "socket-error"
	CodeMalformedMessage         Code = "malformed-message"
	CodeUnauthenticatedSubmit    Code = "unauthenticated-submit"
	CodeUpstreamRejectedShare    Code = "upstream-rejected-share"
	CodeUnknownResponseID        Code = "unknown-response-id"
	CodeCapacityExceededOnCreate Code = "capacity-exceeded-on-create"
)

// AppError represents an application error
type AppError struct {
	Code    Code
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError
func New(code Code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new AppError wrapping another error
func Wrap(code Code, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether err is an *AppError carrying the given code.
func Is(err error, code Code) bool {
	ae, ok := err.(*AppError)
	return ok && ae.Code == code
}
