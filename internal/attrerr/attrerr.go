// Package attrerr defines the error-code taxonomy shared by every attrsvc
// component. Components never panic across a package boundary; they return
// *Error values that the HTTP adapter maps to status codes.
package attrerr

import "fmt"

// Code identifies a stable, machine-readable failure reason.
type Code string

const (
	InvalidPath        Code = "INVALID_PATH"
	OutsideRoot        Code = "OUTSIDE_ROOT"
	NotFound           Code = "NOT_FOUND"
	NotRegular         Code = "NOT_REGULAR"
	NotReadable        Code = "NOT_READABLE"
	EmptyFile          Code = "EMPTY_FILE"
	LogsDirNotReadable Code = "LOGS_DIR_NOT_READABLE"
	JobLimitReached    Code = "JOB_LIMIT_REACHED"
	// Internal covers every failure whose cause isn't one of the above:
	// timeouts, serialization errors, compute failures. Details["kind"]
	// carries the distinguishing reason; the Code itself stays closed.
	Internal Code = "INTERNAL_ERROR"
)

// Error is the value every component returns on failure instead of a bare
// error, so callers (in particular internal/httpapi) can branch on Code
// without string matching.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds an *Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error carrying an underlying cause for %w-style chains.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// WithDetails attaches structured context (e.g. the offending path) to an
// existing error, returning a new value so the original is never mutated.
func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// Is lets errors.Is match on Code alone, so callers can write
// errors.Is(err, attrerr.New(attrerr.NotFound, "")) without caring about the
// message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}
