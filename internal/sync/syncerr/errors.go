// Package syncerr defines the error taxonomy shared by the sync subsystem.
//
// The taxonomy distinguishes failures the client caused (validation,
// permission), failures that are data rather than errors (conflicts are
// returned in the push response, never raised through this package),
// failures worth retrying (transient), and failures that force a full
// resync (fatal).
package syncerr

import (
	"errors"
	"fmt"
)

// Code classifies a sync error.
type Code string

const (
	// CodeValidation marks a malformed change: unknown entity type, missing
	// idempotency token, invalid payload. Rejected synchronously and never
	// recorded.
	CodeValidation Code = "VALIDATION"

	// CodeNotFound marks a change referencing an entity that no longer
	// exists, e.g. an update against a tombstoned entity. Surfaced as a
	// per-change outcome, not a batch failure.
	CodeNotFound Code = "NOT_FOUND"

	// CodePermission marks a change targeting an entity or device that does
	// not belong to the requesting user.
	CodePermission Code = "PERMISSION"

	// CodeTransient marks a temporarily unavailable store or broadcast
	// channel. The coordinator retries with backoff before surfacing it.
	CodeTransient Code = "TRANSIENT"

	// CodeFatal marks change-log corruption or cursor inconsistency. The
	// affected device session is flagged for forced full resync.
	CodeFatal Code = "FATAL"
)

// Error is a coded sync error. It wraps an optional cause so callers can use
// errors.Is/errors.As through it.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a coded error without a cause.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an existing error.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the code from err, or "" if err carries none.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// Retryable reports whether err is worth retrying.
func Retryable(err error) bool {
	return CodeOf(err) == CodeTransient
}

// Fatal reports whether err should trigger a forced full resync for the
// device session it occurred on.
func Fatal(err error) bool {
	return CodeOf(err) == CodeFatal
}
