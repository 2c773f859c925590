// Package apperr defines the error-kind taxonomy shared by every
// component of the control plane. Components return apperr.Error values
// (or wrap them) instead of sentinel errors so the HTTP shell can map a
// failure to a status code without knowing which package produced it.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purpose of status-code mapping and
// retry decisions. It is never used to drive business logic.
type Kind string

const (
	Validation     Kind = "validation"
	NotFound       Kind = "not_found"
	Unauthorized   Kind = "unauthorized"
	Conflict       Kind = "conflict"
	QuotaExceeded  Kind = "quota_exceeded"
	RateLimited    Kind = "rate_limited"
	Transient      Kind = "transient"
	Fatal          Kind = "fatal"
	Cancelled      Kind = "cancelled"
)

// Error is the concrete error type every component returns for an
// expected failure. Unexpected failures (programmer errors, unmapped
// driver errors) should be wrapped with Fatal rather than left bare, so
// the shell always has a Kind to dispatch on.
type Error struct {
	Kind    Kind
	Message string
	Err     error

	// RetryAfterSeconds is set by RateLimited errors that originate from an
	// upstream Retry-After header; zero means "caller should pick its
	// own backoff".
	RetryAfterSeconds int
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind to an existing error without losing it, so
// errors.Is/As against the original cause still works via Unwrap.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from err, defaulting to Fatal for errors that
// never went through this package — that default is deliberate: an
// un-kinded error reaching the shell should fail closed as a 500, not be
// mistaken for something retryable or benign.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Fatal
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
