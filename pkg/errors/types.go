// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// Kind classifies an Error per the admission-facing taxonomy: callers branch
// on Kind, not on Message.
type Kind string

const (
	// NotFound means the referenced entity (job, board, machine, BMP) does
	// not exist in the catalogue.
	NotFound Kind = "not_found"
	// BadRequest means the caller's request is malformed or violates a
	// static invariant (bad selector, non-triad board count, ...).
	BadRequest Kind = "bad_request"
	// Conflict means the request is well-formed but cannot be satisfied
	// given the current state of the entity (job already destroyed,
	// board already allocated).
	Conflict Kind = "conflict"
	// Unauthorised means the caller is not permitted to perform the
	// operation. spallocd itself does no authentication; this Kind exists
	// for the Admission API boundary, where an external layer has already
	// attached caller identity.
	Unauthorised Kind = "unauthorised"
	// Transient means the operation failed for a reason that is expected
	// to clear on retry (store lock contention, BMP timeout).
	Transient Kind = "transient"
	// Hardware means a BMP or board reported a failure that requires
	// operator attention (dead link, power fault).
	Hardware Kind = "hardware"
	// Internal means a bug or unexpected state in spallocd itself.
	Internal Kind = "internal"
)

// Error is the structured error type used across spallocd. External layers
// consuming the Admission API classify failures by Kind rather than string
// matching Message.
type Error struct {
	Kind      Kind      `json:"kind"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same Kind, so that
// errors.Is(err, errors.New(errors.NotFound, "")) works as a Kind check.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// IsRetryable reports whether the operation that produced this error is
// expected to succeed if retried unchanged.
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// defaultRetryable returns the default retryability for a Kind, used by the
// constructors below when the caller does not override it.
func defaultRetryable(kind Kind) bool {
	switch kind {
	case Transient:
		return true
	default:
		return false
	}
}

// New creates an Error of the given Kind with default retryability.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: defaultRetryable(kind),
	}
}

// Newf creates an Error of the given Kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// NewWithCause creates an Error of the given Kind wrapping cause.
func NewWithCause(kind Kind, message string, cause error) *Error {
	err := New(kind, message)
	err.Cause = cause
	return err
}

// WithDetails returns a copy of e with Details set.
func (e *Error) WithDetails(details string) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// WithRetryable returns a copy of e with Retryable overridden.
func (e *Error) WithRetryable(retryable bool) *Error {
	cp := *e
	cp.Retryable = retryable
	return &cp
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, and false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsKind reports whether err is (or wraps) an *Error of the given Kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

func IsNotFound(err error) bool     { return IsKind(err, NotFound) }
func IsBadRequest(err error) bool   { return IsKind(err, BadRequest) }
func IsConflict(err error) bool     { return IsKind(err, Conflict) }
func IsUnauthorised(err error) bool { return IsKind(err, Unauthorised) }
func IsTransient(err error) bool    { return IsKind(err, Transient) }
func IsHardware(err error) bool     { return IsKind(err, Hardware) }
func IsInternal(err error) bool     { return IsKind(err, Internal) }
