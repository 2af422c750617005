// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"context"
	stderrors "errors"
	"fmt"
)

// NewNotFound builds a NotFound error naming the missing entity kind and id,
// e.g. NewNotFound("job", jobID).
func NewNotFound(entity string, id any) *Error {
	return Newf(NotFound, "%s %v not found", entity, id)
}

// NewBadRequest builds a BadRequest error for a malformed or invariant-
// violating caller request.
func NewBadRequest(format string, args ...any) *Error {
	return Newf(BadRequest, format, args...)
}

// NewConflict builds a Conflict error for a request that is well-formed but
// unsatisfiable given current entity state.
func NewConflict(format string, args ...any) *Error {
	return Newf(Conflict, format, args...)
}

// NewUnauthorised builds an Unauthorised error.
func NewUnauthorised(format string, args ...any) *Error {
	return Newf(Unauthorised, format, args...)
}

// NewTransient builds a Transient error wrapping cause; Transient errors are
// retryable by default.
func NewTransient(message string, cause error) *Error {
	return NewWithCause(Transient, message, cause)
}

// NewHardware builds a Hardware error describing a BMP or board fault.
func NewHardware(format string, args ...any) *Error {
	return Newf(Hardware, format, args...)
}

// NewHardwareWithCause builds a Hardware error wrapping the underlying
// transceiver failure.
func NewHardwareWithCause(message string, cause error) *Error {
	return NewWithCause(Hardware, message, cause)
}

// NewInternal builds an Internal error wrapping cause; Internal errors
// indicate a bug or unexpected invariant violation in spallocd itself.
func NewInternal(message string, cause error) *Error {
	return NewWithCause(Internal, message, cause)
}

// Wrap classifies a generic error into an *Error, for use at boundaries
// (store transactions, BMP transceiver calls) where the underlying call
// returns a plain error. Already-classified errors pass through unchanged.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if stderrors.As(err, &e) {
		return e
	}

	if stderrors.Is(err, context.Canceled) {
		return NewWithCause(Internal, "operation was canceled", err)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return NewWithCause(Transient, "operation deadline exceeded", err)
	}

	return NewWithCause(Internal, err.Error(), err)
}

// WrapTransient classifies a generic error as Transient, for call sites
// (store lock acquisition, BMP dialing) where the failure mode is known to
// be retry-worthy regardless of the underlying error's own shape.
func WrapTransient(message string, err error) *Error {
	if err == nil {
		return nil
	}
	return NewWithCause(Transient, fmt.Sprintf("%s: %s", message, err.Error()), err)
}
