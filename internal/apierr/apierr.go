// Package apierr defines the typed error taxonomy shared by every domain
// package. A *Error carries a stable Kind that the HTTP layer maps to a
// status code, so domain code never reasons about transport concerns.
package apierr

import (
	"errors"
	"fmt"
)

// Kind identifies a category of domain failure.
type Kind string

const (
	KindNotFound             Kind = "not_found"
	KindConflict             Kind = "conflict"
	KindValidation           Kind = "validation"
	KindUnsafeDatabaseTarget Kind = "unsafe_database_target"
	KindLeaseMismatch        Kind = "lease_mismatch"
	KindAllocationWaiting    Kind = "allocation_waiting"
	KindDriverFailed         Kind = "driver_failed"
	KindTimeout              Kind = "timeout"
	KindInternal             Kind = "internal"
)

// Error is a domain error tagged with a Kind for transport mapping.
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

// New creates a *Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a *Error of the given kind wrapping an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// NotFound builds a not_found error for a resource kind and identifier.
func NotFound(resource, id string) *Error {
	return New(KindNotFound, fmt.Sprintf("%s %s not found", resource, id))
}

// Conflict builds a conflict error.
func Conflict(message string) *Error {
	return New(KindConflict, message)
}

// Validation builds a validation error.
func Validation(message string) *Error {
	return New(KindValidation, message)
}

// UnsafeDatabaseTarget builds an unsafe_database_target error for a rejected
// database name.
func UnsafeDatabaseTarget(dbName string) *Error {
	return New(KindUnsafeDatabaseTarget, fmt.Sprintf("refusing to operate on database %q: does not match the preview naming invariant", dbName))
}

// LeaseMismatch builds a lease_mismatch error.
func LeaseMismatch(message string) *Error {
	return New(KindLeaseMismatch, message)
}

// AllocationWaiting builds an allocation_waiting error, returned when no slot
// is currently free and the caller has been queued instead of failed.
func AllocationWaiting(message string) *Error {
	return New(KindAllocationWaiting, message)
}

// DriverFailed wraps an error surfaced by an external driver (git, deploy,
// health-check).
func DriverFailed(message string, err error) *Error {
	return Wrap(KindDriverFailed, message, err)
}

// Timeout builds a timeout error.
func Timeout(message string) *Error {
	return New(KindTimeout, message)
}

// Internal wraps an unexpected error.
func Internal(message string, err error) *Error {
	return Wrap(KindInternal, message, err)
}

// As extracts a *Error from err, if any wraps one.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, otherwise
// KindInternal.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}
