// Package domain holds the error taxonomy shared by the prescription lifecycle packages.
package domain

import (
	"context"
	"errors"
)

// Business errors. Each is an expected, recoverable condition that is reported
// verbatim to the caller and never retried by the engine.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidDraft      = errors.New("invalid prescription draft")
	ErrAlreadyValidated  = errors.New("prescription already validated")
	ErrMissingNotes      = errors.New("rejection requires notes")
	ErrNotApproved       = errors.New("prescription not approved")
	ErrLineNotFound      = errors.New("medicine line not found")
	ErrAlreadyFulfilled  = errors.New("medicine line already fulfilled")
	ErrExceedsPrescribed = errors.New("quantity exceeds prescribed remainder")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
)

// ErrStorageUnavailable marks an infrastructure failure of a backing store.
// Callers may retry it with backoff.
var ErrStorageUnavailable = errors.New("storage unavailable")

var kinds = []struct {
	err  error
	name string
}{
	{ErrNotFound, "NotFound"},
	{ErrInvalidDraft, "InvalidDraft"},
	{ErrAlreadyValidated, "AlreadyValidated"},
	{ErrMissingNotes, "MissingNotes"},
	{ErrNotApproved, "NotApproved"},
	{ErrLineNotFound, "LineNotFound"},
	{ErrAlreadyFulfilled, "AlreadyFulfilled"},
	{ErrExceedsPrescribed, "ExceedsPrescribed"},
	{ErrInsufficientStock, "InsufficientStock"},
	{ErrInvalidQuantity, "InvalidQuantity"},
	{ErrStorageUnavailable, "StorageUnavailable"},
}

// Kind returns the stable name of the error kind, or "Internal" for errors
// outside the taxonomy.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "StorageUnavailable"
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Internal"
}

// IsTransient reports whether err is an infrastructure failure worth retrying.
// A deadline exceeded on a store call counts as storage unavailability.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStorageUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

// IsBusiness reports whether err is one of the business rule violations.
func IsBusiness(err error) bool {
	if err == nil || IsTransient(err) {
		return false
	}
	return Kind(err) != "Internal"
}

// Unavailable wraps a backend failure so that it matches ErrStorageUnavailable
// while keeping the cause in the chain.
func Unavailable(op string, cause error) error {
	if cause == nil {
		return nil
	}
	return &storageError{op: op, cause: cause}
}

type storageError struct {
	op    string
	cause error
}

func (e *storageError) Error() string {
	return ErrStorageUnavailable.Error() + ": " + e.op + ": " + e.cause.Error()
}

func (e *storageError) Is(target error) bool { return target == ErrStorageUnavailable }

func (e *storageError) Unwrap() error { return e.cause }
