/*
errors.go - Centralized error types for the count engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers branch on them with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Entry errors - the submission itself is malformed (InvalidEntry)
  2. Lifecycle errors - the batch is closed or not ready (BatchLocked, IncompleteCount)
  3. Store errors - lookups and optimistic checks at the persistence layer

DUPLICATES:
  A re-submitted entry is NOT an error. Append returns AppendDuplicate and a
  nil error so that replay from an unreliable transport is always safe.

SEE ALSO:
  - log.go: returns InvalidEntryError and BatchLockedError
  - reconcile.go: returns IncompleteCountError
  - api/handlers.go: maps these errors to HTTP status codes
*/
package count

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidEntry is returned when an entry fails validation or the
	// conversion invariant. The entry is not stored.
	ErrInvalidEntry = errors.New("invalid entry")

	// ErrBatchLocked is returned for any mutation on a confirmed or
	// cancelled batch.
	ErrBatchLocked = errors.New("batch locked")

	// ErrIncompleteCount is returned when confirmation is attempted while
	// expected lines are uncounted and no override was given.
	ErrIncompleteCount = errors.New("incomplete count")

	// ErrBatchNotFound is returned when a referenced batch doesn't exist.
	ErrBatchNotFound = errors.New("batch not found")

	// ErrInvalidBatch is returned when an imported batch or its expected
	// lines are malformed.
	ErrInvalidBatch = errors.New("invalid batch")

	// ErrBatchExists is returned when importing a batch id that already
	// exists with different content.
	ErrBatchExists = errors.New("batch already exists")

	// ErrConcurrentModification is returned when a state transition finds
	// the batch in a different state than the one it was decided on.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrUserNotAssigned is returned when an individual-mode batch receives
	// an entry from a counter other than its assigned one.
	ErrUserNotAssigned = fmt.Errorf("%w: user not assigned to batch", ErrInvalidEntry)

	// ErrLockNotObtained is returned by a BatchLocker that gave up waiting.
	ErrLockNotObtained = errors.New("batch lock not obtained")
)

// Conversion failures. All of them are invalid entries.
var (
	ErrNegativeQuantity   = fmt.Errorf("%w: negative quantity", ErrInvalidEntry)
	ErrFractionalQuantity = fmt.Errorf("%w: fractional quantity", ErrInvalidEntry)
	ErrInvalidFactor      = fmt.Errorf("%w: conversion factor must be a whole number >= 1", ErrInvalidEntry)
	ErrInvalidUnitKind    = fmt.Errorf("%w: unknown unit kind", ErrInvalidEntry)
	ErrConversionMismatch = fmt.Errorf("%w: converted quantity does not match conversion", ErrInvalidEntry)
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidEntryError identifies the rejected entry and the rule it broke.
type InvalidEntryError struct {
	Key   EntryKey
	Cause error
}

func (e *InvalidEntryError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("invalid entry %s", e.Key)
	}
	return fmt.Sprintf("invalid entry %s: %s", e.Key, strings.TrimPrefix(e.Cause.Error(), ErrInvalidEntry.Error()+": "))
}

func (e *InvalidEntryError) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return ErrInvalidEntry
}

// BatchLockedError reports the terminal state that blocked a mutation.
type BatchLockedError struct {
	BatchID BatchID
	State   State
}

func (e *BatchLockedError) Error() string {
	return fmt.Sprintf("batch %d is %s", e.BatchID, e.State)
}

func (e *BatchLockedError) Unwrap() error {
	return ErrBatchLocked
}

// IncompleteCountError lists how many expected lines are still uncounted.
type IncompleteCountError struct {
	BatchID   BatchID
	Uncounted int
	Sample    []LineKey
}

func (e *IncompleteCountError) Error() string {
	return fmt.Sprintf("batch %d has %d uncounted lines", e.BatchID, e.Uncounted)
}

func (e *IncompleteCountError) Unwrap() error {
	return ErrIncompleteCount
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidEntry) || errors.Is(err, ErrInvalidBatch)
}

// IsConflict returns true if the error reflects the batch lifecycle rather
// than the request itself.
func IsConflict(err error) bool {
	return errors.Is(err, ErrBatchLocked) ||
		errors.Is(err, ErrIncompleteCount) ||
		errors.Is(err, ErrBatchExists) ||
		errors.Is(err, ErrConcurrentModification)
}

// IsNotFound returns true if the error indicates a missing batch.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBatchNotFound)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrLockNotObtained)
}
