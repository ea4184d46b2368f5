/*
errors.go - Centralized error types for the billing core

PURPOSE:
  All error types in one place for consistency and discoverability.
  Domain packages wrap these errors with additional context.

ERROR CATEGORIES:
  1. Accounting errors - Imbalanced or malformed postings (fatal, never retried)
  2. Validation errors - Malformed or out-of-range input (rejected before writes)
  3. Conflict errors   - Overlapping windows, lost races, duplicate keys

USAGE:
  Domain packages test with errors.Is/errors.As:

    if errors.Is(err, ledger.ErrConcurrencyConflict) {
        // retry the whole operation
    }
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrImbalancedTransaction is returned when a posting's debits and credits
	// do not sum to the same amount. This is a programmer error: it is never
	// retried and must never be partially applied.
	ErrImbalancedTransaction = errors.New("imbalanced transaction")

	// ErrDuplicateIdempotencyKey is returned when a transaction with the same
	// idempotency key already exists. This is expected behavior for retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrConcurrencyConflict is returned when an optimistic write lost a race.
	// The whole operation is safe to retry from scratch.
	ErrConcurrencyConflict = errors.New("concurrent modification detected")

	// ErrOverlapConflict is returned when a discount/referral window would
	// overlap an existing one for the same student and definition.
	ErrOverlapConflict = errors.New("overlapping effective window")

	// ErrNotFound is returned when a referenced student, family, invoice,
	// enrollment or assignment does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation is the root of all input validation failures.
	ErrValidation = errors.New("validation failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ImbalancedTransactionError reports the two sums that failed to match.
type ImbalancedTransactionError struct {
	TxID        string
	DebitTotal  Money
	CreditTotal Money
}

func (e *ImbalancedTransactionError) Error() string {
	return fmt.Sprintf("imbalanced transaction %s: debits %d != credits %d",
		e.TxID, e.DebitTotal, e.CreditTotal)
}

func (e *ImbalancedTransactionError) Unwrap() error { return ErrImbalancedTransaction }

// ValidationError reports a specific field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// OverlapConflictError reports the existing window a new assignment collides with.
type OverlapConflictError struct {
	ExistingID   string
	ExistingFrom string
	ExistingTo   string // empty = open-ended
}

func (e *OverlapConflictError) Error() string {
	to := e.ExistingTo
	if to == "" {
		to = "open"
	}
	return fmt.Sprintf("window overlaps assignment %s [%s, %s)", e.ExistingID, e.ExistingFrom, to)
}

func (e *OverlapConflictError) Unwrap() error { return ErrOverlapConflict }

// NotFoundError names the missing entity.
type NotFoundError struct {
	Kind string // "student", "family", "invoice", "enrollment", "assignment"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrOverlapConflict) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
