/*
store.go - Persistence interfaces for the billing domain

PURPOSE:
  Defines what the billing engine needs from storage, on top of the ledger
  store. Every multi-step money movement (post + FIFO-apply, waterfall
  allocation, invoice recompute) runs inside WithTx so partial application
  is never observable.

CONCURRENCY:
  Invoice updates are optimistic: UpdateInvoice compares the Version it was
  given and fails with ledger.ErrConcurrencyConflict if another writer got
  there first. Operations retry from scratch on that error.

IMPLEMENTATIONS:
  - billing/store/memory.go: In-memory for tests
  - store/sqlite:            Production SQLite
*/
package billing

import (
	"context"
	"time"

	"github.com/brightpath/tuition-engine/ledger"
)

// =============================================================================
// ROSTER - students, families, classes, enrollments (read-mostly)
// =============================================================================

type RosterStore interface {
	Student(ctx context.Context, id string) (Student, error)
	Family(ctx context.Context, id string) (Family, error)

	// ActiveStudentsByFamily returns the family's active students,
	// ordered by name ascending.
	ActiveStudentsByFamily(ctx context.Context, familyID string) ([]Student, error)

	Class(ctx context.Context, id string) (Class, error)
	EnrollmentsByStudent(ctx context.Context, studentID string) ([]Enrollment, error)

	// MarkEnrollmentDiscountApplied pins a once-cadence enrollment discount
	// to its first billed month. No-op if already pinned.
	MarkEnrollmentDiscountApplied(ctx context.Context, enrollmentID string, m ledger.Month) error
}

// =============================================================================
// DISCOUNTS - assignments and referral bonuses
// =============================================================================

type DiscountStore interface {
	DiscountDefinition(ctx context.Context, id string) (DiscountDefinition, error)

	AssignmentsByStudent(ctx context.Context, studentID string) ([]DiscountAssignment, error)
	Assignment(ctx context.Context, id string) (DiscountAssignment, error)
	CreateAssignment(ctx context.Context, a DiscountAssignment) error
	// EndAssignment closes the window: effective_to = to (exclusive).
	EndAssignment(ctx context.Context, id string, to time.Time) error
	// DeleteAssignment hard-deletes; the engine writes the audit record.
	DeleteAssignment(ctx context.Context, id string) error
	MarkAssignmentApplied(ctx context.Context, id string, m ledger.Month) error

	ReferralsByStudent(ctx context.Context, studentID string) ([]ReferralBonus, error)
	Referral(ctx context.Context, id string) (ReferralBonus, error)
	CreateReferral(ctx context.Context, b ReferralBonus) error
	EndReferral(ctx context.Context, id string, to time.Time) error
	DeleteReferral(ctx context.Context, id string) error
	MarkReferralApplied(ctx context.Context, id string, m ledger.Month) error
}

// =============================================================================
// INVOICES
// =============================================================================

type InvoiceStore interface {
	// Invoice returns the invoice for (student, month) or ErrNotFound.
	Invoice(ctx context.Context, studentID string, m ledger.Month) (Invoice, error)

	InvoicesByStudent(ctx context.Context, studentID string) ([]Invoice, error)

	// OpenInvoices returns the student's invoices with status != paid,
	// ordered by month ascending (the FIFO order).
	OpenInvoices(ctx context.Context, studentID string) ([]Invoice, error)

	// InvoicesByConfirmation returns invoices with the given confirmation
	// status, ordered by (student, month).
	InvoicesByConfirmation(ctx context.Context, status ConfirmationStatus) ([]Invoice, error)

	InvoiceByID(ctx context.Context, id string) (Invoice, error)

	CreateInvoice(ctx context.Context, inv Invoice) error

	// UpdateInvoice writes the invoice if and only if the stored version
	// equals inv.Version; on success the stored version is inv.Version+1.
	// Returns ledger.ErrConcurrencyConflict on a lost race.
	UpdateInvoice(ctx context.Context, inv Invoice) error
}

// =============================================================================
// PAYMENTS AND OUTBOX
// =============================================================================

type PaymentStore interface {
	CreatePayment(ctx context.Context, p Payment) error
	CreateAllocation(ctx context.Context, a PaymentAllocation) error
	AllocationsByPayment(ctx context.Context, parentPaymentID string) ([]PaymentAllocation, error)
}

type OutboxStore interface {
	// EnqueueRecompute records that (student, month) needs recomputation.
	// Enqueuing an already-pending pair is a no-op.
	EnqueueRecompute(ctx context.Context, studentID string, m ledger.Month) error
	PendingRecomputes(ctx context.Context, limit int) ([]RecomputeItem, error)
	MarkRecomputeDone(ctx context.Context, id int64) error
	MarkRecomputeFailed(ctx context.Context, id int64, attempts int, lastError string) error
}

// =============================================================================
// AGGREGATE STORE
// =============================================================================

// Store is everything the billing engine needs, including the ledger store.
// WithTx executes fn against a transactional view of the same store; if fn
// returns an error nothing fn wrote is visible.
type Store interface {
	ledger.Store
	ledger.AuditLog
	RosterStore
	DiscountStore
	InvoiceStore
	PaymentStore
	OutboxStore

	WithTx(ctx context.Context, fn func(Store) error) error
}
