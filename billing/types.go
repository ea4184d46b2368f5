/*
Package billing implements the tuition billing core: discount resolution,
monthly invoice calculation, payment posting with FIFO application, the
family waterfall allocator, and the review queue.

PURPOSE:
  This package decides WHAT money movements happen; the ledger package
  records them. Invoices are materialized views - always safe to regenerate
  from enrollments, discounts and ledger state - while payments and ledger
  entries are the append-only truth.

KEY CONCEPTS IN THIS FILE (types.go):
  - Student/Family/Class/Enrollment: inputs owned by external collaborators
  - DiscountAssignment/ReferralBonus: effective-dated discount windows
  - Invoice: the per-(student, month) materialized billing snapshot
  - Payment/PaymentAllocation: the event-sourced payment records

SEE ALSO:
  - discount.go:   Discount Resolver
  - calculator.go: Tuition Calculator
  - poster.go:     Payment Poster
  - waterfall.go:  Family Waterfall Allocator
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/brightpath/tuition-engine/ledger"
)

// =============================================================================
// EXTERNAL COLLABORATOR DATA - students, families, classes, enrollments
// =============================================================================

// Student is the billing view of a student. Roster management lives outside
// the core; only identity, family membership and active status matter here.
type Student struct {
	ID       string
	FamilyID string
	Name     string
	Active   bool
}

// Family groups siblings for the sibling discount and waterfall allocation.
type Family struct {
	ID   string
	Name string

	// SiblingPercentOverride replaces the default sibling percent when set.
	SiblingPercentOverride *decimal.Decimal
}

// Class carries the schedule template and default session pricing.
type Class struct {
	ID           string
	Name         string
	SessionRate  ledger.Money
	ScheduleDays []time.Weekday
}

// EnrollmentDiscount is an explicit per-enrollment discount.
type EnrollmentDiscount struct {
	Type    DiscountType
	Value   decimal.Decimal
	Cadence Cadence

	// AppliedMonth pins a "once" cadence to the month it first billed, so
	// recomputation stays idempotent. Nil until first applied.
	AppliedMonth *ledger.Month
}

// Enrollment links a student to a class for a date range.
type Enrollment struct {
	ID        string
	StudentID string
	ClassID   string
	StartDate time.Time
	EndDate   *time.Time // nil = open-ended

	// AllowedDays restricts billable sessions to an attendance-day
	// allow-list. Empty = all scheduled days.
	AllowedDays []time.Weekday

	// RateOverride replaces the class's default session rate when set.
	RateOverride *ledger.Money

	Discount *EnrollmentDiscount
}

// ActiveDuring reports whether the enrollment overlaps the billing month.
func (e Enrollment) ActiveDuring(m ledger.Month) bool {
	if e.StartDate.After(m.End()) {
		return false
	}
	if e.EndDate != nil && e.EndDate.Before(m.Start()) {
		return false
	}
	return true
}

// =============================================================================
// DISCOUNT SOURCES
// =============================================================================

type DiscountType string

const (
	DiscountPercent DiscountType = "percent"
	DiscountAmount  DiscountType = "amount"
)

type Cadence string

const (
	CadenceOnce    Cadence = "once"
	CadenceMonthly Cadence = "monthly"
)

// DiscountDefinition is a shared, named discount referenced by assignments.
type DiscountDefinition struct {
	ID    string
	Name  string
	Type  DiscountType
	Value decimal.Decimal
}

// DiscountAssignment grants a definition to a student for a window.
// INVARIANT: no two assignments for the same (student, definition) may have
// overlapping [EffectiveFrom, EffectiveTo) ranges.
type DiscountAssignment struct {
	ID            string
	StudentID     string
	DefinitionID  string
	Cadence       Cadence
	EffectiveFrom time.Time
	EffectiveTo   *time.Time // nil = open-ended
	AppliedMonth  *ledger.Month
	Note          string
}

// CoversMonth reports whether the billing month falls inside the window.
// The window is half-open: [EffectiveFrom, EffectiveTo).
func (a DiscountAssignment) CoversMonth(m ledger.Month) bool {
	return windowCoversMonth(a.EffectiveFrom, a.EffectiveTo, m)
}

// ReferralBonus is structurally a discount assignment that carries its own
// inline terms instead of referencing a shared definition. It is assignable
// and reversible independently of the special discounts.
type ReferralBonus struct {
	ID            string
	StudentID     string
	Type          DiscountType
	Value         decimal.Decimal
	Cadence       Cadence
	EffectiveFrom time.Time
	EffectiveTo   *time.Time
	AppliedMonth  *ledger.Month
	Note          string
}

func (b ReferralBonus) CoversMonth(m ledger.Month) bool {
	return windowCoversMonth(b.EffectiveFrom, b.EffectiveTo, m)
}

func windowCoversMonth(from time.Time, to *time.Time, m ledger.Month) bool {
	if from.After(m.End()) {
		return false
	}
	// effective_to is exclusive: a window ending on the 1st does not cover
	// that month unless it started inside it.
	if to != nil && !to.After(m.Start()) {
		return false
	}
	return true
}

// Overlaps reports whether two half-open windows intersect.
func Overlaps(aFrom time.Time, aTo *time.Time, bFrom time.Time, bTo *time.Time) bool {
	if aTo != nil && !aTo.After(bFrom) {
		return false
	}
	if bTo != nil && !bTo.After(aFrom) {
		return false
	}
	return true
}

// =============================================================================
// INVOICE - Materialized per-(student, month) billing snapshot
// =============================================================================

type InvoiceStatus string

const (
	StatusUnpaid  InvoiceStatus = "unpaid"
	StatusPartial InvoiceStatus = "partial"
	StatusPaid    InvoiceStatus = "paid"
)

type ConfirmationStatus string

const (
	ConfirmationNeedsReview  ConfirmationStatus = "needs_review"
	ConfirmationConfirmed    ConfirmationStatus = "confirmed"
	ConfirmationAdjusted     ConfirmationStatus = "adjusted"
	ConfirmationAutoApproved ConfirmationStatus = "auto_approved"
)

// Invoice is recomputed, never recreated: amounts come from the calculator,
// PaidAmount/RecordedPayment survive recomputation, and Version guards
// against racing writers.
// INVARIANT: TotalAmount == BaseAmount - DiscountAmount, never negative.
// PaidAmount > TotalAmount is legal (overpayment tracked via CREDIT).
type Invoice struct {
	StudentID          string
	Month              ledger.Month
	BaseAmount         ledger.Money
	DiscountAmount     ledger.Money
	TotalAmount        ledger.Money
	PaidAmount         ledger.Money
	RecordedPayment    ledger.Money
	Status             InvoiceStatus
	ConfirmationStatus ConfirmationStatus
	ReviewFlags        []ReviewFlag
	ConfirmationNotes  string

	// DiscountSources records which sources fired, so the next recompute can
	// tell a newly-applied sibling discount from a continuing one.
	DiscountSources []DiscountSource

	Version int64
}

// ID returns the natural invoice key.
func (i Invoice) ID() string { return i.StudentID + "/" + i.Month.String() }

// Outstanding returns the unpaid remainder, floored at zero.
func (i Invoice) Outstanding() ledger.Money {
	if i.PaidAmount >= i.TotalAmount {
		return 0
	}
	return i.TotalAmount - i.PaidAmount
}

// RecomputeStatus derives Status from the paid/total pair. A zero-total
// invoice owes nothing, so it counts as paid.
func (i *Invoice) RecomputeStatus() {
	switch {
	case i.PaidAmount >= i.TotalAmount:
		i.Status = StatusPaid
	case i.PaidAmount > 0:
		i.Status = StatusPartial
	default:
		i.Status = StatusUnpaid
	}
}

// HasSource reports whether a discount source fired on this invoice.
func (i Invoice) HasSource(src DiscountSource) bool {
	for _, s := range i.DiscountSources {
		if s == src {
			return true
		}
	}
	return false
}

// =============================================================================
// PAYMENTS - Event-sourced, immutable once posted
// =============================================================================

type PaymentMethod string

const (
	MethodCash PaymentMethod = "cash"
	MethodBank PaymentMethod = "bank"
)

// CashAccount maps a payment method to the ledger account it debits.
func (m PaymentMethod) CashAccount() ledger.AccountCode {
	if m == MethodBank {
		return ledger.AccountBank
	}
	return ledger.AccountCash
}

func ValidPaymentMethod(m PaymentMethod) bool {
	return m == MethodCash || m == MethodBank
}

// Payment records one incoming payment. Immutable once posted; corrections
// are reversing ledger entries, never edits.
type Payment struct {
	ID         string
	StudentID  string // set for single-student payments and allocations
	FamilyID   string // set for family-wide payments
	Amount     ledger.Money
	Method     PaymentMethod
	OccurredAt time.Time
	Memo       string
}

// PaymentAllocation records how one family payment was split. The sum of
// AllocatedAmount across a parent payment plus any leftover equals the
// parent payment's amount.
type PaymentAllocation struct {
	ID              string
	ParentPaymentID string
	StudentID       string
	AllocatedAmount ledger.Money
	AllocationOrder int
}

// =============================================================================
// RECOMPUTE OUTBOX - Durable "recompute needed" work items
// =============================================================================

// RecomputeItem is a durable request to re-run the tuition calculator for
// (student, month). External events (attendance, enrollment changes) and
// payment flows enqueue these instead of calling the calculator inline, so
// a recompute cannot be lost on handler failure.
type RecomputeItem struct {
	ID        int64
	StudentID string
	Month     ledger.Month
	Attempts  int
	LastError string
	Done      bool
	CreatedAt time.Time
}
