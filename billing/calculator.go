/*
calculator.go - Tuition Calculator

PURPOSE:
  Produces or refreshes one Invoice for (student, month):

    1. Enumerate enrollments active during the month
    2. Count billable sessions from the class schedule template, reduced
       by the enrollment's attendance-day allow-list
    3. base = sum(sessions x effective rate), with per-enrollment overrides
    4. Resolve discounts against base
    5. total = base - discount, floored at 0
    6. Derive review flags, or auto-approve
    7. Upsert the invoice, preserving paid/recorded amounts

  The invoice is a materialized view: recomputing with unchanged inputs
  must produce a byte-identical invoice, including flag order.

FAILURE MODES:
  - Missing class data: that enrollment's contribution is excluded and a
    data_integrity flag is attached (degraded, not fatal)
  - Resolver error: the whole recompute rolls back, no partial invoice
*/
package billing

import (
	"context"
	"reflect"
	"time"

	"github.com/shopspring/decimal"

	"github.com/brightpath/tuition-engine/ledger"
)

// Calculate produces or refreshes the invoice for (student, month).
// Safe to call concurrently with payments: the write is version-guarded and
// the whole recompute retries on a lost race.
func (e *Engine) Calculate(ctx context.Context, studentID string, m ledger.Month) (Invoice, error) {
	var inv Invoice
	err := e.withRetry(ctx, "calculate", func() error {
		return e.store.WithTx(ctx, func(s Store) error {
			var err error
			inv, err = e.calculateIn(ctx, s, studentID, m)
			return err
		})
	})
	return inv, err
}

func (e *Engine) calculateIn(ctx context.Context, s Store, studentID string, m ledger.Month) (Invoice, error) {
	if _, err := s.Student(ctx, studentID); err != nil {
		return Invoice{}, err
	}

	enrollments, err := s.EnrollmentsByStudent(ctx, studentID)
	if err != nil {
		return Invoice{}, err
	}

	var (
		base           ledger.Money
		integrityFlags []ReviewFlag
		overrideFlags  []ReviewFlag
	)
	for _, enr := range enrollments {
		if !enr.ActiveDuring(m) {
			continue
		}
		class, err := s.Class(ctx, enr.ClassID)
		if err != nil {
			if ledger.IsNotFound(err) {
				// Degraded, not fatal: exclude the contribution and flag it.
				integrityFlags = append(integrityFlags, NewFlag(FlagDataIntegrity, FlagDetails{
					EnrollmentID: enr.ID,
					ClassID:      enr.ClassID,
				}))
				continue
			}
			return Invoice{}, err
		}

		sessions := billableSessions(class, enr, m)
		if sessions == 0 {
			continue
		}
		rate := class.SessionRate
		if enr.RateOverride != nil {
			rate = *enr.RateOverride
			overrideFlags = append(overrideFlags, NewFlag(FlagRateOverride, FlagDetails{
				EnrollmentID: enr.ID,
			}))
		}
		base += ledger.Money(sessions) * rate
	}

	res, err := e.resolveIn(ctx, s, studentID, m, base)
	if err != nil {
		// Propagate: no partial invoice is written.
		return Invoice{}, err
	}

	total := base - res.Total
	if total < 0 {
		total = 0
	}

	existing, err := s.Invoice(ctx, studentID, m)
	haveExisting := err == nil
	if err != nil && !ledger.IsNotFound(err) {
		return Invoice{}, err
	}

	inv := Invoice{
		StudentID:       studentID,
		Month:           m,
		BaseAmount:      base,
		DiscountAmount:  res.Total,
		TotalAmount:     total,
		DiscountSources: res.Sources,
	}
	if haveExisting {
		inv.PaidAmount = existing.PaidAmount
		inv.RecordedPayment = existing.RecordedPayment
		inv.Version = existing.Version
	}
	inv.RecomputeStatus()

	flags := append([]ReviewFlag{}, integrityFlags...)
	flags = append(flags, e.reviewFlags(ctx, s, inv, res)...)
	flags = append(flags, overrideFlags...)
	if haveExisting {
		// Overpayment is raised by the payment poster and cannot be
		// re-derived from billing inputs; carry it forward so a recompute
		// does not erase the review signal.
		for _, f := range existing.ReviewFlags {
			if f.Kind == FlagOverpayment {
				flags = append(flags, f)
			}
		}
	}
	inv.ReviewFlags = sortFlags(flags)

	// Preserve a human's verdict when nothing material changed; otherwise
	// the flags decide.
	switch {
	case haveExisting && sameComputation(existing, inv):
		inv.ConfirmationStatus = existing.ConfirmationStatus
		inv.ConfirmationNotes = existing.ConfirmationNotes
	case len(inv.ReviewFlags) > 0:
		inv.ConfirmationStatus = ConfirmationNeedsReview
	default:
		inv.ConfirmationStatus = ConfirmationAutoApproved
	}

	switch {
	case haveExisting && sameComputation(existing, inv):
		// Idempotent recompute: nothing material changed, skip the write so
		// the stored invoice stays byte-identical.
	case haveExisting:
		if err := s.UpdateInvoice(ctx, inv); err != nil {
			return Invoice{}, err
		}
		inv.Version++
	default:
		if err := s.CreateInvoice(ctx, inv); err != nil {
			return Invoice{}, err
		}
	}

	// Post the charge movement implied by the recompute. The ledger is
	// append-only, so a changed invoice books the delta against the prior
	// amounts rather than rewriting history.
	if !(haveExisting && sameComputation(existing, inv)) {
		var oldBase, oldDisc ledger.Money
		if haveExisting {
			oldBase, oldDisc = existing.BaseAmount, existing.DiscountAmount
		}
		if err := postTuitionDelta(ctx, s, studentID, m, oldBase, inv.BaseAmount, oldDisc, inv.DiscountAmount); err != nil {
			return Invoice{}, err
		}
	}

	// Pin once-cadence discounts to this month, inside the same transaction
	// as the invoice write.
	if err := markPins(ctx, s, res, m); err != nil {
		return Invoice{}, err
	}
	return inv, nil
}

// postTuitionDelta books the double-entry effect of an invoice recompute:
// charges as debit AR / credit REVENUE, discounts as debit DISCOUNT /
// credit AR, each as the delta against the previously booked amounts.
func postTuitionDelta(ctx context.Context, s Store, studentID string, m ledger.Month, oldBase, newBase, oldDisc, newDisc ledger.Money) error {
	var lines []ledger.Line
	memo := "tuition " + m.String()

	if d := newBase - oldBase; d > 0 {
		lines = append(lines,
			ledger.Debit(studentID, ledger.AccountAR, d, memo),
			ledger.Credit(studentID, ledger.AccountRevenue, d, memo))
	} else if d < 0 {
		lines = append(lines,
			ledger.Debit(studentID, ledger.AccountRevenue, -d, memo),
			ledger.Credit(studentID, ledger.AccountAR, -d, memo))
	}

	if d := newDisc - oldDisc; d > 0 {
		lines = append(lines,
			ledger.Debit(studentID, ledger.AccountDiscount, d, memo),
			ledger.Credit(studentID, ledger.AccountAR, d, memo))
	} else if d < 0 {
		lines = append(lines,
			ledger.Debit(studentID, ledger.AccountAR, -d, memo),
			ledger.Credit(studentID, ledger.AccountDiscount, -d, memo))
	}

	if len(lines) == 0 {
		return nil
	}
	return ledger.New(s).Post(ctx, ledger.Transaction{
		ID:         newID(),
		Lines:      lines,
		OccurredAt: ledger.Now(),
		Month:      m,
	})
}

// reviewFlags derives the anomaly flags for a freshly computed invoice.
func (e *Engine) reviewFlags(ctx context.Context, s Store, inv Invoice, res Resolution) []ReviewFlag {
	var flags []ReviewFlag

	// Recorded payment diverging from the calculated total beyond tolerance.
	if inv.RecordedPayment > 0 {
		diff := inv.RecordedPayment - inv.TotalAmount
		if diff < 0 {
			diff = -diff
		}
		if diff > e.cfg.ReviewTolerance {
			expected, actual := inv.TotalAmount, inv.RecordedPayment
			flags = append(flags, NewFlag(FlagPaymentMismatch, FlagDetails{
				Expected: &expected,
				Actual:   &actual,
			}))
		}
	}

	for _, line := range res.Lines {
		switch line.Source {
		case SourceSpecial:
			flags = append(flags, NewFlag(FlagSpecialDiscount, FlagDetails{SourceID: line.RefID}))
		case SourceReferral:
			flags = append(flags, NewFlag(FlagReferralBonus, FlagDetails{SourceID: line.RefID}))
		}
	}

	// Sibling discount firing for the first time relative to the previous
	// month's invoice.
	if res.HasSource(SourceSibling) {
		prev, err := s.Invoice(ctx, inv.StudentID, inv.Month.Prev())
		if err != nil || !prev.HasSource(SourceSibling) {
			flags = append(flags, NewFlag(FlagSiblingDiscountNew, FlagDetails{}))
		}
	}

	// Anomalously low total relative to base.
	if inv.BaseAmount > 0 {
		floor := decimal.NewFromInt(int64(inv.BaseAmount)).Mul(e.cfg.LowTotalRatio)
		if decimal.NewFromInt(int64(inv.TotalAmount)).LessThan(floor) {
			flags = append(flags, NewFlag(FlagLowTotal, FlagDetails{}))
		}
	}
	return flags
}

// sameComputation reports whether a recompute changed anything a reviewer
// would care about.
func sameComputation(a, b Invoice) bool {
	return a.BaseAmount == b.BaseAmount &&
		a.DiscountAmount == b.DiscountAmount &&
		a.TotalAmount == b.TotalAmount &&
		reflect.DeepEqual(a.ReviewFlags, b.ReviewFlags) &&
		reflect.DeepEqual(a.DiscountSources, b.DiscountSources)
}

// billableSessions counts the class's scheduled days inside the month that
// fall within the enrollment window and its attendance-day allow-list.
func billableSessions(class Class, enr Enrollment, m ledger.Month) int {
	scheduled := weekdaySet(class.ScheduleDays)
	allowed := weekdaySet(enr.AllowedDays)

	count := 0
	for _, day := range m.Days() {
		if !scheduled[day.Weekday()] {
			continue
		}
		if len(enr.AllowedDays) > 0 && !allowed[day.Weekday()] {
			continue
		}
		if day.Before(startOfDay(enr.StartDate)) {
			continue
		}
		if enr.EndDate != nil && day.After(startOfDay(*enr.EndDate)) {
			continue
		}
		count++
	}
	return count
}

func weekdaySet(days []time.Weekday) map[time.Weekday]bool {
	set := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		set[d] = true
	}
	return set
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
