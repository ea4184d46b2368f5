/*
waterfall.go - Family Waterfall Allocator

PURPOSE:
  Splits one family payment across all active siblings by outstanding debt:

    1. Load the family's active students
    2. Compute each student's carry-forward debt through the billing month
    3. Sort by debt descending, name ascending; allocation_order 1..N
    4. Walk the list, applying min(remaining, debt) per student with the
       same posting + FIFO logic as the single-student Payment Poster
    5. Book any leftover per the leftover policy
    6. Audit every step with before/after debt

  A family with one active student degenerates to the single-student path
  and produces identical ledger balances.

CONCURRENCY:
  The whole allocation is one storage transaction (per-student locks in a
  fixed order come free with the single writer); a conflict retries the
  entire allocation from scratch.
*/
package billing

import (
	"context"
	"sort"
	"time"

	"github.com/brightpath/tuition-engine/ledger"
)

// LeftoverPolicy decides where money beyond every sibling's debt goes.
type LeftoverPolicy string

const (
	// LeftoverUnappliedCash books the remainder to the primary student's
	// CREDIT account for future months. The default.
	LeftoverUnappliedCash LeftoverPolicy = "unapplied_cash"

	// LeftoverVoluntaryContribution books the remainder straight to
	// REVENUE, bypassing AR/CREDIT. Requires explicit consent.
	LeftoverVoluntaryContribution LeftoverPolicy = "voluntary_contribution"
)

// AllocateInput describes a family-wide payment.
type AllocateInput struct {
	FamilyID       string
	Amount         ledger.Money
	Method         PaymentMethod
	OccurredAt     time.Time
	Month          ledger.Month
	LeftoverPolicy LeftoverPolicy
	ConsentGiven   bool
	Memo           string
	IdempotencyKey string
	Actor          string
}

// Allocation reports one waterfall step.
type Allocation struct {
	StudentID       string
	StudentName     string
	AllocationOrder int
	Allocated       ledger.Money
	BeforeDebt      ledger.Money
	AfterDebt       ledger.Money
}

// AllocateResult reports the full outcome.
type AllocateResult struct {
	ParentPaymentID string
	TotalAllocated  ledger.Money
	Allocations     []Allocation
	Leftover        ledger.Money
	LeftoverPolicy  LeftoverPolicy
}

// Allocate splits one incoming payment across the family's active students.
func (e *Engine) Allocate(ctx context.Context, in AllocateInput) (AllocateResult, error) {
	if err := e.validatePayment(in.Amount, in.Method); err != nil {
		return AllocateResult{}, err
	}
	if in.LeftoverPolicy == "" {
		in.LeftoverPolicy = LeftoverUnappliedCash
	}
	if in.LeftoverPolicy != LeftoverUnappliedCash && in.LeftoverPolicy != LeftoverVoluntaryContribution {
		return AllocateResult{}, &ledger.ValidationError{Field: "leftoverPolicy", Reason: "unknown policy " + string(in.LeftoverPolicy)}
	}
	if in.LeftoverPolicy == LeftoverVoluntaryContribution && !in.ConsentGiven {
		return AllocateResult{}, &ledger.ValidationError{Field: "consentGiven", Reason: "voluntary contribution requires explicit consent"}
	}
	if in.Month.IsZero() {
		return AllocateResult{}, &ledger.ValidationError{Field: "month", Reason: "billing month required"}
	}

	var result AllocateResult
	err := e.withRetry(ctx, "family allocation", func() error {
		return e.store.WithTx(ctx, func(s Store) error {
			var err error
			result, err = e.allocateIn(ctx, s, in)
			return err
		})
	})
	return result, err
}

func (e *Engine) allocateIn(ctx context.Context, s Store, in AllocateInput) (AllocateResult, error) {
	if _, err := s.Family(ctx, in.FamilyID); err != nil {
		return AllocateResult{}, err
	}
	students, err := s.ActiveStudentsByFamily(ctx, in.FamilyID)
	if err != nil {
		return AllocateResult{}, err
	}
	if len(students) == 0 {
		return AllocateResult{}, &ledger.ValidationError{Field: "familyId", Reason: "family has no active students"}
	}

	// Dedupe retried requests before any write.
	if in.IdempotencyKey != "" {
		exists, err := s.HasIdempotencyKey(ctx, in.IdempotencyKey)
		if err != nil {
			return AllocateResult{}, err
		}
		if exists {
			return AllocateResult{}, ledger.ErrDuplicateIdempotencyKey
		}
	}

	// Make sure every sibling's invoice for the month exists and is fresh,
	// then measure carry-forward debt through the month.
	type candidate struct {
		student Student
		debt    ledger.Money
	}
	candidates := make([]candidate, 0, len(students))
	for _, st := range students {
		if _, err := e.calculateIn(ctx, s, st.ID, in.Month); err != nil {
			return AllocateResult{}, err
		}
		debt, err := debtThrough(ctx, s, st.ID, in.Month)
		if err != nil {
			return AllocateResult{}, err
		}
		candidates = append(candidates, candidate{student: st, debt: debt})
	}

	// Highest debt first; stable name tie-break keeps ordering deterministic.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].debt != candidates[j].debt {
			return candidates[i].debt > candidates[j].debt
		}
		return candidates[i].student.Name < candidates[j].student.Name
	})

	parent := Payment{
		ID:         newID(),
		FamilyID:   in.FamilyID,
		Amount:     in.Amount,
		Method:     in.Method,
		OccurredAt: in.OccurredAt,
		Memo:       in.Memo,
	}
	if err := s.CreatePayment(ctx, parent); err != nil {
		return AllocateResult{}, err
	}

	led := ledger.New(s)
	month := in.Month
	remaining := in.Amount
	keyUsed := false
	takeKey := func() string {
		if keyUsed || in.IdempotencyKey == "" {
			return ""
		}
		keyUsed = true
		return in.IdempotencyKey
	}

	result := AllocateResult{ParentPaymentID: parent.ID, LeftoverPolicy: in.LeftoverPolicy}
	for i, c := range candidates {
		applied := remaining.Min(c.debt)

		if err := s.CreateAllocation(ctx, PaymentAllocation{
			ID:              newID(),
			ParentPaymentID: parent.ID,
			StudentID:       c.student.ID,
			AllocatedAmount: applied,
			AllocationOrder: i + 1,
		}); err != nil {
			return AllocateResult{}, err
		}

		if applied > 0 {
			memo := "family payment " + parent.ID
			if err := led.EnsureAccounts(ctx, c.student.ID,
				ledger.AccountAR, ledger.AccountCash, ledger.AccountBank, ledger.AccountCredit); err != nil {
				return AllocateResult{}, err
			}
			if err := led.Post(ctx, ledger.Transaction{
				ID: newID(),
				Lines: []ledger.Line{
					ledger.Debit(c.student.ID, in.Method.CashAccount(), applied, memo),
					ledger.Credit(c.student.ID, ledger.AccountAR, applied, memo),
				},
				OccurredAt:     ledger.At(in.OccurredAt),
				Month:          month,
				IdempotencyKey: takeKey(),
			}); err != nil {
				return AllocateResult{}, err
			}
			if _, _, err := e.applyFIFO(ctx, s, c.student.ID, applied); err != nil {
				return AllocateResult{}, err
			}
			remaining -= applied
		}

		afterDebt := c.debt - applied
		result.Allocations = append(result.Allocations, Allocation{
			StudentID:       c.student.ID,
			StudentName:     c.student.Name,
			AllocationOrder: i + 1,
			Allocated:       applied,
			BeforeDebt:      c.debt,
			AfterDebt:       afterDebt,
		})
		result.TotalAllocated += applied

		if err := audit(ctx, s, in.Actor, "family_allocation_step", "payment", parent.ID, map[string]any{
			"student_id":  c.student.ID,
			"order":       i + 1,
			"allocated":   int64(applied),
			"before_debt": int64(c.debt),
			"after_debt":  int64(afterDebt),
		}); err != nil {
			return AllocateResult{}, err
		}
	}

	result.Leftover = remaining
	if remaining > 0 {
		primary := candidates[0].student
		if err := e.bookLeftover(ctx, led, primary.ID, remaining, in, parent.ID, takeKey()); err != nil {
			return AllocateResult{}, err
		}
		if err := audit(ctx, s, in.Actor, "family_allocation_leftover", "payment", parent.ID, map[string]any{
			"student_id": primary.ID,
			"leftover":   int64(remaining),
			"policy":     string(in.LeftoverPolicy),
		}); err != nil {
			return AllocateResult{}, err
		}
	}
	return result, nil
}

// bookLeftover disposes of the unallocated remainder on the primary
// student's books.
func (e *Engine) bookLeftover(ctx context.Context, led *ledger.Ledger, studentID string, amount ledger.Money, in AllocateInput, parentID, idempotencyKey string) error {
	if err := led.EnsureAccounts(ctx, studentID,
		ledger.AccountAR, ledger.AccountCash, ledger.AccountBank,
		ledger.AccountCredit, ledger.AccountRevenue); err != nil {
		return err
	}
	occurred := ledger.At(in.OccurredAt)

	if in.LeftoverPolicy == LeftoverVoluntaryContribution {
		// Straight to revenue; no AR or CREDIT involvement.
		memo := "voluntary contribution " + parentID
		return led.Post(ctx, ledger.Transaction{
			ID: newID(),
			Lines: []ledger.Line{
				ledger.Debit(studentID, in.Method.CashAccount(), amount, memo),
				ledger.Credit(studentID, ledger.AccountRevenue, amount, memo),
			},
			OccurredAt:     occurred,
			Month:          in.Month,
			IdempotencyKey: idempotencyKey,
		})
	}

	// unapplied_cash mirrors the single-student poster: cash in through AR,
	// then parked on CREDIT, so the degenerate one-student family produces
	// the same balances as PostPayment.
	memo := "unapplied family payment " + parentID
	if err := led.Post(ctx, ledger.Transaction{
		ID: newID(),
		Lines: []ledger.Line{
			ledger.Debit(studentID, in.Method.CashAccount(), amount, memo),
			ledger.Credit(studentID, ledger.AccountAR, amount, memo),
		},
		OccurredAt:     occurred,
		Month:          in.Month,
		IdempotencyKey: idempotencyKey,
	}); err != nil {
		return err
	}
	return led.Post(ctx, ledger.Transaction{
		ID: newID(),
		Lines: []ledger.Line{
			ledger.Debit(studentID, ledger.AccountAR, amount, memo),
			ledger.Credit(studentID, ledger.AccountCredit, amount, memo),
		},
		OccurredAt: occurred,
		Month:      in.Month,
	})
}

// debtThrough sums the student's outstanding invoice balances for months up
// to and including m.
func debtThrough(ctx context.Context, s Store, studentID string, m ledger.Month) (ledger.Money, error) {
	invoices, err := s.InvoicesByStudent(ctx, studentID)
	if err != nil {
		return 0, err
	}
	var debt ledger.Money
	for _, inv := range invoices {
		if inv.Month.After(m) {
			continue
		}
		debt += inv.Outstanding()
	}
	return debt, nil
}
