/*
poster.go - Payment Poster

PURPOSE:
  Records one payment against one student and applies it FIFO across the
  student's open invoices:

    1. Ensure ledger accounts exist
    2. Append the immutable payment record
    3. Post debit CASH/BANK / credit AR for the full amount
    4. Walk open invoices oldest-first, applying min(remaining, outstanding)
    5. Book any remainder as customer credit: debit AR / credit CREDIT

  Everything runs in a single storage transaction; a payment is never
  half-applied. Retried requests are deduplicated by idempotency key.

GUARDRAILS (business policy, not accounting invariants):
  - Amounts outside [MinPayment, MaxPayment] are rejected
  - Paying more than outstanding + threshold is allowed but flagged
*/
package billing

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/brightpath/tuition-engine/ledger"
)

// PostPaymentInput describes a single-student payment.
type PostPaymentInput struct {
	StudentID      string
	Amount         ledger.Money
	Method         PaymentMethod
	OccurredAt     time.Time
	Memo           string
	IdempotencyKey string
	Actor          string
}

// PostPaymentResult reports what the posting did.
type PostPaymentResult struct {
	PaymentID     string
	TxID          string
	AppliedAmount ledger.Money
	CreditBalance ledger.Money // positive = prepaid balance available
	Flagged       bool         // overpayment beyond threshold
}

// PostPayment records and applies a payment. At-least-once safe: a retry
// carrying the same idempotency key fails with ErrDuplicateIdempotencyKey
// and leaves no ledger effect.
func (e *Engine) PostPayment(ctx context.Context, in PostPaymentInput) (PostPaymentResult, error) {
	if err := e.validatePayment(in.Amount, in.Method); err != nil {
		return PostPaymentResult{}, err
	}

	var result PostPaymentResult
	err := e.withRetry(ctx, "post payment", func() error {
		return e.store.WithTx(ctx, func(s Store) error {
			var err error
			result, err = e.postIn(ctx, s, in)
			return err
		})
	})
	return result, err
}

func (e *Engine) validatePayment(amount ledger.Money, method PaymentMethod) error {
	if amount <= 0 {
		return &ledger.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if amount < e.cfg.MinPayment {
		return &ledger.ValidationError{Field: "amount", Reason: fmt.Sprintf("below minimum %d", e.cfg.MinPayment)}
	}
	if amount > e.cfg.MaxPayment {
		return &ledger.ValidationError{Field: "amount", Reason: fmt.Sprintf("above maximum %d", e.cfg.MaxPayment)}
	}
	if !ValidPaymentMethod(method) {
		return &ledger.ValidationError{Field: "method", Reason: "unknown payment method " + string(method)}
	}
	return nil
}

// postIn is the transactional body, also reused by the waterfall allocator
// for per-sibling application (with the parent payment already recorded).
func (e *Engine) postIn(ctx context.Context, s Store, in PostPaymentInput) (PostPaymentResult, error) {
	student, err := s.Student(ctx, in.StudentID)
	if err != nil {
		return PostPaymentResult{}, err
	}

	led := ledger.New(s)
	if err := led.EnsureAccounts(ctx, student.ID,
		ledger.AccountAR, ledger.AccountCash, ledger.AccountBank, ledger.AccountCredit); err != nil {
		return PostPaymentResult{}, err
	}

	payment := Payment{
		ID:         newID(),
		StudentID:  student.ID,
		Amount:     in.Amount,
		Method:     in.Method,
		OccurredAt: in.OccurredAt,
		Memo:       in.Memo,
	}
	if err := s.CreatePayment(ctx, payment); err != nil {
		return PostPaymentResult{}, err
	}

	month := ledger.MonthOf(in.OccurredAt)
	txID := newID()
	memo := "payment " + payment.ID
	if err := led.Post(ctx, ledger.Transaction{
		ID: txID,
		Lines: []ledger.Line{
			ledger.Debit(student.ID, in.Method.CashAccount(), in.Amount, memo),
			ledger.Credit(student.ID, ledger.AccountAR, in.Amount, memo),
		},
		OccurredAt:     ledger.At(in.OccurredAt),
		Month:          month,
		IdempotencyKey: in.IdempotencyKey,
	}); err != nil {
		return PostPaymentResult{}, err
	}

	applied, flagged, err := e.applyFIFO(ctx, s, student.ID, in.Amount)
	if err != nil {
		return PostPaymentResult{}, err
	}

	remaining := in.Amount - applied
	if remaining > 0 {
		// Not a loss: a customer credit balance for future months.
		creditMemo := "unapplied payment " + payment.ID
		if err := led.Post(ctx, ledger.Transaction{
			ID: newID(),
			Lines: []ledger.Line{
				ledger.Debit(student.ID, ledger.AccountAR, remaining, creditMemo),
				ledger.Credit(student.ID, ledger.AccountCredit, remaining, creditMemo),
			},
			OccurredAt: ledger.At(in.OccurredAt),
			Month:      month,
		}); err != nil {
			return PostPaymentResult{}, err
		}
	}

	if err := audit(ctx, s, in.Actor, "payment_posted", "payment", payment.ID, map[string]any{
		"amount":  int64(in.Amount),
		"applied": int64(applied),
		"credit":  int64(remaining),
		"method":  string(in.Method),
	}); err != nil {
		return PostPaymentResult{}, err
	}

	credit, err := e.creditBalance(ctx, led, student.ID, month)
	if err != nil {
		return PostPaymentResult{}, err
	}

	return PostPaymentResult{
		PaymentID:     payment.ID,
		TxID:          txID,
		AppliedAmount: applied,
		CreditBalance: credit,
		Flagged:       flagged,
	}, nil
}

// applyFIFO walks the student's open invoices oldest-first and applies up to
// amount. Returns how much was applied and whether the overpayment guardrail
// fired. Touched months are enqueued for recomputation.
func (e *Engine) applyFIFO(ctx context.Context, s Store, studentID string, amount ledger.Money) (ledger.Money, bool, error) {
	open, err := s.OpenInvoices(ctx, studentID)
	if err != nil {
		return 0, false, err
	}

	var outstanding ledger.Money
	for _, inv := range open {
		outstanding += inv.Outstanding()
	}
	flagged := amount > outstanding+e.cfg.OverpaymentThreshold
	if flagged {
		log.Printf("[billing] payment of %d exceeds outstanding %d beyond threshold for student %s",
			amount, outstanding, studentID)
	}

	remaining := amount
	var lastTouched *Invoice
	for i := range open {
		if remaining == 0 {
			break
		}
		inv := &open[i]
		due := inv.Outstanding()
		if due == 0 {
			continue
		}
		step := remaining.Min(due)
		inv.PaidAmount += step
		inv.RecordedPayment += step
		inv.RecomputeStatus()
		if err := s.UpdateInvoice(ctx, *inv); err != nil {
			return 0, false, err
		}
		inv.Version++
		lastTouched = inv
		remaining -= step

		if err := s.EnqueueRecompute(ctx, studentID, inv.Month); err != nil {
			return 0, false, err
		}
	}

	// The overpayment flag lands on the newest open invoice so the review
	// queue has somewhere to surface it.
	if flagged && len(open) > 0 {
		target := &open[len(open)-1]
		if lastTouched != nil && lastTouched.Month.After(target.Month) {
			target = lastTouched
		}
		if !hasFlagKind(target.ReviewFlags, FlagOverpayment) {
			target.ReviewFlags = sortFlags(append(target.ReviewFlags, NewFlag(FlagOverpayment, FlagDetails{})))
			target.ConfirmationStatus = ConfirmationNeedsReview
			if err := s.UpdateInvoice(ctx, *target); err != nil {
				return 0, false, err
			}
			target.Version++
		}
	}

	return amount - remaining, flagged, nil
}

// creditBalance reports the student's positive prepaid balance. The CREDIT
// account is credit-normal, so the replayed debit-credit sum is negated.
func (e *Engine) creditBalance(ctx context.Context, led *ledger.Ledger, studentID string, through ledger.Month) (ledger.Money, error) {
	bal, err := led.Balance(ctx, studentID, ledger.AccountCredit, through)
	if err != nil {
		return 0, err
	}
	return -bal, nil
}

func hasFlagKind(flags []ReviewFlag, kind FlagKind) bool {
	for _, f := range flags {
		if f.Kind == kind {
			return true
		}
	}
	return false
}

// =============================================================================
// BONUS REVERSAL - Offsetting entries, never edits
// =============================================================================

// ReverseBonus undoes an applied referral bonus with a new balanced
// transaction (debit AR / credit DISCOUNT) and an audit record, then ends
// the bonus window and queues the affected month for recomputation. The
// original entries remain in the ledger.
func (e *Engine) ReverseBonus(ctx context.Context, studentID, bonusID, actor string) error {
	return e.withRetry(ctx, "reverse bonus", func() error {
		return e.store.WithTx(ctx, func(s Store) error {
			bonus, err := s.Referral(ctx, bonusID)
			if err != nil {
				return err
			}
			if bonus.StudentID != studentID {
				return &ledger.NotFoundError{Kind: "referral", ID: bonusID}
			}
			if bonus.AppliedMonth == nil {
				return &ledger.ValidationError{Field: "bonus", Reason: "bonus has not been applied"}
			}

			m := *bonus.AppliedMonth
			inv, err := s.Invoice(ctx, studentID, m)
			if err != nil {
				return err
			}
			amount := lineAmount(inv.BaseAmount, bonus.Type, bonus.Value)
			if amount <= 0 {
				return &ledger.ValidationError{Field: "bonus", Reason: "nothing to reverse"}
			}

			led := ledger.New(s)
			memo := "reverse referral bonus " + bonus.ID
			if err := led.Post(ctx, ledger.Transaction{
				ID: newID(),
				Lines: []ledger.Line{
					ledger.Debit(studentID, ledger.AccountAR, amount, memo),
					ledger.Credit(studentID, ledger.AccountDiscount, amount, memo),
				},
				OccurredAt: ledger.Now(),
				Month:      m,
				// One reversal per bonus, ever.
				IdempotencyKey: "reverse-bonus:" + bonus.ID,
			}); err != nil {
				return err
			}

			// Close the window so no future month picks the bonus up again.
			if err := s.EndReferral(ctx, bonus.ID, time.Now().UTC()); err != nil {
				return err
			}
			if err := s.EnqueueRecompute(ctx, studentID, m); err != nil {
				return err
			}
			return audit(ctx, s, actor, "bonus_reversed", "referral", bonus.ID, map[string]any{
				"amount": int64(amount),
				"month":  m.String(),
			})
		})
	})
}
