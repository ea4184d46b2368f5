package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightpath/tuition-engine/billing"
	"github.com/brightpath/tuition-engine/billing/store"
	"github.com/brightpath/tuition-engine/ledger"
)

// seedInvoice writes an unpaid invoice directly, bypassing the calculator.
func seedInvoice(t *testing.T, s *store.Memory, studentID string, m ledger.Month, total ledger.Money) {
	t.Helper()
	inv := billing.Invoice{
		StudentID:          studentID,
		Month:              m,
		BaseAmount:         total,
		TotalAmount:        total,
		Status:             billing.StatusUnpaid,
		ConfirmationStatus: billing.ConfirmationAutoApproved,
	}
	require.NoError(t, s.CreateInvoice(context.Background(), inv))
}

func getInvoice(t *testing.T, s *store.Memory, studentID string, m ledger.Month) billing.Invoice {
	t.Helper()
	inv, err := s.Invoice(context.Background(), studentID, m)
	require.NoError(t, err)
	return inv
}

// =============================================================================
// FIFO APPLICATION
// =============================================================================

func TestPostPayment_AppliesFIFOAcrossOpenInvoices(t *testing.T) {
	// GIVEN: Open invoices Jan 100.00, Feb 200.00, Mar 50.00
	// WHEN: Posting 250.00
	// THEN: Jan pays in full, Feb goes partial at 150.00, Mar is untouched

	ctx := context.Background()
	engine, mem := newTestEngine(t)
	saveFamily(t, mem, "fam-1")
	saveStudent(t, mem, "stu-1", "fam-1", true)
	seedInvoice(t, mem, "stu-1", jan(), 10000)
	seedInvoice(t, mem, "stu-1", feb(), 20000)
	seedInvoice(t, mem, "stu-1", mar(), 5000)

	result, err := engine.PostPayment(ctx, billing.PostPaymentInput{
		StudentID: "stu-1", Amount: 25000, Method: billing.MethodBank,
		OccurredAt: date(2026, time.March, 5),
	})
	require.NoError(t, err)

	assert.Equal(t, ledger.Money(25000), result.AppliedAmount)
	assert.Equal(t, ledger.Money(0), result.CreditBalance)
	assert.False(t, result.Flagged)

	janInv := getInvoice(t, mem, "stu-1", jan())
	assert.Equal(t, billing.StatusPaid, janInv.Status)
	assert.Equal(t, ledger.Money(10000), janInv.PaidAmount)

	febInv := getInvoice(t, mem, "stu-1", feb())
	assert.Equal(t, billing.StatusPartial, febInv.Status)
	assert.Equal(t, ledger.Money(15000), febInv.PaidAmount)

	marInv := getInvoice(t, mem, "stu-1", mar())
	assert.Equal(t, billing.StatusUnpaid, marInv.Status)
	assert.Equal(t, ledger.Money(0), marInv.PaidAmount)

	// Touched months queue a durable recompute.
	pending, err := mem.PendingRecomputes(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestPostPayment_RemainderBecomesCredit(t *testing.T) {
	// GIVEN: No open invoices
	// WHEN: Posting 300.00
	// THEN: Nothing applies; the full amount parks on the CREDIT account

	ctx := context.Background()
	engine, mem := newTestEngine(t)
	saveFamily(t, mem, "fam-1")
	saveStudent(t, mem, "stu-1", "fam-1", true)

	result, err := engine.PostPayment(ctx, billing.PostPaymentInput{
		StudentID: "stu-1", Amount: 30000, Method: billing.MethodCash,
		OccurredAt: date(2026, time.January, 10),
	})
	require.NoError(t, err)

	assert.Equal(t, ledger.Money(0), result.AppliedAmount)
	assert.Equal(t, ledger.Money(30000), result.CreditBalance)

	// Cash in, AR flat (in and back out), credit parked.
	assert.Equal(t, ledger.Money(30000), balanceOf(t, mem, "stu-1", ledger.AccountCash, jan()))
	assert.Equal(t, ledger.Money(0), balanceOf(t, mem, "stu-1", ledger.AccountAR, jan()))
	assert.Equal(t, ledger.Money(-30000), balanceOf(t, mem, "stu-1", ledger.AccountCredit, jan()))
}

func TestPostPayment_OverpaymentBeyondThresholdFlags(t *testing.T) {
	// GIVEN: 100.00 outstanding and a 50.00 overpayment threshold
	// WHEN: Posting 200.00
	// THEN: The payment is accepted but flagged; the flag lands on the
	//       newest open invoice

	ctx := context.Background()
	cfg := billing.DefaultConfig()
	cfg.OverpaymentThreshold = 5000
	engine, mem := newTestEngineWithConfig(t, cfg)
	saveFamily(t, mem, "fam-1")
	saveStudent(t, mem, "stu-1", "fam-1", true)
	seedInvoice(t, mem, "stu-1", jan(), 10000)

	result, err := engine.PostPayment(ctx, billing.PostPaymentInput{
		StudentID: "stu-1", Amount: 20000, Method: billing.MethodBank,
		OccurredAt: date(2026, time.January, 20),
	})
	require.NoError(t, err)

	assert.True(t, result.Flagged)
	assert.Equal(t, ledger.Money(10000), result.AppliedAmount)
	assert.Equal(t, ledger.Money(10000), result.CreditBalance)

	inv := getInvoice(t, mem, "stu-1", jan())
	assert.Contains(t, flagKinds(inv.ReviewFlags), billing.FlagOverpayment)
	assert.Equal(t, billing.ConfirmationNeedsReview, inv.ConfirmationStatus)
}

func TestPostPayment_OverpaymentFlagSurvivesRecompute(t *testing.T) {
	// GIVEN: A flagged overpayment whose touched months are queued for
	//        recomputation
	// WHEN: The outbox worker drains
	// THEN: The flag and needs_review status survive the recompute

	ctx := context.Background()
	cfg := billing.DefaultConfig()
	cfg.OverpaymentThreshold = 5000
	engine, mem := newTestEngineWithConfig(t, cfg)
	soloStudent(t, mem, "stu-1")

	_, err := engine.Calculate(ctx, "stu-1", jan())
	require.NoError(t, err)

	result, err := engine.PostPayment(ctx, billing.PostPaymentInput{
		StudentID: "stu-1", Amount: 58000, Method: billing.MethodBank,
		OccurredAt: date(2026, time.January, 20),
	})
	require.NoError(t, err)
	require.True(t, result.Flagged)

	billing.NewOutboxWorker(engine, time.Hour, 3).Drain(ctx)

	inv := getInvoice(t, mem, "stu-1", jan())
	assert.Contains(t, flagKinds(inv.ReviewFlags), billing.FlagOverpayment)
	assert.Equal(t, billing.ConfirmationNeedsReview, inv.ConfirmationStatus)

	pending, err := mem.PendingRecomputes(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// =============================================================================
// GUARDRAILS AND IDEMPOTENCY
// =============================================================================

func TestPostPayment_RejectsOutOfBoundsAmounts(t *testing.T) {
	ctx := context.Background()
	engine, mem := newTestEngine(t)
	saveFamily(t, mem, "fam-1")
	saveStudent(t, mem, "stu-1", "fam-1", true)

	cases := []struct {
		name   string
		amount ledger.Money
		method billing.PaymentMethod
	}{
		{"below minimum", 50, billing.MethodCash},
		{"above maximum", 20_000_000, billing.MethodCash},
		{"zero", 0, billing.MethodCash},
		{"unknown method", 10000, billing.PaymentMethod("cheque")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := engine.PostPayment(ctx, billing.PostPaymentInput{
				StudentID: "stu-1", Amount: tc.amount, Method: tc.method,
				OccurredAt: date(2026, time.January, 5),
			})
			assert.True(t, ledger.IsClientError(err), "got %v", err)
		})
	}
}

func TestPostPayment_DuplicateIdempotencyKeyRejected(t *testing.T) {
	// GIVEN: A payment posted with an idempotency key
	// WHEN: The same request retries
	// THEN: The retry fails with the duplicate-key sentinel and books nothing

	ctx := context.Background()
	engine, mem := newTestEngine(t)
	saveFamily(t, mem, "fam-1")
	saveStudent(t, mem, "stu-1", "fam-1", true)

	in := billing.PostPaymentInput{
		StudentID: "stu-1", Amount: 15000, Method: billing.MethodCash,
		OccurredAt:     date(2026, time.January, 8),
		IdempotencyKey: "pay-attempt-1",
	}
	_, err := engine.PostPayment(ctx, in)
	require.NoError(t, err)

	before := balanceOf(t, mem, "stu-1", ledger.AccountCash, jan())

	_, err = engine.PostPayment(ctx, in)
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)
	assert.Equal(t, before, balanceOf(t, mem, "stu-1", ledger.AccountCash, jan()))
}

// =============================================================================
// BONUS REVERSAL
// =============================================================================

func TestReverseBonus_PostsOffsettingEntries(t *testing.T) {
	// GIVEN: A once-cadence referral bonus applied to January
	// WHEN: Reversing it
	// THEN: Offsetting entries restore AR and DISCOUNT, the window closes,
	//       and January is queued for recomputation

	ctx := context.Background()
	engine, mem := newTestEngine(t)
	soloStudent(t, mem, "stu-1")
	created, err := engine.CreateReferral(ctx, billing.ReferralBonus{
		StudentID: "stu-1", Type: billing.DiscountPercent, Value: decimal.NewFromInt(5),
		Cadence: billing.CadenceOnce, EffectiveFrom: date(2026, time.January, 1),
	}, "test")
	require.NoError(t, err)

	_, err = engine.Calculate(ctx, "stu-1", jan())
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(2400), balanceOf(t, mem, "stu-1", ledger.AccountDiscount, jan()))
	assert.Equal(t, ledger.Money(45600), balanceOf(t, mem, "stu-1", ledger.AccountAR, jan()))

	require.NoError(t, engine.ReverseBonus(ctx, "stu-1", created.ID, "admin"))

	assert.Equal(t, ledger.Money(0), balanceOf(t, mem, "stu-1", ledger.AccountDiscount, jan()))
	assert.Equal(t, ledger.Money(48000), balanceOf(t, mem, "stu-1", ledger.AccountAR, jan()))

	bonus, err := mem.Referral(ctx, created.ID)
	require.NoError(t, err)
	assert.NotNil(t, bonus.EffectiveTo)

	pending, err := mem.PendingRecomputes(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, jan(), pending[0].Month)

	// Reversing twice trips the reversal's idempotency key; the ledger is
	// untouched.
	err = engine.ReverseBonus(ctx, "stu-1", created.ID, "admin")
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)
	assert.Equal(t, ledger.Money(48000), balanceOf(t, mem, "stu-1", ledger.AccountAR, jan()))
}

func TestReverseBonus_UnappliedBonusRejected(t *testing.T) {
	ctx := context.Background()
	engine, mem := newTestEngine(t)
	soloStudent(t, mem, "stu-1")
	created, err := engine.CreateReferral(ctx, billing.ReferralBonus{
		StudentID: "stu-1", Type: billing.DiscountAmount, Value: decimal.NewFromInt(20),
		Cadence: billing.CadenceOnce, EffectiveFrom: date(2026, time.January, 1),
	}, "test")
	require.NoError(t, err)

	err = engine.ReverseBonus(ctx, "stu-1", created.ID, "admin")
	assert.ErrorIs(t, err, ledger.ErrValidation)
}
