package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightpath/tuition-engine/billing"
	"github.com/brightpath/tuition-engine/billing/store"
	"github.com/brightpath/tuition-engine/ledger"
)

func jan() ledger.Month { return ledger.NewMonth(2026, time.January) }

func seedStudent(t *testing.T, s *store.Memory, id, familyID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.SaveFamily(ctx, billing.Family{ID: familyID, Name: familyID}))
	require.NoError(t, s.SaveStudent(ctx, billing.Student{ID: id, FamilyID: familyID, Name: id, Active: true}))
}

func TestMemory_WithTxRollsBackOnError(t *testing.T) {
	// GIVEN: A transaction that writes a payment and an invoice, then fails
	// WHEN: WithTx returns the error
	// THEN: Neither write is visible

	ctx := context.Background()
	mem := store.NewMemory()
	seedStudent(t, mem, "stu-1", "fam-1")

	boom := errors.New("boom")
	err := mem.WithTx(ctx, func(s billing.Store) error {
		if err := s.CreatePayment(ctx, billing.Payment{ID: "pay-1", StudentID: "stu-1", Amount: 100}); err != nil {
			return err
		}
		if err := s.CreateInvoice(ctx, billing.Invoice{StudentID: "stu-1", Month: jan(), TotalAmount: 100}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = mem.Invoice(ctx, "stu-1", jan())
	assert.True(t, ledger.IsNotFound(err))
}

func TestMemory_WithTxCommitsOnSuccess(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seedStudent(t, mem, "stu-1", "fam-1")

	err := mem.WithTx(ctx, func(s billing.Store) error {
		return s.CreateInvoice(ctx, billing.Invoice{StudentID: "stu-1", Month: jan(), TotalAmount: 100})
	})
	require.NoError(t, err)

	inv, err := mem.Invoice(ctx, "stu-1", jan())
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(100), inv.TotalAmount)
}

func TestMemory_UpdateInvoiceVersionGuard(t *testing.T) {
	// GIVEN: An invoice read by two writers
	// WHEN: Both write back the version they read
	// THEN: The first succeeds and bumps the version; the second loses

	ctx := context.Background()
	mem := store.NewMemory()
	seedStudent(t, mem, "stu-1", "fam-1")
	require.NoError(t, mem.CreateInvoice(ctx, billing.Invoice{StudentID: "stu-1", Month: jan(), TotalAmount: 100}))

	first, err := mem.Invoice(ctx, "stu-1", jan())
	require.NoError(t, err)
	second := first

	first.PaidAmount = 40
	require.NoError(t, mem.UpdateInvoice(ctx, first))

	second.PaidAmount = 60
	err = mem.UpdateInvoice(ctx, second)
	assert.ErrorIs(t, err, ledger.ErrConcurrencyConflict)

	stored, err := mem.Invoice(ctx, "stu-1", jan())
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(40), stored.PaidAmount)
	assert.Equal(t, first.Version+1, stored.Version)
}

func TestMemory_CreateInvoiceTwiceConflicts(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	seedStudent(t, mem, "stu-1", "fam-1")

	inv := billing.Invoice{StudentID: "stu-1", Month: jan(), TotalAmount: 100}
	require.NoError(t, mem.CreateInvoice(ctx, inv))
	assert.ErrorIs(t, mem.CreateInvoice(ctx, inv), ledger.ErrConcurrencyConflict)
}

func TestMemory_AppendEntriesRecordsIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	account, err := mem.EnsureAccount(ctx, "stu-1", ledger.AccountAR)
	require.NoError(t, err)

	entries := []ledger.Entry{{
		ID: "e-1", TxID: "tx-1", AccountID: account.ID,
		Debit: 100, Month: jan(), OccurredAt: ledger.Now(),
	}}
	require.NoError(t, mem.AppendEntries(ctx, entries, "key-1"))

	exists, err := mem.HasIdempotencyKey(ctx, "key-1")
	require.NoError(t, err)
	assert.True(t, exists)

	err = mem.AppendEntries(ctx, entries, "key-1")
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)
}

func TestMemory_RollbackDoesNotLeakAppliedMonthPins(t *testing.T) {
	// GIVEN: An enrollment discount pinned inside a failing transaction
	// WHEN: The transaction rolls back
	// THEN: The pin is gone, including through the shared pointer

	ctx := context.Background()
	mem := store.NewMemory()
	seedStudent(t, mem, "stu-1", "fam-1")
	require.NoError(t, mem.SaveClass(ctx, billing.Class{ID: "cls-1", Name: "c", SessionRate: 100, ScheduleDays: []time.Weekday{time.Monday}}))
	require.NoError(t, mem.SaveEnrollment(ctx, billing.Enrollment{
		ID: "enr-1", StudentID: "stu-1", ClassID: "cls-1",
		StartDate: time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC),
		Discount: &billing.EnrollmentDiscount{
			Type: billing.DiscountAmount, Value: decimal.NewFromInt(10), Cadence: billing.CadenceOnce,
		},
	}))

	boom := errors.New("boom")
	err := mem.WithTx(ctx, func(s billing.Store) error {
		if err := s.MarkEnrollmentDiscountApplied(ctx, "enr-1", jan()); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	enrollments, err := mem.EnrollmentsByStudent(ctx, "stu-1")
	require.NoError(t, err)
	require.Len(t, enrollments, 1)
	assert.Nil(t, enrollments[0].Discount.AppliedMonth)
}

func TestMemory_OutboxLifecycle(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	require.NoError(t, mem.EnqueueRecompute(ctx, "stu-1", jan()))
	require.NoError(t, mem.EnqueueRecompute(ctx, "stu-1", jan())) // dedupe

	pending, err := mem.PendingRecomputes(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, mem.MarkRecomputeFailed(ctx, pending[0].ID, 1, "transient"))
	pending, err = mem.PendingRecomputes(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "transient", pending[0].LastError)

	require.NoError(t, mem.MarkRecomputeDone(ctx, pending[0].ID))
	pending, err = mem.PendingRecomputes(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// A done pair may queue again.
	require.NoError(t, mem.EnqueueRecompute(ctx, "stu-1", jan()))
	pending, err = mem.PendingRecomputes(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
