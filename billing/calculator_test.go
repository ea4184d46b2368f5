package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightpath/tuition-engine/billing"
	"github.com/brightpath/tuition-engine/billing/store"
	"github.com/brightpath/tuition-engine/ledger"
)

// =============================================================================
// TEST HELPERS - shared across the billing test files
// =============================================================================

func newTestEngine(t *testing.T) (*billing.Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return billing.NewEngine(mem, billing.DefaultConfig()), mem
}

func newTestEngineWithConfig(t *testing.T, cfg billing.Config) (*billing.Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return billing.NewEngine(mem, cfg), mem
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func jan() ledger.Month { return ledger.NewMonth(2026, time.January) }
func feb() ledger.Month { return ledger.NewMonth(2026, time.February) }
func mar() ledger.Month { return ledger.NewMonth(2026, time.March) }

func saveFamily(t *testing.T, s *store.Memory, id string) {
	t.Helper()
	require.NoError(t, s.SaveFamily(context.Background(), billing.Family{ID: id, Name: id}))
}

func saveStudent(t *testing.T, s *store.Memory, id, familyID string, active bool) {
	t.Helper()
	require.NoError(t, s.SaveStudent(context.Background(), billing.Student{
		ID: id, FamilyID: familyID, Name: id, Active: active,
	}))
}

// pianoClass meets Monday and Wednesday at 60.00 per session.
// January 2026 has 4 Mondays and 4 Wednesdays: 8 sessions, base 480.00.
func pianoClass(t *testing.T, s *store.Memory) {
	t.Helper()
	require.NoError(t, s.SaveClass(context.Background(), billing.Class{
		ID: "cls-piano", Name: "Piano", SessionRate: 6000,
		ScheduleDays: []time.Weekday{time.Monday, time.Wednesday},
	}))
}

func saveEnrollment(t *testing.T, s *store.Memory, e billing.Enrollment) {
	t.Helper()
	require.NoError(t, s.SaveEnrollment(context.Background(), e))
}

// soloStudent seeds a one-child family enrolled in piano from Jan 1.
func soloStudent(t *testing.T, s *store.Memory, studentID string) {
	t.Helper()
	saveFamily(t, s, "fam-"+studentID)
	saveStudent(t, s, studentID, "fam-"+studentID, true)
	pianoClass(t, s)
	saveEnrollment(t, s, billing.Enrollment{
		ID: "enr-" + studentID, StudentID: studentID, ClassID: "cls-piano",
		StartDate: date(2026, time.January, 1),
	})
}

func balanceOf(t *testing.T, s billing.Store, studentID string, code ledger.AccountCode, through ledger.Month) ledger.Money {
	t.Helper()
	bal, err := ledger.New(s).Balance(context.Background(), studentID, code, through)
	require.NoError(t, err)
	return bal
}

func flagKinds(flags []billing.ReviewFlag) []billing.FlagKind {
	kinds := make([]billing.FlagKind, len(flags))
	for i, f := range flags {
		kinds[i] = f.Kind
	}
	return kinds
}

// =============================================================================
// SESSION COUNTING AND BASE AMOUNT
// =============================================================================

func TestCalculate_CountsScheduledSessions(t *testing.T) {
	// GIVEN: One enrollment in a Mon+Wed class at 60.00/session
	// WHEN: Calculating January 2026 (4 Mondays, 4 Wednesdays)
	// THEN: Base is 8 x 60.00, no discounts, auto-approved

	ctx := context.Background()
	engine, mem := newTestEngine(t)
	soloStudent(t, mem, "stu-1")

	inv, err := engine.Calculate(ctx, "stu-1", jan())
	require.NoError(t, err)

	assert.Equal(t, ledger.Money(48000), inv.BaseAmount)
	assert.Equal(t, ledger.Money(0), inv.DiscountAmount)
	assert.Equal(t, ledger.Money(48000), inv.TotalAmount)
	assert.Equal(t, billing.StatusUnpaid, inv.Status)
	assert.Equal(t, billing.ConfirmationAutoApproved, inv.ConfirmationStatus)
	assert.Empty(t, inv.ReviewFlags)

	// The charge is booked double-entry: AR up, revenue up (credit-normal).
	assert.Equal(t, ledger.Money(48000), balanceOf(t, mem, "stu-1", ledger.AccountAR, jan()))
	assert.Equal(t, ledger.Money(-48000), balanceOf(t, mem, "stu-1", ledger.AccountRevenue, jan()))
}

func TestCalculate_ZeroTotalInvoiceIsPaid(t *testing.T) {
	// GIVEN: A student with no enrollments active in the month
	// WHEN: Calculating
	// THEN: Nothing is owed, so the invoice is paid rather than open

	ctx := context.Background()
	engine, mem := newTestEngine(t)
	saveFamily(t, mem, "fam-1")
	saveStudent(t, mem, "stu-1", "fam-1", true)

	inv, err := engine.Calculate(ctx, "stu-1", jan())
	require.NoError(t, err)

	assert.Equal(t, ledger.Money(0), inv.TotalAmount)
	assert.Equal(t, billing.StatusPaid, inv.Status)
	assert.Equal(t, ledger.Money(0), inv.Outstanding())

	open, err := mem.OpenInvoices(ctx, "stu-1")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestCalculate_AllowedDaysRestrictSessions(t *testing.T) {
	// GIVEN: A Mon+Wed class but the student only attends Mondays
	// WHEN: Calculating January 2026
	// THEN: Only the 4 Mondays bill

	ctx := context.Background()
	engine, mem := newTestEngine(t)
	saveFamily(t, mem, "fam-1")
	saveStudent(t, mem, "stu-1", "fam-1", true)
	pianoClass(t, mem)
	saveEnrollment(t, mem, billing.Enrollment{
		ID: "enr-1", StudentID: "stu-1", ClassID: "cls-piano",
		StartDate:   date(2026, time.January, 1),
		AllowedDays: []time.Weekday{time.Monday},
	})

	inv, err := engine.Calculate(ctx, "stu-1", jan())
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(24000), inv.BaseAmount)
}

func TestCalculate_EnrollmentStartMidMonth(t *testing.T) {
	// GIVEN: Enrollment starting Monday Jan 19
	// WHEN: Calculating January 2026
	// THEN: Only sessions on/after the start date bill (Mon 19, 26; Wed 21, 28)

	ctx := context.Background()
	engine, mem := newTestEngine(t)
	saveFamily(t, mem, "fam-1")
	saveStudent(t, mem, "stu-1", "fam-1", true)
	pianoClass(t, mem)
	saveEnrollment(t, mem, billing.Enrollment{
		ID: "enr-1", StudentID: "stu-1", ClassID: "cls-piano",
		StartDate: date(2026, time.January, 19),
	})

	inv, err := engine.Calculate(ctx, "stu-1", jan())
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(24000), inv.BaseAmount)
}

func TestCalculate_RateOverrideFlagged(t *testing.T) {
	// GIVEN: An enrollment with a per-enrollment rate override of 55.00
	// WHEN: Calculating January 2026
	// THEN: The override rate bills and the invoice is flagged for review

	ctx := context.Background()
	engine, mem := newTestEngine(t)
	saveFamily(t, mem, "fam-1")
	saveStudent(t, mem, "stu-1", "fam-1", true)
	pianoClass(t, mem)
	override := ledger.Money(5500)
	saveEnrollment(t, mem, billing.Enrollment{
		ID: "enr-1", StudentID: "stu-1", ClassID: "cls-piano",
		StartDate:    date(2026, time.January, 1),
		RateOverride: &override,
	})

	inv, err := engine.Calculate(ctx, "stu-1", jan())
	require.NoError(t, err)

	assert.Equal(t, ledger.Money(44000), inv.BaseAmount)
	assert.Contains(t, flagKinds(inv.ReviewFlags), billing.FlagRateOverride)
	assert.Equal(t, billing.ConfirmationNeedsReview, inv.ConfirmationStatus)
}

// =============================================================================
// IDEMPOTENCE AND DEGRADED MODES
// =============================================================================

func TestCalculate_RecomputeIsIdempotent(t *testing.T) {
	// GIVEN: An invoice already computed with unchanged inputs
	// WHEN: Recomputing the same month
	// THEN: The result is identical, including version (no write happened)

	ctx := context.Background()
	engine, mem := newTestEngine(t)
	soloStudent(t, mem, "stu-1")

	first, err := engine.Calculate(ctx, "stu-1", jan())
	require.NoError(t, err)
	second, err := engine.Calculate(ctx, "stu-1", jan())
	require.NoError(t, err)

	assert.Equal(t, first, second)

	// No charge delta was re-posted either.
	assert.Equal(t, ledger.Money(48000), balanceOf(t, mem, "stu-1", ledger.AccountAR, jan()))
}

func TestCalculate_RecomputeBooksDelta(t *testing.T) {
	// GIVEN: January billed at the standard rate
	// WHEN: The enrollment gets a cheaper override and January recomputes
	// THEN: Only the delta is posted; AR reflects the new base exactly

	ctx := context.Background()
	engine, mem := newTestEngine(t)
	soloStudent(t, mem, "stu-1")

	_, err := engine.Calculate(ctx, "stu-1", jan())
	require.NoError(t, err)

	override := ledger.Money(5000)
	saveEnrollment(t, mem, billing.Enrollment{
		ID: "enr-stu-1", StudentID: "stu-1", ClassID: "cls-piano",
		StartDate:    date(2026, time.January, 1),
		RateOverride: &override,
	})

	inv, err := engine.Calculate(ctx, "stu-1", jan())
	require.NoError(t, err)

	assert.Equal(t, ledger.Money(40000), inv.BaseAmount)
	assert.Equal(t, ledger.Money(40000), balanceOf(t, mem, "stu-1", ledger.AccountAR, jan()))
	assert.Equal(t, ledger.Money(-40000), balanceOf(t, mem, "stu-1", ledger.AccountRevenue, jan()))
}

func TestCalculate_MissingClassDegradesWithFlag(t *testing.T) {
	// GIVEN: Two enrollments, one referencing a class that does not exist
	// WHEN: Calculating the month
	// THEN: The broken enrollment is excluded, the good one bills, and a
	//       data integrity flag is attached

	ctx := context.Background()
	engine, mem := newTestEngine(t)
	saveFamily(t, mem, "fam-1")
	saveStudent(t, mem, "stu-1", "fam-1", true)
	pianoClass(t, mem)
	saveEnrollment(t, mem, billing.Enrollment{
		ID: "enr-good", StudentID: "stu-1", ClassID: "cls-piano",
		StartDate: date(2026, time.January, 1),
	})
	saveEnrollment(t, mem, billing.Enrollment{
		ID: "enr-broken", StudentID: "stu-1", ClassID: "cls-ghost",
		StartDate: date(2026, time.January, 1),
	})

	inv, err := engine.Calculate(ctx, "stu-1", jan())
	require.NoError(t, err)

	assert.Equal(t, ledger.Money(48000), inv.BaseAmount)
	assert.Contains(t, flagKinds(inv.ReviewFlags), billing.FlagDataIntegrity)
	assert.Equal(t, billing.ConfirmationNeedsReview, inv.ConfirmationStatus)
}

func TestCalculate_UnknownStudent(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.Calculate(context.Background(), "stu-ghost", jan())
	assert.True(t, ledger.IsNotFound(err))
}

func TestCalculate_PreservesPaidAmounts(t *testing.T) {
	// GIVEN: A paid-against invoice whose inputs then change
	// WHEN: Recomputing
	// THEN: PaidAmount and RecordedPayment survive the recompute

	ctx := context.Background()
	engine, mem := newTestEngine(t)
	soloStudent(t, mem, "stu-1")

	_, err := engine.Calculate(ctx, "stu-1", jan())
	require.NoError(t, err)
	_, err = engine.PostPayment(ctx, billing.PostPaymentInput{
		StudentID: "stu-1", Amount: 10000, Method: billing.MethodCash,
		OccurredAt: date(2026, time.January, 10),
	})
	require.NoError(t, err)

	// Cheaper rate forces a recompute that actually writes.
	override := ledger.Money(5000)
	saveEnrollment(t, mem, billing.Enrollment{
		ID: "enr-stu-1", StudentID: "stu-1", ClassID: "cls-piano",
		StartDate:    date(2026, time.January, 1),
		RateOverride: &override,
	})

	inv, err := engine.Calculate(ctx, "stu-1", jan())
	require.NoError(t, err)

	assert.Equal(t, ledger.Money(10000), inv.PaidAmount)
	assert.Equal(t, ledger.Money(10000), inv.RecordedPayment)
	assert.Equal(t, billing.StatusPartial, inv.Status)
}
