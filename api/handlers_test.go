/*
handlers_test.go - HTTP-level tests for the API

Exercises the full stack: router, middleware, validation, handlers and the
billing engine over the in-memory store.
*/
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightpath/tuition-engine/billing"
	"github.com/brightpath/tuition-engine/billing/store"
)

func newTestAPI(t *testing.T) (http.Handler, *Handler) {
	t.Helper()
	mem := store.NewMemory()
	engine := billing.NewEngine(mem, billing.DefaultConfig())
	h := NewHandler(engine, mem)
	return NewRouter(h), h
}

// doJSON performs a request with an optional JSON body and returns the
// recorded response.
func doJSON(t *testing.T, mux http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst),
		"response body: %s", rec.Body.String())
}

// seedSoloRoster creates one family, one student and a Mon+Wed piano
// enrollment through the roster endpoints. January 2026 bills 480.00.
func seedSoloRoster(t *testing.T, mux http.Handler, studentID string) {
	t.Helper()
	familyID := "fam-" + studentID
	steps := []struct {
		path string
		body any
	}{
		{"/api/families", SaveFamilyRequest{ID: familyID, Name: familyID}},
		{"/api/students", SaveStudentRequest{ID: studentID, FamilyID: familyID, Name: studentID, Active: true}},
		{"/api/classes", SaveClassRequest{
			ID: "cls-piano", Name: "Piano", SessionRate: 6000,
			ScheduleDays: []int{int(time.Monday), int(time.Wednesday)},
		}},
		{"/api/enrollments", SaveEnrollmentRequest{
			ID: "enr-" + studentID, StudentID: studentID, ClassID: "cls-piano",
			StartDate: "2026-01-01",
		}},
	}
	for _, s := range steps {
		rec := doJSON(t, mux, http.MethodPost, s.path, s.body)
		require.Equal(t, http.StatusCreated, rec.Code, "seeding %s: %s", s.path, rec.Body.String())
	}
}

func TestAPI_InvoiceMaterializesOnFirstGet(t *testing.T) {
	// GIVEN: A seeded roster with no invoices yet
	// WHEN: Fetching January's invoice
	// THEN: The invoice is calculated on the fly

	mux, _ := newTestAPI(t)
	seedSoloRoster(t, mux, "stu-1")

	rec := doJSON(t, mux, http.MethodGet, "/api/students/stu-1/invoices/2026-01", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var inv InvoiceDTO
	decodeInto(t, rec, &inv)
	assert.Equal(t, "stu-1/2026-01", inv.ID)
	assert.Equal(t, int64(48000), inv.BaseAmount)
	assert.Equal(t, int64(48000), inv.TotalAmount)
	assert.Equal(t, string(billing.StatusUnpaid), inv.Status)
	assert.Equal(t, string(billing.ConfirmationAutoApproved), inv.ConfirmationStatus)

	// Listing shows the now-materialized invoice.
	rec = doJSON(t, mux, http.MethodGet, "/api/students/stu-1/invoices", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []InvoiceDTO
	decodeInto(t, rec, &list)
	assert.Len(t, list, 1)
}

func TestAPI_PostPayment(t *testing.T) {
	// GIVEN: A billed student
	// WHEN: Posting a full payment
	// THEN: 201 with the applied amount; the invoice reads paid

	mux, _ := newTestAPI(t)
	seedSoloRoster(t, mux, "stu-1")
	doJSON(t, mux, http.MethodPost, "/api/students/stu-1/invoices/2026-01/recalculate", nil)

	rec := doJSON(t, mux, http.MethodPost, "/api/payments", PostPaymentRequest{
		StudentID: "stu-1", Amount: 48000, Method: "bank",
		OccurredAt: "2026-01-15T10:00:00Z",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp PostPaymentResponse
	decodeInto(t, rec, &resp)
	assert.NotEmpty(t, resp.PaymentID)
	assert.Equal(t, int64(48000), resp.AppliedAmount)
	assert.Equal(t, int64(0), resp.CreditBalance)
	assert.False(t, resp.Flagged)

	rec = doJSON(t, mux, http.MethodGet, "/api/students/stu-1/invoices/2026-01", nil)
	var inv InvoiceDTO
	decodeInto(t, rec, &inv)
	assert.Equal(t, string(billing.StatusPaid), inv.Status)
	assert.Equal(t, int64(0), inv.Outstanding)
}

func TestAPI_PostPayment_Errors(t *testing.T) {
	mux, _ := newTestAPI(t)
	seedSoloRoster(t, mux, "stu-1")

	// Unknown student.
	rec := doJSON(t, mux, http.MethodPost, "/api/payments", PostPaymentRequest{
		StudentID: "stu-ghost", Amount: 1000, Method: "cash",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Validation failures never reach the engine.
	for _, body := range []PostPaymentRequest{
		{StudentID: "stu-1", Amount: 0, Method: "cash"},
		{StudentID: "stu-1", Amount: 1000, Method: "cheque"},
		{Amount: 1000, Method: "cash"},
	} {
		rec = doJSON(t, mux, http.MethodPost, "/api/payments", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body: %+v", body)
	}

	// Malformed JSON.
	req := httptest.NewRequest(http.MethodPost, "/api/payments", bytes.NewBufferString("{nope"))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Duplicate idempotency key.
	body := PostPaymentRequest{
		StudentID: "stu-1", Amount: 1000, Method: "cash", IdempotencyKey: "pay-once",
	}
	rec = doJSON(t, mux, http.MethodPost, "/api/payments", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = doJSON(t, mux, http.MethodPost, "/api/payments", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPI_FamilyPayment(t *testing.T) {
	// GIVEN: Two active siblings with different January debts
	// WHEN: The family pays 500.00
	// THEN: The waterfall result comes back with ordered allocations

	mux, _ := newTestAPI(t)
	seedSoloRoster(t, mux, "stu-amy")
	rec := doJSON(t, mux, http.MethodPost, "/api/students", SaveStudentRequest{
		ID: "stu-ben", FamilyID: "fam-stu-amy", Name: "stu-ben", Active: true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = doJSON(t, mux, http.MethodPost, "/api/classes", SaveClassRequest{
		ID: "cls-theory", Name: "Theory", SessionRate: 4000,
		ScheduleDays: []int{int(time.Saturday)},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = doJSON(t, mux, http.MethodPost, "/api/enrollments", SaveEnrollmentRequest{
		ID: "enr-ben", StudentID: "stu-ben", ClassID: "cls-theory", StartDate: "2026-01-01",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/api/families/fam-stu-amy/payments", FamilyPaymentRequest{
		Amount: 50000, Method: "bank", Month: "2026-01",
		OccurredAt: "2026-01-15T10:00:00Z",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp FamilyPaymentResponse
	decodeInto(t, rec, &resp)
	require.Len(t, resp.Allocations, 2)
	// Amy owes 456.00 (5% sibling discount on 480.00), Ben 190.00.
	assert.Equal(t, "stu-amy", resp.Allocations[0].StudentID)
	assert.Equal(t, int64(45600), resp.Allocations[0].Allocated)
	assert.Equal(t, "stu-ben", resp.Allocations[1].StudentID)
	assert.Equal(t, int64(4400), resp.Allocations[1].Allocated)
	assert.Equal(t, int64(50000), resp.TotalAllocated)
	assert.Equal(t, int64(0), resp.Leftover)

	// Month is mandatory for family payments.
	rec = doJSON(t, mux, http.MethodPost, "/api/families/fam-stu-amy/payments", FamilyPaymentRequest{
		Amount: 10000, Method: "bank",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_ReviewFlow(t *testing.T) {
	// GIVEN: A student with a special discount assignment
	// WHEN: Recalculating, reviewing and confirming
	// THEN: The queue fills, then empties after confirmation

	mux, _ := newTestAPI(t)
	seedSoloRoster(t, mux, "stu-1")

	rec := doJSON(t, mux, http.MethodPost, "/api/discounts/definitions", SaveDefinitionRequest{
		ID: "def-schol", Name: "Scholarship", Type: "percent", Value: "25",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/api/discounts/assignments", CreateAssignmentRequest{
		StudentID: "stu-1", DefinitionID: "def-schol", Cadence: "monthly",
		EffectiveFrom: "2026-01-01", Actor: "admin",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created AssignmentDTO
	decodeInto(t, rec, &created)
	assert.NotEmpty(t, created.ID)

	// Overlapping window for the same definition conflicts.
	rec = doJSON(t, mux, http.MethodPost, "/api/discounts/assignments", CreateAssignmentRequest{
		StudentID: "stu-1", DefinitionID: "def-schol", Cadence: "monthly",
		EffectiveFrom: "2026-02-01",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/api/students/stu-1/invoices/2026-01/recalculate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var inv InvoiceDTO
	decodeInto(t, rec, &inv)
	require.Equal(t, string(billing.ConfirmationNeedsReview), inv.ConfirmationStatus)

	rec = doJSON(t, mux, http.MethodGet, "/api/review/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var groups []ReviewGroupDTO
	decodeInto(t, rec, &groups)
	require.Len(t, groups, 1)
	assert.Equal(t, string(billing.FlagSpecialDiscount), groups[0].Kind)
	require.Len(t, groups[0].Invoices, 1)

	rec = doJSON(t, mux, http.MethodPost, "/api/review/confirm", ConfirmRequest{
		InvoiceIDs: []string{inv.ID}, Notes: "verified", Status: "confirmed", Actor: "reviewer",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, mux, http.MethodGet, "/api/review/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	groups = nil
	decodeInto(t, rec, &groups)
	assert.Empty(t, groups)

	// Confirming nothing is a validation error.
	rec = doJSON(t, mux, http.MethodPost, "/api/review/confirm", ConfirmRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_Statement(t *testing.T) {
	mux, _ := newTestAPI(t)
	seedSoloRoster(t, mux, "stu-1")
	doJSON(t, mux, http.MethodPost, "/api/students/stu-1/invoices/2026-01/recalculate", nil)
	rec := doJSON(t, mux, http.MethodPost, "/api/payments", PostPaymentRequest{
		StudentID: "stu-1", Amount: 20000, Method: "bank",
		OccurredAt: "2026-01-15T10:00:00Z",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, mux, http.MethodGet, "/api/students/stu-1/statement?through=2026-01", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var stmt StatementDTO
	decodeInto(t, rec, &stmt)
	assert.Equal(t, "2026-01", stmt.ThroughMonth)
	assert.Equal(t, int64(28000), stmt.Balances["AR"])
	assert.Equal(t, int64(20000), stmt.Balances["BANK"])
	assert.Equal(t, int64(-48000), stmt.Balances["REVENUE"])

	rec = doJSON(t, mux, http.MethodGet, "/api/students/stu-1/statement?through=januari", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_ReferralEndpoints(t *testing.T) {
	// GIVEN: A referral bonus billed in January
	// WHEN: Listing and reversing it
	// THEN: The reversal closes the window and succeeds exactly once

	mux, _ := newTestAPI(t)
	seedSoloRoster(t, mux, "stu-1")

	rec := doJSON(t, mux, http.MethodPost, "/api/referrals", CreateReferralRequest{
		StudentID: "stu-1", Type: "percent", Value: "5",
		Cadence: "once", EffectiveFrom: "2026-01-01", Actor: "admin",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var ref ReferralDTO
	decodeInto(t, rec, &ref)

	doJSON(t, mux, http.MethodPost, "/api/students/stu-1/invoices/2026-01/recalculate", nil)

	rec = doJSON(t, mux, http.MethodGet, "/api/students/stu-1/referrals", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []ReferralDTO
	decodeInto(t, rec, &list)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].AppliedMonth)
	assert.Equal(t, "2026-01", *list[0].AppliedMonth)

	path := fmt.Sprintf("/api/students/stu-1/referrals/%s/reverse?actor=admin", ref.ID)
	rec = doJSON(t, mux, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// A second reversal trips the reversal's idempotency key.
	rec = doJSON(t, mux, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPI_AdminRecomputeAndDrain(t *testing.T) {
	// GIVEN: A queued recompute and a configured worker
	// WHEN: Draining through the admin endpoint
	// THEN: The invoice materializes

	mux, h := newTestAPI(t)
	seedSoloRoster(t, mux, "stu-1")

	rec := doJSON(t, mux, http.MethodPost, "/api/admin/recompute", RecomputeRequest{
		StudentID: "stu-1", Month: "2026-01",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	// No worker wired: drain is unavailable.
	rec = doJSON(t, mux, http.MethodPost, "/api/admin/outbox/drain", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	h.Worker = billing.NewOutboxWorker(h.Engine, time.Hour, 3)
	rec = doJSON(t, mux, http.MethodPost, "/api/admin/outbox/drain", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, mux, http.MethodGet, "/api/students/stu-1/invoices", nil)
	var list []InvoiceDTO
	decodeInto(t, rec, &list)
	require.Len(t, list, 1)
	assert.Equal(t, int64(48000), list[0].TotalAmount)
}

func TestAPI_DemoScenarioSeedsTwice(t *testing.T) {
	// GIVEN: A fresh store
	// WHEN: Seeding the demo scenario twice
	// THEN: Both calls succeed and the roster bills as expected

	mux, _ := newTestAPI(t)

	for i := 0; i < 2; i++ {
		rec := doJSON(t, mux, http.MethodPost, "/api/scenarios/demo", nil)
		require.Equal(t, http.StatusOK, rec.Code, "seed #%d: %s", i+1, rec.Body.String())
	}

	// Amy: piano (8 sessions x 60.00) + theory (5 Saturdays x 40.00).
	rec := doJSON(t, mux, http.MethodGet, "/api/students/stu-amy/invoices/2026-01", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var inv InvoiceDTO
	decodeInto(t, rec, &inv)
	assert.Equal(t, int64(68000), inv.BaseAmount)
}
