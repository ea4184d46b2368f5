/*
handlers.go - HTTP API handlers for the tuition billing engine

PURPOSE:
  Exposes the billing engine via REST API. Handles HTTP request/response,
  JSON serialization and validation, and delegates to domain logic.

ENDPOINTS:
  Payments:
    POST   /api/payments                        Post a single-student payment
    POST   /api/families/{id}/payments          Family waterfall allocation

  Students:
    POST   /api/students                        Upsert a student
    GET    /api/students/{id}/invoices          List invoices
    GET    /api/students/{id}/invoices/{month}  Get one invoice
    POST   /api/students/{id}/invoices/{month}/recalculate
    GET    /api/students/{id}/statement         Ledger balances per account
    GET    /api/students/{id}/assignments       List discount assignments
    GET    /api/students/{id}/referrals         List referral bonuses

  Review:
    GET    /api/review                          Grouped review queue
    POST   /api/review/confirm                  Bulk confirm invoices

  Discounts:
    POST   /api/discounts/definitions           Upsert a definition
    POST   /api/discounts/assignments           Assign a discount
    POST   /api/discounts/assignments/{id}/end  Close the window
    DELETE /api/discounts/assignments/{id}      Hard delete

  Referrals:
    POST   /api/referrals                       Record a referral bonus
    POST   /api/students/{id}/referrals/{bonusId}/reverse

  Roster:
    POST   /api/families, /api/classes, /api/enrollments

  Admin:
    POST   /api/admin/recompute                 Enqueue a durable recompute
    POST   /api/admin/outbox/drain              Drain one batch now

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Entity not found
  - 409: Conflict (idempotency, lost race, overlapping window)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - billing/engine.go: The domain logic these delegate to
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/brightpath/tuition-engine/billing"
	"github.com/brightpath/tuition-engine/ledger"
)

var validate = validator.New()

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// RosterWriter is the slice of the store the roster upsert endpoints need.
// Both the SQLite store and the in-memory store satisfy it.
type RosterWriter interface {
	SaveStudent(ctx context.Context, s billing.Student) error
	SaveFamily(ctx context.Context, f billing.Family) error
	SaveClass(ctx context.Context, c billing.Class) error
	SaveEnrollment(ctx context.Context, e billing.Enrollment) error
	SaveDefinition(ctx context.Context, def billing.DiscountDefinition) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *billing.Engine
	Roster RosterWriter
	Worker *billing.OutboxWorker // optional; enables /admin/outbox/drain
}

// NewHandler creates a handler backed by the given engine and roster writer.
func NewHandler(engine *billing.Engine, roster RosterWriter) *Handler {
	return &Handler{Engine: engine, Roster: roster}
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// PostPayment records and applies a single-student payment.
func (h *Handler) PostPayment(w http.ResponseWriter, r *http.Request) {
	var req PostPaymentRequest
	if !decodeBody(w, r, &req) {
		return
	}

	occurredAt, ok := parseTimestamp(w, req.OccurredAt)
	if !ok {
		return
	}

	result, err := h.Engine.PostPayment(r.Context(), billing.PostPaymentInput{
		StudentID:      req.StudentID,
		Amount:         ledger.Money(req.Amount),
		Method:         billing.PaymentMethod(req.Method),
		OccurredAt:     occurredAt,
		Memo:           req.Memo,
		IdempotencyKey: req.IdempotencyKey,
		Actor:          req.Actor,
	})
	if err != nil {
		writeDomainError(w, "Failed to post payment", err)
		return
	}

	writeJSON(w, http.StatusCreated, PostPaymentResponse{
		PaymentID:     result.PaymentID,
		TxID:          result.TxID,
		AppliedAmount: int64(result.AppliedAmount),
		CreditBalance: int64(result.CreditBalance),
		Flagged:       result.Flagged,
	})
}

// PostFamilyPayment splits one payment across the family's active students.
func (h *Handler) PostFamilyPayment(w http.ResponseWriter, r *http.Request) {
	familyID := chi.URLParam(r, "id")

	var req FamilyPaymentRequest
	if !decodeBody(w, r, &req) {
		return
	}

	month, err := ledger.ParseMonth(req.Month)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month format (use YYYY-MM)", err)
		return
	}
	occurredAt, ok := parseTimestamp(w, req.OccurredAt)
	if !ok {
		return
	}

	result, err := h.Engine.Allocate(r.Context(), billing.AllocateInput{
		FamilyID:       familyID,
		Amount:         ledger.Money(req.Amount),
		Method:         billing.PaymentMethod(req.Method),
		OccurredAt:     occurredAt,
		Month:          month,
		LeftoverPolicy: billing.LeftoverPolicy(req.LeftoverPolicy),
		ConsentGiven:   req.ConsentGiven,
		Memo:           req.Memo,
		IdempotencyKey: req.IdempotencyKey,
		Actor:          req.Actor,
	})
	if err != nil {
		writeDomainError(w, "Failed to allocate family payment", err)
		return
	}

	allocations := make([]AllocationDTO, len(result.Allocations))
	for i, a := range result.Allocations {
		allocations[i] = AllocationDTO{
			StudentID:   a.StudentID,
			StudentName: a.StudentName,
			Order:       a.AllocationOrder,
			Allocated:   int64(a.Allocated),
			BeforeDebt:  int64(a.BeforeDebt),
			AfterDebt:   int64(a.AfterDebt),
		}
	}
	writeJSON(w, http.StatusCreated, FamilyPaymentResponse{
		ParentPaymentID: result.ParentPaymentID,
		TotalAllocated:  int64(result.TotalAllocated),
		Allocations:     allocations,
		Leftover:        int64(result.Leftover),
		LeftoverPolicy:  string(result.LeftoverPolicy),
	})
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

// ListInvoices returns all invoices for a student, ordered by month.
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "id")

	invoices, err := h.Engine.Store().InvoicesByStudent(r.Context(), studentID)
	if err != nil {
		writeDomainError(w, "Failed to list invoices", err)
		return
	}

	dtos := make([]InvoiceDTO, len(invoices))
	for i, inv := range invoices {
		dtos[i] = invoiceDTO(inv)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetInvoice returns one invoice, recalculating it first if it does not
// exist yet.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "id")
	month, ok := parseMonthParam(w, r)
	if !ok {
		return
	}

	inv, err := h.Engine.Store().Invoice(r.Context(), studentID, month)
	if ledger.IsNotFound(err) {
		inv, err = h.Engine.Calculate(r.Context(), studentID, month)
	}
	if err != nil {
		writeDomainError(w, "Failed to get invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, invoiceDTO(inv))
}

// RecalculateInvoice re-runs the calculator for (student, month).
func (h *Handler) RecalculateInvoice(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "id")
	month, ok := parseMonthParam(w, r)
	if !ok {
		return
	}

	inv, err := h.Engine.Calculate(r.Context(), studentID, month)
	if err != nil {
		writeDomainError(w, "Failed to recalculate invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, invoiceDTO(inv))
}

// GetStatement returns ledger balances per account through a month.
func (h *Handler) GetStatement(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "id")

	through := ledger.MonthOf(time.Now().UTC())
	if s := r.URL.Query().Get("through"); s != "" {
		m, err := ledger.ParseMonth(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid through month (use YYYY-MM)", err)
			return
		}
		through = m
	}

	stmt, err := h.Engine.StudentStatement(r.Context(), studentID, through)
	if err != nil {
		writeDomainError(w, "Failed to build statement", err)
		return
	}

	balances := make(map[string]int64, len(stmt.Balances))
	for code, bal := range stmt.Balances {
		balances[string(code)] = int64(bal)
	}
	writeJSON(w, http.StatusOK, StatementDTO{
		StudentID:    stmt.StudentID,
		ThroughMonth: stmt.ThroughMonth.String(),
		Balances:     balances,
	})
}

// =============================================================================
// REVIEW HANDLERS
// =============================================================================

// GetReviewQueue returns invoices needing confirmation, grouped by flag kind.
func (h *Handler) GetReviewQueue(w http.ResponseWriter, r *http.Request) {
	status := billing.ConfirmationStatus(r.URL.Query().Get("status"))

	groups, err := h.Engine.ReviewQueue(r.Context(), status)
	if err != nil {
		writeDomainError(w, "Failed to build review queue", err)
		return
	}

	dtos := make([]ReviewGroupDTO, len(groups))
	for i, g := range groups {
		invoices := make([]InvoiceDTO, len(g.Invoices))
		for j, inv := range g.Invoices {
			invoices[j] = invoiceDTO(inv)
		}
		dtos[i] = ReviewGroupDTO{Kind: string(g.Kind), Label: g.Label, Invoices: invoices}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ConfirmInvoices bulk-confirms invoices. Confirming never alters amounts.
func (h *Handler) ConfirmInvoices(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if !decodeBody(w, r, &req) {
		return
	}

	err := h.Engine.ConfirmInvoices(r.Context(), req.InvoiceIDs, req.Notes,
		billing.ConfirmationStatus(req.Status), req.Actor)
	if err != nil {
		writeDomainError(w, "Failed to confirm invoices", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"confirmed": len(req.InvoiceIDs)})
}

// =============================================================================
// DISCOUNT HANDLERS
// =============================================================================

// CreateAssignment grants a discount definition to a student for a window.
func (h *Handler) CreateAssignment(w http.ResponseWriter, r *http.Request) {
	var req CreateAssignmentRequest
	if !decodeBody(w, r, &req) {
		return
	}

	from, to, ok := parseWindow(w, req.EffectiveFrom, req.EffectiveTo)
	if !ok {
		return
	}

	created, err := h.Engine.CreateAssignment(r.Context(), billing.DiscountAssignment{
		StudentID:     req.StudentID,
		DefinitionID:  req.DefinitionID,
		Cadence:       billing.Cadence(req.Cadence),
		EffectiveFrom: from,
		EffectiveTo:   to,
		Note:          req.Note,
	}, req.Actor)
	if err != nil {
		writeDomainError(w, "Failed to create assignment", err)
		return
	}
	writeJSON(w, http.StatusCreated, assignmentDTO(created))
}

// ListAssignments returns a student's discount assignments.
func (h *Handler) ListAssignments(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "id")

	assignments, err := h.Engine.Store().AssignmentsByStudent(r.Context(), studentID)
	if err != nil {
		writeDomainError(w, "Failed to list assignments", err)
		return
	}
	dtos := make([]AssignmentDTO, len(assignments))
	for i, a := range assignments {
		dtos[i] = assignmentDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// EndAssignment closes the window as of today.
func (h *Handler) EndAssignment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	actor := r.URL.Query().Get("actor")

	if err := h.Engine.EndAssignment(r.Context(), id, actor); err != nil {
		writeDomainError(w, "Failed to end assignment", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

// DeleteAssignment hard-deletes an assignment, leaving the audit trail.
func (h *Handler) DeleteAssignment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	actor := r.URL.Query().Get("actor")

	if err := h.Engine.RemoveAssignment(r.Context(), id, actor); err != nil {
		writeDomainError(w, "Failed to delete assignment", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// =============================================================================
// REFERRAL HANDLERS
// =============================================================================

// CreateReferral records a referral bonus with inline terms.
func (h *Handler) CreateReferral(w http.ResponseWriter, r *http.Request) {
	var req CreateReferralRequest
	if !decodeBody(w, r, &req) {
		return
	}

	value, err := decimal.NewFromString(req.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid value (use a decimal string)", err)
		return
	}
	from, to, ok := parseWindow(w, req.EffectiveFrom, req.EffectiveTo)
	if !ok {
		return
	}

	created, err := h.Engine.CreateReferral(r.Context(), billing.ReferralBonus{
		StudentID:     req.StudentID,
		Type:          billing.DiscountType(req.Type),
		Value:         value,
		Cadence:       billing.Cadence(req.Cadence),
		EffectiveFrom: from,
		EffectiveTo:   to,
		Note:          req.Note,
	}, req.Actor)
	if err != nil {
		writeDomainError(w, "Failed to create referral", err)
		return
	}
	writeJSON(w, http.StatusCreated, referralDTO(created))
}

// ListReferrals returns a student's referral bonuses.
func (h *Handler) ListReferrals(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "id")

	referrals, err := h.Engine.Store().ReferralsByStudent(r.Context(), studentID)
	if err != nil {
		writeDomainError(w, "Failed to list referrals", err)
		return
	}
	dtos := make([]ReferralDTO, len(referrals))
	for i, b := range referrals {
		dtos[i] = referralDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ReverseReferral posts the reversing entries for a bonus already billed and
// closes its window.
func (h *Handler) ReverseReferral(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "id")
	bonusID := chi.URLParam(r, "bonusId")
	actor := r.URL.Query().Get("actor")

	if err := h.Engine.ReverseBonus(r.Context(), studentID, bonusID, actor); err != nil {
		writeDomainError(w, "Failed to reverse referral", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reversed"})
}

// =============================================================================
// ROSTER HANDLERS
// =============================================================================

// SaveStudent upserts a student.
func (h *Handler) SaveStudent(w http.ResponseWriter, r *http.Request) {
	var req SaveStudentRequest
	if !decodeBody(w, r, &req) {
		return
	}

	err := h.Roster.SaveStudent(r.Context(), billing.Student{
		ID:       req.ID,
		FamilyID: req.FamilyID,
		Name:     req.Name,
		Active:   req.Active,
	})
	if err != nil {
		writeDomainError(w, "Failed to save student", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

// SaveFamily upserts a family.
func (h *Handler) SaveFamily(w http.ResponseWriter, r *http.Request) {
	var req SaveFamilyRequest
	if !decodeBody(w, r, &req) {
		return
	}

	override, err := parseDecimalPtr(req.SiblingPercentOverride, "sibling_percent_override")
	if err != nil {
		writeDomainError(w, "Invalid sibling percent override", err)
		return
	}
	err = h.Roster.SaveFamily(r.Context(), billing.Family{
		ID:                     req.ID,
		Name:                   req.Name,
		SiblingPercentOverride: override,
	})
	if err != nil {
		writeDomainError(w, "Failed to save family", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

// SaveClass upserts a class.
func (h *Handler) SaveClass(w http.ResponseWriter, r *http.Request) {
	var req SaveClassRequest
	if !decodeBody(w, r, &req) {
		return
	}

	err := h.Roster.SaveClass(r.Context(), billing.Class{
		ID:           req.ID,
		Name:         req.Name,
		SessionRate:  ledger.Money(req.SessionRate),
		ScheduleDays: weekdays(req.ScheduleDays),
	})
	if err != nil {
		writeDomainError(w, "Failed to save class", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

// SaveEnrollment upserts an enrollment.
func (h *Handler) SaveEnrollment(w http.ResponseWriter, r *http.Request) {
	var req SaveEnrollmentRequest
	if !decodeBody(w, r, &req) {
		return
	}

	startDate, err := time.Parse("2006-01-02", req.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start_date format (use YYYY-MM-DD)", err)
		return
	}
	var endDate *time.Time
	if req.EndDate != nil {
		t, err := time.Parse("2006-01-02", *req.EndDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid end_date format (use YYYY-MM-DD)", err)
			return
		}
		endDate = &t
	}

	var discount *billing.EnrollmentDiscount
	if req.Discount != nil {
		value, err := decimal.NewFromString(req.Discount.Value)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid discount value (use a decimal string)", err)
			return
		}
		cadence := billing.Cadence(req.Discount.Cadence)
		if cadence == "" {
			cadence = billing.CadenceMonthly
		}
		discount = &billing.EnrollmentDiscount{
			Type:    billing.DiscountType(req.Discount.Type),
			Value:   value,
			Cadence: cadence,
		}
	}

	var rateOverride *ledger.Money
	if req.RateOverride != nil {
		m := ledger.Money(*req.RateOverride)
		rateOverride = &m
	}

	err = h.Roster.SaveEnrollment(r.Context(), billing.Enrollment{
		ID:           req.ID,
		StudentID:    req.StudentID,
		ClassID:      req.ClassID,
		StartDate:    startDate,
		EndDate:      endDate,
		AllowedDays:  weekdays(req.AllowedDays),
		RateOverride: rateOverride,
		Discount:     discount,
	})
	if err != nil {
		writeDomainError(w, "Failed to save enrollment", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

// SaveDefinition upserts a shared discount definition.
func (h *Handler) SaveDefinition(w http.ResponseWriter, r *http.Request) {
	var req SaveDefinitionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	value, err := decimal.NewFromString(req.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid value (use a decimal string)", err)
		return
	}
	err = h.Roster.SaveDefinition(r.Context(), billing.DiscountDefinition{
		ID:    req.ID,
		Name:  req.Name,
		Type:  billing.DiscountType(req.Type),
		Value: value,
	})
	if err != nil {
		writeDomainError(w, "Failed to save definition", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// EnqueueRecompute records a durable recompute request; the outbox worker
// picks it up.
func (h *Handler) EnqueueRecompute(w http.ResponseWriter, r *http.Request) {
	var req RecomputeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	month, err := ledger.ParseMonth(req.Month)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month format (use YYYY-MM)", err)
		return
	}
	if err := h.Engine.EnqueueRecompute(r.Context(), req.StudentID, month); err != nil {
		writeDomainError(w, "Failed to enqueue recompute", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// DrainOutbox processes one batch of pending recomputes immediately.
func (h *Handler) DrainOutbox(w http.ResponseWriter, r *http.Request) {
	if h.Worker == nil {
		writeError(w, http.StatusNotFound, "Outbox worker not configured", nil)
		return
	}
	h.Worker.Drain(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "drained"})
}

// =============================================================================
// HELPERS
// =============================================================================

// decodeBody parses and validates a JSON request body. It writes the error
// response itself and returns false if the body is unusable.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

func parseMonthParam(w http.ResponseWriter, r *http.Request) (ledger.Month, bool) {
	m, err := ledger.ParseMonth(chi.URLParam(r, "month"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month format (use YYYY-MM)", err)
		return ledger.Month{}, false
	}
	return m, true
}

func parseTimestamp(w http.ResponseWriter, s string) (time.Time, bool) {
	if s == "" {
		return time.Now().UTC(), true
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid occurred_at (use RFC3339)", err)
		return time.Time{}, false
	}
	return t.UTC(), true
}

func parseWindow(w http.ResponseWriter, fromStr string, toStr *string) (time.Time, *time.Time, bool) {
	from, err := time.Parse("2006-01-02", fromStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid effective_from format (use YYYY-MM-DD)", err)
		return time.Time{}, nil, false
	}
	var to *time.Time
	if toStr != nil {
		t, err := time.Parse("2006-01-02", *toStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid effective_to format (use YYYY-MM-DD)", err)
			return time.Time{}, nil, false
		}
		to = &t
	}
	return from, to, true
}

// writeDomainError maps domain errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, ledger.ErrDuplicateIdempotencyKey),
		errors.Is(err, ledger.ErrConcurrencyConflict),
		errors.Is(err, ledger.ErrOverlapConflict):
		writeError(w, http.StatusConflict, message, err)
	case errors.Is(err, ledger.ErrValidation):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[api] encoding response: %v", err)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
