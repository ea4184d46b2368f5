/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  All amounts are integer cents. Percent values travel as decimal strings
  ("10.5") so no precision is lost in transit.

VALIDATION:
  Struct tags drive go-playground/validator; decodeBody() validates right
  after decoding. Cross-field rules (consent, date ordering) stay in the
  domain layer.

SEE ALSO:
  - handlers.go: Uses these types
  - billing/types.go: The domain model these map to
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/brightpath/tuition-engine/billing"
	"github.com/brightpath/tuition-engine/ledger"
)

// =============================================================================
// PAYMENTS
// =============================================================================

// PostPaymentRequest records a single-student payment.
type PostPaymentRequest struct {
	StudentID      string `json:"student_id" validate:"required"`
	Amount         int64  `json:"amount" validate:"required,gt=0"`
	Method         string `json:"method" validate:"required,oneof=cash bank"`
	OccurredAt     string `json:"occurred_at,omitempty"` // RFC3339, defaults to now
	Memo           string `json:"memo,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Actor          string `json:"actor,omitempty"`
}

// PostPaymentResponse reports what the posting did.
type PostPaymentResponse struct {
	PaymentID     string `json:"payment_id"`
	TxID          string `json:"tx_id"`
	AppliedAmount int64  `json:"applied_amount"`
	CreditBalance int64  `json:"credit_balance"`
	Flagged       bool   `json:"flagged"`
}

// FamilyPaymentRequest splits one payment across a family's active students.
type FamilyPaymentRequest struct {
	Amount         int64  `json:"amount" validate:"required,gt=0"`
	Method         string `json:"method" validate:"required,oneof=cash bank"`
	Month          string `json:"month" validate:"required"` // "2026-01"
	OccurredAt     string `json:"occurred_at,omitempty"`
	LeftoverPolicy string `json:"leftover_policy,omitempty" validate:"omitempty,oneof=unapplied_cash voluntary_contribution"`
	ConsentGiven   bool   `json:"consent_given,omitempty"`
	Memo           string `json:"memo,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Actor          string `json:"actor,omitempty"`
}

// AllocationDTO is one waterfall step.
type AllocationDTO struct {
	StudentID   string `json:"student_id"`
	StudentName string `json:"student_name"`
	Order       int    `json:"order"`
	Allocated   int64  `json:"allocated"`
	BeforeDebt  int64  `json:"before_debt"`
	AfterDebt   int64  `json:"after_debt"`
}

// FamilyPaymentResponse reports the full waterfall outcome.
type FamilyPaymentResponse struct {
	ParentPaymentID string          `json:"parent_payment_id"`
	TotalAllocated  int64           `json:"total_allocated"`
	Allocations     []AllocationDTO `json:"allocations"`
	Leftover        int64           `json:"leftover"`
	LeftoverPolicy  string          `json:"leftover_policy"`
}

// =============================================================================
// INVOICES AND REVIEW
// =============================================================================

// InvoiceDTO represents an invoice in API responses.
type InvoiceDTO struct {
	ID                 string               `json:"id"`
	StudentID          string               `json:"student_id"`
	Month              string               `json:"month"`
	BaseAmount         int64                `json:"base_amount"`
	DiscountAmount     int64                `json:"discount_amount"`
	TotalAmount        int64                `json:"total_amount"`
	PaidAmount         int64                `json:"paid_amount"`
	Outstanding        int64                `json:"outstanding"`
	RecordedPayment    int64                `json:"recorded_payment"`
	Status             string               `json:"status"`
	ConfirmationStatus string               `json:"confirmation_status"`
	ReviewFlags        []billing.ReviewFlag `json:"review_flags,omitempty"`
	ConfirmationNotes  string               `json:"confirmation_notes,omitempty"`
	DiscountSources    []string             `json:"discount_sources,omitempty"`
	Version            int64                `json:"version"`
}

// ReviewGroupDTO is one flag kind with every invoice carrying it.
type ReviewGroupDTO struct {
	Kind     string       `json:"kind"`
	Label    string       `json:"label"`
	Invoices []InvoiceDTO `json:"invoices"`
}

// ConfirmRequest confirms one or more invoices, optionally marking them
// adjusted instead.
type ConfirmRequest struct {
	InvoiceIDs []string `json:"invoice_ids" validate:"required,min=1,dive,required"`
	Notes      string   `json:"notes,omitempty"`
	Status     string   `json:"status,omitempty" validate:"omitempty,oneof=confirmed adjusted"`
	Actor      string   `json:"actor,omitempty"`
}

// StatementDTO is the per-account balance view backing customer statements.
type StatementDTO struct {
	StudentID    string           `json:"student_id"`
	ThroughMonth string           `json:"through_month"`
	Balances     map[string]int64 `json:"balances"`
}

// =============================================================================
// DISCOUNTS AND REFERRALS
// =============================================================================

// CreateAssignmentRequest grants a discount definition to a student.
type CreateAssignmentRequest struct {
	StudentID     string  `json:"student_id" validate:"required"`
	DefinitionID  string  `json:"definition_id" validate:"required"`
	Cadence       string  `json:"cadence,omitempty" validate:"omitempty,oneof=once monthly"`
	EffectiveFrom string  `json:"effective_from" validate:"required"` // "2026-01-15"
	EffectiveTo   *string `json:"effective_to,omitempty"`
	Note          string  `json:"note,omitempty"`
	Actor         string  `json:"actor,omitempty"`
}

// AssignmentDTO represents a discount assignment.
type AssignmentDTO struct {
	ID            string  `json:"id"`
	StudentID     string  `json:"student_id"`
	DefinitionID  string  `json:"definition_id"`
	Cadence       string  `json:"cadence"`
	EffectiveFrom string  `json:"effective_from"`
	EffectiveTo   *string `json:"effective_to,omitempty"`
	AppliedMonth  *string `json:"applied_month,omitempty"`
	Note          string  `json:"note,omitempty"`
}

// CreateReferralRequest records a referral bonus with inline terms.
type CreateReferralRequest struct {
	StudentID     string  `json:"student_id" validate:"required"`
	Type          string  `json:"type" validate:"required,oneof=percent amount"`
	Value         string  `json:"value" validate:"required"` // decimal string
	Cadence       string  `json:"cadence,omitempty" validate:"omitempty,oneof=once monthly"`
	EffectiveFrom string  `json:"effective_from" validate:"required"`
	EffectiveTo   *string `json:"effective_to,omitempty"`
	Note          string  `json:"note,omitempty"`
	Actor         string  `json:"actor,omitempty"`
}

// ReferralDTO represents a referral bonus.
type ReferralDTO struct {
	ID            string  `json:"id"`
	StudentID     string  `json:"student_id"`
	Type          string  `json:"type"`
	Value         string  `json:"value"`
	Cadence       string  `json:"cadence"`
	EffectiveFrom string  `json:"effective_from"`
	EffectiveTo   *string `json:"effective_to,omitempty"`
	AppliedMonth  *string `json:"applied_month,omitempty"`
	Note          string  `json:"note,omitempty"`
}

// =============================================================================
// ROSTER UPSERTS - Students, families, classes, enrollments, definitions
// =============================================================================

// SaveStudentRequest upserts a student record.
type SaveStudentRequest struct {
	ID       string `json:"id" validate:"required"`
	FamilyID string `json:"family_id" validate:"required"`
	Name     string `json:"name" validate:"required"`
	Active   bool   `json:"active"`
}

// SaveFamilyRequest upserts a family record.
type SaveFamilyRequest struct {
	ID                     string  `json:"id" validate:"required"`
	Name                   string  `json:"name" validate:"required"`
	SiblingPercentOverride *string `json:"sibling_percent_override,omitempty"` // decimal string
}

// SaveClassRequest upserts a class record.
type SaveClassRequest struct {
	ID           string `json:"id" validate:"required"`
	Name         string `json:"name" validate:"required"`
	SessionRate  int64  `json:"session_rate" validate:"required,gt=0"`
	ScheduleDays []int  `json:"schedule_days" validate:"required,min=1,dive,gte=0,lte=6"`
}

// EnrollmentDiscountDTO is an explicit per-enrollment discount.
type EnrollmentDiscountDTO struct {
	Type    string `json:"type" validate:"required,oneof=percent amount"`
	Value   string `json:"value" validate:"required"`
	Cadence string `json:"cadence,omitempty" validate:"omitempty,oneof=once monthly"`
}

// SaveEnrollmentRequest upserts an enrollment record.
type SaveEnrollmentRequest struct {
	ID           string                 `json:"id" validate:"required"`
	StudentID    string                 `json:"student_id" validate:"required"`
	ClassID      string                 `json:"class_id" validate:"required"`
	StartDate    string                 `json:"start_date" validate:"required"`
	EndDate      *string                `json:"end_date,omitempty"`
	AllowedDays  []int                  `json:"allowed_days,omitempty" validate:"omitempty,dive,gte=0,lte=6"`
	RateOverride *int64                 `json:"rate_override,omitempty" validate:"omitempty,gt=0"`
	Discount     *EnrollmentDiscountDTO `json:"discount,omitempty"`
}

// SaveDefinitionRequest upserts a shared discount definition.
type SaveDefinitionRequest struct {
	ID    string `json:"id" validate:"required"`
	Name  string `json:"name" validate:"required"`
	Type  string `json:"type" validate:"required,oneof=percent amount"`
	Value string `json:"value" validate:"required"`
}

// =============================================================================
// ADMIN
// =============================================================================

// RecomputeRequest enqueues a durable recompute for (student, month).
type RecomputeRequest struct {
	StudentID string `json:"student_id" validate:"required"`
	Month     string `json:"month" validate:"required"`
}

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func invoiceDTO(inv billing.Invoice) InvoiceDTO {
	sources := make([]string, 0, len(inv.DiscountSources))
	for _, s := range inv.DiscountSources {
		sources = append(sources, string(s))
	}
	return InvoiceDTO{
		ID:                 inv.ID(),
		StudentID:          inv.StudentID,
		Month:              inv.Month.String(),
		BaseAmount:         int64(inv.BaseAmount),
		DiscountAmount:     int64(inv.DiscountAmount),
		TotalAmount:        int64(inv.TotalAmount),
		PaidAmount:         int64(inv.PaidAmount),
		Outstanding:        int64(inv.Outstanding()),
		RecordedPayment:    int64(inv.RecordedPayment),
		Status:             string(inv.Status),
		ConfirmationStatus: string(inv.ConfirmationStatus),
		ReviewFlags:        inv.ReviewFlags,
		ConfirmationNotes:  inv.ConfirmationNotes,
		DiscountSources:    sources,
		Version:            inv.Version,
	}
}

func assignmentDTO(a billing.DiscountAssignment) AssignmentDTO {
	return AssignmentDTO{
		ID:            a.ID,
		StudentID:     a.StudentID,
		DefinitionID:  a.DefinitionID,
		Cadence:       string(a.Cadence),
		EffectiveFrom: a.EffectiveFrom.Format("2006-01-02"),
		EffectiveTo:   formatDatePtr(a.EffectiveTo),
		AppliedMonth:  formatMonthPtr(a.AppliedMonth),
		Note:          a.Note,
	}
}

func referralDTO(b billing.ReferralBonus) ReferralDTO {
	return ReferralDTO{
		ID:            b.ID,
		StudentID:     b.StudentID,
		Type:          string(b.Type),
		Value:         b.Value.String(),
		Cadence:       string(b.Cadence),
		EffectiveFrom: b.EffectiveFrom.Format("2006-01-02"),
		EffectiveTo:   formatDatePtr(b.EffectiveTo),
		AppliedMonth:  formatMonthPtr(b.AppliedMonth),
		Note:          b.Note,
	}
}

func formatDatePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format("2006-01-02")
	return &s
}

func formatMonthPtr(m *ledger.Month) *string {
	if m == nil {
		return nil
	}
	s := m.String()
	return &s
}

func parseDecimalPtr(s *string, field string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, &ledger.ValidationError{Field: field, Reason: "not a decimal"}
	}
	return &d, nil
}

func weekdays(days []int) []time.Weekday {
	if len(days) == 0 {
		return nil
	}
	out := make([]time.Weekday, len(days))
	for i, d := range days {
		out[i] = time.Weekday(d)
	}
	return out
}
