// Package store provides billing.Store implementations.
package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/brightpath/tuition-engine/billing"
	"github.com/brightpath/tuition-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory holds everything in maps guarded by one RWMutex. WithTx is
// simulated with a snapshot + restore on error, which gives the same
// all-or-nothing visibility the SQLite store gets from real transactions.
type Memory struct {
	mu sync.RWMutex
	d  *data
}

// data is the unguarded state. Memory methods lock around it; the
// transactional view produced by WithTx calls it directly under the
// already-held lock.
type data struct {
	accounts    map[accountKey]ledger.Account
	entries     []ledger.Entry
	idempotency map[string]bool
	audits      []ledger.AuditRecord

	students    map[string]billing.Student
	families    map[string]billing.Family
	classes     map[string]billing.Class
	enrollments map[string]billing.Enrollment

	definitions map[string]billing.DiscountDefinition
	assignments map[string]billing.DiscountAssignment
	referrals   map[string]billing.ReferralBonus

	invoices    map[string]billing.Invoice
	payments    map[string]billing.Payment
	allocations []billing.PaymentAllocation

	outbox       []billing.RecomputeItem
	nextOutboxID int64
}

type accountKey struct {
	StudentID string
	Code      ledger.AccountCode
}

func NewMemory() *Memory {
	return &Memory{d: &data{
		accounts:     make(map[accountKey]ledger.Account),
		idempotency:  make(map[string]bool),
		students:     make(map[string]billing.Student),
		families:     make(map[string]billing.Family),
		classes:      make(map[string]billing.Class),
		enrollments:  make(map[string]billing.Enrollment),
		definitions:  make(map[string]billing.DiscountDefinition),
		assignments:  make(map[string]billing.DiscountAssignment),
		referrals:    make(map[string]billing.ReferralBonus),
		invoices:     make(map[string]billing.Invoice),
		payments:     make(map[string]billing.Payment),
		nextOutboxID: 1,
	}}
}

// =============================================================================
// ROSTER UPSERTS - seeding for tests, demos and import paths
// =============================================================================

func (m *Memory) SaveStudent(_ context.Context, s billing.Student) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.d.students[s.ID] = s
	return nil
}

func (m *Memory) SaveFamily(_ context.Context, f billing.Family) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.d.families[f.ID] = f
	return nil
}

func (m *Memory) SaveClass(_ context.Context, c billing.Class) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.d.classes[c.ID] = c
	return nil
}

func (m *Memory) SaveEnrollment(_ context.Context, e billing.Enrollment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.d.enrollments[e.ID] = e
	return nil
}

func (m *Memory) SaveDefinition(_ context.Context, def billing.DiscountDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.d.definitions[def.ID] = def
	return nil
}

// AuditRecords returns a copy of the audit trail (for assertions).
func (m *Memory) AuditRecords() []ledger.AuditRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ledger.AuditRecord{}, m.d.audits...)
}

// =============================================================================
// LEDGER STORE
// =============================================================================

func (d *data) EnsureAccount(_ context.Context, studentID string, code ledger.AccountCode) (ledger.Account, error) {
	k := accountKey{StudentID: studentID, Code: code}
	if acc, ok := d.accounts[k]; ok {
		return acc, nil
	}
	acc := ledger.Account{
		ID:        studentID + ":" + string(code),
		StudentID: studentID,
		Code:      code,
	}
	d.accounts[k] = acc
	return acc, nil
}

func (d *data) Account(_ context.Context, studentID string, code ledger.AccountCode) (ledger.Account, error) {
	if acc, ok := d.accounts[accountKey{StudentID: studentID, Code: code}]; ok {
		return acc, nil
	}
	return ledger.Account{}, &ledger.NotFoundError{Kind: "account", ID: studentID + ":" + string(code)}
}

func (d *data) AppendEntries(_ context.Context, entries []ledger.Entry, idempotencyKey string) error {
	if idempotencyKey != "" && d.idempotency[idempotencyKey] {
		return ledger.ErrDuplicateIdempotencyKey
	}
	d.entries = append(d.entries, entries...)
	if idempotencyKey != "" {
		d.idempotency[idempotencyKey] = true
	}
	return nil
}

func (d *data) EntriesByAccount(_ context.Context, accountID string) ([]ledger.Entry, error) {
	var result []ledger.Entry
	for _, e := range d.entries {
		if e.AccountID == accountID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (d *data) EntriesByTx(_ context.Context, txID string) ([]ledger.Entry, error) {
	var result []ledger.Entry
	for _, e := range d.entries {
		if e.TxID == txID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (d *data) HasIdempotencyKey(_ context.Context, key string) (bool, error) {
	return d.idempotency[key], nil
}

func (d *data) AppendAudit(_ context.Context, rec ledger.AuditRecord) error {
	d.audits = append(d.audits, rec)
	return nil
}

// =============================================================================
// ROSTER STORE
// =============================================================================

func (d *data) Student(_ context.Context, id string) (billing.Student, error) {
	if s, ok := d.students[id]; ok {
		return s, nil
	}
	return billing.Student{}, &ledger.NotFoundError{Kind: "student", ID: id}
}

func (d *data) Family(_ context.Context, id string) (billing.Family, error) {
	if f, ok := d.families[id]; ok {
		return f, nil
	}
	return billing.Family{}, &ledger.NotFoundError{Kind: "family", ID: id}
}

func (d *data) ActiveStudentsByFamily(_ context.Context, familyID string) ([]billing.Student, error) {
	var result []billing.Student
	for _, s := range d.students {
		if s.FamilyID == familyID && s.Active {
			result = append(result, s)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (d *data) Class(_ context.Context, id string) (billing.Class, error) {
	if c, ok := d.classes[id]; ok {
		return c, nil
	}
	return billing.Class{}, &ledger.NotFoundError{Kind: "class", ID: id}
}

func (d *data) EnrollmentsByStudent(_ context.Context, studentID string) ([]billing.Enrollment, error) {
	var result []billing.Enrollment
	for _, e := range d.enrollments {
		if e.StudentID == studentID {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (d *data) MarkEnrollmentDiscountApplied(_ context.Context, enrollmentID string, m ledger.Month) error {
	e, ok := d.enrollments[enrollmentID]
	if !ok {
		return &ledger.NotFoundError{Kind: "enrollment", ID: enrollmentID}
	}
	if e.Discount == nil || e.Discount.AppliedMonth != nil {
		return nil
	}
	// Copy-on-write so a rolled-back transaction cannot leak the pin into
	// an earlier snapshot.
	disc := *e.Discount
	disc.AppliedMonth = &m
	e.Discount = &disc
	d.enrollments[enrollmentID] = e
	return nil
}

// =============================================================================
// DISCOUNT STORE
// =============================================================================

func (d *data) DiscountDefinition(_ context.Context, id string) (billing.DiscountDefinition, error) {
	if def, ok := d.definitions[id]; ok {
		return def, nil
	}
	return billing.DiscountDefinition{}, &ledger.NotFoundError{Kind: "discount_definition", ID: id}
}

func (d *data) AssignmentsByStudent(_ context.Context, studentID string) ([]billing.DiscountAssignment, error) {
	var result []billing.DiscountAssignment
	for _, a := range d.assignments {
		if a.StudentID == studentID {
			result = append(result, a)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].EffectiveFrom.Equal(result[j].EffectiveFrom) {
			return result[i].EffectiveFrom.Before(result[j].EffectiveFrom)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (d *data) Assignment(_ context.Context, id string) (billing.DiscountAssignment, error) {
	if a, ok := d.assignments[id]; ok {
		return a, nil
	}
	return billing.DiscountAssignment{}, &ledger.NotFoundError{Kind: "discount_assignment", ID: id}
}

func (d *data) CreateAssignment(_ context.Context, a billing.DiscountAssignment) error {
	d.assignments[a.ID] = a
	return nil
}

func (d *data) EndAssignment(_ context.Context, id string, to time.Time) error {
	a, ok := d.assignments[id]
	if !ok {
		return &ledger.NotFoundError{Kind: "discount_assignment", ID: id}
	}
	a.EffectiveTo = &to
	d.assignments[id] = a
	return nil
}

func (d *data) DeleteAssignment(_ context.Context, id string) error {
	if _, ok := d.assignments[id]; !ok {
		return &ledger.NotFoundError{Kind: "discount_assignment", ID: id}
	}
	delete(d.assignments, id)
	return nil
}

func (d *data) MarkAssignmentApplied(_ context.Context, id string, m ledger.Month) error {
	a, ok := d.assignments[id]
	if !ok {
		return &ledger.NotFoundError{Kind: "discount_assignment", ID: id}
	}
	if a.AppliedMonth == nil {
		a.AppliedMonth = &m
		d.assignments[id] = a
	}
	return nil
}

func (d *data) ReferralsByStudent(_ context.Context, studentID string) ([]billing.ReferralBonus, error) {
	var result []billing.ReferralBonus
	for _, b := range d.referrals {
		if b.StudentID == studentID {
			result = append(result, b)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].EffectiveFrom.Equal(result[j].EffectiveFrom) {
			return result[i].EffectiveFrom.Before(result[j].EffectiveFrom)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (d *data) Referral(_ context.Context, id string) (billing.ReferralBonus, error) {
	if b, ok := d.referrals[id]; ok {
		return b, nil
	}
	return billing.ReferralBonus{}, &ledger.NotFoundError{Kind: "referral", ID: id}
}

func (d *data) CreateReferral(_ context.Context, b billing.ReferralBonus) error {
	d.referrals[b.ID] = b
	return nil
}

func (d *data) EndReferral(_ context.Context, id string, to time.Time) error {
	b, ok := d.referrals[id]
	if !ok {
		return &ledger.NotFoundError{Kind: "referral", ID: id}
	}
	b.EffectiveTo = &to
	d.referrals[id] = b
	return nil
}

func (d *data) DeleteReferral(_ context.Context, id string) error {
	if _, ok := d.referrals[id]; !ok {
		return &ledger.NotFoundError{Kind: "referral", ID: id}
	}
	delete(d.referrals, id)
	return nil
}

func (d *data) MarkReferralApplied(_ context.Context, id string, m ledger.Month) error {
	b, ok := d.referrals[id]
	if !ok {
		return &ledger.NotFoundError{Kind: "referral", ID: id}
	}
	if b.AppliedMonth == nil {
		b.AppliedMonth = &m
		d.referrals[id] = b
	}
	return nil
}

// =============================================================================
// INVOICE STORE
// =============================================================================

func (d *data) Invoice(_ context.Context, studentID string, m ledger.Month) (billing.Invoice, error) {
	id := studentID + "/" + m.String()
	if inv, ok := d.invoices[id]; ok {
		return inv, nil
	}
	return billing.Invoice{}, &ledger.NotFoundError{Kind: "invoice", ID: id}
}

func (d *data) InvoicesByStudent(_ context.Context, studentID string) ([]billing.Invoice, error) {
	var result []billing.Invoice
	for _, inv := range d.invoices {
		if inv.StudentID == studentID {
			result = append(result, inv)
		}
	}
	sortInvoicesByMonth(result)
	return result, nil
}

func (d *data) OpenInvoices(_ context.Context, studentID string) ([]billing.Invoice, error) {
	var result []billing.Invoice
	for _, inv := range d.invoices {
		if inv.StudentID == studentID && inv.Status != billing.StatusPaid {
			result = append(result, inv)
		}
	}
	sortInvoicesByMonth(result)
	return result, nil
}

func (d *data) InvoicesByConfirmation(_ context.Context, status billing.ConfirmationStatus) ([]billing.Invoice, error) {
	var result []billing.Invoice
	for _, inv := range d.invoices {
		if inv.ConfirmationStatus == status {
			result = append(result, inv)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].StudentID != result[j].StudentID {
			return result[i].StudentID < result[j].StudentID
		}
		return result[i].Month.Before(result[j].Month)
	})
	return result, nil
}

func (d *data) InvoiceByID(_ context.Context, id string) (billing.Invoice, error) {
	if inv, ok := d.invoices[id]; ok {
		return inv, nil
	}
	return billing.Invoice{}, &ledger.NotFoundError{Kind: "invoice", ID: id}
}

func (d *data) CreateInvoice(_ context.Context, inv billing.Invoice) error {
	if _, ok := d.invoices[inv.ID()]; ok {
		// Two writers raced to create; the loser retries and finds it.
		return ledger.ErrConcurrencyConflict
	}
	d.invoices[inv.ID()] = inv
	return nil
}

func (d *data) UpdateInvoice(_ context.Context, inv billing.Invoice) error {
	stored, ok := d.invoices[inv.ID()]
	if !ok {
		return &ledger.NotFoundError{Kind: "invoice", ID: inv.ID()}
	}
	if stored.Version != inv.Version {
		return ledger.ErrConcurrencyConflict
	}
	inv.Version++
	d.invoices[inv.ID()] = inv
	return nil
}

func sortInvoicesByMonth(invoices []billing.Invoice) {
	sort.Slice(invoices, func(i, j int) bool { return invoices[i].Month.Before(invoices[j].Month) })
}

// =============================================================================
// PAYMENT AND OUTBOX STORES
// =============================================================================

func (d *data) CreatePayment(_ context.Context, p billing.Payment) error {
	d.payments[p.ID] = p
	return nil
}

func (d *data) CreateAllocation(_ context.Context, a billing.PaymentAllocation) error {
	d.allocations = append(d.allocations, a)
	return nil
}

func (d *data) AllocationsByPayment(_ context.Context, parentPaymentID string) ([]billing.PaymentAllocation, error) {
	var result []billing.PaymentAllocation
	for _, a := range d.allocations {
		if a.ParentPaymentID == parentPaymentID {
			result = append(result, a)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AllocationOrder < result[j].AllocationOrder })
	return result, nil
}

func (d *data) EnqueueRecompute(_ context.Context, studentID string, m ledger.Month) error {
	for _, item := range d.outbox {
		if !item.Done && item.StudentID == studentID && item.Month.Equal(m) {
			return nil
		}
	}
	d.outbox = append(d.outbox, billing.RecomputeItem{
		ID:        d.nextOutboxID,
		StudentID: studentID,
		Month:     m,
		CreatedAt: time.Now().UTC(),
	})
	d.nextOutboxID++
	return nil
}

func (d *data) PendingRecomputes(_ context.Context, limit int) ([]billing.RecomputeItem, error) {
	var result []billing.RecomputeItem
	for _, item := range d.outbox {
		if item.Done {
			continue
		}
		result = append(result, item)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (d *data) MarkRecomputeDone(_ context.Context, id int64) error {
	for i := range d.outbox {
		if d.outbox[i].ID == id {
			d.outbox[i].Done = true
			return nil
		}
	}
	return &ledger.NotFoundError{Kind: "recompute_item", ID: strconv.FormatInt(id, 10)}
}

func (d *data) MarkRecomputeFailed(_ context.Context, id int64, attempts int, lastError string) error {
	for i := range d.outbox {
		if d.outbox[i].ID == id {
			d.outbox[i].Attempts = attempts
			d.outbox[i].LastError = lastError
			return nil
		}
	}
	return &ledger.NotFoundError{Kind: "recompute_item", ID: strconv.FormatInt(id, 10)}
}

// =============================================================================
// LOCKED FACADE + TRANSACTION SUPPORT
// =============================================================================

// Every direct call locks; WithTx locks once and hands out an unguarded view.

func (m *Memory) EnsureAccount(ctx context.Context, studentID string, code ledger.AccountCode) (ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.EnsureAccount(ctx, studentID, code)
}

func (m *Memory) Account(ctx context.Context, studentID string, code ledger.AccountCode) (ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.Account(ctx, studentID, code)
}

func (m *Memory) AppendEntries(ctx context.Context, entries []ledger.Entry, idempotencyKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.AppendEntries(ctx, entries, idempotencyKey)
}

func (m *Memory) EntriesByAccount(ctx context.Context, accountID string) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.EntriesByAccount(ctx, accountID)
}

func (m *Memory) EntriesByTx(ctx context.Context, txID string) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.EntriesByTx(ctx, txID)
}

func (m *Memory) HasIdempotencyKey(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.HasIdempotencyKey(ctx, key)
}

func (m *Memory) AppendAudit(ctx context.Context, rec ledger.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.AppendAudit(ctx, rec)
}

func (m *Memory) Student(ctx context.Context, id string) (billing.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.Student(ctx, id)
}

func (m *Memory) Family(ctx context.Context, id string) (billing.Family, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.Family(ctx, id)
}

func (m *Memory) ActiveStudentsByFamily(ctx context.Context, familyID string) ([]billing.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.ActiveStudentsByFamily(ctx, familyID)
}

func (m *Memory) Class(ctx context.Context, id string) (billing.Class, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.Class(ctx, id)
}

func (m *Memory) EnrollmentsByStudent(ctx context.Context, studentID string) ([]billing.Enrollment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.EnrollmentsByStudent(ctx, studentID)
}

func (m *Memory) MarkEnrollmentDiscountApplied(ctx context.Context, enrollmentID string, mo ledger.Month) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.MarkEnrollmentDiscountApplied(ctx, enrollmentID, mo)
}

func (m *Memory) DiscountDefinition(ctx context.Context, id string) (billing.DiscountDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.DiscountDefinition(ctx, id)
}

func (m *Memory) AssignmentsByStudent(ctx context.Context, studentID string) ([]billing.DiscountAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.AssignmentsByStudent(ctx, studentID)
}

func (m *Memory) Assignment(ctx context.Context, id string) (billing.DiscountAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.Assignment(ctx, id)
}

func (m *Memory) CreateAssignment(ctx context.Context, a billing.DiscountAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.CreateAssignment(ctx, a)
}

func (m *Memory) EndAssignment(ctx context.Context, id string, to time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.EndAssignment(ctx, id, to)
}

func (m *Memory) DeleteAssignment(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.DeleteAssignment(ctx, id)
}

func (m *Memory) MarkAssignmentApplied(ctx context.Context, id string, mo ledger.Month) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.MarkAssignmentApplied(ctx, id, mo)
}

func (m *Memory) ReferralsByStudent(ctx context.Context, studentID string) ([]billing.ReferralBonus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.ReferralsByStudent(ctx, studentID)
}

func (m *Memory) Referral(ctx context.Context, id string) (billing.ReferralBonus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.Referral(ctx, id)
}

func (m *Memory) CreateReferral(ctx context.Context, b billing.ReferralBonus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.CreateReferral(ctx, b)
}

func (m *Memory) EndReferral(ctx context.Context, id string, to time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.EndReferral(ctx, id, to)
}

func (m *Memory) DeleteReferral(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.DeleteReferral(ctx, id)
}

func (m *Memory) MarkReferralApplied(ctx context.Context, id string, mo ledger.Month) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.MarkReferralApplied(ctx, id, mo)
}

func (m *Memory) Invoice(ctx context.Context, studentID string, mo ledger.Month) (billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.Invoice(ctx, studentID, mo)
}

func (m *Memory) InvoicesByStudent(ctx context.Context, studentID string) ([]billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.InvoicesByStudent(ctx, studentID)
}

func (m *Memory) OpenInvoices(ctx context.Context, studentID string) ([]billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.OpenInvoices(ctx, studentID)
}

func (m *Memory) InvoicesByConfirmation(ctx context.Context, status billing.ConfirmationStatus) ([]billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.InvoicesByConfirmation(ctx, status)
}

func (m *Memory) InvoiceByID(ctx context.Context, id string) (billing.Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.InvoiceByID(ctx, id)
}

func (m *Memory) CreateInvoice(ctx context.Context, inv billing.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.CreateInvoice(ctx, inv)
}

func (m *Memory) UpdateInvoice(ctx context.Context, inv billing.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.UpdateInvoice(ctx, inv)
}

func (m *Memory) CreatePayment(ctx context.Context, p billing.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.CreatePayment(ctx, p)
}

func (m *Memory) CreateAllocation(ctx context.Context, a billing.PaymentAllocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.CreateAllocation(ctx, a)
}

func (m *Memory) AllocationsByPayment(ctx context.Context, parentPaymentID string) ([]billing.PaymentAllocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.AllocationsByPayment(ctx, parentPaymentID)
}

func (m *Memory) EnqueueRecompute(ctx context.Context, studentID string, mo ledger.Month) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.EnqueueRecompute(ctx, studentID, mo)
}

func (m *Memory) PendingRecomputes(ctx context.Context, limit int) ([]billing.RecomputeItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.PendingRecomputes(ctx, limit)
}

func (m *Memory) MarkRecomputeDone(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.MarkRecomputeDone(ctx, id)
}

func (m *Memory) MarkRecomputeFailed(ctx context.Context, id int64, attempts int, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.MarkRecomputeFailed(ctx, id, attempts, lastError)
}

// WithTx executes fn within a simulated transaction: the state is
// snapshotted up front and restored wholesale if fn fails.
func (m *Memory) WithTx(_ context.Context, fn func(billing.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.d.snapshot()
	if err := fn(&txView{d: m.d}); err != nil {
		m.d.restore(snapshot)
		return err
	}
	return nil
}

func (d *data) snapshot() *data {
	s := &data{
		accounts:     make(map[accountKey]ledger.Account, len(d.accounts)),
		entries:      append([]ledger.Entry{}, d.entries...),
		idempotency:  make(map[string]bool, len(d.idempotency)),
		audits:       append([]ledger.AuditRecord{}, d.audits...),
		students:     make(map[string]billing.Student, len(d.students)),
		families:     make(map[string]billing.Family, len(d.families)),
		classes:      make(map[string]billing.Class, len(d.classes)),
		enrollments:  make(map[string]billing.Enrollment, len(d.enrollments)),
		definitions:  make(map[string]billing.DiscountDefinition, len(d.definitions)),
		assignments:  make(map[string]billing.DiscountAssignment, len(d.assignments)),
		referrals:    make(map[string]billing.ReferralBonus, len(d.referrals)),
		invoices:     make(map[string]billing.Invoice, len(d.invoices)),
		payments:     make(map[string]billing.Payment, len(d.payments)),
		allocations:  append([]billing.PaymentAllocation{}, d.allocations...),
		outbox:       append([]billing.RecomputeItem{}, d.outbox...),
		nextOutboxID: d.nextOutboxID,
	}
	for k, v := range d.accounts {
		s.accounts[k] = v
	}
	for k, v := range d.idempotency {
		s.idempotency[k] = v
	}
	for k, v := range d.students {
		s.students[k] = v
	}
	for k, v := range d.families {
		s.families[k] = v
	}
	for k, v := range d.classes {
		s.classes[k] = v
	}
	for k, v := range d.enrollments {
		s.enrollments[k] = v
	}
	for k, v := range d.definitions {
		s.definitions[k] = v
	}
	for k, v := range d.assignments {
		s.assignments[k] = v
	}
	for k, v := range d.referrals {
		s.referrals[k] = v
	}
	for k, v := range d.invoices {
		s.invoices[k] = v
	}
	for k, v := range d.payments {
		s.payments[k] = v
	}
	return s
}

func (d *data) restore(s *data) {
	*d = *s
}

// txView exposes the unguarded data as a billing.Store. It is only ever
// used while WithTx holds the write lock.
type txView struct {
	d *data
}

func (tv *txView) EnsureAccount(ctx context.Context, studentID string, code ledger.AccountCode) (ledger.Account, error) {
	return tv.d.EnsureAccount(ctx, studentID, code)
}
func (tv *txView) Account(ctx context.Context, studentID string, code ledger.AccountCode) (ledger.Account, error) {
	return tv.d.Account(ctx, studentID, code)
}
func (tv *txView) AppendEntries(ctx context.Context, entries []ledger.Entry, idempotencyKey string) error {
	return tv.d.AppendEntries(ctx, entries, idempotencyKey)
}
func (tv *txView) EntriesByAccount(ctx context.Context, accountID string) ([]ledger.Entry, error) {
	return tv.d.EntriesByAccount(ctx, accountID)
}
func (tv *txView) EntriesByTx(ctx context.Context, txID string) ([]ledger.Entry, error) {
	return tv.d.EntriesByTx(ctx, txID)
}
func (tv *txView) HasIdempotencyKey(ctx context.Context, key string) (bool, error) {
	return tv.d.HasIdempotencyKey(ctx, key)
}
func (tv *txView) AppendAudit(ctx context.Context, rec ledger.AuditRecord) error {
	return tv.d.AppendAudit(ctx, rec)
}
func (tv *txView) Student(ctx context.Context, id string) (billing.Student, error) {
	return tv.d.Student(ctx, id)
}
func (tv *txView) Family(ctx context.Context, id string) (billing.Family, error) {
	return tv.d.Family(ctx, id)
}
func (tv *txView) ActiveStudentsByFamily(ctx context.Context, familyID string) ([]billing.Student, error) {
	return tv.d.ActiveStudentsByFamily(ctx, familyID)
}
func (tv *txView) Class(ctx context.Context, id string) (billing.Class, error) {
	return tv.d.Class(ctx, id)
}
func (tv *txView) EnrollmentsByStudent(ctx context.Context, studentID string) ([]billing.Enrollment, error) {
	return tv.d.EnrollmentsByStudent(ctx, studentID)
}
func (tv *txView) MarkEnrollmentDiscountApplied(ctx context.Context, enrollmentID string, m ledger.Month) error {
	return tv.d.MarkEnrollmentDiscountApplied(ctx, enrollmentID, m)
}
func (tv *txView) DiscountDefinition(ctx context.Context, id string) (billing.DiscountDefinition, error) {
	return tv.d.DiscountDefinition(ctx, id)
}
func (tv *txView) AssignmentsByStudent(ctx context.Context, studentID string) ([]billing.DiscountAssignment, error) {
	return tv.d.AssignmentsByStudent(ctx, studentID)
}
func (tv *txView) Assignment(ctx context.Context, id string) (billing.DiscountAssignment, error) {
	return tv.d.Assignment(ctx, id)
}
func (tv *txView) CreateAssignment(ctx context.Context, a billing.DiscountAssignment) error {
	return tv.d.CreateAssignment(ctx, a)
}
func (tv *txView) EndAssignment(ctx context.Context, id string, to time.Time) error {
	return tv.d.EndAssignment(ctx, id, to)
}
func (tv *txView) DeleteAssignment(ctx context.Context, id string) error {
	return tv.d.DeleteAssignment(ctx, id)
}
func (tv *txView) MarkAssignmentApplied(ctx context.Context, id string, m ledger.Month) error {
	return tv.d.MarkAssignmentApplied(ctx, id, m)
}
func (tv *txView) ReferralsByStudent(ctx context.Context, studentID string) ([]billing.ReferralBonus, error) {
	return tv.d.ReferralsByStudent(ctx, studentID)
}
func (tv *txView) Referral(ctx context.Context, id string) (billing.ReferralBonus, error) {
	return tv.d.Referral(ctx, id)
}
func (tv *txView) CreateReferral(ctx context.Context, b billing.ReferralBonus) error {
	return tv.d.CreateReferral(ctx, b)
}
func (tv *txView) EndReferral(ctx context.Context, id string, to time.Time) error {
	return tv.d.EndReferral(ctx, id, to)
}
func (tv *txView) DeleteReferral(ctx context.Context, id string) error {
	return tv.d.DeleteReferral(ctx, id)
}
func (tv *txView) MarkReferralApplied(ctx context.Context, id string, m ledger.Month) error {
	return tv.d.MarkReferralApplied(ctx, id, m)
}
func (tv *txView) Invoice(ctx context.Context, studentID string, m ledger.Month) (billing.Invoice, error) {
	return tv.d.Invoice(ctx, studentID, m)
}
func (tv *txView) InvoicesByStudent(ctx context.Context, studentID string) ([]billing.Invoice, error) {
	return tv.d.InvoicesByStudent(ctx, studentID)
}
func (tv *txView) OpenInvoices(ctx context.Context, studentID string) ([]billing.Invoice, error) {
	return tv.d.OpenInvoices(ctx, studentID)
}
func (tv *txView) InvoicesByConfirmation(ctx context.Context, status billing.ConfirmationStatus) ([]billing.Invoice, error) {
	return tv.d.InvoicesByConfirmation(ctx, status)
}
func (tv *txView) InvoiceByID(ctx context.Context, id string) (billing.Invoice, error) {
	return tv.d.InvoiceByID(ctx, id)
}
func (tv *txView) CreateInvoice(ctx context.Context, inv billing.Invoice) error {
	return tv.d.CreateInvoice(ctx, inv)
}
func (tv *txView) UpdateInvoice(ctx context.Context, inv billing.Invoice) error {
	return tv.d.UpdateInvoice(ctx, inv)
}
func (tv *txView) CreatePayment(ctx context.Context, p billing.Payment) error {
	return tv.d.CreatePayment(ctx, p)
}
func (tv *txView) CreateAllocation(ctx context.Context, a billing.PaymentAllocation) error {
	return tv.d.CreateAllocation(ctx, a)
}
func (tv *txView) AllocationsByPayment(ctx context.Context, parentPaymentID string) ([]billing.PaymentAllocation, error) {
	return tv.d.AllocationsByPayment(ctx, parentPaymentID)
}
func (tv *txView) EnqueueRecompute(ctx context.Context, studentID string, m ledger.Month) error {
	return tv.d.EnqueueRecompute(ctx, studentID, m)
}
func (tv *txView) PendingRecomputes(ctx context.Context, limit int) ([]billing.RecomputeItem, error) {
	return tv.d.PendingRecomputes(ctx, limit)
}
func (tv *txView) MarkRecomputeDone(ctx context.Context, id int64) error {
	return tv.d.MarkRecomputeDone(ctx, id)
}
func (tv *txView) MarkRecomputeFailed(ctx context.Context, id int64, attempts int, lastError string) error {
	return tv.d.MarkRecomputeFailed(ctx, id, attempts, lastError)
}

// Nested WithTx reuses the already-held transaction; the outer caller owns
// commit/rollback.
func (tv *txView) WithTx(_ context.Context, fn func(billing.Store) error) error {
	return fn(tv)
}

var _ billing.Store = (*Memory)(nil)
var _ billing.Store = (*txView)(nil)
