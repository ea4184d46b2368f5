/*
Package sqlite provides a SQLite-backed implementation of billing.Store.

PURPOSE:
  Implements every persistence interface the billing engine needs
  (ledger.Store, ledger.AuditLog, roster, discounts, invoices, payments,
  recompute outbox) on SQLite. In production the same patterns apply to
  PostgreSQL - only minor SQL dialect differences.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements touch the entries table
  - Corrections are offsetting transactions posted through the ledger
  - The audit log is equally append-only

KEY TABLES:
  accounts:             One row per (student, code), created lazily
  entries:              Immutable double-entry ledger rows
  idempotency_keys:     One row per posted transaction key
  invoices:             Materialized per-(student, month) snapshots
  payments:             Immutable payment records
  payment_allocations:  How family payments were split
  recompute_outbox:     Durable "recompute needed" work items
  audit_log:            Who did what

CONCURRENCY:
  The connection pool is capped at one connection, so SQLite's single
  writer is never contended from within the process. Invoice updates use a
  version compare-and-swap; a lost race surfaces as
  ledger.ErrConcurrencyConflict and the engine retries.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Readers don't block the writer
  - Better crash recovery

USAGE:
  st, err := sqlite.New("./data/tuition.db")
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()

  engine := billing.NewEngine(st, billing.DefaultConfig())

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper migration
  tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/brightpath/tuition-engine/billing"
	"github.com/brightpath/tuition-engine/ledger"
)

// Store implements billing.Store using SQLite.
type Store struct {
	queries
	db *sql.DB
	mu sync.Mutex
}

// New creates a SQLite store at the given path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps SQLite's single-writer rule uncontended and makes
	// BEGIN...COMMIT sections race-free within the process.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, queries: queries{db: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Accounts: one per (student, code), created lazily
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		code TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(student_id, code)
	);

	-- Entries (append-only double-entry ledger)
	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		tx_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		debit INTEGER NOT NULL DEFAULT 0,
		credit INTEGER NOT NULL DEFAULT 0,
		occurred_at TEXT NOT NULL,
		month TEXT NOT NULL,
		memo TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_account_month
		ON entries(account_id, month, occurred_at);
	CREATE INDEX IF NOT EXISTS idx_entries_tx
		ON entries(tx_id);

	-- Idempotency keys: one per posted transaction
	CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		created_at TEXT NOT NULL
	);

	-- Audit log (append-only, metadata not money)
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		entity TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		diff_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entity
		ON audit_log(entity, entity_id);

	-- Roster (read-mostly, owned by external collaborators)
	CREATE TABLE IF NOT EXISTS students (
		id TEXT PRIMARY KEY,
		family_id TEXT NOT NULL,
		name TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE INDEX IF NOT EXISTS idx_students_family
		ON students(family_id, active);

	CREATE TABLE IF NOT EXISTS families (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		sibling_percent_override TEXT
	);

	CREATE TABLE IF NOT EXISTS classes (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		session_rate INTEGER NOT NULL,
		schedule_days TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS enrollments (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		class_id TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT,
		allowed_days TEXT,
		rate_override INTEGER,
		discount_type TEXT,
		discount_value TEXT,
		discount_cadence TEXT,
		discount_applied_month TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_enrollments_student
		ON enrollments(student_id);

	-- Discounts
	CREATE TABLE IF NOT EXISTS discount_definitions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS discount_assignments (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		definition_id TEXT NOT NULL,
		cadence TEXT NOT NULL,
		effective_from TEXT NOT NULL,
		effective_to TEXT,
		applied_month TEXT,
		note TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_assignments_student
		ON discount_assignments(student_id);

	CREATE TABLE IF NOT EXISTS referrals (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		type TEXT NOT NULL,
		value TEXT NOT NULL,
		cadence TEXT NOT NULL,
		effective_from TEXT NOT NULL,
		effective_to TEXT,
		applied_month TEXT,
		note TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_referrals_student
		ON referrals(student_id);

	-- Invoices (materialized views, version-guarded)
	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		month TEXT NOT NULL,
		base_amount INTEGER NOT NULL,
		discount_amount INTEGER NOT NULL,
		total_amount INTEGER NOT NULL,
		paid_amount INTEGER NOT NULL DEFAULT 0,
		recorded_payment INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		confirmation_status TEXT NOT NULL,
		review_flags_json TEXT,
		confirmation_notes TEXT,
		discount_sources_json TEXT,
		version INTEGER NOT NULL DEFAULT 0,
		UNIQUE(student_id, month)
	);

	CREATE INDEX IF NOT EXISTS idx_invoices_student_month
		ON invoices(student_id, month);
	CREATE INDEX IF NOT EXISTS idx_invoices_confirmation
		ON invoices(confirmation_status);
	CREATE INDEX IF NOT EXISTS idx_invoices_open
		ON invoices(student_id, month) WHERE status != 'paid';

	-- Payments (immutable once posted)
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		student_id TEXT,
		family_id TEXT,
		amount INTEGER NOT NULL,
		method TEXT NOT NULL,
		occurred_at TEXT NOT NULL,
		memo TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS payment_allocations (
		id TEXT PRIMARY KEY,
		parent_payment_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		allocated_amount INTEGER NOT NULL,
		allocation_order INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_allocations_parent
		ON payment_allocations(parent_payment_id, allocation_order);

	-- Recompute outbox: at most one pending item per (student, month)
	CREATE TABLE IF NOT EXISTS recompute_outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		student_id TEXT NOT NULL,
		month TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		done BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_outbox_pending
		ON recompute_outbox(student_id, month) WHERE done = FALSE;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTION SUPPORT
// =============================================================================

// WithTx executes fn within a database transaction. Nested calls on the
// view reuse the same transaction.
func (s *Store) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	view := &txView{queries: queries{db: sqlTx}}
	if err := fn(view); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type txView struct {
	queries
}

func (tv *txView) WithTx(_ context.Context, fn func(billing.Store) error) error {
	return fn(tv)
}

var _ billing.Store = (*Store)(nil)
var _ billing.Store = (*txView)(nil)

// dbtx is the common surface of *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries carries every statement; it runs against the pooled connection
// directly or against an open transaction.
type queries struct {
	db dbtx
}

// =============================================================================
// LEDGER STORE
// =============================================================================

func (q queries) EnsureAccount(ctx context.Context, studentID string, code ledger.AccountCode) (ledger.Account, error) {
	id := studentID + ":" + string(code)
	_, err := q.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO accounts (id, student_id, code, created_at) VALUES (?, ?, ?, ?)`,
		id, studentID, string(code), now())
	if err != nil {
		return ledger.Account{}, fmt.Errorf("failed to ensure account: %w", err)
	}
	return q.Account(ctx, studentID, code)
}

func (q queries) Account(ctx context.Context, studentID string, code ledger.AccountCode) (ledger.Account, error) {
	var acc ledger.Account
	var codeStr string
	err := q.db.QueryRowContext(ctx,
		`SELECT id, student_id, code FROM accounts WHERE student_id = ? AND code = ?`,
		studentID, string(code)).Scan(&acc.ID, &acc.StudentID, &codeStr)
	if err == sql.ErrNoRows {
		return ledger.Account{}, &ledger.NotFoundError{Kind: "account", ID: studentID + ":" + string(code)}
	}
	if err != nil {
		return ledger.Account{}, err
	}
	acc.Code = ledger.AccountCode(codeStr)
	return acc, nil
}

func (q queries) AppendEntries(ctx context.Context, entries []ledger.Entry, idempotencyKey string) error {
	if idempotencyKey != "" {
		if _, err := q.db.ExecContext(ctx,
			`INSERT INTO idempotency_keys (key, created_at) VALUES (?, ?)`,
			idempotencyKey, now()); err != nil {
			if isUniqueConstraintError(err) {
				return ledger.ErrDuplicateIdempotencyKey
			}
			return fmt.Errorf("failed to record idempotency key: %w", err)
		}
	}
	for _, e := range entries {
		if _, err := q.db.ExecContext(ctx,
			`INSERT INTO entries (id, tx_id, account_id, debit, credit, occurred_at, month, memo, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.TxID, e.AccountID, int64(e.Debit), int64(e.Credit),
			e.OccurredAt.Time.Format(time.RFC3339), e.Month.String(), e.Memo, now(),
		); err != nil {
			return fmt.Errorf("failed to append entry: %w", err)
		}
	}
	return nil
}

func (q queries) EntriesByAccount(ctx context.Context, accountID string) ([]ledger.Entry, error) {
	return q.queryEntries(ctx, `
		SELECT id, tx_id, account_id, debit, credit, occurred_at, month, memo
		FROM entries WHERE account_id = ?
		ORDER BY month ASC, occurred_at ASC, created_at ASC`, accountID)
}

func (q queries) EntriesByTx(ctx context.Context, txID string) ([]ledger.Entry, error) {
	return q.queryEntries(ctx, `
		SELECT id, tx_id, account_id, debit, credit, occurred_at, month, memo
		FROM entries WHERE tx_id = ?
		ORDER BY created_at ASC, id ASC`, txID)
}

func (q queries) queryEntries(ctx context.Context, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var (
			e          ledger.Entry
			debit      int64
			credit     int64
			occurredAt string
			monthStr   string
			memo       sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TxID, &e.AccountID, &debit, &credit, &occurredAt, &monthStr, &memo); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.Debit = ledger.Money(debit)
		e.Credit = ledger.Money(credit)
		t, _ := time.Parse(time.RFC3339, occurredAt)
		e.OccurredAt = ledger.At(t)
		m, err := ledger.ParseMonth(monthStr)
		if err != nil {
			return nil, fmt.Errorf("corrupt month on entry %s: %w", e.ID, err)
		}
		e.Month = m
		e.Memo = memo.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (q queries) HasIdempotencyKey(ctx context.Context, key string) (bool, error) {
	var count int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM idempotency_keys WHERE key = ?`, key).Scan(&count)
	return count > 0, err
}

func (q queries) AppendAudit(ctx context.Context, rec ledger.AuditRecord) error {
	diffJSON, _ := json.Marshal(rec.Diff)
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, actor, action, entity, entity_id, diff_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Actor, rec.Action, rec.Entity, rec.EntityID,
		string(diffJSON), rec.CreatedAt.Time.Format(time.RFC3339))
	return err
}

// =============================================================================
// ROSTER STORE
// =============================================================================

func (q queries) Student(ctx context.Context, id string) (billing.Student, error) {
	var s billing.Student
	err := q.db.QueryRowContext(ctx,
		`SELECT id, family_id, name, active FROM students WHERE id = ?`, id,
	).Scan(&s.ID, &s.FamilyID, &s.Name, &s.Active)
	if err == sql.ErrNoRows {
		return billing.Student{}, &ledger.NotFoundError{Kind: "student", ID: id}
	}
	return s, err
}

func (q queries) Family(ctx context.Context, id string) (billing.Family, error) {
	var f billing.Family
	var override sql.NullString
	err := q.db.QueryRowContext(ctx,
		`SELECT id, name, sibling_percent_override FROM families WHERE id = ?`, id,
	).Scan(&f.ID, &f.Name, &override)
	if err == sql.ErrNoRows {
		return billing.Family{}, &ledger.NotFoundError{Kind: "family", ID: id}
	}
	if err != nil {
		return billing.Family{}, err
	}
	if override.Valid {
		d, err := decimal.NewFromString(override.String)
		if err != nil {
			return billing.Family{}, fmt.Errorf("corrupt sibling override on family %s: %w", id, err)
		}
		f.SiblingPercentOverride = &d
	}
	return f, nil
}

func (q queries) ActiveStudentsByFamily(ctx context.Context, familyID string) ([]billing.Student, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, family_id, name, active FROM students
		 WHERE family_id = ? AND active = TRUE ORDER BY name ASC`, familyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var students []billing.Student
	for rows.Next() {
		var s billing.Student
		if err := rows.Scan(&s.ID, &s.FamilyID, &s.Name, &s.Active); err != nil {
			return nil, err
		}
		students = append(students, s)
	}
	return students, rows.Err()
}

func (q queries) Class(ctx context.Context, id string) (billing.Class, error) {
	var c billing.Class
	var rate int64
	var daysJSON string
	err := q.db.QueryRowContext(ctx,
		`SELECT id, name, session_rate, schedule_days FROM classes WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &rate, &daysJSON)
	if err == sql.ErrNoRows {
		return billing.Class{}, &ledger.NotFoundError{Kind: "class", ID: id}
	}
	if err != nil {
		return billing.Class{}, err
	}
	c.SessionRate = ledger.Money(rate)
	c.ScheduleDays = parseWeekdays(daysJSON)
	return c, nil
}

func (q queries) EnrollmentsByStudent(ctx context.Context, studentID string) ([]billing.Enrollment, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, student_id, class_id, start_date, end_date, allowed_days, rate_override,
		       discount_type, discount_value, discount_cadence, discount_applied_month
		FROM enrollments WHERE student_id = ? ORDER BY id ASC`, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var enrollments []billing.Enrollment
	for rows.Next() {
		var (
			e            billing.Enrollment
			startDate    string
			endDate      sql.NullString
			allowedDays  sql.NullString
			rateOverride sql.NullInt64
			discType     sql.NullString
			discValue    sql.NullString
			discCadence  sql.NullString
			discApplied  sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.StudentID, &e.ClassID, &startDate, &endDate,
			&allowedDays, &rateOverride, &discType, &discValue, &discCadence, &discApplied); err != nil {
			return nil, err
		}
		e.StartDate, _ = time.Parse(time.RFC3339, startDate)
		if endDate.Valid {
			t, _ := time.Parse(time.RFC3339, endDate.String)
			e.EndDate = &t
		}
		if allowedDays.Valid {
			e.AllowedDays = parseWeekdays(allowedDays.String)
		}
		if rateOverride.Valid {
			m := ledger.Money(rateOverride.Int64)
			e.RateOverride = &m
		}
		if discType.Valid {
			disc := &billing.EnrollmentDiscount{
				Type:    billing.DiscountType(discType.String),
				Cadence: billing.Cadence(discCadence.String),
			}
			disc.Value, err = decimal.NewFromString(discValue.String)
			if err != nil {
				return nil, fmt.Errorf("corrupt discount value on enrollment %s: %w", e.ID, err)
			}
			if discApplied.Valid {
				m, err := ledger.ParseMonth(discApplied.String)
				if err != nil {
					return nil, fmt.Errorf("corrupt applied month on enrollment %s: %w", e.ID, err)
				}
				disc.AppliedMonth = &m
			}
			e.Discount = disc
		}
		enrollments = append(enrollments, e)
	}
	return enrollments, rows.Err()
}

func (q queries) MarkEnrollmentDiscountApplied(ctx context.Context, enrollmentID string, m ledger.Month) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE enrollments SET discount_applied_month = ?
		WHERE id = ? AND discount_type IS NOT NULL AND discount_applied_month IS NULL`,
		m.String(), enrollmentID)
	return err
}

// =============================================================================
// DISCOUNT STORE
// =============================================================================

func (q queries) DiscountDefinition(ctx context.Context, id string) (billing.DiscountDefinition, error) {
	var def billing.DiscountDefinition
	var typ, value string
	err := q.db.QueryRowContext(ctx,
		`SELECT id, name, type, value FROM discount_definitions WHERE id = ?`, id,
	).Scan(&def.ID, &def.Name, &typ, &value)
	if err == sql.ErrNoRows {
		return billing.DiscountDefinition{}, &ledger.NotFoundError{Kind: "discount_definition", ID: id}
	}
	if err != nil {
		return billing.DiscountDefinition{}, err
	}
	def.Type = billing.DiscountType(typ)
	def.Value, err = decimal.NewFromString(value)
	if err != nil {
		return billing.DiscountDefinition{}, fmt.Errorf("corrupt value on definition %s: %w", id, err)
	}
	return def, nil
}

const assignmentColumns = `id, student_id, definition_id, cadence, effective_from, effective_to, applied_month, note`

func (q queries) AssignmentsByStudent(ctx context.Context, studentID string) ([]billing.DiscountAssignment, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+assignmentColumns+` FROM discount_assignments
		 WHERE student_id = ? ORDER BY effective_from ASC, id ASC`, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assignments []billing.DiscountAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

func (q queries) Assignment(ctx context.Context, id string) (billing.DiscountAssignment, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+assignmentColumns+` FROM discount_assignments WHERE id = ?`, id)
	if err != nil {
		return billing.DiscountAssignment{}, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return billing.DiscountAssignment{}, err
		}
		return billing.DiscountAssignment{}, &ledger.NotFoundError{Kind: "discount_assignment", ID: id}
	}
	return scanAssignment(rows)
}

func scanAssignment(rows *sql.Rows) (billing.DiscountAssignment, error) {
	var (
		a       billing.DiscountAssignment
		cadence string
		from    string
		to      sql.NullString
		applied sql.NullString
		note    sql.NullString
	)
	if err := rows.Scan(&a.ID, &a.StudentID, &a.DefinitionID, &cadence, &from, &to, &applied, &note); err != nil {
		return a, fmt.Errorf("failed to scan assignment: %w", err)
	}
	a.Cadence = billing.Cadence(cadence)
	a.EffectiveFrom, _ = time.Parse(time.RFC3339, from)
	if to.Valid {
		t, _ := time.Parse(time.RFC3339, to.String)
		a.EffectiveTo = &t
	}
	if applied.Valid {
		m, err := ledger.ParseMonth(applied.String)
		if err != nil {
			return a, fmt.Errorf("corrupt applied month on assignment %s: %w", a.ID, err)
		}
		a.AppliedMonth = &m
	}
	a.Note = note.String
	return a, nil
}

func (q queries) CreateAssignment(ctx context.Context, a billing.DiscountAssignment) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO discount_assignments (`+assignmentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.StudentID, a.DefinitionID, string(a.Cadence),
		a.EffectiveFrom.Format(time.RFC3339), nullTime(a.EffectiveTo),
		nullMonth(a.AppliedMonth), a.Note)
	return err
}

func (q queries) EndAssignment(ctx context.Context, id string, to time.Time) error {
	return q.execOne(ctx,
		`UPDATE discount_assignments SET effective_to = ? WHERE id = ?`,
		"discount_assignment", id, to.Format(time.RFC3339), id)
}

func (q queries) DeleteAssignment(ctx context.Context, id string) error {
	return q.execOne(ctx,
		`DELETE FROM discount_assignments WHERE id = ?`,
		"discount_assignment", id, id)
}

func (q queries) MarkAssignmentApplied(ctx context.Context, id string, m ledger.Month) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE discount_assignments SET applied_month = ? WHERE id = ? AND applied_month IS NULL`,
		m.String(), id)
	return err
}

const referralColumns = `id, student_id, type, value, cadence, effective_from, effective_to, applied_month, note`

func (q queries) ReferralsByStudent(ctx context.Context, studentID string) ([]billing.ReferralBonus, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+referralColumns+` FROM referrals
		 WHERE student_id = ? ORDER BY effective_from ASC, id ASC`, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var referrals []billing.ReferralBonus
	for rows.Next() {
		b, err := scanReferral(rows)
		if err != nil {
			return nil, err
		}
		referrals = append(referrals, b)
	}
	return referrals, rows.Err()
}

func (q queries) Referral(ctx context.Context, id string) (billing.ReferralBonus, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+referralColumns+` FROM referrals WHERE id = ?`, id)
	if err != nil {
		return billing.ReferralBonus{}, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return billing.ReferralBonus{}, err
		}
		return billing.ReferralBonus{}, &ledger.NotFoundError{Kind: "referral", ID: id}
	}
	return scanReferral(rows)
}

func scanReferral(rows *sql.Rows) (billing.ReferralBonus, error) {
	var (
		b       billing.ReferralBonus
		typ     string
		value   string
		cadence string
		from    string
		to      sql.NullString
		applied sql.NullString
		note    sql.NullString
	)
	if err := rows.Scan(&b.ID, &b.StudentID, &typ, &value, &cadence, &from, &to, &applied, &note); err != nil {
		return b, fmt.Errorf("failed to scan referral: %w", err)
	}
	b.Type = billing.DiscountType(typ)
	var err error
	b.Value, err = decimal.NewFromString(value)
	if err != nil {
		return b, fmt.Errorf("corrupt value on referral %s: %w", b.ID, err)
	}
	b.Cadence = billing.Cadence(cadence)
	b.EffectiveFrom, _ = time.Parse(time.RFC3339, from)
	if to.Valid {
		t, _ := time.Parse(time.RFC3339, to.String)
		b.EffectiveTo = &t
	}
	if applied.Valid {
		m, err := ledger.ParseMonth(applied.String)
		if err != nil {
			return b, fmt.Errorf("corrupt applied month on referral %s: %w", b.ID, err)
		}
		b.AppliedMonth = &m
	}
	b.Note = note.String
	return b, nil
}

func (q queries) CreateReferral(ctx context.Context, b billing.ReferralBonus) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO referrals (`+referralColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.StudentID, string(b.Type), b.Value.String(), string(b.Cadence),
		b.EffectiveFrom.Format(time.RFC3339), nullTime(b.EffectiveTo),
		nullMonth(b.AppliedMonth), b.Note)
	return err
}

func (q queries) EndReferral(ctx context.Context, id string, to time.Time) error {
	return q.execOne(ctx,
		`UPDATE referrals SET effective_to = ? WHERE id = ?`,
		"referral", id, to.Format(time.RFC3339), id)
}

func (q queries) DeleteReferral(ctx context.Context, id string) error {
	return q.execOne(ctx,
		`DELETE FROM referrals WHERE id = ?`,
		"referral", id, id)
}

func (q queries) MarkReferralApplied(ctx context.Context, id string, m ledger.Month) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE referrals SET applied_month = ? WHERE id = ? AND applied_month IS NULL`,
		m.String(), id)
	return err
}

// =============================================================================
// INVOICE STORE
// =============================================================================

const invoiceColumns = `id, student_id, month, base_amount, discount_amount, total_amount,
	paid_amount, recorded_payment, status, confirmation_status,
	review_flags_json, confirmation_notes, discount_sources_json, version`

func (q queries) Invoice(ctx context.Context, studentID string, m ledger.Month) (billing.Invoice, error) {
	return q.invoiceByID(ctx, studentID+"/"+m.String())
}

func (q queries) InvoiceByID(ctx context.Context, id string) (billing.Invoice, error) {
	return q.invoiceByID(ctx, id)
}

func (q queries) invoiceByID(ctx context.Context, id string) (billing.Invoice, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, id)
	if err != nil {
		return billing.Invoice{}, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return billing.Invoice{}, err
		}
		return billing.Invoice{}, &ledger.NotFoundError{Kind: "invoice", ID: id}
	}
	return scanInvoice(rows)
}

func (q queries) InvoicesByStudent(ctx context.Context, studentID string) ([]billing.Invoice, error) {
	return q.queryInvoices(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE student_id = ? ORDER BY month ASC`, studentID)
}

func (q queries) OpenInvoices(ctx context.Context, studentID string) ([]billing.Invoice, error) {
	return q.queryInvoices(ctx,
		`SELECT `+invoiceColumns+` FROM invoices
		 WHERE student_id = ? AND status != 'paid' ORDER BY month ASC`, studentID)
}

func (q queries) InvoicesByConfirmation(ctx context.Context, status billing.ConfirmationStatus) ([]billing.Invoice, error) {
	return q.queryInvoices(ctx,
		`SELECT `+invoiceColumns+` FROM invoices
		 WHERE confirmation_status = ? ORDER BY student_id ASC, month ASC`, string(status))
}

func (q queries) queryInvoices(ctx context.Context, query string, args ...any) ([]billing.Invoice, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoices: %w", err)
	}
	defer rows.Close()

	var invoices []billing.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func scanInvoice(rows *sql.Rows) (billing.Invoice, error) {
	var (
		inv             billing.Invoice
		id              string
		monthStr        string
		base            int64
		discount        int64
		total           int64
		paid            int64
		recorded        int64
		status          string
		confirmation    string
		flagsJSON       sql.NullString
		notes           sql.NullString
		sourcesJSON     sql.NullString
	)
	if err := rows.Scan(&id, &inv.StudentID, &monthStr, &base, &discount, &total,
		&paid, &recorded, &status, &confirmation, &flagsJSON, &notes, &sourcesJSON, &inv.Version); err != nil {
		return inv, fmt.Errorf("failed to scan invoice: %w", err)
	}
	m, err := ledger.ParseMonth(monthStr)
	if err != nil {
		return inv, fmt.Errorf("corrupt month on invoice %s: %w", id, err)
	}
	inv.Month = m
	inv.BaseAmount = ledger.Money(base)
	inv.DiscountAmount = ledger.Money(discount)
	inv.TotalAmount = ledger.Money(total)
	inv.PaidAmount = ledger.Money(paid)
	inv.RecordedPayment = ledger.Money(recorded)
	inv.Status = billing.InvoiceStatus(status)
	inv.ConfirmationStatus = billing.ConfirmationStatus(confirmation)
	inv.ConfirmationNotes = notes.String
	if flagsJSON.Valid && flagsJSON.String != "" {
		if err := json.Unmarshal([]byte(flagsJSON.String), &inv.ReviewFlags); err != nil {
			return inv, fmt.Errorf("corrupt review flags on invoice %s: %w", id, err)
		}
	}
	if sourcesJSON.Valid && sourcesJSON.String != "" {
		if err := json.Unmarshal([]byte(sourcesJSON.String), &inv.DiscountSources); err != nil {
			return inv, fmt.Errorf("corrupt discount sources on invoice %s: %w", id, err)
		}
	}
	return inv, nil
}

func (q queries) CreateInvoice(ctx context.Context, inv billing.Invoice) error {
	flagsJSON, sourcesJSON, err := marshalInvoiceJSON(inv)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID(), inv.StudentID, inv.Month.String(),
		int64(inv.BaseAmount), int64(inv.DiscountAmount), int64(inv.TotalAmount),
		int64(inv.PaidAmount), int64(inv.RecordedPayment),
		string(inv.Status), string(inv.ConfirmationStatus),
		flagsJSON, inv.ConfirmationNotes, sourcesJSON, inv.Version)
	if err != nil && isUniqueConstraintError(err) {
		// Two writers raced to create; the loser retries and finds it.
		return ledger.ErrConcurrencyConflict
	}
	return err
}

func (q queries) UpdateInvoice(ctx context.Context, inv billing.Invoice) error {
	flagsJSON, sourcesJSON, err := marshalInvoiceJSON(inv)
	if err != nil {
		return err
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE invoices SET
			base_amount = ?, discount_amount = ?, total_amount = ?,
			paid_amount = ?, recorded_payment = ?,
			status = ?, confirmation_status = ?,
			review_flags_json = ?, confirmation_notes = ?, discount_sources_json = ?,
			version = version + 1
		WHERE id = ? AND version = ?`,
		int64(inv.BaseAmount), int64(inv.DiscountAmount), int64(inv.TotalAmount),
		int64(inv.PaidAmount), int64(inv.RecordedPayment),
		string(inv.Status), string(inv.ConfirmationStatus),
		flagsJSON, inv.ConfirmationNotes, sourcesJSON,
		inv.ID(), inv.Version)
	if err != nil {
		return fmt.Errorf("failed to update invoice: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var count int
		if err := q.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM invoices WHERE id = ?`, inv.ID()).Scan(&count); err != nil {
			return err
		}
		if count == 0 {
			return &ledger.NotFoundError{Kind: "invoice", ID: inv.ID()}
		}
		return ledger.ErrConcurrencyConflict
	}
	return nil
}

func marshalInvoiceJSON(inv billing.Invoice) (flags string, sources string, err error) {
	if len(inv.ReviewFlags) > 0 {
		b, err := json.Marshal(inv.ReviewFlags)
		if err != nil {
			return "", "", err
		}
		flags = string(b)
	}
	if len(inv.DiscountSources) > 0 {
		b, err := json.Marshal(inv.DiscountSources)
		if err != nil {
			return "", "", err
		}
		sources = string(b)
	}
	return flags, sources, nil
}

// =============================================================================
// PAYMENT AND OUTBOX STORES
// =============================================================================

func (q queries) CreatePayment(ctx context.Context, p billing.Payment) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO payments (id, student_id, family_id, amount, method, occurred_at, memo, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, nullString(p.StudentID), nullString(p.FamilyID),
		int64(p.Amount), string(p.Method),
		p.OccurredAt.Format(time.RFC3339), p.Memo, now())
	return err
}

func (q queries) CreateAllocation(ctx context.Context, a billing.PaymentAllocation) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO payment_allocations (id, parent_payment_id, student_id, allocated_amount, allocation_order)
		VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.ParentPaymentID, a.StudentID, int64(a.AllocatedAmount), a.AllocationOrder)
	return err
}

func (q queries) AllocationsByPayment(ctx context.Context, parentPaymentID string) ([]billing.PaymentAllocation, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, parent_payment_id, student_id, allocated_amount, allocation_order
		FROM payment_allocations WHERE parent_payment_id = ?
		ORDER BY allocation_order ASC`, parentPaymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var allocations []billing.PaymentAllocation
	for rows.Next() {
		var a billing.PaymentAllocation
		var amount int64
		if err := rows.Scan(&a.ID, &a.ParentPaymentID, &a.StudentID, &amount, &a.AllocationOrder); err != nil {
			return nil, err
		}
		a.AllocatedAmount = ledger.Money(amount)
		allocations = append(allocations, a)
	}
	return allocations, rows.Err()
}

func (q queries) EnqueueRecompute(ctx context.Context, studentID string, m ledger.Month) error {
	// The partial unique index makes a second pending enqueue a no-op.
	_, err := q.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO recompute_outbox (student_id, month, attempts, done, created_at)
		VALUES (?, ?, 0, FALSE, ?)`,
		studentID, m.String(), now())
	return err
}

func (q queries) PendingRecomputes(ctx context.Context, limit int) ([]billing.RecomputeItem, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, student_id, month, attempts, last_error, done, created_at
		FROM recompute_outbox WHERE done = FALSE
		ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []billing.RecomputeItem
	for rows.Next() {
		var (
			item      billing.RecomputeItem
			monthStr  string
			lastError sql.NullString
			createdAt string
		)
		if err := rows.Scan(&item.ID, &item.StudentID, &monthStr, &item.Attempts,
			&lastError, &item.Done, &createdAt); err != nil {
			return nil, err
		}
		m, err := ledger.ParseMonth(monthStr)
		if err != nil {
			return nil, fmt.Errorf("corrupt month on outbox item %d: %w", item.ID, err)
		}
		item.Month = m
		item.LastError = lastError.String
		item.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (q queries) MarkRecomputeDone(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE recompute_outbox SET done = TRUE WHERE id = ?`, id)
	return err
}

func (q queries) MarkRecomputeFailed(ctx context.Context, id int64, attempts int, lastError string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE recompute_outbox SET attempts = ?, last_error = ? WHERE id = ?`,
		attempts, lastError, id)
	return err
}

// =============================================================================
// ROSTER UPSERTS (admin/import paths)
// =============================================================================

// SaveStudent upserts a student record.
func (q queries) SaveStudent(ctx context.Context, s billing.Student) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO students (id, family_id, name, active) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			family_id = excluded.family_id,
			name = excluded.name,
			active = excluded.active`,
		s.ID, s.FamilyID, s.Name, s.Active)
	return err
}

// SaveFamily upserts a family record.
func (q queries) SaveFamily(ctx context.Context, f billing.Family) error {
	var override any
	if f.SiblingPercentOverride != nil {
		override = f.SiblingPercentOverride.String()
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO families (id, name, sibling_percent_override) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			sibling_percent_override = excluded.sibling_percent_override`,
		f.ID, f.Name, override)
	return err
}

// SaveClass upserts a class record.
func (q queries) SaveClass(ctx context.Context, c billing.Class) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO classes (id, name, session_rate, schedule_days) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			session_rate = excluded.session_rate,
			schedule_days = excluded.schedule_days`,
		c.ID, c.Name, int64(c.SessionRate), formatWeekdays(c.ScheduleDays))
	return err
}

// SaveEnrollment upserts an enrollment record.
func (q queries) SaveEnrollment(ctx context.Context, e billing.Enrollment) error {
	var rateOverride any
	if e.RateOverride != nil {
		rateOverride = int64(*e.RateOverride)
	}
	var discType, discValue, discCadence, discApplied any
	if e.Discount != nil {
		discType = string(e.Discount.Type)
		discValue = e.Discount.Value.String()
		discCadence = string(e.Discount.Cadence)
		if e.Discount.AppliedMonth != nil {
			discApplied = e.Discount.AppliedMonth.String()
		}
	}
	var allowedDays any
	if len(e.AllowedDays) > 0 {
		allowedDays = formatWeekdays(e.AllowedDays)
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO enrollments
			(id, student_id, class_id, start_date, end_date, allowed_days, rate_override,
			 discount_type, discount_value, discount_cadence, discount_applied_month)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			student_id = excluded.student_id,
			class_id = excluded.class_id,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			allowed_days = excluded.allowed_days,
			rate_override = excluded.rate_override,
			discount_type = excluded.discount_type,
			discount_value = excluded.discount_value,
			discount_cadence = excluded.discount_cadence,
			discount_applied_month = excluded.discount_applied_month`,
		e.ID, e.StudentID, e.ClassID,
		e.StartDate.Format(time.RFC3339), nullTime(e.EndDate),
		allowedDays, rateOverride,
		discType, discValue, discCadence, discApplied)
	return err
}

// SaveDefinition upserts a discount definition.
func (q queries) SaveDefinition(ctx context.Context, def billing.DiscountDefinition) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO discount_definitions (id, name, type, value) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			value = excluded.value`,
		def.ID, def.Name, string(def.Type), def.Value.String())
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

// execOne runs a statement that must affect exactly one row, mapping a miss
// to NotFoundError.
func (q queries) execOne(ctx context.Context, query, kind, id string, args ...any) error {
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &ledger.NotFoundError{Kind: kind, ID: id}
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

func nullMonth(m *ledger.Month) any {
	if m == nil {
		return nil
	}
	return m.String()
}

func formatWeekdays(days []time.Weekday) string {
	ints := make([]int, len(days))
	for i, d := range days {
		ints[i] = int(d)
	}
	b, _ := json.Marshal(ints)
	return string(b)
}

func parseWeekdays(s string) []time.Weekday {
	if s == "" {
		return nil
	}
	var ints []int
	if err := json.Unmarshal([]byte(s), &ints); err != nil {
		return nil
	}
	days := make([]time.Weekday, len(ints))
	for i, n := range ints {
		days[i] = time.Weekday(n)
	}
	return days
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
