/*
store.go - Persistence interface for accounts and entries

PURPOSE:
  Defines the interface between the ledger and the database. The Store
  handles persistence while maintaining append-only semantics. Different
  implementations can use SQLite or in-memory storage.

APPEND-ONLY CONTRACT:
  - AppendEntries(): the only write to the entries table
  - NO Update() or Delete() methods exist for entries
  - Corrections are new offsetting transactions

ACCOUNT CREATION:
  EnsureAccount is idempotent and safe to call concurrently. A duplicate
  creation is a no-op, not an error - implementations use INSERT OR IGNORE
  under a UNIQUE(student_id, code) constraint or the equivalent.

SEE ALSO:
  - ledger.go: Higher-level posting using Store
  - store/memory.go: In-memory implementation for tests
  - store/sqlite: Production SQLite implementation
*/
package ledger

import "context"

// =============================================================================
// STORE - Interface for entry persistence (append-only)
// =============================================================================

// Store handles persistence of accounts and entries.
// IMPORTANT: entries are APPEND-ONLY. No Update, No Delete. Ever.
type Store interface {
	// EnsureAccount returns the account for (student, code), creating it if
	// it does not exist. Idempotent and concurrent-safe.
	EnsureAccount(ctx context.Context, studentID string, code AccountCode) (Account, error)

	// Account returns the account for (student, code), or ErrNotFound if the
	// account has never been referenced.
	Account(ctx context.Context, studentID string, code AccountCode) (Account, error)

	// AppendEntries persists all entries of one transaction atomically.
	// Either all rows are written or none are.
	AppendEntries(ctx context.Context, entries []Entry, idempotencyKey string) error

	// EntriesByAccount returns all entries for an account, ordered by month
	// then occurrence time.
	EntriesByAccount(ctx context.Context, accountID string) ([]Entry, error)

	// EntriesByTx returns the entries grouped under one transaction id.
	EntriesByTx(ctx context.Context, txID string) ([]Entry, error)

	// HasIdempotencyKey checks whether a transaction with the key was posted.
	HasIdempotencyKey(ctx context.Context, key string) (bool, error)
}

// =============================================================================
// AUDIT LOG - Separate from the ledger, tracks who did what
// =============================================================================

// AuditRecord records who did what to which entity. Audit is metadata, not
// money: it lives outside the ledger but is equally append-only.
type AuditRecord struct {
	ID        string
	Actor     string
	Action    string
	Entity    string
	EntityID  string
	Diff      map[string]any
	CreatedAt TimePoint
}

// AuditLog stores audit records.
type AuditLog interface {
	AppendAudit(ctx context.Context, rec AuditRecord) error
}
