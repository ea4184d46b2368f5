/*
Package ledger provides the double-entry bookkeeping primitive.

PURPOSE:
  This package contains domain-agnostic types and invariants for recording
  money movements. It knows nothing about tuition, discounts, or families -
  only accounts, balanced transactions, and immutable entries.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: An integer amount in the smallest currency unit (cents)
  - Account: A (student, code) bucket such as AR or CREDIT
  - Entry: One immutable debit-or-credit row
  - Transaction: A group of entries that must balance

DESIGN PRINCIPLES:
  1. Immutability: Entries are never modified, only offset by new entries
  2. Precision: Money is integer cents; percent math happens upstream with
     decimal.Decimal and is rounded before it reaches this package
  3. Auditability: Every transaction carries a memo and an idempotency key

SEE ALSO:
  - ledger.go: Posting and balance computation
  - store.go: Persistence interface
*/
package ledger

// =============================================================================
// MONEY - Integer amount in the smallest currency unit
// =============================================================================

// Money is an amount in the smallest currency unit (e.g. cents).
// All ledger arithmetic is integer arithmetic; rounding decisions are made
// by callers before amounts enter the ledger.
type Money int64

func (m Money) IsNegative() bool { return m < 0 }
func (m Money) IsPositive() bool { return m > 0 }
func (m Money) IsZero() bool     { return m == 0 }

// Min returns the smaller of two amounts.
func (m Money) Min(other Money) Money {
	if m < other {
		return m
	}
	return other
}

// =============================================================================
// ACCOUNTS - One per (student, code), created lazily
// =============================================================================

// AccountCode identifies the role of an account within a student's books.
type AccountCode string

const (
	AccountAR       AccountCode = "AR"       // amounts owed by the student
	AccountRevenue  AccountCode = "REVENUE"  // earned tuition
	AccountDiscount AccountCode = "DISCOUNT" // discounts granted
	AccountCash     AccountCode = "CASH"     // cash received
	AccountBank     AccountCode = "BANK"     // bank transfers received
	AccountCredit   AccountCode = "CREDIT"   // prepaid/overpaid balance
)

// ValidAccountCode reports whether code is one of the known account codes.
func ValidAccountCode(code AccountCode) bool {
	switch code {
	case AccountAR, AccountRevenue, AccountDiscount, AccountCash, AccountBank, AccountCredit:
		return true
	}
	return false
}

// Account is a per-student bucket of entries. Accounts are created lazily on
// first reference and never deleted.
type Account struct {
	ID        string
	StudentID string
	Code      AccountCode
}

// =============================================================================
// ENTRIES AND TRANSACTIONS
// =============================================================================

// Entry is one immutable ledger row. Exactly one of Debit/Credit is non-zero.
type Entry struct {
	ID         string
	TxID       string
	AccountID  string
	Debit      Money
	Credit     Money
	OccurredAt TimePoint
	Month      Month
	Memo       string
}

// Signed returns debit minus credit, the entry's contribution to a balance.
func (e Entry) Signed() Money { return e.Debit - e.Credit }

// Line is a pre-persistence entry addressed by (student, code) rather than
// account id. The ledger resolves accounts when posting.
type Line struct {
	StudentID string
	Code      AccountCode
	Debit     Money
	Credit    Money
	Memo      string
}

// Debit builds a debit line.
func Debit(studentID string, code AccountCode, amount Money, memo string) Line {
	return Line{StudentID: studentID, Code: code, Debit: amount, Memo: memo}
}

// Credit builds a credit line.
func Credit(studentID string, code AccountCode, amount Money, memo string) Line {
	return Line{StudentID: studentID, Code: code, Credit: amount, Memo: memo}
}

// Transaction is a group of lines that must balance: the sum of debits must
// equal the sum of credits. It is the unit of atomicity for posting.
type Transaction struct {
	ID             string
	Lines          []Line
	OccurredAt     TimePoint
	Month          Month
	IdempotencyKey string
}
