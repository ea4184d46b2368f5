/*
ledger.go - Balanced posting and balance computation

PURPOSE:
  The Ledger is the immutable source of truth for all money movement.
  Every charge, payment, discount and credit is recorded here. Balances
  are always computed by replaying entries - there is no separate balance
  field that can drift.

CRITICAL INVARIANTS:
  1. BALANCED: for every transaction id, sum(debit) == sum(credit)
  2. APPEND-ONLY: no Update, no Delete. EVER.
  3. IDEMPOTENT: same idempotency key = same transaction (no duplicates)

CORRECTIONS:
  A mistake is never edited. A new offsetting transaction is posted and
  both remain in the ledger; the net effect is the correction, the history
  is preserved.

SEE ALSO:
  - store.go: Low-level persistence interface
  - billing: Domain logic that decides WHAT to post
*/
package ledger

import "context"

// Ledger validates and posts balanced transactions over a Store.
type Ledger struct {
	Store Store
}

// New wraps a Store with posting and balance semantics.
func New(store Store) *Ledger {
	return &Ledger{Store: store}
}

// Post validates the transaction and writes all of its entries atomically.
//
// Fails with:
//   - *ValidationError for malformed lines (negative amounts, both or
//     neither side set, unknown account code)
//   - *ImbalancedTransactionError when debits != credits
//   - ErrDuplicateIdempotencyKey when the key was already posted
//
// No entry is written unless every check passes.
func (l *Ledger) Post(ctx context.Context, tx Transaction) error {
	if len(tx.Lines) == 0 {
		return &ValidationError{Field: "lines", Reason: "transaction has no entries"}
	}
	if tx.Month.IsZero() {
		return &ValidationError{Field: "month", Reason: "billing month required"}
	}

	var debits, credits Money
	for _, line := range tx.Lines {
		if !ValidAccountCode(line.Code) {
			return &ValidationError{Field: "code", Reason: "unknown account code " + string(line.Code)}
		}
		if line.Debit.IsNegative() || line.Credit.IsNegative() {
			return &ValidationError{Field: "amount", Reason: "negative amount"}
		}
		// Exactly one side per entry, by convention.
		if line.Debit.IsZero() == line.Credit.IsZero() {
			return &ValidationError{Field: "amount", Reason: "exactly one of debit/credit must be set"}
		}
		debits += line.Debit
		credits += line.Credit
	}
	if debits != credits {
		return &ImbalancedTransactionError{TxID: tx.ID, DebitTotal: debits, CreditTotal: credits}
	}

	if tx.IdempotencyKey != "" {
		exists, err := l.Store.HasIdempotencyKey(ctx, tx.IdempotencyKey)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateIdempotencyKey
		}
	}

	entries := make([]Entry, 0, len(tx.Lines))
	for i, line := range tx.Lines {
		account, err := l.Store.EnsureAccount(ctx, line.StudentID, line.Code)
		if err != nil {
			return err
		}
		entries = append(entries, Entry{
			ID:         entryID(tx.ID, i),
			TxID:       tx.ID,
			AccountID:  account.ID,
			Debit:      line.Debit,
			Credit:     line.Credit,
			OccurredAt: tx.OccurredAt,
			Month:      tx.Month,
			Memo:       line.Memo,
		})
	}
	return l.Store.AppendEntries(ctx, entries, tx.IdempotencyKey)
}

// Balance sums debit-credit across all entries of the student's account for
// the given code, up to and including throughMonth. A balance is a derived
// value, always computed from entries.
func (l *Ledger) Balance(ctx context.Context, studentID string, code AccountCode, throughMonth Month) (Money, error) {
	account, err := l.Store.Account(ctx, studentID, code)
	if err != nil {
		if IsNotFound(err) {
			// An account that was never referenced has a zero balance.
			return 0, nil
		}
		return 0, err
	}

	entries, err := l.Store.EntriesByAccount(ctx, account.ID)
	if err != nil {
		return 0, err
	}

	var balance Money
	for _, e := range entries {
		if e.Month.After(throughMonth) {
			continue
		}
		balance += e.Signed()
	}
	return balance, nil
}

// EnsureAccounts lazily creates the full set of accounts for a student.
func (l *Ledger) EnsureAccounts(ctx context.Context, studentID string, codes ...AccountCode) error {
	for _, code := range codes {
		if _, err := l.Store.EnsureAccount(ctx, studentID, code); err != nil {
			return err
		}
	}
	return nil
}

func entryID(txID string, i int) string {
	return txID + "-" + string(rune('a'+i))
}
