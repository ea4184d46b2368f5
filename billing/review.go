/*
review.go - Review Queue

PURPOSE:
  Read-only aggregation over invoices needing human confirmation, grouped
  by review-flag kind, plus bulk confirmation. Confirming never alters
  amounts; recalculation is a distinct, explicit action.
*/
package billing

import (
	"context"

	"github.com/brightpath/tuition-engine/ledger"
)

// ReviewGroup is one flag kind with every invoice carrying it.
type ReviewGroup struct {
	Kind     FlagKind
	Label    string
	Invoices []Invoice
}

// ReviewQueue returns invoices with the given confirmation status grouped by
// flag kind, in the fixed kind order. An invoice with several flags appears
// in several groups.
func (e *Engine) ReviewQueue(ctx context.Context, status ConfirmationStatus) ([]ReviewGroup, error) {
	if status == "" {
		status = ConfirmationNeedsReview
	}
	invoices, err := e.store.InvoicesByConfirmation(ctx, status)
	if err != nil {
		return nil, err
	}

	byKind := make(map[FlagKind][]Invoice)
	for _, inv := range invoices {
		seen := make(map[FlagKind]bool)
		for _, f := range inv.ReviewFlags {
			if seen[f.Kind] {
				continue
			}
			seen[f.Kind] = true
			byKind[f.Kind] = append(byKind[f.Kind], inv)
		}
	}

	var groups []ReviewGroup
	for _, kind := range flagOrder {
		if list, ok := byKind[kind]; ok {
			groups = append(groups, ReviewGroup{Kind: kind, Label: flagLabels[kind], Invoices: list})
		}
	}
	return groups, nil
}

// ConfirmInvoices confirms one, a flag group's worth, or an arbitrary set of
// invoices. It sets the confirmation status and notes and touches nothing
// else - amounts are the calculator's business.
func (e *Engine) ConfirmInvoices(ctx context.Context, invoiceIDs []string, notes string, status ConfirmationStatus, actor string) error {
	if len(invoiceIDs) == 0 {
		return &ledger.ValidationError{Field: "invoiceIds", Reason: "at least one invoice required"}
	}
	if status == "" {
		status = ConfirmationConfirmed
	}
	if status != ConfirmationConfirmed && status != ConfirmationAdjusted {
		return &ledger.ValidationError{Field: "status", Reason: "must be confirmed or adjusted"}
	}

	return e.withRetry(ctx, "confirm invoices", func() error {
		return e.store.WithTx(ctx, func(s Store) error {
			for _, id := range invoiceIDs {
				inv, err := s.InvoiceByID(ctx, id)
				if err != nil {
					return err
				}
				prev := inv.ConfirmationStatus
				inv.ConfirmationStatus = status
				inv.ConfirmationNotes = notes
				if err := s.UpdateInvoice(ctx, inv); err != nil {
					return err
				}
				if err := audit(ctx, s, actor, "invoice_confirmed", "invoice", id, map[string]any{
					"from":  string(prev),
					"to":    string(status),
					"notes": notes,
				}); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// =============================================================================
// STATEMENTS - ledger balances per account
// =============================================================================

// Statement is the per-account balance view backing customer statements.
type Statement struct {
	StudentID    string
	ThroughMonth ledger.Month
	Balances     map[ledger.AccountCode]ledger.Money
}

// StudentStatement replays the student's accounts through the given month.
func (e *Engine) StudentStatement(ctx context.Context, studentID string, through ledger.Month) (Statement, error) {
	if _, err := e.store.Student(ctx, studentID); err != nil {
		return Statement{}, err
	}
	led := ledger.New(e.store)
	stmt := Statement{
		StudentID:    studentID,
		ThroughMonth: through,
		Balances:     make(map[ledger.AccountCode]ledger.Money),
	}
	for _, code := range []ledger.AccountCode{
		ledger.AccountAR, ledger.AccountRevenue, ledger.AccountDiscount,
		ledger.AccountCash, ledger.AccountBank, ledger.AccountCredit,
	} {
		bal, err := led.Balance(ctx, studentID, code, through)
		if err != nil {
			return Statement{}, err
		}
		stmt.Balances[code] = bal
	}
	return stmt, nil
}
