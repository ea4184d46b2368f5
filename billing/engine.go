/*
engine.go - Engine wiring and business-policy configuration

PURPOSE:
  The Engine bundles the store and the business-policy knobs every
  component needs. Each component lives in its own file; the Engine is the
  shared dependency surface.

RETRY DISCIPLINE:
  Optimistic-concurrency losers (ledger.ErrConcurrencyConflict) retry the
  whole operation from scratch up to maxRetries before surfacing. Nothing
  else is retried here - imbalance and validation failures are final.
*/
package billing

import (
	"context"
	"log"

	"github.com/shopspring/decimal"

	"github.com/brightpath/tuition-engine/ledger"
)

// Config holds the business-policy knobs. These are policies, not
// accounting invariants: tune them per deployment.
type Config struct {
	// Payment bounds. Amounts outside [MinPayment, MaxPayment] are rejected.
	MinPayment ledger.Money
	MaxPayment ledger.Money

	// OverpaymentThreshold: paying more than outstanding + threshold is
	// allowed but flagged for review.
	OverpaymentThreshold ledger.Money

	// SiblingPercent is the default family sibling discount when the family
	// carries no override.
	SiblingPercent decimal.Decimal

	// ReviewTolerance: recorded payment may diverge from the calculated
	// total by up to this amount before a mismatch flag fires.
	ReviewTolerance ledger.Money

	// LowTotalRatio: a total below ratio*base is flagged as anomalously low.
	LowTotalRatio decimal.Decimal
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		MinPayment:           100,        // 1.00
		MaxPayment:           10_000_000, // 100,000.00
		OverpaymentThreshold: 50_000,     // 500.00
		SiblingPercent:       decimal.NewFromInt(5),
		ReviewTolerance:      1_000, // 10.00
		LowTotalRatio:        decimal.RequireFromString("0.25"),
	}
}

// maxRetries bounds transparent retries of operations that lost an
// optimistic-concurrency race.
const maxRetries = 3

// Engine is the entry point for all billing operations.
type Engine struct {
	store Store
	cfg   Config
}

// NewEngine creates an engine over the given store.
func NewEngine(store Store, cfg Config) *Engine {
	return &Engine{store: store, cfg: cfg}
}

// Store exposes the underlying store (read paths, tests).
func (e *Engine) Store() Store { return e.store }

// withRetry runs fn, retrying the whole thing on concurrency conflicts.
func (e *Engine) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = fn()
		if err == nil || !ledger.IsRetryable(err) {
			return err
		}
		log.Printf("[billing] %s lost a concurrent race (attempt %d/%d), retrying", op, attempt+1, maxRetries)
	}
	return err
}

// audit appends an audit record inside the given store view.
func audit(ctx context.Context, s Store, actor, action, entity, entityID string, diff map[string]any) error {
	return s.AppendAudit(ctx, ledger.AuditRecord{
		ID:        newID(),
		Actor:     actor,
		Action:    action,
		Entity:    entity,
		EntityID:  entityID,
		Diff:      diff,
		CreatedAt: ledger.Now(),
	})
}
