/*
discount.go - Discount Resolver

PURPOSE:
  Computes, for a student and billing month, the full set of applicable
  discounts from four independent sources, in a fixed order:

    1. Family sibling discount (>= 2 active siblings this month)
    2. Enrollment-level discounts (explicit per-class terms)
    3. Special discount assignments (shared definitions, dated windows)
    4. Referral bonuses (inline terms, independently reversible)

STACKING RULES:
  Sources are non-exclusive and stack additively. Percent discounts are
  each computed against the pre-discount base (never compounded across
  sources) and summed; fixed amounts are summed directly. The total is
  capped at the base so an invoice total can never go negative.

"ONCE" CADENCE:
  A once-cadence discount applies to the first month billed on/after its
  effective_from. The first application pins AppliedMonth; afterwards the
  discount applies to exactly that month on every recompute, guaranteeing
  idempotence by construction rather than by re-derivation.
*/
package billing

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/brightpath/tuition-engine/ledger"
)

// DiscountSource identifies which of the four sources produced a line.
type DiscountSource string

const (
	SourceSibling    DiscountSource = "sibling"
	SourceEnrollment DiscountSource = "enrollment"
	SourceSpecial    DiscountSource = "special"
	SourceReferral   DiscountSource = "referral"
)

// DiscountLine is one resolved discount.
type DiscountLine struct {
	Source  DiscountSource
	RefID   string // enrollment/assignment/bonus id; empty for sibling
	Type    DiscountType
	Value   decimal.Decimal
	Cadence Cadence
	Amount  ledger.Money // resolved against the base
}

// pin marks a once-cadence line whose AppliedMonth must be recorded when
// the invoice is first written.
type pin struct {
	source DiscountSource
	refID  string
}

// Resolution is the resolver's full output for one (student, month, base).
type Resolution struct {
	Lines   []DiscountLine
	Total   ledger.Money
	Sources []DiscountSource // distinct, in source order

	pins []pin
}

// HasSource reports whether a source contributed at least one line.
func (r Resolution) HasSource(src DiscountSource) bool {
	for _, s := range r.Sources {
		if s == src {
			return true
		}
	}
	return false
}

// ResolveDiscounts evaluates all four sources against base for the month.
// Lines are emitted in source order, then input order within a source, so
// repeated resolution with unchanged inputs is byte-identical.
func (e *Engine) ResolveDiscounts(ctx context.Context, studentID string, m ledger.Month, base ledger.Money) (Resolution, error) {
	return e.resolveIn(ctx, e.store, studentID, m, base)
}

func (e *Engine) resolveIn(ctx context.Context, s Store, studentID string, m ledger.Month, base ledger.Money) (Resolution, error) {
	var res Resolution

	student, err := s.Student(ctx, studentID)
	if err != nil {
		return res, err
	}

	// 1. Family sibling discount.
	siblings, err := s.ActiveStudentsByFamily(ctx, student.FamilyID)
	if err != nil {
		return res, err
	}
	if len(siblings) >= 2 {
		percent := e.cfg.SiblingPercent
		family, err := s.Family(ctx, student.FamilyID)
		if err != nil {
			return res, err
		}
		if family.SiblingPercentOverride != nil {
			percent = *family.SiblingPercentOverride
		}
		res.add(DiscountLine{
			Source:  SourceSibling,
			Type:    DiscountPercent,
			Value:   percent,
			Cadence: CadenceMonthly,
			Amount:  percentOf(base, percent),
		})
	}

	// 2. Enrollment-level discounts.
	enrollments, err := s.EnrollmentsByStudent(ctx, studentID)
	if err != nil {
		return res, err
	}
	for _, enr := range enrollments {
		if enr.Discount == nil || !enr.ActiveDuring(m) {
			continue
		}
		d := enr.Discount
		applies, needsPin := cadenceApplies(d.Cadence, d.AppliedMonth, m)
		if !applies {
			continue
		}
		res.add(DiscountLine{
			Source:  SourceEnrollment,
			RefID:   enr.ID,
			Type:    d.Type,
			Value:   d.Value,
			Cadence: d.Cadence,
			Amount:  lineAmount(base, d.Type, d.Value),
		})
		if needsPin {
			res.pins = append(res.pins, pin{source: SourceEnrollment, refID: enr.ID})
		}
	}

	// 3. Special discount assignments.
	assignments, err := s.AssignmentsByStudent(ctx, studentID)
	if err != nil {
		return res, err
	}
	for _, a := range assignments {
		if !a.CoversMonth(m) {
			continue
		}
		applies, needsPin := cadenceApplies(a.Cadence, a.AppliedMonth, m)
		if !applies {
			continue
		}
		def, err := s.DiscountDefinition(ctx, a.DefinitionID)
		if err != nil {
			return res, err
		}
		res.add(DiscountLine{
			Source:  SourceSpecial,
			RefID:   a.ID,
			Type:    def.Type,
			Value:   def.Value,
			Cadence: a.Cadence,
			Amount:  lineAmount(base, def.Type, def.Value),
		})
		if needsPin {
			res.pins = append(res.pins, pin{source: SourceSpecial, refID: a.ID})
		}
	}

	// 4. Referral bonuses - same evaluation, independently tracked.
	referrals, err := s.ReferralsByStudent(ctx, studentID)
	if err != nil {
		return res, err
	}
	for _, b := range referrals {
		if !b.CoversMonth(m) {
			continue
		}
		applies, needsPin := cadenceApplies(b.Cadence, b.AppliedMonth, m)
		if !applies {
			continue
		}
		res.add(DiscountLine{
			Source:  SourceReferral,
			RefID:   b.ID,
			Type:    b.Type,
			Value:   b.Value,
			Cadence: b.Cadence,
			Amount:  lineAmount(base, b.Type, b.Value),
		})
		if needsPin {
			res.pins = append(res.pins, pin{source: SourceReferral, refID: b.ID})
		}
	}

	// Cap at base: a discount can wipe out an invoice but never invert it.
	if res.Total > base {
		res.Total = base
	}
	return res, nil
}

func (r *Resolution) add(line DiscountLine) {
	r.Lines = append(r.Lines, line)
	r.Total += line.Amount
	if !r.HasSource(line.Source) {
		r.Sources = append(r.Sources, line.Source)
	}
}

// cadenceApplies decides whether a discount with the given cadence fires in
// month m, and whether its first application must be pinned.
func cadenceApplies(c Cadence, applied *ledger.Month, m ledger.Month) (applies, needsPin bool) {
	if c != CadenceOnce {
		return true, false
	}
	if applied != nil {
		return applied.Equal(m), false
	}
	// Never billed yet: this month becomes the one-and-only month once the
	// invoice is written.
	return true, true
}

// markPins records AppliedMonth for every once-cadence line that fired for
// the first time. Called by the calculator after the invoice write succeeds
// inside the same storage transaction.
func markPins(ctx context.Context, s Store, res Resolution, m ledger.Month) error {
	for _, p := range res.pins {
		var err error
		switch p.source {
		case SourceEnrollment:
			err = s.MarkEnrollmentDiscountApplied(ctx, p.refID, m)
		case SourceSpecial:
			err = s.MarkAssignmentApplied(ctx, p.refID, m)
		case SourceReferral:
			err = s.MarkReferralApplied(ctx, p.refID, m)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// percentOf computes pct% of base, rounded half-up to a whole currency unit.
func percentOf(base ledger.Money, pct decimal.Decimal) ledger.Money {
	return ledger.Money(decimal.NewFromInt(int64(base)).
		Mul(pct).
		Div(decimal.NewFromInt(100)).
		Round(0).
		IntPart())
}

func lineAmount(base ledger.Money, typ DiscountType, value decimal.Decimal) ledger.Money {
	if typ == DiscountPercent {
		return percentOf(base, value)
	}
	return ledger.Money(value.Round(0).IntPart())
}
