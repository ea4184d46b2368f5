/*
assignments.go - Discount assignment and referral bonus management

PURPOSE:
  Creating, ending and removing the dated discount windows the resolver
  reads. The non-overlap invariant is enforced here, before any write: no
  two assignments for the same (student, definition) - and no two referral
  bonuses for the same student - may have intersecting [from, to) windows.
  A window starting exactly at an existing window's effective_to is legal
  (half-open ranges, no gap required).

  Ending closes the window so yesterday is the last covered day; removal
  is a hard delete that leaves an audit record behind.
*/
package billing

import (
	"context"
	"time"

	"github.com/brightpath/tuition-engine/ledger"
)

// CreateAssignment validates the window against existing assignments for the
// same (student, definition) and persists it.
func (e *Engine) CreateAssignment(ctx context.Context, a DiscountAssignment, actor string) (DiscountAssignment, error) {
	if a.StudentID == "" {
		return a, &ledger.ValidationError{Field: "studentId", Reason: "required"}
	}
	if a.DefinitionID == "" {
		return a, &ledger.ValidationError{Field: "definitionId", Reason: "required"}
	}
	if err := validateWindow(a.EffectiveFrom, a.EffectiveTo); err != nil {
		return a, err
	}
	if a.Cadence == "" {
		a.Cadence = CadenceMonthly
	}
	if a.ID == "" {
		a.ID = newID()
	}

	err := e.store.WithTx(ctx, func(s Store) error {
		if _, err := s.Student(ctx, a.StudentID); err != nil {
			return err
		}
		if _, err := s.DiscountDefinition(ctx, a.DefinitionID); err != nil {
			return err
		}
		existing, err := s.AssignmentsByStudent(ctx, a.StudentID)
		if err != nil {
			return err
		}
		for _, other := range existing {
			if other.DefinitionID != a.DefinitionID {
				continue
			}
			if Overlaps(a.EffectiveFrom, a.EffectiveTo, other.EffectiveFrom, other.EffectiveTo) {
				return overlapError(other.ID, other.EffectiveFrom, other.EffectiveTo)
			}
		}
		if err := s.CreateAssignment(ctx, a); err != nil {
			return err
		}
		return audit(ctx, s, actor, "discount_assigned", "discount_assignment", a.ID, map[string]any{
			"student_id":    a.StudentID,
			"definition_id": a.DefinitionID,
			"from":          a.EffectiveFrom.Format("2006-01-02"),
		})
	})
	return a, err
}

// EndAssignment closes the window as of yesterday, so the current day is no
// longer covered.
func (e *Engine) EndAssignment(ctx context.Context, id, actor string) error {
	return e.store.WithTx(ctx, func(s Store) error {
		a, err := s.Assignment(ctx, id)
		if err != nil {
			return err
		}
		to := startOfDay(time.Now().UTC())
		if err := s.EndAssignment(ctx, id, to); err != nil {
			return err
		}
		if err := s.EnqueueRecompute(ctx, a.StudentID, ledger.MonthOf(to)); err != nil {
			return err
		}
		return audit(ctx, s, actor, "discount_ended", "discount_assignment", id, map[string]any{
			"effective_to": to.Format("2006-01-02"),
		})
	})
}

// RemoveAssignment hard-deletes the assignment, leaving only the audit trail.
func (e *Engine) RemoveAssignment(ctx context.Context, id, actor string) error {
	return e.store.WithTx(ctx, func(s Store) error {
		a, err := s.Assignment(ctx, id)
		if err != nil {
			return err
		}
		if err := s.DeleteAssignment(ctx, id); err != nil {
			return err
		}
		if err := s.EnqueueRecompute(ctx, a.StudentID, ledger.MonthOf(time.Now().UTC())); err != nil {
			return err
		}
		return audit(ctx, s, actor, "discount_removed", "discount_assignment", id, map[string]any{
			"student_id":    a.StudentID,
			"definition_id": a.DefinitionID,
			"from":          a.EffectiveFrom.Format("2006-01-02"),
		})
	})
}

// CreateReferral persists a referral bonus, enforcing the per-student
// non-overlap invariant.
func (e *Engine) CreateReferral(ctx context.Context, b ReferralBonus, actor string) (ReferralBonus, error) {
	if b.StudentID == "" {
		return b, &ledger.ValidationError{Field: "studentId", Reason: "required"}
	}
	if b.Type != DiscountPercent && b.Type != DiscountAmount {
		return b, &ledger.ValidationError{Field: "type", Reason: "must be percent or amount"}
	}
	if err := validateWindow(b.EffectiveFrom, b.EffectiveTo); err != nil {
		return b, err
	}
	if b.Cadence == "" {
		b.Cadence = CadenceOnce
	}
	if b.ID == "" {
		b.ID = newID()
	}

	err := e.store.WithTx(ctx, func(s Store) error {
		if _, err := s.Student(ctx, b.StudentID); err != nil {
			return err
		}
		existing, err := s.ReferralsByStudent(ctx, b.StudentID)
		if err != nil {
			return err
		}
		for _, other := range existing {
			if Overlaps(b.EffectiveFrom, b.EffectiveTo, other.EffectiveFrom, other.EffectiveTo) {
				return overlapError(other.ID, other.EffectiveFrom, other.EffectiveTo)
			}
		}
		if err := s.CreateReferral(ctx, b); err != nil {
			return err
		}
		return audit(ctx, s, actor, "referral_assigned", "referral", b.ID, map[string]any{
			"student_id": b.StudentID,
			"from":       b.EffectiveFrom.Format("2006-01-02"),
		})
	})
	return b, err
}

func validateWindow(from time.Time, to *time.Time) error {
	if from.IsZero() {
		return &ledger.ValidationError{Field: "effectiveFrom", Reason: "required"}
	}
	if to != nil && !to.After(from) {
		return &ledger.ValidationError{Field: "effectiveTo", Reason: "must be after effectiveFrom"}
	}
	return nil
}

func overlapError(id string, from time.Time, to *time.Time) error {
	e := &ledger.OverlapConflictError{
		ExistingID:   id,
		ExistingFrom: from.Format("2006-01-02"),
	}
	if to != nil {
		e.ExistingTo = to.Format("2006-01-02")
	}
	return e
}
