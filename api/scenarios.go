/*
scenarios.go - Demo data seeding

PURPOSE:
  Loads a small but representative roster so a fresh database has something
  to bill: a two-sibling family (sibling discount and waterfall allocation),
  a single-child family, classes with different schedules, a rate override,
  an enrollment discount, a shared definition with an assignment, and a
  referral bonus.

  Intended for demos and local development only; every write goes through
  the same Save* / Create* paths the API exposes.
*/
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/brightpath/tuition-engine/billing"
	"github.com/brightpath/tuition-engine/ledger"
)

// LoadDemoScenario seeds the demo roster. Safe to call twice: roster writes
// are upserts and window writes tolerate existing data by using fixed IDs.
func (h *Handler) LoadDemoScenario(ctx context.Context) error {
	termStart := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	families := []billing.Family{
		{ID: "fam-chen", Name: "Chen"},
		{ID: "fam-okafor", Name: "Okafor"},
	}
	for _, f := range families {
		if err := h.Roster.SaveFamily(ctx, f); err != nil {
			return err
		}
	}

	students := []billing.Student{
		{ID: "stu-amy", FamilyID: "fam-chen", Name: "Amy Chen", Active: true},
		{ID: "stu-ben", FamilyID: "fam-chen", Name: "Ben Chen", Active: true},
		{ID: "stu-chi", FamilyID: "fam-okafor", Name: "Chidi Okafor", Active: true},
	}
	for _, s := range students {
		if err := h.Roster.SaveStudent(ctx, s); err != nil {
			return err
		}
	}

	classes := []billing.Class{
		{
			ID: "cls-piano", Name: "Piano", SessionRate: 6000,
			ScheduleDays: []time.Weekday{time.Monday, time.Wednesday},
		},
		{
			ID: "cls-violin", Name: "Violin", SessionRate: 7500,
			ScheduleDays: []time.Weekday{time.Tuesday, time.Thursday},
		},
		{
			ID: "cls-theory", Name: "Music Theory", SessionRate: 4000,
			ScheduleDays: []time.Weekday{time.Saturday},
		},
	}
	for _, c := range classes {
		if err := h.Roster.SaveClass(ctx, c); err != nil {
			return err
		}
	}

	override := ledger.Money(5500)
	enrollments := []billing.Enrollment{
		{ID: "enr-amy-piano", StudentID: "stu-amy", ClassID: "cls-piano", StartDate: termStart},
		{
			ID: "enr-amy-theory", StudentID: "stu-amy", ClassID: "cls-theory", StartDate: termStart,
			Discount: &billing.EnrollmentDiscount{
				Type:    billing.DiscountPercent,
				Value:   decimal.NewFromInt(10),
				Cadence: billing.CadenceMonthly,
			},
		},
		{ID: "enr-ben-violin", StudentID: "stu-ben", ClassID: "cls-violin", StartDate: termStart},
		{
			ID: "enr-chi-piano", StudentID: "stu-chi", ClassID: "cls-piano", StartDate: termStart,
			RateOverride: &override,
			AllowedDays:  []time.Weekday{time.Monday},
		},
	}
	for _, e := range enrollments {
		if err := h.Roster.SaveEnrollment(ctx, e); err != nil {
			return err
		}
	}

	if err := h.Roster.SaveDefinition(ctx, billing.DiscountDefinition{
		ID:    "def-scholarship",
		Name:  "Scholarship",
		Type:  billing.DiscountPercent,
		Value: decimal.NewFromInt(25),
	}); err != nil {
		return err
	}

	if _, err := h.Engine.CreateAssignment(ctx, billing.DiscountAssignment{
		ID:            "asg-ben-scholarship",
		StudentID:     "stu-ben",
		DefinitionID:  "def-scholarship",
		Cadence:       billing.CadenceMonthly,
		EffectiveFrom: termStart,
		Note:          "Board-approved scholarship",
	}, "seed"); err != nil && !ledger.IsClientError(err) {
		return err
	}

	if _, err := h.Engine.CreateReferral(ctx, billing.ReferralBonus{
		ID:            "ref-chi-spring",
		StudentID:     "stu-chi",
		Type:          billing.DiscountAmount,
		Value:         decimal.NewFromInt(2000),
		Cadence:       billing.CadenceOnce,
		EffectiveFrom: termStart,
		Note:          "Referred the Chen family",
	}, "seed"); err != nil && !ledger.IsClientError(err) {
		return err
	}

	return nil
}

// SeedDemo is the HTTP entry point for demo seeding.
func (h *Handler) SeedDemo(w http.ResponseWriter, r *http.Request) {
	if err := h.LoadDemoScenario(r.Context()); err != nil {
		writeDomainError(w, "Failed to load demo scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded"})
}
