/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the admin frontend

ROUTE GROUPS:
  /api/payments/*    Single-student payments
  /api/families/*    Family upserts and waterfall payments
  /api/students/*    Roster upserts, invoices, statements
  /api/review/*      Review queue and bulk confirmation
  /api/discounts/*   Definitions and assignments
  /api/referrals/*   Referral bonuses
  /api/admin/*       Recompute outbox operations
  /api/scenarios/*   Demo data seeding

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public;
  front with a gateway in production.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// Payment routes
		r.Post("/payments", h.PostPayment)

		// Family routes
		r.Route("/families", func(r chi.Router) {
			r.Post("/", h.SaveFamily)
			r.Post("/{id}/payments", h.PostFamilyPayment)
		})

		// Student routes
		r.Route("/students", func(r chi.Router) {
			r.Post("/", h.SaveStudent)
			r.Get("/{id}/invoices", h.ListInvoices)
			r.Get("/{id}/invoices/{month}", h.GetInvoice)
			r.Post("/{id}/invoices/{month}/recalculate", h.RecalculateInvoice)
			r.Get("/{id}/statement", h.GetStatement)
			r.Get("/{id}/assignments", h.ListAssignments)
			r.Get("/{id}/referrals", h.ListReferrals)
			r.Post("/{id}/referrals/{bonusId}/reverse", h.ReverseReferral)
		})

		// Roster routes
		r.Post("/classes", h.SaveClass)
		r.Post("/enrollments", h.SaveEnrollment)

		// Review routes
		r.Route("/review", func(r chi.Router) {
			r.Get("/", h.GetReviewQueue)
			r.Post("/confirm", h.ConfirmInvoices)
		})

		// Discount routes
		r.Route("/discounts", func(r chi.Router) {
			r.Post("/definitions", h.SaveDefinition)
			r.Post("/assignments", h.CreateAssignment)
			r.Post("/assignments/{id}/end", h.EndAssignment)
			r.Delete("/assignments/{id}", h.DeleteAssignment)
		})

		// Referral routes
		r.Post("/referrals", h.CreateReferral)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/recompute", h.EnqueueRecompute)
			r.Post("/outbox/drain", h.DrainOutbox)
		})

		// Scenario routes (demo/dev)
		r.Post("/scenarios/demo", h.SeedDemo)
	})

	return r
}
