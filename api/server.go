/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/orgs/{org}/leave-types/*   Leave type catalog
  /api/orgs/{org}/policies/*      Policy catalog
  /api/orgs/{org}/requests/*      Request lifecycle
  /api/orgs/{org}/accrual         Accrual run trigger
  /api/orgs/{org}/carryover       Carryover run trigger
  /api/orgs/{org}/adjustments     Manual balance adjustments
  /api/orgs/{org}/summaries/*     Balance summaries
  /api/users/{user}/*             Per-user balances and ledger

SECURITY NOTE:
  No authentication middleware. The caller identity arrives in
  X-User-ID / X-Role-Level headers set by the upstream gateway.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

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
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID", "X-Role-Level"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/orgs/{org}", func(r chi.Router) {
			// Catalog routes
			r.Route("/leave-types", func(r chi.Router) {
				r.Get("/", h.ListLeaveTypes)
				r.Post("/", h.CreateLeaveType)
				r.Delete("/{id}", h.DeactivateLeaveType)
			})
			r.Route("/policies", func(r chi.Router) {
				r.Get("/", h.ListPolicies)
				r.Post("/", h.CreatePolicy)
				r.Delete("/{id}", h.DeactivatePolicy)
			})

			// Request lifecycle routes
			r.Route("/requests", func(r chi.Router) {
				r.Post("/", h.CreateRequest)
				r.Get("/pending", h.ListPendingRequests)
				r.Get("/{id}", h.GetRequest)
				r.Post("/{id}/submit", h.SubmitRequest)
				r.Post("/{id}/cancel", h.CancelRequest)
				r.Post("/{id}/approve-step1", h.ApproveRequestStep1)
				r.Post("/{id}/approve", h.ApproveRequest)
				r.Post("/{id}/reject", h.RejectRequest)
			})

			// Admin routes
			r.Post("/accrual/run", h.RunAccrual)
			r.Post("/carryover/run", h.RunCarryover)
			r.Post("/adjustments", h.AdjustBalance)
			r.Get("/summaries/{leaveType}", h.GetBalanceSummaries)
		})

		// Per-user balance routes
		r.Route("/users/{user}", func(r chi.Router) {
			r.Get("/balances/{leaveType}", h.GetBalance)
			r.Get("/ledger/{leaveType}", h.GetLedgerHistory)
		})

		// Health check
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	})

	return r
}
