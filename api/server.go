/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the portal frontends

ROUTE GROUPS:
  /api/exeats/*         Student submissions and staff decisions
  /api/security/*       Gate sign-out and sign-in
  /api/students/*       Per-student reads
  /api/debts/*          Debt payment and clearance
  /api/admin/*          Sweeps
  /health               Liveness

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

// NewRouter creates a new router with all routes configured. origins
// defaults to any origin when empty.
func NewRouter(h *Handler, origins []string) *chi.Mux {
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderActorID, HeaderActorRole},
		AllowCredentials: false,
	}))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/exeats", func(r chi.Router) {
			r.Post("/", h.SubmitExeat)
			r.Get("/{id}", h.GetExeat)
			r.Get("/{id}/approvals", h.ListApprovals)
			r.Post("/{id}/approvals", h.ApplyApproval)
			r.Post("/{id}/cancel", h.CancelExeat)
			r.Post("/{id}/appeal", h.AppealExeat)
		})

		r.Route("/security", func(r chi.Router) {
			r.Post("/{id}/signout", h.SignOut)
			r.Post("/{id}/signin", h.SignIn)
		})

		r.Get("/students/{id}/debts", h.ListStudentDebts)

		r.Route("/debts", func(r chi.Router) {
			r.Post("/{id}/pay", h.PayDebt)
			r.Post("/{id}/clear", h.ClearDebt)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/sweeps", h.ListSweepRuns)
			r.Post("/sweeps/expiry", h.RunExpirySweep)
			r.Post("/sweeps/overdue", h.RunOverdueSweep)
		})
	})

	return r
}
