/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/tenants/{tenant}/calculations   Calculation runs
  /api/tenants/{tenant}/batches/*      Batch reads and lifecycle
  /api/tenants/{tenant}/...            Upstream data loaders
  /api/scenarios/*                     Demo scenarios
  /api/health                          Liveness

SECURITY NOTE:
  No authentication middleware. Actor headers are trusted as set by the
  upstream gateway.

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
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Actor-ID", "X-Actor-Role"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Route("/tenants/{tenant}", func(r chi.Router) {
			r.Post("/calculations", h.RunCalculation)

			r.Route("/batches", func(r chi.Router) {
				r.Get("/", h.ListBatches)
				r.Get("/{id}", h.GetBatch)
				r.Get("/{id}/results", h.GetResults)
				r.Get("/{id}/transitions", h.GetTransitions)
				r.Post("/{id}/transitions", h.Transition)
			})

			r.Post("/periods", h.CreatePeriod)
			r.Post("/entities", h.CreateEntity)
			r.Post("/rule-sets", h.CreateRuleSet)
			r.Post("/assignments", h.CreateAssignments)
			r.Post("/committed-data", h.AppendCommittedData)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
