/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the counting terminals' web client

ROUTE GROUPS:
  /api/batches/*        Import, entries, views, reconciliation
  /api/scenarios/*      Demo scenarios
  /api/reset            Database reset (dev only)

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

// RouterOptions configures NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/batches", func(r chi.Router) {
			r.Get("/", h.ListBatches)
			r.Post("/", h.ImportBatch)
			r.Get("/pending", h.ListPendingBatches)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetBatch)

				// Entries
				r.Post("/entries", h.AppendEntry)
				r.Get("/lines/{article}", h.GetLine)
				r.Get("/lines/{article}/{lot}", h.GetLine)

				// Views
				r.Get("/view", h.GetView)
				r.Get("/audit/{user}", h.GetAudit)
				r.Get("/results", h.GetResults)
				r.Get("/snapshot", h.GetSnapshot)
				r.Post("/snapshot", h.TakeSnapshot)

				// Reconciliation
				r.Post("/request-confirmation", h.RequestConfirmation)
				r.Post("/confirm", h.Confirm)
				r.Post("/cancel", h.Cancel)
			})
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})

		r.Post("/reset", h.ResetDatabase)
	})

	return r
}
