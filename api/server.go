/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for dashboards

ROUTE GROUPS:
  /api/sources/*      Synced allocation sources
  /api/users/*        Local users and their sources
  /api/admin/*        Batch job triggers and audit
  /api/sync/*         Job history
  /healthz            Liveness

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
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/sources", func(r chi.Router) {
			r.Get("/", h.ListSources)
			r.Get("/{id}", h.GetSource)
		})

		r.Route("/users", func(r chi.Router) {
			r.Get("/", h.ListUsers)
			r.Post("/", h.CreateUser)
			r.Get("/{username}/sources", h.ListUserSources)
			r.Get("/{username}/validate", h.ValidateAccount)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/fill-sources", h.TriggerFillSources)
			r.Post("/fill-user-sources", h.TriggerFillUserSources)
			r.Get("/users-without-allocation", h.UsersWithoutAllocation)
		})

		r.Route("/sync", func(r chi.Router) {
			r.Get("/runs", h.ListSyncRuns)
		})
	})

	return r
}
