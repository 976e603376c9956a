package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router. runGuards
// wrap only the endpoints that start runs, e.g. rate limiting and
// idempotency.
func MountRoutes(r chi.Router, h *Handlers, runGuards ...func(http.Handler) http.Handler) {
	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"version": "0.1.0"})
		})

		r.Group(func(r chi.Router) {
			r.Use(runGuards...)
			r.Post("/runs", h.CreateRun)
			r.Post("/runs/async", h.EnqueueRun)
		})

		r.Get("/tools", h.ListTools)
		r.Get("/providers", h.ListProviders)
		r.Post("/plans/validate", h.ValidatePlan)
	})
}
