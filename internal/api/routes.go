package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	// Public route (no auth required)
	r.Get("/healthz", h.Health)

	// Protected routes (auth required)
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(h.apiKey))

		// Live protocol
		r.Get("/sync/ws", h.SyncWS)

		// HTTP catch-up and fallback, whole-entity granularity
		r.Get("/sync/{entity}", h.SyncChanges)
		r.Post("/sync/{entity}", h.SyncPush)

		// Field granularity
		r.Get("/field-sync/{entity}", h.FieldChanges)
		r.Post("/field-sync/{entity}", h.FieldPush)
		r.Get("/field-sync/{entity}/{id}/latest", h.FieldLatest)
	})

	return r
}
