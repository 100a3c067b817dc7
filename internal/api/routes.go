package api

import (
	"time"

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

	// Rate limiter for DELETE operations: 100 deletes max, refill 1 per 100ms
	// This allows burst of 100 deletes, then sustained rate of 10/second
	deleteRateLimiter := NewDeleteRateLimiter(100, 100*time.Millisecond)

	// Without an authenticator the server runs open; the session middleware
	// then only resolves cookies into actors without rejecting anyone.
	requireSession := h.auth != nil
	withSession := SessionMiddleware(h.sessions, requireSession)

	// Public routes (no session required)
	r.Get("/health", h.Health)
	r.Post("/syncGetTime", h.SyncGetTime)
	r.Post("/auth/user", h.Login)
	r.Post("/logout", h.Logout)

	// Sync and binary transport
	r.Group(func(r chi.Router) {
		r.Use(withSession)
		r.Post("/sync", h.SyncUpload)
		r.Get("/sync/delta", h.SyncDelta)
		r.Post("/saveBinary", h.SaveBinary)
		r.Get("/readBinary/{action}/{uid}", h.ReadBinary)
		r.Get("/readBinary/{action}/{uid}/{filename}", h.ReadBinary)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(withSession)
		r.Get("/schema", h.Schema)

		r.Route("/db", func(r chi.Router) {
			r.Post("/multiread", h.Multiread)
			r.Post("/transactionalChanges", h.TransactionalChanges)
			r.Get("/{table}", h.ReadTable)
			r.Post("/{table}", h.InsertRecord)
			r.Get("/{table}/*", h.GetRecord)
			r.Put("/{table}/*", h.UpdateRecord)
			// DELETE has additional rate limiting to prevent abuse
			r.With(deleteRateLimiter.Middleware).Delete("/{table}/*", h.DeleteRecord)
		})
	})

	return r
}
