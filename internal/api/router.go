package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/custodian/internal/fileservice"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events behind the same token.
func NewRouter(svc *fileservice.Service, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(authEnabled, token))

		// Tracked files, every mutation goes through the guardian.
		r.Get("/files", h.ListFiles)
		r.Post("/files", h.CreateFile)
		r.Get("/files/*", h.GetFile)
		r.Put("/files/*", h.UpdateFile)
		r.Delete("/files/*", h.DeleteFile)

		// Registry queries.
		r.Get("/history/*", h.History)
		r.Get("/dependents/*", h.Dependents)
		r.Get("/backups/*", h.Backups)
		r.Post("/restore/*", h.Restore)

		// Integrity.
		r.Post("/register", h.Register)
		r.Post("/conflicts", h.CheckConflict)
		r.Get("/standards", h.CheckStandards)
		r.Post("/standards/fix", h.FixStandards)
		r.Post("/scan", h.Scan)
	})

	// The event stream also takes ?access_token= for EventSource clients.
	if sseHandler != nil {
		r.With(AuthMiddleware(authEnabled, token, AllowQueryToken("access_token"))).
			Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
