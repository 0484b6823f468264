package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns the configured chi.Router for the filesentry control API.
//
// Route layout:
//
//	GET /healthz           – liveness probe with target status (no auth)
//	GET /api/v1/targets    – per-target monitoring state (JWT required)
//	GET /api/v1/changes    – change log / archive query (JWT required)
//
// auth may be nil to disable JWT validation, which is useful in tests that
// cover only request parsing and response formatting.
func NewRouter(srv *Server, auth *AuthConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		if auth != nil {
			r.Use(Authenticator(*auth))
		}

		r.Get("/targets", srv.handleGetTargets)
		r.Get("/changes", srv.handleGetChanges)
	})

	return r
}
