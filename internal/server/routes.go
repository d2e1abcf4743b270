package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bennoloeffler/bassi-sub003/internal/metrics"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	r.Route("/session", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Post("/", s.createSession)

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Patch("/", s.updateSession)
			r.Delete("/", s.deleteSession)

			// Workspace
			r.Get("/files", s.listFiles)
			r.Post("/files", s.uploadFile)
			r.Get("/files/{hash}", s.readFile)
			r.Get("/stats", s.getStats)

			// Channel
			r.Get("/ws", s.attachSession)
		})
	})

	r.Get("/event", s.allEvents)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/health", s.health)
}

// health handles GET /health
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.registry.Len(),
	})
}
