package server

import (
	"github.com/go-chi/chi/v5"
)

func (s *Server) routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		// Health stays reachable without credentials.
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(apiKeyAuth(s.cfg.APIKey))

			r.Get("/events", s.handleEvents)

			r.Route("/sessions", func(r chi.Router) {
				r.Get("/", s.handleListSessions)
				r.Post("/", s.handleCreateSession)

				r.Route("/{sessionID}", func(r chi.Router) {
					r.Get("/", s.handleGetSession)
					r.Delete("/", s.handleStopSession)
					r.Post("/plugins", s.handleLoadPlugin)
					r.Post("/variables", s.handleUpdateVariables)
					r.Post("/files", s.handleUploadFile)
					r.Post("/execute", s.handleExecute)
					r.Get("/execute/{execID}/stream", s.handleExecuteStream)
					r.Get("/artifacts/*", s.handleDownloadArtifact)
				})
			})
		})
	})
}
