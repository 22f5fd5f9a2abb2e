package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	// Agent turn streaming (SSE response)
	r.Post("/invoke_agent", s.invokeAgent)

	// Projects
	r.Route("/projects", func(r chi.Router) {
		r.Get("/", s.listProjects)
		r.Post("/", s.createProject)

		r.Route("/{projectID}", func(r chi.Router) {
			r.Get("/", s.getProject)
			r.Delete("/", s.deleteProject)
			r.Get("/files", s.listProjectFiles)
			r.Get("/conversations", s.listConversations)
		})
	})

	// Conversations
	r.Route("/conversations/{conversationID}", func(r chi.Router) {
		r.Get("/", s.getConversation)
		r.Delete("/", s.deleteConversation)
	})

	// Global event streaming (SSE)
	r.Get("/event", s.globalEvents)

	r.Get("/health", s.health)
}
