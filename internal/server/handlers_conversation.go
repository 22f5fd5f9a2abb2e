package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/workdeck-ai/workdeck/pkg/types"
)

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	if _, err := s.store.GetProject(r.Context(), projectID); err != nil {
		writeDomainError(w, err)
		return
	}

	conversations, err := s.store.ListConversations(r.Context(), projectID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conversations)
}

type conversationResponse struct {
	*types.Conversation
	Messages []*types.Message `json:"messages"`
}

// getConversation returns the conversation with its messages in
// append order.
func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")

	conv, err := s.store.GetConversation(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	messages, err := s.store.ListMessages(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, conversationResponse{Conversation: conv, Messages: messages})
}

func (s *Server) deleteConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")

	if s.sessions.Active(id) {
		writeError(w, http.StatusConflict, ErrCodeConflict, "conversation has a turn in flight")
		return
	}
	if err := s.store.DeleteConversation(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w)
}
