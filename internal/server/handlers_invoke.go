package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/workdeck-ai/workdeck/internal/session"
	"github.com/workdeck-ai/workdeck/internal/stream"
)

type invokeAgentRequest struct {
	ProjectID      string `json:"project_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
	ComputeTarget  string `json:"cluster_id,omitempty"`
}

// invokeAgent runs one agent turn, streaming its events back as SSE.
// Errors detectable before the stream opens get a JSON error status;
// after that, errors travel inside the stream.
func (s *Server) invokeAgent(w http.ResponseWriter, r *http.Request) {
	var req invokeAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if req.ProjectID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "project_id is required")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "message is required")
		return
	}

	// The request context carries client disconnect: closing the
	// connection cancels the turn all the way down to the runtime
	// subprocess.
	events, err := s.sessions.Invoke(r.Context(), session.InvokeRequest{
		ProjectID:      req.ProjectID,
		ConversationID: req.ConversationID,
		Message:        req.Message,
		ComputeTarget:  req.ComputeTarget,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	sw, err := stream.NewWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	if err := stream.Pump(events, sw); err != nil {
		s.log.Debug().Err(err).Msg("turn stream ended early")
	}
}
