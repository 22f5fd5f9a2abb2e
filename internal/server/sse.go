package server

import (
	"net/http"
	"time"

	"github.com/workdeck-ai/workdeck/internal/event"
	"github.com/workdeck-ai/workdeck/internal/stream"
)

// globalEvents streams every bus event to the client. Unlike turn
// streams, this endpoint is best-effort: a slow consumer drops events
// rather than stalling the bus.
func (s *Server) globalEvents(w http.ResponseWriter, r *http.Request) {
	sw, err := stream.NewWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	events := make(chan event.Event, 10)
	unsub := s.bus.SubscribeAll(func(e event.Event) {
		select {
		case events <- e:
		default:
			s.log.Warn().Str("eventType", string(e.Type)).Msg("event dropped: slow SSE consumer")
		}
	})
	defer unsub()

	ticker := time.NewTicker(stream.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-events:
			if err := sw.Send(e); err != nil {
				return
			}
		case <-ticker.C:
			if err := sw.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
