// Package stream frames turn events as Server-Sent Events.
//
// Framing is data-only: every event is one `data: {json}` block, and
// the stream ends with a literal `data: [DONE]` sentinel so a client
// with a half-open connection can tell "stream finished" from
// "connection dropped".
package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/workdeck-ai/workdeck/internal/session"
)

// HeartbeatInterval is how often an idle stream emits a comment to
// keep intermediaries from timing the connection out.
const HeartbeatInterval = 15 * time.Second

// doneSentinel terminates every stream.
const doneSentinel = "[DONE]"

// Writer frames SSE onto an http.ResponseWriter, flushing after every
// event.
type Writer struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// NewWriter prepares w for SSE and writes the response headers.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	if _, ok := w.(http.Flusher); !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	sw := &Writer{w: w, rc: http.NewResponseController(w)}
	w.WriteHeader(http.StatusOK)
	sw.rc.Flush()
	return sw, nil
}

// Send writes one event as a data frame.
func (s *Writer) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	return s.rc.Flush()
}

// Heartbeat writes an SSE comment frame.
func (s *Writer) Heartbeat() error {
	if _, err := fmt.Fprint(s.w, ": heartbeat\n\n"); err != nil {
		return err
	}
	return s.rc.Flush()
}

// Done writes the terminal sentinel.
func (s *Writer) Done() error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", doneSentinel); err != nil {
		return err
	}
	return s.rc.Flush()
}

// Pump forwards a turn's events to the writer in emission order until
// the channel closes, then writes the done sentinel. Events are never
// reordered or dropped: a slow connection blocks the reader, and the
// producer's backpressure handles the rest. A write failure means the
// client went away; the caller's request context will cancel the
// producer.
func Pump(events <-chan session.Event, w *Writer) error {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return w.Done()
			}
			if err := w.Send(ev); err != nil {
				return err
			}
		case <-ticker.C:
			if err := w.Heartbeat(); err != nil {
				return err
			}
		}
	}
}
