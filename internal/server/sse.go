package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/runspace/runspace/internal/logging"
)

// keepaliveInterval is how often an idle SSE connection gets a comment
// line so intermediaries do not drop it.
const keepaliveInterval = 300 * time.Second

// sseWriter wraps a ResponseWriter for server-sent events.
type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// newSSEWriter prepares the response for streaming and writes the SSE
// headers.
func newSSEWriter(w http.ResponseWriter) *sseWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sw := &sseWriter{w: w, rc: http.NewResponseController(w)}
	sw.flush()
	return sw
}

// writeEvent emits one named event with a JSON payload.
func (sw *sseWriter) writeEvent(name string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal sse event %s: %w", name, err)
	}
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return err
	}
	sw.flush()
	return nil
}

// writeKeepalive emits a comment line that clients ignore.
func (sw *sseWriter) writeKeepalive() error {
	if _, err := fmt.Fprint(sw.w, ": keepalive\n\n"); err != nil {
		return err
	}
	sw.flush()
	return nil
}

func (sw *sseWriter) flush() {
	if err := sw.rc.Flush(); err != nil {
		logging.Debug().Err(err).Msg("sse flush failed")
	}
}

// serveStream copies events from the execution stream to the client
// until the stream closes, the client disconnects, or an event fails
// to write. The final event on a completed stream is "done".
func serveStream(w http.ResponseWriter, r *http.Request, s *execStream) {
	sw := newSSEWriter(w)

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-s.ch:
			if !ok {
				return
			}
			if err := sw.writeEvent(ev.name, ev.data); err != nil {
				logging.Debug().Err(err).Msg("sse client went away")
				return
			}
		case <-ticker.C:
			if err := sw.writeKeepalive(); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
