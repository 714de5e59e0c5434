package server

import (
	"net/http"
	"time"

	"github.com/runspace/runspace/internal/event"
	"github.com/runspace/runspace/internal/logging"
)

// handleEvents streams every bus event to the client as SSE. Intended
// for dashboards and debugging; events emitted before the client
// connected are not replayed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events := make(chan event.Event, 64)
	unsubscribe := s.bus.SubscribeAll(func(e event.Event) {
		select {
		case events <- e:
		default:
			logging.Warn().Str("event", string(e.Type)).Msg("event stream backlog full, dropping event")
		}
	})
	defer unsubscribe()

	sw := newSSEWriter(w)
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case e := <-events:
			if err := sw.writeEvent(string(e.Type), e.Data); err != nil {
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
