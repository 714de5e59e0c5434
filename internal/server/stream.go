package server

import (
	"sync"
	"time"

	"github.com/runspace/runspace/internal/logging"
)

// streamGrace is how long a finished stream stays attachable so a
// client that connects after the execution completed still receives
// the buffered events.
const streamGrace = 5 * time.Second

// streamBuffer bounds the per-execution output backlog. A slow or
// absent consumer drops output events past this point; the terminal
// result and done events are never dropped.
const streamBuffer = 256

type streamKey struct {
	sessionID string
	execID    string
}

// sseEvent is one server-sent event: a name and a JSON-encodable
// payload.
type sseEvent struct {
	name string
	data any
}

// execStream buffers the events of a single execution until a consumer
// attaches.
type execStream struct {
	ch chan sseEvent
}

// send queues an output event, dropping it when the backlog is full.
// A single producer goroutine feeds the channel, so the length check
// cannot race another sender past the reserved capacity.
func (s *execStream) send(name string, data any) {
	if len(s.ch) >= streamBuffer {
		logging.Warn().Str("event", name).Msg("stream buffer full, dropping event")
		return
	}
	s.ch <- sseEvent{name: name, data: data}
}

// sendFinal queues a terminal event into the reserved capacity past the
// backlog bound. It never drops and never blocks.
func (s *execStream) sendFinal(name string, data any) {
	s.ch <- sseEvent{name: name, data: data}
}

// finish closes the channel after the final event so an attached
// consumer sees end-of-stream.
func (s *execStream) finish() {
	close(s.ch)
}

// streamRegistry tracks in-flight execution streams keyed by
// (session id, execution id).
type streamRegistry struct {
	mu      sync.Mutex
	streams map[streamKey]*execStream
}

func newStreamRegistry() *streamRegistry {
	return &streamRegistry{streams: make(map[streamKey]*execStream)}
}

// open registers a stream for the given execution. Two slots past the
// backlog bound are reserved for the result and done events.
func (r *streamRegistry) open(sessionID, execID string) *execStream {
	s := &execStream{ch: make(chan sseEvent, streamBuffer+2)}
	r.mu.Lock()
	r.streams[streamKey{sessionID, execID}] = s
	r.mu.Unlock()
	return s
}

// get looks up the stream for an execution, or nil.
func (r *streamRegistry) get(sessionID, execID string) *execStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streams[streamKey{sessionID, execID}]
}

// retire removes the stream after a grace period, keeping it
// attachable for late consumers in the meantime.
func (r *streamRegistry) retire(sessionID, execID string) {
	time.AfterFunc(streamGrace, func() {
		r.mu.Lock()
		delete(r.streams, streamKey{sessionID, execID})
		r.mu.Unlock()
	})
}
