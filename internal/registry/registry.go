// Package registry owns the id to session map for the execution
// service: session creation, lookup, stop, and best-effort cleanup.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/runspace/runspace/internal/event"
	"github.com/runspace/runspace/internal/kernel"
	"github.com/runspace/runspace/internal/logging"
)

var (
	// ErrSessionExists is returned on duplicate session create.
	ErrSessionExists = errors.New("session already exists")
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionGone marks operations on a stopped or crashed session.
	ErrSessionGone = errors.New("session is gone")
)

// KernelFactory builds the kernel for a new session. The production
// factory spawns a runspace-kernel child process; tests inject an
// in-process kernel.
type KernelFactory func(sessionID, sessionDir, cwd string) (*kernel.Kernel, error)

// ProcessKernelFactory returns a factory spawning kernel child
// processes with the given binary and host options.
func ProcessKernelFactory(binary string, opts kernel.Options) KernelFactory {
	return func(sessionID, sessionDir, cwd string) (*kernel.Kernel, error) {
		return kernel.NewProcessKernel(binary, sessionID, sessionDir, cwd, opts)
	}
}

// InProcessKernelFactory returns a factory running kernels inside the
// server process.
func InProcessKernelFactory(opts kernel.Options) KernelFactory {
	return func(sessionID, sessionDir, cwd string) (*kernel.Kernel, error) {
		return kernel.NewInProcessKernel(sessionID, sessionDir, cwd, opts), nil
	}
}

// Registry is the session table. A single mutex guards the map; kernel
// operations never run under it.
type Registry struct {
	workDir string
	factory KernelFactory
	bus     *event.Bus

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates an empty registry rooted at workDir.
func New(workDir string, factory KernelFactory, bus *event.Bus) *Registry {
	return &Registry{
		workDir:  workDir,
		factory:  factory,
		bus:      bus,
		sessions: make(map[string]*Session),
	}
}

// Create builds a session. An empty id is auto-generated; an empty cwd
// resolves to <work_dir>/sessions/<id>/cwd.
func (r *Registry) Create(id, cwd string) (*Session, error) {
	if id == "" {
		id = "session-" + strings.ToLower(ulid.Make().String())
	}

	r.mu.Lock()
	if _, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionExists)
	}
	// Reserve the id before releasing the lock so concurrent creates
	// with the same id conflict instead of racing kernel startup.
	r.sessions[id] = nil
	r.mu.Unlock()

	sess, err := r.build(id, cwd)

	r.mu.Lock()
	if err != nil {
		delete(r.sessions, id)
	} else {
		r.sessions[id] = sess
	}
	r.mu.Unlock()

	if err != nil {
		return nil, err
	}

	logging.Info().Str("session", id).Str("cwd", sess.Cwd).Msg("session created")
	r.bus.Publish(event.Event{
		Type: event.SessionCreated,
		Data: event.SessionCreatedData{SessionID: id, Cwd: sess.Cwd},
	})
	return sess, nil
}

func (r *Registry) build(id, cwd string) (*Session, error) {
	sessionDir := filepath.Join(r.workDir, "sessions", id)
	if cwd == "" {
		cwd = filepath.Join(sessionDir, "cwd")
	}
	for _, dir := range []string{sessionDir, cwd} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("session %s: create %s: %w", id, dir, err)
		}
	}

	k, err := r.factory(id, sessionDir, cwd)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	if err := k.Start(); err != nil {
		k.Stop()
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	return newSession(id, sessionDir, cwd, k), nil
}

// Get returns the session for id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok || sess == nil {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	return sess, nil
}

// Exists reports whether id names a live session.
func (r *Registry) Exists(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	return ok && sess != nil
}

// List returns all sessions ordered by id.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		if sess != nil {
			out = append(out, sess)
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, sess := range r.sessions {
		if sess != nil {
			n++
		}
	}
	return n
}

// Stop shuts a session down and removes it from the registry.
func (r *Registry) Stop(id string) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok || sess == nil {
		r.mu.Unlock()
		return fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	sess.stop()
	logging.Info().Str("session", id).Msg("session stopped")
	r.bus.Publish(event.Event{
		Type: event.SessionStopped,
		Data: event.SessionStoppedData{SessionID: id},
	})
	return nil
}

// CleanupAll stops every session best-effort and empties the registry.
func (r *Registry) CleanupAll() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		if sess != nil {
			all = append(all, sess)
		}
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, sess := range all {
		sess.stop()
		logging.Debug().Str("session", sess.ID).Msg("session cleaned up")
	}
}
