package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/runspace/runspace/internal/kernel"
	"github.com/runspace/runspace/pkg/types"
)

// Session pairs a session id with its kernel and bookkeeping state.
// Kernel operations run outside the registry mutex; each Session guards
// its own metadata.
type Session struct {
	ID         string
	SessionDir string
	Cwd        string

	kernel *kernel.Kernel

	mu            sync.Mutex
	status        types.SessionStatus
	createdAt     time.Time
	lastActivity  time.Time
	loadedPlugins []string
	execCount     int
	sessionVars   map[string]string
}

func newSession(id, sessionDir, cwd string, k *kernel.Kernel) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:           id,
		SessionDir:   sessionDir,
		Cwd:          cwd,
		kernel:       k,
		status:       types.SessionRunning,
		createdAt:    now,
		lastActivity: now,
		sessionVars:  make(map[string]string),
	}
}

// Info snapshots the session metadata.
func (s *Session) Info() types.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.SessionInfo{
		SessionID:      s.ID,
		Status:         s.status,
		CreatedAt:      s.createdAt,
		LastActivity:   s.lastActivity,
		LoadedPlugins:  append([]string{}, s.loadedPlugins...),
		ExecutionCount: s.execCount,
		Cwd:            s.Cwd,
	}
}

// Status returns the current lifecycle state, demoting to stopped if the
// kernel died underneath us.
func (s *Session) Status() types.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == types.SessionRunning && !s.kernel.Alive() {
		s.status = types.SessionStopped
	}
	return s.status
}

// touch records activity. Caller must hold s.mu.
func (s *Session) touch() {
	s.lastActivity = time.Now().UTC()
}

// ensureRunning fails with ErrSessionGone when the session can no longer
// accept operations.
func (s *Session) ensureRunning() error {
	if s.Status() != types.SessionRunning {
		return fmt.Errorf("session %s: %w", s.ID, ErrSessionGone)
	}
	return nil
}

// Execute runs a code block on the session kernel. Per-session
// executions are serialized by the kernel; concurrent sessions do not
// contend.
func (s *Session) Execute(execID, code string, onOutput kernel.OutputFunc) (*types.ExecutionResult, error) {
	if err := s.ensureRunning(); err != nil {
		return nil, err
	}

	res, err := s.kernel.Execute(execID, code, onOutput)
	if err != nil {
		s.mu.Lock()
		s.status = types.SessionStopped
		s.mu.Unlock()
		return nil, fmt.Errorf("session %s: %w", s.ID, ErrSessionGone)
	}

	for i := range res.Artifacts {
		if res.Artifacts[i].FileName != "" {
			res.Artifacts[i].DownloadURL = fmt.Sprintf("/api/v1/sessions/%s/artifacts/%s", s.ID, res.Artifacts[i].FileName)
		}
	}

	s.mu.Lock()
	s.execCount++
	s.touch()
	s.mu.Unlock()
	return res, nil
}

// LoadPlugin loads plugin source under name, replacing any prior
// binding. The registration order of first appearance is preserved.
func (s *Session) LoadPlugin(name, source string, config map[string]any) error {
	if err := s.ensureRunning(); err != nil {
		return err
	}
	if err := s.kernel.LoadPlugin(name, source, config); err != nil {
		return err
	}

	s.mu.Lock()
	found := false
	for _, p := range s.loadedPlugins {
		if p == name {
			found = true
			break
		}
	}
	if !found {
		s.loadedPlugins = append(s.loadedPlugins, name)
	}
	s.touch()
	s.mu.Unlock()
	return nil
}

// UpdateVariables shallow-merges kv into the session variable store and
// pushes it to the kernel.
func (s *Session) UpdateVariables(kv map[string]string) error {
	if err := s.ensureRunning(); err != nil {
		return err
	}
	if err := s.kernel.UpdateSessionVars(kv); err != nil {
		return err
	}

	s.mu.Lock()
	for k, v := range kv {
		s.sessionVars[k] = v
	}
	s.touch()
	s.mu.Unlock()
	return nil
}

// Variables returns a copy of the session variable store.
func (s *Session) Variables() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.sessionVars))
	for k, v := range s.sessionVars {
		out[k] = v
	}
	return out
}

// stop shuts the kernel down and marks the session stopped. Idempotent.
func (s *Session) stop() {
	s.kernel.Stop()
	s.mu.Lock()
	s.status = types.SessionStopped
	s.mu.Unlock()
}
