// Package manager is the agent-facing facade over the supervisor and
// the session clients: bring the service up on first use, hand out
// clients bound to sessions, and tear everything down at the end.
package manager

import (
	"context"
	"sync"

	"github.com/runspace/runspace/internal/client"
	"github.com/runspace/runspace/internal/logging"
	"github.com/runspace/runspace/internal/supervisor"
)

// Config wires the facade.
type Config struct {
	// Supervisor describes how to reach or launch the service.
	Supervisor supervisor.Config
	// APIKey is sent by every session client.
	APIKey string
}

// Manager lazily starts the service and caches one client per session.
// Startup is deferred to the first Initialize or GetSessionClient call.
type Manager struct {
	cfg Config
	sup *supervisor.Supervisor

	mu          sync.Mutex
	initialized bool
	clients     map[string]*client.Client
}

// New builds a manager. Nothing is launched yet.
func New(cfg Config) *Manager {
	return &Manager{
		cfg:     cfg,
		sup:     supervisor.New(cfg.Supervisor),
		clients: make(map[string]*client.Client),
	}
}

// Initialize makes sure the service is reachable. Idempotent.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureInitialized(ctx)
}

// ensureInitialized must be called with m.mu held.
func (m *Manager) ensureInitialized(ctx context.Context) error {
	if m.initialized {
		return nil
	}
	if err := m.sup.EnsureRunning(ctx); err != nil {
		return err
	}
	m.initialized = true
	return nil
}

// GetSessionClient returns the client bound to sessionID, starting the
// service and creating the session on first use. An existing session
// with the same id is adopted.
func (m *Manager) GetSessionClient(ctx context.Context, sessionID, cwd string) (*client.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.clients[sessionID]; ok {
		return c, nil
	}
	if err := m.ensureInitialized(ctx); err != nil {
		return nil, err
	}

	opts := []client.Option{}
	if m.cfg.APIKey != "" {
		opts = append(opts, client.WithAPIKey(m.cfg.APIKey))
	}
	if cwd != "" {
		opts = append(opts, client.WithCwd(cwd))
	}

	c := client.New(m.sup.BaseURL(), sessionID, opts...)
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	m.clients[sessionID] = c
	return c, nil
}

// CleanUp stops every session best-effort and shuts the service down.
// Idempotent; the manager can be reused afterwards.
func (m *Manager) CleanUp(ctx context.Context) {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*client.Client)
	initialized := m.initialized
	m.initialized = false
	m.mu.Unlock()

	for id, c := range clients {
		if err := c.Stop(ctx); err != nil {
			logging.Debug().Err(err).Str("session", id).Msg("session stop failed during cleanup")
		}
	}
	if initialized {
		m.sup.Stop()
	}
}
