// Package server exposes the session API over HTTP: session lifecycle,
// code execution (synchronous and streamed), plugin and variable
// management, and file transfer.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/runspace/runspace/internal/config"
	"github.com/runspace/runspace/internal/event"
	"github.com/runspace/runspace/internal/logging"
	"github.com/runspace/runspace/internal/registry"
)

// Server is the HTTP front end over a session registry.
type Server struct {
	cfg      *config.Config
	registry *registry.Registry
	bus      *event.Bus
	streams  *streamRegistry
	version  string

	router  chi.Router
	httpSrv *http.Server
}

// New wires a server around the given registry and event bus.
func New(cfg *config.Config, reg *registry.Registry, bus *event.Bus, version string) *Server {
	s := &Server{
		cfg:      cfg,
		registry: reg,
		bus:      bus,
		streams:  newStreamRegistry(),
		version:  version,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", apiKeyHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	s.routes(r)
	s.router = r

	s.httpSrv = &http.Server{
		Addr:        cfg.Addr(),
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// SSE connections stay open indefinitely.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Router returns the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start listens on the configured address and serves until Shutdown.
// The returned error is nil for a clean shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return err
	}
	logging.Info().Str("addr", s.httpSrv.Addr).Str("version", s.version).Msg("server listening")

	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops every session.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)
	s.registry.CleanupAll()
	return err
}

// requestLogger logs each request at debug with method, path, status
// and duration.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logging.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
