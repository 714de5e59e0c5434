// Package main provides the entry point for the runspace server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/runspace/runspace/internal/config"
	"github.com/runspace/runspace/internal/event"
	"github.com/runspace/runspace/internal/kernel"
	"github.com/runspace/runspace/internal/logging"
	"github.com/runspace/runspace/internal/registry"
	"github.com/runspace/runspace/internal/server"
	"github.com/runspace/runspace/internal/verify"
)

const Version = "0.1.0"

var (
	host     = flag.String("host", "", "Bind address")
	port     = flag.Int("port", 0, "Server port")
	apiKey   = flag.String("api-key", "", "Shared API key; empty disables auth")
	workDir  = flag.String("work-dir", "", "Root directory for session data")
	logLevel = flag.String("log-level", "", "Log level (debug, info, warning, error, critical)")
	logDir   = flag.String("log-dir", "", "Also write logs to a file in this directory")
	version  = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("runspace-server %s\n", Version)
		os.Exit(0)
	}

	// Optional .env in the current directory; flags and real env win.
	_ = godotenv.Load()

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to get working directory: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load(cwd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Flags override file and environment.
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *apiKey != "" {
		cfg.APIKey = *apiKey
	}
	if *workDir != "" {
		cfg.WorkDir = *workDir
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.ParseLevel(cfg.LogLevel)
	logCfg.Pretty = true
	if *logDir != "" {
		logCfg.LogToFile = true
		logCfg.LogDir = *logDir
	}
	logging.Init(logCfg)
	defer logging.Close()

	if err := os.MkdirAll(cfg.SessionsDir(), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create work directory: %v\n", err)
		os.Exit(1)
	}

	kernelBin, err := kernel.KernelBinary()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Kernel binary not found: %v\n", err)
		os.Exit(1)
	}

	bus := event.NewBus()
	defer bus.Close()

	verifier, err := verify.New(verify.Policy{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid verifier policy: %v\n", err)
		os.Exit(1)
	}
	opts := kernel.Options{Verifier: verifier}
	reg := registry.New(cfg.WorkDir, registry.ProcessKernelFactory(kernelBin, opts), bus)

	srv := server.New(cfg, reg, bus, Version)
	logging.Info().
		Str("version", Version).
		Str("addr", cfg.Addr()).
		Str("work_dir", cfg.WorkDir).
		Bool("auth", cfg.APIKey != "").
		Msg("starting runspace server")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logging.Error().Err(err).Msg("server failed")
			os.Exit(1)
		}
		return
	case sig := <-quit:
		logging.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("shutdown incomplete")
	}
	logging.Info().Msg("server stopped")
}
