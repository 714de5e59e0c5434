// Package supervisor brings the execution service up and tears it down
// on behalf of a client: attach to an already running server, spawn it
// as a subprocess, or run it in a container.
package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/runspace/runspace/internal/logging"
)

// Mode selects how the supervisor obtains a running service.
type Mode string

const (
	// ModeAttach health-checks an externally managed server.
	ModeAttach Mode = "attach"
	// ModeSubprocess spawns the server binary as a child process.
	ModeSubprocess Mode = "subprocess"
	// ModeContainer runs the server image in a container.
	ModeContainer Mode = "container"
)

// Error reports a supervisor operation that could not leave the
// service in the requested state.
type Error struct {
	Op     string
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("supervisor %s: %s", e.Op, e.Detail)
}

// Config describes the target service and how to launch it.
type Config struct {
	Mode Mode

	Host   string
	Port   int
	APIKey string

	// WorkDir is passed to the server (subprocess) or bind-mounted into
	// the container.
	WorkDir string

	// BinaryPath locates the server executable for subprocess mode.
	BinaryPath string

	// Image and ContainerPort configure container mode. ContainerPort is
	// the port the server listens on inside the container.
	Image         string
	ContainerPort int

	// KillExisting preempts whatever process owns Port before starting.
	KillExisting bool

	// StartupTimeout bounds the wait for the service to become healthy.
	StartupTimeout time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Host == "" {
		out.Host = "localhost"
	}
	if out.Port == 0 {
		out.Port = 8000
	}
	if out.ContainerPort == 0 {
		out.ContainerPort = 8000
	}
	if out.StartupTimeout <= 0 {
		out.StartupTimeout = 60 * time.Second
	}
	return out
}

// Supervisor manages one server lifecycle. Safe for concurrent use;
// EnsureRunning is idempotent.
type Supervisor struct {
	cfg Config
	hc  *http.Client

	mu          sync.Mutex
	started     bool
	cmd         *exec.Cmd
	cmdDone     chan struct{}
	stderr      *prefixBuffer
	containerID string
}

// New builds a supervisor from cfg. Missing fields get defaults.
func New(cfg Config) *Supervisor {
	return &Supervisor{
		cfg: cfg.withDefaults(),
		hc:  &http.Client{Timeout: 5 * time.Second},
	}
}

// BaseURL is where the supervised service is (or will be) reachable.
func (s *Supervisor) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", s.cfg.Host, s.cfg.Port)
}

// EnsureRunning leaves the service reachable at BaseURL or fails.
func (s *Supervisor) EnsureRunning(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	switch s.cfg.Mode {
	case ModeAttach, "":
		if err := s.waitReady(ctx, nil); err != nil {
			return err
		}
	case ModeSubprocess:
		if err := s.startSubprocess(ctx); err != nil {
			return err
		}
	case ModeContainer:
		if err := s.startContainer(ctx); err != nil {
			return err
		}
	default:
		return &Error{Op: "start", Detail: fmt.Sprintf("unknown mode %q", s.cfg.Mode)}
	}

	s.started = true
	return nil
}

// Stop terminates whatever EnsureRunning started. Attach mode leaves
// the external server alone. Idempotent.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		s.stopSubprocess()
		s.cmd = nil
	}
	if s.containerID != "" {
		s.stopContainer()
		s.containerID = ""
	}
	s.started = false
}

func (s *Supervisor) startSubprocess(ctx context.Context) error {
	if s.cfg.BinaryPath == "" {
		return &Error{Op: "start", Detail: "no server binary configured"}
	}
	if s.cfg.KillExisting {
		if err := preemptPort(s.cfg.Port); err != nil {
			return &Error{Op: "start", Detail: err.Error()}
		}
	}

	args := []string{
		"--host", s.cfg.Host,
		"--port", strconv.Itoa(s.cfg.Port),
	}
	if s.cfg.WorkDir != "" {
		args = append(args, "--work-dir", s.cfg.WorkDir)
	}
	if s.cfg.APIKey != "" {
		args = append(args, "--api-key", s.cfg.APIKey)
	}

	cmd := exec.Command(s.cfg.BinaryPath, args...)
	cmd.Env = os.Environ()
	stderr := newPrefixBuffer(64 * 1024)
	cmd.Stderr = stderr
	if runtime.GOOS != "windows" {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	if err := cmd.Start(); err != nil {
		return &Error{Op: "start", Detail: err.Error()}
	}
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	s.cmd = cmd
	s.cmdDone = done
	s.stderr = stderr
	logging.Info().Int("pid", cmd.Process.Pid).Str("addr", s.BaseURL()).Msg("server subprocess started")

	if err := s.waitReady(ctx, done); err != nil {
		s.stopSubprocess()
		s.cmd = nil
		return err
	}
	return nil
}

func (s *Supervisor) stopSubprocess() {
	cmd, done := s.cmd, s.cmdDone
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid

	if runtime.GOOS == "windows" {
		_ = exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid)).Run()
		return
	}

	// Graceful first, the whole process group.
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		logging.Warn().Int("pid", pid).Msg("server did not exit on SIGTERM, killing")
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		<-done
	}
}

// waitReady polls /health until it answers or the startup budget runs
// out. If the child exits first, its stderr is surfaced in the error.
func (s *Supervisor) waitReady(ctx context.Context, exited chan struct{}) error {
	url := s.BaseURL() + "/api/v1/health"

	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxInterval(2*time.Second),
		backoff.WithMaxElapsedTime(s.cfg.StartupTimeout),
	), ctx)

	err := backoff.Retry(func() error {
		if exited != nil {
			select {
			case <-exited:
				return backoff.Permanent(fmt.Errorf("server exited before becoming ready: %s", s.stderrTail()))
			default:
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		res, err := s.hc.Do(req)
		if err != nil {
			return err
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			return fmt.Errorf("health returned %d", res.StatusCode)
		}
		return nil
	}, policy)
	if err != nil {
		return &Error{Op: "start", Detail: fmt.Sprintf("service at %s not ready: %v", s.BaseURL(), err)}
	}
	return nil
}

func (s *Supervisor) stderrTail() string {
	if s.stderr == nil {
		return "(no stderr captured)"
	}
	tail := s.stderr.String()
	if tail == "" {
		return "(empty stderr)"
	}
	return tail
}

// prefixBuffer keeps the first max bytes written and drops the rest, so
// a chatty child cannot grow the error report without bound.
type prefixBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func newPrefixBuffer(max int) *prefixBuffer {
	return &prefixBuffer{max: max}
}

func (b *prefixBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *prefixBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
