package kernel

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/runspace/runspace/internal/logging"
)

// transport carries JSON frames between the host and a kernel runner.
type transport interface {
	io.Reader
	io.Writer
	// Close tears the kernel down; it must be safe to call more than
	// once and must bound its own shutdown time.
	Close() error
}

// killGrace is how long a kernel process gets to exit after SIGTERM
// before the group is force-killed.
const killGrace = 10 * time.Second

// procTransport drives a kernel child process over stdin/stdout. The
// child runs in its own process group so the whole group can be
// signalled on shutdown.
type procTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	done   chan struct{} // closed when Wait returns
	closed bool
}

// startProcess launches the kernel binary with its working directory set
// to the session cwd.
func startProcess(binary, cwd string) (*procTransport, error) {
	cmd := exec.Command(binary)
	cmd.Dir = cwd
	cmd.Env = os.Environ()
	cmd.Stderr = os.Stderr
	if runtime.GOOS != "windows" {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("kernel stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("kernel stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start kernel %s: %w", binary, err)
	}

	pt := &procTransport{cmd: cmd, stdin: stdin, stdout: stdout, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(pt.done)
	}()
	return pt, nil
}

func (pt *procTransport) Read(p []byte) (int, error)  { return pt.stdout.Read(p) }
func (pt *procTransport) Write(p []byte) (int, error) { return pt.stdin.Write(p) }

// Close closes stdin so the runner sees EOF, then escalates from
// SIGTERM to SIGKILL on the process group if the child does not exit
// within the grace period.
func (pt *procTransport) Close() error {
	if pt.closed {
		return nil
	}
	pt.closed = true

	pt.stdin.Close()

	select {
	case <-pt.done:
		return nil
	case <-time.After(time.Second):
	}

	pid := pt.cmd.Process.Pid
	if runtime.GOOS == "windows" {
		_ = exec.Command("taskkill", "/pid", fmt.Sprint(pid), "/f", "/t").Run()
		return nil
	}

	// Kill process group
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case <-pt.done:
	case <-time.After(killGrace):
		logging.Warn().Int("pid", pid).Msg("kernel did not exit, sending SIGKILL")
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		<-pt.done
	}
	return nil
}

// exited reports whether the child process has terminated.
func (pt *procTransport) exited() bool {
	select {
	case <-pt.done:
		return true
	default:
		return false
	}
}

// pipeTransport runs a Runner in-process over a pair of pipes. Used by
// tests and by single-process deployments that do not need OS-level
// isolation.
type pipeTransport struct {
	io.Reader
	io.WriteCloser
	runnerIn  io.Closer
	runnerOut io.Closer
	done      chan struct{}
}

// startInProcess wires a Runner directly to the host without a child
// process.
func startInProcess() *pipeTransport {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()

	pt := &pipeTransport{
		Reader:      respR,
		WriteCloser: reqW,
		runnerIn:    reqR,
		runnerOut:   respW,
		done:        make(chan struct{}),
	}
	go func() {
		defer close(pt.done)
		runner := NewRunner(reqR, respW)
		_ = runner.Run()
		respW.Close()
	}()
	return pt
}

func (pt *pipeTransport) Close() error {
	pt.WriteCloser.Close()
	select {
	case <-pt.done:
	case <-time.After(killGrace):
		pt.runnerIn.Close()
		pt.runnerOut.Close()
	}
	return nil
}

// KernelBinary resolves the kernel executable: RUNSPACE_KERNEL_BIN if
// set, then a runspace-kernel next to the current executable, then PATH.
func KernelBinary() (string, error) {
	if bin := os.Getenv("RUNSPACE_KERNEL_BIN"); bin != "" {
		return bin, nil
	}
	if self, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(self), "runspace-kernel")
		if runtime.GOOS == "windows" {
			candidate += ".exe"
		}
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	if bin, err := exec.LookPath("runspace-kernel"); err == nil {
		return bin, nil
	}
	return "", fmt.Errorf("runspace-kernel binary not found")
}
