// Package kernel implements the per-session interpreter: the host side
// that owns a kernel's lifecycle and execution pipeline, and the runner
// side that evaluates code inside the kernel process.
package kernel

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/runspace/runspace/internal/logging"
	"github.com/runspace/runspace/internal/verify"
	"github.com/runspace/runspace/pkg/types"
)

// ErrKernelGone indicates the kernel process has exited; the owning
// session is no longer usable.
var ErrKernelGone = errors.New("kernel is gone")

// StartError reports a kernel that could not be started.
type StartError struct {
	Detail string
}

func (e *StartError) Error() string {
	return "kernel start failed: " + e.Detail
}

// PluginLoadError reports a plugin whose source failed to load.
type PluginLoadError struct {
	Name   string
	Detail string
}

func (e *PluginLoadError) Error() string {
	return fmt.Sprintf("plugin %s load failed: %s", e.Name, e.Detail)
}

// OutputFunc receives execution output lines as they are produced.
// stream is "stdout" or "stderr".
type OutputFunc func(stream, text string)

// Options configures a kernel host.
type Options struct {
	// Verifier gates every execute call. Nil disables verification.
	Verifier *verify.Verifier
	// Installer receives package install magics. Nil uses a
	// RecordingInstaller.
	Installer Installer
}

// Kernel is the host-side handle for one session's interpreter. All
// operations are strictly serialized: a second execute on the same
// kernel waits until the first completes.
type Kernel struct {
	sessionID  string
	sessionDir string
	cwd        string
	verifier   *verify.Verifier
	installer  Installer

	// mu serializes kernel operations; stateMu guards liveness flags so
	// Stop can act while an execute is in flight.
	mu      sync.Mutex
	stateMu sync.Mutex
	tr      transport
	enc     *json.Encoder
	dec     *json.Decoder
	started bool
	gone    bool
	nextID  int64
}

// NewProcessKernel creates a kernel backed by a runspace-kernel child
// process.
func NewProcessKernel(binary, sessionID, sessionDir, cwd string, opts Options) (*Kernel, error) {
	tr, err := startProcess(binary, cwd)
	if err != nil {
		return nil, &StartError{Detail: err.Error()}
	}
	return newKernel(tr, sessionID, sessionDir, cwd, opts), nil
}

// NewInProcessKernel creates a kernel whose runner executes inside the
// current process. It honors the same contract as a process kernel but
// without OS-level isolation; tests and embedded uses rely on it.
func NewInProcessKernel(sessionID, sessionDir, cwd string, opts Options) *Kernel {
	return newKernel(startInProcess(), sessionID, sessionDir, cwd, opts)
}

func newKernel(tr transport, sessionID, sessionDir, cwd string, opts Options) *Kernel {
	installer := opts.Installer
	if installer == nil {
		installer = NewRecordingInstaller()
	}
	return &Kernel{
		sessionID:  sessionID,
		sessionDir: sessionDir,
		cwd:        cwd,
		verifier:   opts.Verifier,
		installer:  installer,
		tr:         tr,
		enc:        json.NewEncoder(tr),
		dec:        json.NewDecoder(tr),
	}
}

// Cwd returns the kernel working directory.
func (k *Kernel) Cwd() string { return k.cwd }

// Start boots the interpreter. It is idempotent; a second call on a
// running kernel is a no-op.
func (k *Kernel) Start() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.stateMu.Lock()
	started, gone := k.started, k.gone
	k.stateMu.Unlock()
	if started {
		return nil
	}
	if gone {
		return ErrKernelGone
	}

	resp, err := k.roundTrip(&Request{Op: OpStart, SessionID: k.sessionID, Cwd: k.cwd}, nil)
	if err != nil {
		return &StartError{Detail: err.Error()}
	}
	if resp.Event == EventError {
		return &StartError{Detail: resp.Error}
	}
	k.stateMu.Lock()
	k.started = true
	k.stateMu.Unlock()
	return nil
}

// Stop shuts the kernel down. It is idempotent, bounded, and does not
// wait for an in-flight execution: closing the transport ends the
// kernel, and the pending operation surfaces ErrKernelGone.
func (k *Kernel) Stop() {
	k.stateMu.Lock()
	if k.gone {
		k.stateMu.Unlock()
		return
	}
	k.gone = true
	k.started = false
	k.stateMu.Unlock()

	_ = k.tr.Close()
	logging.Debug().Str("session", k.sessionID).Msg("kernel stopped")
}

// Alive reports whether the kernel can still accept operations.
func (k *Kernel) Alive() bool {
	k.stateMu.Lock()
	defer k.stateMu.Unlock()
	if pt, ok := k.tr.(*procTransport); ok && pt.exited() {
		k.gone = true
	}
	return !k.gone
}

// LoadPlugin loads plugin source into the kernel namespace under name.
func (k *Kernel) LoadPlugin(name, source string, config map[string]any) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	resp, err := k.roundTrip(&Request{Op: OpLoadPlugin, Name: name, Code: source, Config: config}, nil)
	if err != nil {
		return err
	}
	if resp.Event == EventError {
		return &PluginLoadError{Name: name, Detail: resp.Error}
	}
	return nil
}

// UpdateSessionVars shallow-merges kv into the kernel's session variable
// store.
func (k *Kernel) UpdateSessionVars(kv map[string]string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	resp, err := k.roundTrip(&Request{Op: OpUpdateVars, Variables: kv}, nil)
	if err != nil {
		return err
	}
	if resp.Event == EventError {
		return errors.New(resp.Error)
	}
	return nil
}

// Execute runs the pre-execution pipeline and then the code block.
// Failed user code yields a Result with IsSuccess false; the error
// return is reserved for a dead kernel.
func (k *Kernel) Execute(execID, code string, onOutput OutputFunc) (*types.ExecutionResult, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	src := verify.Preprocess(code)

	var preLogs []types.LogEntry

	// Package install magics go to the installer; any other magic is an
	// immediate failure even with verification off.
	var rejected []string
	for _, magic := range src.Magics {
		if magic.Install {
			preLogs = append(preLogs, k.installer.Install(magic.Args)...)
		} else {
			rejected = append(rejected, fmt.Sprintf("line %d: %s", magic.Num, strings.TrimSpace(magic.Text)))
		}
	}
	if len(rejected) > 0 {
		return k.failedResult(execID, code, preLogs,
			"Magic commands except package install are not allowed:\n"+strings.Join(rejected, "\n")), nil
	}

	if k.verifier != nil {
		if violations := k.verifier.VerifySource(src); len(violations) > 0 {
			msgs := make([]string, len(violations))
			for i, v := range violations {
				msgs[i] = v.String()
			}
			return k.failedResult(execID, code, preLogs, strings.Join(msgs, "\n")), nil
		}
	}

	// Import lines are dialect sugar: checked above, stripped here,
	// noted in the result log.
	for _, imp := range src.Imports {
		preLogs = append(preLogs, types.LogEntry{
			Level:   "info",
			Tag:     "import",
			Message: fmt.Sprintf("stripped import line %d: %s", imp.Num, strings.TrimSpace(imp.Text)),
		})
	}

	resp, err := k.roundTrip(&Request{Op: OpExecute, Code: src.Code}, onOutput)
	if err != nil {
		return nil, err
	}
	if resp.Event == EventError {
		return nil, fmt.Errorf("kernel execute: %s", resp.Error)
	}

	res := resp.Result
	res.ExecutionID = execID
	res.Code = code
	res.Log = append(preLogs, res.Log...)
	return res, nil
}

// failedResult builds the Result for code rejected before reaching the
// interpreter.
func (k *Kernel) failedResult(execID, code string, logs []types.LogEntry, detail string) *types.ExecutionResult {
	if logs == nil {
		logs = []types.LogEntry{}
	}
	return &types.ExecutionResult{
		ExecutionID: execID,
		Code:        code,
		IsSuccess:   false,
		Error:       detail,
		Stdout:      []string{},
		Stderr:      []string{},
		Log:         logs,
		Artifacts:   []types.Artifact{},
		Variables:   []types.Variable{},
	}
}

// roundTrip sends one request and reads frames until the terminal
// response for it arrives, forwarding output events along the way. The
// caller must hold k.mu.
func (k *Kernel) roundTrip(req *Request, onOutput OutputFunc) (*Response, error) {
	k.stateMu.Lock()
	gone := k.gone
	k.stateMu.Unlock()
	if gone {
		return nil, ErrKernelGone
	}

	k.nextID++
	req.ID = k.nextID

	if err := k.enc.Encode(req); err != nil {
		k.markGone()
		return nil, fmt.Errorf("%w: %v", ErrKernelGone, err)
	}

	for {
		var resp Response
		if err := k.dec.Decode(&resp); err != nil {
			k.markGone()
			return nil, fmt.Errorf("%w: %v", ErrKernelGone, err)
		}
		if resp.ID != req.ID {
			logging.Warn().
				Int64("want", req.ID).
				Int64("got", resp.ID).
				Msg("kernel frame id mismatch, dropping")
			continue
		}
		if resp.Event == EventOutput {
			if onOutput != nil {
				onOutput(resp.Stream, resp.Text)
			}
			continue
		}
		return &resp, nil
	}
}

// markGone transitions the kernel to the dead state.
func (k *Kernel) markGone() {
	k.stateMu.Lock()
	if k.gone {
		k.stateMu.Unlock()
		return
	}
	k.gone = true
	k.started = false
	k.stateMu.Unlock()

	_ = k.tr.Close()
	logging.Debug().Str("session", k.sessionID).Msg("kernel transport closed")
}
