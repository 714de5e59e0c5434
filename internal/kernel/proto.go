package kernel

import (
	"github.com/runspace/runspace/pkg/types"
)

// Operation names understood by the kernel runner.
const (
	OpStart      = "start"
	OpLoadPlugin = "load_plugin"
	OpUpdateVars = "update_vars"
	OpExecute    = "execute"
	OpShutdown   = "shutdown"
)

// Frame event names emitted by the kernel runner.
const (
	EventOK     = "ok"
	EventOutput = "output"
	EventResult = "result"
	EventError  = "error"
)

// Request is one JSON line sent from the host to the kernel runner.
type Request struct {
	ID int64  `json:"id"`
	Op string `json:"op"`

	SessionID string            `json:"session_id,omitempty"`
	Cwd       string            `json:"cwd,omitempty"`
	Name      string            `json:"name,omitempty"`
	Code      string            `json:"code,omitempty"`
	Config    map[string]any    `json:"config,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// Response is one JSON line sent from the kernel runner to the host.
// Output events interleave before the terminal result/ok/error frame
// carrying the same request id.
type Response struct {
	ID    int64  `json:"id"`
	Event string `json:"event"`

	// output events
	Stream string `json:"stream,omitempty"`
	Text   string `json:"text,omitempty"`

	// terminal frames
	Result *types.ExecutionResult `json:"result,omitempty"`
	Error  string                 `json:"error,omitempty"`
}
