package kernel

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/runspace/runspace/internal/logging"
)

// Runner is the kernel-side request loop. It reads JSON request lines,
// drives a single interpreter, and writes response frames. One Runner
// serves exactly one session; the host serializes requests, so the loop
// handles one operation at a time.
type Runner struct {
	in  *bufio.Scanner
	out *json.Encoder

	writeMu sync.Mutex
	interp  *Interp
}

// maxFrameSize bounds a single request line. Code blocks and plugin
// sources travel inside frames, so the limit is generous.
const maxFrameSize = 32 << 20

// NewRunner creates a runner reading requests from r and writing frames
// to w.
func NewRunner(r io.Reader, w io.Writer) *Runner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	return &Runner{
		in:  scanner,
		out: json.NewEncoder(w),
	}
}

// Run processes requests until the input closes or a shutdown op
// arrives.
func (r *Runner) Run() error {
	for r.in.Scan() {
		line := r.in.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			r.send(Response{Event: EventError, Error: fmt.Sprintf("malformed request: %v", err)})
			continue
		}
		if req.Op == OpShutdown {
			r.send(Response{ID: req.ID, Event: EventOK})
			return nil
		}
		r.dispatch(&req)
	}
	return r.in.Err()
}

func (r *Runner) dispatch(req *Request) {
	switch req.Op {
	case OpStart:
		if r.interp != nil {
			r.send(Response{ID: req.ID, Event: EventOK})
			return
		}
		interp, err := NewInterp(req.Cwd)
		if err != nil {
			r.send(Response{ID: req.ID, Event: EventError, Error: err.Error()})
			return
		}
		r.interp = interp
		logging.Debug().Str("session", req.SessionID).Str("cwd", req.Cwd).Msg("kernel started")
		r.send(Response{ID: req.ID, Event: EventOK})

	case OpLoadPlugin:
		if !r.requireStarted(req) {
			return
		}
		if err := r.interp.LoadPlugin(req.Name, req.Code, req.Config); err != nil {
			r.send(Response{ID: req.ID, Event: EventError, Error: err.Error()})
			return
		}
		r.send(Response{ID: req.ID, Event: EventOK})

	case OpUpdateVars:
		if !r.requireStarted(req) {
			return
		}
		r.interp.UpdateSessionVars(req.Variables)
		r.send(Response{ID: req.ID, Event: EventOK})

	case OpExecute:
		if !r.requireStarted(req) {
			return
		}
		res := r.interp.Execute(req.Code, func(stream, text string) {
			r.send(Response{ID: req.ID, Event: EventOutput, Stream: stream, Text: text})
		})
		r.send(Response{ID: req.ID, Event: EventResult, Result: res})

	default:
		r.send(Response{ID: req.ID, Event: EventError, Error: fmt.Sprintf("unknown op %q", req.Op)})
	}
}

func (r *Runner) requireStarted(req *Request) bool {
	if r.interp == nil {
		r.send(Response{ID: req.ID, Event: EventError, Error: "kernel not started"})
		return false
	}
	return true
}

func (r *Runner) send(resp Response) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.out.Encode(resp); err != nil {
		logging.Error().Err(err).Msg("kernel frame write failed")
	}
}
