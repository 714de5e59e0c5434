package kernel

import (
	"strings"
	"sync"

	"github.com/runspace/runspace/internal/logging"
	"github.com/runspace/runspace/pkg/types"
)

// Installer receives package install requests split off from magic
// lines (`pip install ...`, `conda install ...`). Implementations return
// log entries to surface in the Execution Result.
type Installer interface {
	Install(args []string) []types.LogEntry
}

// RecordingInstaller is the default Installer. The interpreter dialect
// has no package manager, so requests are recorded and reported rather
// than executed.
type RecordingInstaller struct {
	mu       sync.Mutex
	requests [][]string
}

// NewRecordingInstaller creates an empty RecordingInstaller.
func NewRecordingInstaller() *RecordingInstaller {
	return &RecordingInstaller{}
}

// Install records the request and returns an informational log entry.
func (ri *RecordingInstaller) Install(args []string) []types.LogEntry {
	ri.mu.Lock()
	ri.requests = append(ri.requests, append([]string(nil), args...))
	ri.mu.Unlock()

	cmd := strings.Join(args, " ")
	logging.Info().Str("command", cmd).Msg("package install requested")
	return []types.LogEntry{{
		Level:   "info",
		Tag:     "installer",
		Message: "package install recorded: " + cmd,
	}}
}

// Requests returns a copy of all recorded install requests.
func (ri *RecordingInstaller) Requests() [][]string {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	out := make([][]string, len(ri.requests))
	for i, r := range ri.requests {
		out[i] = append([]string(nil), r...)
	}
	return out
}
