// Package types defines the shared data model for the runspace execution
// service: sessions, execution results, artifacts, and the request/response
// bodies exchanged over the HTTP API.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionRunning SessionStatus = "running"
	SessionStopped SessionStatus = "stopped"
)

// SessionInfo describes a live session.
type SessionInfo struct {
	SessionID      string        `json:"session_id"`
	Status         SessionStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	LastActivity   time.Time     `json:"last_activity"`
	LoadedPlugins  []string      `json:"loaded_plugins"`
	ExecutionCount int           `json:"execution_count"`
	Cwd            string        `json:"cwd"`
}

// SessionListResponse is the body of GET /api/v1/sessions.
type SessionListResponse struct {
	Sessions   []SessionInfo `json:"sessions"`
	TotalCount int           `json:"total_count"`
}

// CreateSessionRequest is the body of POST /api/v1/sessions.
// SessionID is auto-generated when empty; Cwd defaults to a directory
// under the server's work dir.
type CreateSessionRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
}

// CreateSessionResponse is returned with status 201.
type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Cwd       string `json:"cwd"`
}

// StopSessionResponse is the body of DELETE /api/v1/sessions/{id}.
type StopSessionResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// LoadPluginRequest is the body of POST /api/v1/sessions/{id}/plugins.
type LoadPluginRequest struct {
	Name   string         `json:"name"`
	Code   string         `json:"code"`
	Config map[string]any `json:"config,omitempty"`
}

// LoadPluginResponse acknowledges a plugin load.
type LoadPluginResponse struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// UpdateVariablesRequest is the body of POST /api/v1/sessions/{id}/variables.
type UpdateVariablesRequest struct {
	Variables map[string]string `json:"variables"`
}

// UpdateVariablesResponse acknowledges a variable update.
type UpdateVariablesResponse struct {
	Status    string            `json:"status"`
	Variables map[string]string `json:"variables"`
}

// FileEncoding is the content encoding of an uploaded file.
type FileEncoding string

const (
	EncodingBase64 FileEncoding = "base64"
	EncodingText   FileEncoding = "text"
)

// UploadFileRequest is the body of POST /api/v1/sessions/{id}/files.
type UploadFileRequest struct {
	Filename string       `json:"filename"`
	Content  string       `json:"content"`
	Encoding FileEncoding `json:"encoding"`
}

// UploadFileResponse reports where an uploaded file landed.
type UploadFileResponse struct {
	Filename string `json:"filename"`
	Status   string `json:"status"`
	Path     string `json:"path"`
}

// ExecuteRequest is the body of POST /api/v1/sessions/{id}/execute.
type ExecuteRequest struct {
	ExecID string `json:"exec_id"`
	Code   string `json:"code"`
	Stream bool   `json:"stream"`
}

// ExecuteStreamResponse is returned when Stream is true; the caller follows
// StreamURL for the SSE channel.
type ExecuteStreamResponse struct {
	ExecutionID string `json:"execution_id"`
	StreamURL   string `json:"stream_url"`
}

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	ActiveSessions int    `json:"active_sessions"`
}

// ErrorResponse is the uniform error body for all API errors.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// ArtifactKind classifies an execution artifact.
type ArtifactKind string

const (
	ArtifactImage     ArtifactKind = "image"
	ArtifactChart     ArtifactKind = "chart"
	ArtifactDataFrame ArtifactKind = "dataframe"
	ArtifactFile      ArtifactKind = "file"
	ArtifactText      ArtifactKind = "text"
	ArtifactSVG       ArtifactKind = "svg"
	ArtifactHTML      ArtifactKind = "html"
)

// ContentEncoding is the encoding of inline artifact content.
type ContentEncoding string

const (
	ContentUTF8   ContentEncoding = "utf8"
	ContentBase64 ContentEncoding = "base64"
)

// Artifact is a file or inline payload produced by an execution. After a
// Result is returned, every artifact with inline content also has a
// FileName on disk in the session cwd; DownloadURL is set whenever
// FileName is.
type Artifact struct {
	Name                string          `json:"name"`
	Kind                ArtifactKind    `json:"type"`
	MimeType            string          `json:"mime_type"`
	OriginalName        string          `json:"original_name"`
	FileName            string          `json:"file_name"`
	FileContent         string          `json:"file_content,omitempty"`
	FileContentEncoding ContentEncoding `json:"file_content_encoding,omitempty"`
	Preview             string          `json:"preview"`
	DownloadURL         string          `json:"download_url,omitempty"`
}

// LogEntry is a (level, tag, message) triple recorded by kernel-side code.
// It marshals as a three-element JSON array for wire compatibility.
type LogEntry struct {
	Level   string
	Tag     string
	Message string
}

func (l LogEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]string{l.Level, l.Tag, l.Message})
}

func (l *LogEntry) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) < 3 {
		return fmt.Errorf("log entry: expected 3 elements, got %d", len(arr))
	}
	l.Level, l.Tag, l.Message = arr[0], arr[1], arr[2]
	return nil
}

// Variable is a (name, rendered value) pair from the kernel namespace
// snapshot. It marshals as a two-element JSON array.
type Variable struct {
	Name  string
	Value string
}

func (v Variable) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{v.Name, v.Value})
}

func (v *Variable) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) < 2 {
		return fmt.Errorf("variable: expected 2 elements, got %d", len(arr))
	}
	v.Name, v.Value = arr[0], arr[1]
	return nil
}

// ExecutionResult is the complete outcome of one execute call. A failed
// user execution is still a Result (IsSuccess false), never an API error.
type ExecutionResult struct {
	ExecutionID string       `json:"execution_id"`
	Code        string       `json:"-"`
	IsSuccess   bool         `json:"is_success"`
	Error       string       `json:"error,omitempty"`
	Output      string       `json:"output"`
	Stdout      []string     `json:"stdout"`
	Stderr      []string     `json:"stderr"`
	Log         []LogEntry   `json:"log"`
	Artifacts   []Artifact   `json:"artifact"`
	Variables   []Variable   `json:"variables"`
}

// OutputEvent is the payload of an SSE "output" event.
type OutputEvent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Post is one message within a conversation round.
type Post struct {
	From    string `json:"send_from"`
	To      string `json:"send_to"`
	Message string `json:"message"`
}

// Round is one user-query/response exchange in the conversation memory
// consumed by the context compactor.
type Round struct {
	UserQuery string `json:"user_query"`
	Posts     []Post `json:"posts"`
}

// CompactedMessage summarizes rounds StartIndex..EndIndex (1-based,
// inclusive). Successive compactions only extend EndIndex.
type CompactedMessage struct {
	StartIndex int    `json:"start_index"`
	EndIndex   int    `json:"end_index"`
	Summary    string `json:"summary"`
}

// ToSystemMessage formats the compaction for inclusion in a prompt.
func (c *CompactedMessage) ToSystemMessage() string {
	return fmt.Sprintf(
		"[Conversation History Summary (Rounds %d-%d)]\n%s",
		c.StartIndex, c.EndIndex, c.Summary,
	)
}
