package event

// SessionCreatedData is the data for session.created events.
type SessionCreatedData struct {
	SessionID string `json:"session_id"`
	Cwd       string `json:"cwd"`
}

// SessionStoppedData is the data for session.stopped events.
type SessionStoppedData struct {
	SessionID string `json:"session_id"`
}

// PluginLoadedData is the data for plugin.loaded events.
type PluginLoadedData struct {
	SessionID string `json:"session_id"`
	Plugin    string `json:"plugin"`
}

// ExecutionStartedData is the data for execution.started events.
type ExecutionStartedData struct {
	SessionID   string `json:"session_id"`
	ExecutionID string `json:"execution_id"`
}

// ExecutionCompletedData is the data for execution.completed events.
type ExecutionCompletedData struct {
	SessionID   string `json:"session_id"`
	ExecutionID string `json:"execution_id"`
	IsSuccess   bool   `json:"is_success"`
}
