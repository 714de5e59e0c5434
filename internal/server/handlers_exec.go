package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/runspace/runspace/internal/event"
	"github.com/runspace/runspace/internal/kernel"
	"github.com/runspace/runspace/internal/logging"
	"github.com/runspace/runspace/internal/registry"
	"github.com/runspace/runspace/pkg/types"
)

func (s *Server) handleLoadPlugin(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}

	var req types.LoadPluginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		writeDetail(w, http.StatusBadRequest, "Plugin name is required")
		return
	}

	if err := sess.LoadPlugin(req.Name, req.Code, req.Config); err != nil {
		var loadErr *kernel.PluginLoadError
		switch {
		case errors.As(err, &loadErr):
			writeDetail(w, http.StatusBadRequest, fmt.Sprintf("Failed to load plugin %s: %s", loadErr.Name, loadErr.Detail))
		case errors.Is(err, registry.ErrSessionGone):
			writeDetail(w, http.StatusNotFound, fmt.Sprintf("Session %s not found", sess.ID))
		default:
			writeDetail(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load plugin: %v", err))
		}
		return
	}

	s.bus.Publish(event.Event{
		Type: event.PluginLoaded,
		Data: event.PluginLoadedData{SessionID: sess.ID, Plugin: req.Name},
	})
	writeJSON(w, http.StatusOK, types.LoadPluginResponse{
		Name:   req.Name,
		Status: "loaded",
	})
}

func (s *Server) handleUpdateVariables(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}

	var req types.UpdateVariablesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := sess.UpdateVariables(req.Variables); err != nil {
		if errors.Is(err, registry.ErrSessionGone) {
			writeDetail(w, http.StatusNotFound, fmt.Sprintf("Session %s not found", sess.ID))
			return
		}
		writeDetail(w, http.StatusInternalServerError, fmt.Sprintf("Failed to update variables: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, types.UpdateVariablesResponse{
		Status:    "updated",
		Variables: sess.Variables(),
	})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}

	var req types.ExecuteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Code == "" {
		writeDetail(w, http.StatusBadRequest, "Code is required")
		return
	}
	if req.ExecID == "" {
		req.ExecID = "exec-" + strings.ToLower(ulid.Make().String())
	}

	s.bus.Publish(event.Event{
		Type: event.ExecutionStarted,
		Data: event.ExecutionStartedData{SessionID: sess.ID, ExecutionID: req.ExecID},
	})

	if req.Stream {
		s.startStreamedExecution(sess, req)
		writeJSON(w, http.StatusOK, types.ExecuteStreamResponse{
			ExecutionID: req.ExecID,
			StreamURL:   fmt.Sprintf("/api/v1/sessions/%s/execute/%s/stream", sess.ID, req.ExecID),
		})
		return
	}

	res, err := sess.Execute(req.ExecID, req.Code, nil)
	if err != nil {
		writeDetail(w, http.StatusNotFound, fmt.Sprintf("Session %s not found", sess.ID))
		return
	}
	s.publishCompleted(sess.ID, res)
	writeJSON(w, http.StatusOK, res)
}

// startStreamedExecution registers the event queue and runs the code on
// a worker. The queue always ends with a result followed by done, even
// when the session died mid-flight.
func (s *Server) startStreamedExecution(sess *registry.Session, req types.ExecuteRequest) {
	st := s.streams.open(sess.ID, req.ExecID)

	go func() {
		res, err := sess.Execute(req.ExecID, req.Code, func(stream, text string) {
			st.send("output", types.OutputEvent{Type: stream, Text: text})
		})
		if err != nil {
			logging.Warn().Err(err).Str("session", sess.ID).Str("execution", req.ExecID).Msg("streamed execution lost its session")
			res = &types.ExecutionResult{
				ExecutionID: req.ExecID,
				IsSuccess:   false,
				Error:       err.Error(),
				Stdout:      []string{},
				Stderr:      []string{},
				Log:         []types.LogEntry{},
				Artifacts:   []types.Artifact{},
				Variables:   []types.Variable{},
			}
		}
		st.sendFinal("result", res)
		st.sendFinal("done", struct{}{})
		st.finish()
		s.streams.retire(sess.ID, req.ExecID)
		s.publishCompleted(sess.ID, res)
	}()
}

func (s *Server) handleExecuteStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	execID := chi.URLParam(r, "execID")

	st := s.streams.get(sessionID, execID)
	if st == nil {
		writeDetail(w, http.StatusNotFound, fmt.Sprintf("Stream for execution %s not found", execID))
		return
	}
	serveStream(w, r, st)
}

func (s *Server) publishCompleted(sessionID string, res *types.ExecutionResult) {
	s.bus.Publish(event.Event{
		Type: event.ExecutionCompleted,
		Data: event.ExecutionCompletedData{
			SessionID:   sessionID,
			ExecutionID: res.ExecutionID,
			IsSuccess:   res.IsSuccess,
		},
	})
}
