package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/runspace/runspace/internal/registry"
	"github.com/runspace/runspace/pkg/types"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.HealthResponse{
		Status:         "healthy",
		Version:        s.version,
		ActiveSessions: s.registry.Count(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.registry.List()
	infos := make([]types.SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.Info())
	}
	writeJSON(w, http.StatusOK, types.SessionListResponse{
		Sessions:   infos,
		TotalCount: len(infos),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req types.CreateSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	sess, err := s.registry.Create(req.SessionID, req.Cwd)
	if err != nil {
		if errors.Is(err, registry.ErrSessionExists) {
			writeDetail(w, http.StatusConflict, fmt.Sprintf("Session %s already exists", req.SessionID))
			return
		}
		writeDetail(w, http.StatusInternalServerError, fmt.Sprintf("Failed to create session: %v", err))
		return
	}

	writeJSON(w, http.StatusCreated, types.CreateSessionResponse{
		SessionID: sess.ID,
		Status:    "created",
		Cwd:       sess.Cwd,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := s.registry.Stop(id); err != nil {
		writeDetail(w, http.StatusNotFound, fmt.Sprintf("Session %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, types.StopSessionResponse{
		SessionID: id,
		Status:    "stopped",
	})
}

// lookupSession resolves the session from the URL, writing a 404 and
// returning ok=false when it does not exist.
func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) (*registry.Session, bool) {
	id := chi.URLParam(r, "sessionID")
	sess, err := s.registry.Get(id)
	if err != nil {
		writeDetail(w, http.StatusNotFound, fmt.Sprintf("Session %s not found", id))
		return nil, false
	}
	return sess, true
}
