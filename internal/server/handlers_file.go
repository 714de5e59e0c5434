package server

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/runspace/runspace/pkg/types"
)

func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}

	var req types.UploadFileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Filename == "" {
		writeDetail(w, http.StatusBadRequest, "Filename is required")
		return
	}

	// Uploads land directly under the session cwd regardless of any
	// path components in the requested name.
	name := filepath.Base(filepath.Clean(strings.ReplaceAll(req.Filename, "\\", "/")))
	if name == "." || name == ".." || name == "/" {
		writeDetail(w, http.StatusBadRequest, fmt.Sprintf("Invalid filename %q", req.Filename))
		return
	}

	var data []byte
	switch req.Encoding {
	case types.EncodingBase64:
		decoded, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			writeDetail(w, http.StatusBadRequest, "Invalid base64 content")
			return
		}
		data = decoded
	case types.EncodingText, "":
		data = []byte(req.Content)
	default:
		writeDetail(w, http.StatusBadRequest, fmt.Sprintf("Unsupported encoding %q", req.Encoding))
		return
	}

	path := filepath.Join(sess.Cwd, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		writeDetail(w, http.StatusInternalServerError, fmt.Sprintf("Failed to write file: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, types.UploadFileResponse{
		Filename: name,
		Status:   "uploaded",
		Path:     path,
	})
}

func (s *Server) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}

	name := chi.URLParam(r, "*")
	path := filepath.Join(sess.Cwd, filepath.FromSlash(name))

	rel, err := filepath.Rel(sess.Cwd, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		writeDetail(w, http.StatusForbidden, "Access to paths outside the session directory is forbidden")
		return
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			writeDetail(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read file: %v", err))
			return
		}
		writeDetail(w, http.StatusNotFound, fmt.Sprintf("File %s not found", name))
		return
	}

	http.ServeFile(w, r, path)
}
