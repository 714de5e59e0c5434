package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/runspace/runspace/internal/logging"
	"github.com/runspace/runspace/pkg/types"
)

// writeJSON writes body as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Error().Err(err).Msg("failed to encode response")
	}
}

// writeDetail writes the uniform error body {"detail": "..."}.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, types.ErrorResponse{Detail: detail})
}

// decodeJSON parses the request body into v. A zero-length body is
// treated as an empty object so optional request bodies stay optional.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}
