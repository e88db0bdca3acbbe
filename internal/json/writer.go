package json

import (
	"encoding/json"
	"net/http"

	"github.com/dgellow/salla-proxy/internal/log"
)

// ErrorResponse represents a standard JSON error response
type ErrorResponse struct {
	Error   string   `json:"error"`
	Message string   `json:"message,omitempty"`
	Missing []string `json:"missing,omitempty"`
	DebugID string   `json:"debug_id,omitempty"`
}

// WriteResponse writes a JSON response with the given status code
func WriteResponse(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.LogError("Failed to encode JSON response: %v", err)
		return err
	}
	return nil
}

// WriteRaw writes an already encoded JSON body, typically mirrored from the
// upstream.
func WriteRaw(w http.ResponseWriter, statusCode int, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	_, _ = w.Write(body)
}

// Write writes a JSON response with 200 OK status
func Write(w http.ResponseWriter, data any) error {
	return WriteResponse(w, http.StatusOK, data)
}

// WriteError writes a JSON error response
func WriteError(w http.ResponseWriter, statusCode int, resp ErrorResponse) {
	if err := WriteResponse(w, statusCode, resp); err != nil {
		http.Error(w, resp.Error+": "+resp.Message, statusCode)
	}
}

// WriteMissingConfig reports required settings that are not configured
func WriteMissingConfig(w http.ResponseWriter, missing []string, debugID string) {
	WriteError(w, http.StatusInternalServerError, ErrorResponse{
		Error:   "Missing required configuration",
		Missing: missing,
		DebugID: debugID,
	})
}

// WriteNotConnected reports a request without a usable session cookie
func WriteNotConnected(w http.ResponseWriter, debugID string) {
	WriteError(w, http.StatusUnauthorized, ErrorResponse{
		Error:   "Not connected. Connect first.",
		DebugID: debugID,
	})
}

func WriteInternalServerError(w http.ResponseWriter, message, debugID string) {
	WriteError(w, http.StatusInternalServerError, ErrorResponse{Error: message, DebugID: debugID})
}

func WriteBadRequest(w http.ResponseWriter, message, debugID string) {
	WriteError(w, http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: message, DebugID: debugID})
}

func WriteMethodNotAllowed(w http.ResponseWriter, debugID string) {
	WriteError(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method_not_allowed", DebugID: debugID})
}
