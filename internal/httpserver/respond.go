package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// ErrorResponse is the standard JSON error envelope. OffendingKeyIDs and
// Reason are populated by the ETSI key-delivery handlers; they are omitted
// for errors that don't concern specific keys.
type ErrorResponse struct {
	Error            string   `json:"error"`
	Message          string   `json:"detail,omitempty"`
	OffendingKeyIDs  []string `json:"offending_key_ids,omitempty"`
	Reason           string   `json:"reason,omitempty"`
}

// RespondError writes a JSON error response.
func RespondError(w http.ResponseWriter, status int, err string, message string) {
	Respond(w, status, ErrorResponse{
		Error:   err,
		Message: message,
	})
}

// RespondKeyError writes a JSON error response naming the specific key_IDs
// that caused a batch operation (enc_keys/dec_keys/sync) to fail.
func RespondKeyError(w http.ResponseWriter, status int, err, message, reason string, offendingKeyIDs []string) {
	Respond(w, status, ErrorResponse{
		Error:           err,
		Message:         message,
		Reason:          reason,
		OffendingKeyIDs: offendingKeyIDs,
	})
}
