package middleware

import (
	"encoding/json"
	"net/http"
)

// errorEnvelope matches the api package's envelope for error responses.
type errorEnvelope struct {
	Error string `json:"error"`
}

// writeError writes a JSON error in the API envelope format.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorEnvelope{Error: msg}) //nolint:errcheck
}
