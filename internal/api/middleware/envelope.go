package middleware

import (
	"encoding/json"
	"net/http"
)

// errEnvelope mirrors the api package's response envelope so errors produced
// inside middleware look the same as errors produced by handlers.
type errEnvelope struct {
	Error string `json:"error"`
}

func writeErrJSON(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errEnvelope{Error: msg}) //nolint:errcheck
}
