package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/doorbridge/doorbridge/internal/bridge"
	"github.com/doorbridge/doorbridge/internal/media"
	"github.com/doorbridge/doorbridge/internal/sipua"
	"github.com/doorbridge/doorbridge/internal/video"
)

// envelope is the standard API response wrapper.
// All JSON responses use this format: { "data": ..., "error": ... }
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

// writeJSON writes a JSON response with the given status code and data payload.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		slog.Error("failed to encode json response", "error", err)
	}
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: msg}); err != nil {
		slog.Error("failed to encode json error response", "error", err)
	}
}

// readJSON decodes a request body into dst with strict rules: unknown fields
// are rejected and the body must hold exactly one JSON object. It returns a
// client-safe message describing the problem, or "" when decoding succeeded.
func readJSON(r *http.Request, dst any) string {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError

		switch {
		case errors.Is(err, io.EOF):
			return "request body must not be empty"
		case errors.As(err, &syntaxErr), errors.Is(err, io.ErrUnexpectedEOF):
			return "malformed json"
		case errors.As(err, &typeErr):
			if typeErr.Field != "" {
				return "invalid value for field " + typeErr.Field
			}
			return "invalid value in request body"
		case strings.HasPrefix(err.Error(), "json: unknown field "):
			field := strings.TrimPrefix(err.Error(), "json: unknown field ")
			return "unknown field " + field
		default:
			return "invalid request body"
		}
	}

	if dec.More() {
		return "request body must contain a single json object"
	}
	return ""
}

// errorStatus maps component errors onto HTTP status codes. Unrecognized
// errors become 500.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, bridge.ErrNoSuchCall):
		return http.StatusNotFound
	case errors.Is(err, bridge.ErrAlreadyAnswered),
		errors.Is(err, bridge.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, media.ErrNoPortsAvailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, sipua.ErrTransportUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, sipua.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, video.ErrUpstreamUnavailable),
		errors.Is(err, video.ErrStreamLost):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeCommandError reports a failed coordinator or gateway command using the
// taxonomy mapping above.
func writeCommandError(w http.ResponseWriter, err error) {
	writeError(w, errorStatus(err), err.Error())
}
