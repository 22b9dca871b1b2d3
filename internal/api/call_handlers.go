package api

import (
	"net/http"
)

// commandResponse is returned by every call and door command: the state the
// coordinator settled in after the command, plus the current call if any.
func (s *Server) commandResponse(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{
		"state": s.coord.State(),
		"call":  s.coord.Current(),
	})
}

// handleAnswer accepts the ringing call.
func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Answer(r.Context()); err != nil {
		writeCommandError(w, err)
		return
	}
	s.commandResponse(w)
}

// handleReject declines the ringing call.
func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Reject(r.Context()); err != nil {
		writeCommandError(w, err)
		return
	}
	s.commandResponse(w)
}

// handleHangup ends the current call. Hanging up with no call in progress
// is a no-op, so automations can always fire it as a cleanup step.
func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Hangup(r.Context()); err != nil {
		writeCommandError(w, err)
		return
	}
	s.commandResponse(w)
}

// handleMute toggles outbound audio suppression on the active call.
func (s *Server) handleMute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Muted *bool `json:"muted"`
	}
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if req.Muted == nil {
		writeError(w, http.StatusBadRequest, "muted is required")
		return
	}
	if err := s.coord.SetMuted(r.Context(), *req.Muted); err != nil {
		writeCommandError(w, err)
		return
	}
	s.commandResponse(w)
}

// handleOpenDoor triggers the station's door relay.
func (s *Server) handleOpenDoor(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.OpenDoor(r.Context()); err != nil {
		writeCommandError(w, err)
		return
	}
	s.commandResponse(w)
}
