package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// handleStartStream starts the video relay on behalf of a viewer, keeping it
// alive past any call teardown until stopped.
func (s *Server) handleStartStream(w http.ResponseWriter, r *http.Request) {
	if !s.stream.Configured() {
		writeError(w, http.StatusNotFound, "no stream url configured")
		return
	}
	if err := s.coord.StartStream(r.Context()); err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"running": s.stream.Running()})
}

// handleStopStream stops the video relay.
func (s *Server) handleStopStream(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.StopStream(r.Context()); err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"running": s.stream.Running()})
}

// handleStreamToken mints a signed playback token for the stream routes.
// When token enforcement is disabled the playlist is open, and the response
// says so instead of minting.
func (s *Server) handleStreamToken(w http.ResponseWriter, r *http.Request) {
	if !s.tokens.Enabled() {
		writeJSON(w, http.StatusOK, map[string]any{
			"required":     false,
			"playlist_url": "/stream/playlist.m3u8",
		})
		return
	}

	token, expiresAt, err := s.tokens.Mint()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "minting playback token failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"required":     true,
		"token":        token,
		"expires_at":   expiresAt.UTC().Format(time.RFC3339),
		"playlist_url": "/stream/playlist.m3u8?token=" + token,
	})
}

// handlePlaylist serves the relayed media playlist. The raw query is passed
// through so playback tokens reappear on every segment URI.
func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	data, err := s.stream.Playlist(r.URL.RawQuery)
	if err != nil {
		writeCommandError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data) //nolint:errcheck
}

// handleSegment serves one buffered segment by sequence number.
func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseInt(chi.URLParam(r, "seq"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid segment sequence")
		return
	}

	seg, ok := s.stream.Segment(seq)
	if !ok {
		writeError(w, http.StatusNotFound, "segment no longer buffered")
		return
	}

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(seg.Data) //nolint:errcheck
}
