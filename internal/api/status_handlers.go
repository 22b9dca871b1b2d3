package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/doorbridge/doorbridge/internal/bridge"
	"github.com/doorbridge/doorbridge/internal/sipua"
)

// registrationStatus is the wire form of the signaling registration state.
type registrationStatus struct {
	Status           string  `json:"status"`
	LastError        string  `json:"last_error,omitempty"`
	RetryAttempt     int     `json:"retry_attempt,omitempty"`
	RegisteredAt     *string `json:"registered_at,omitempty"`
	ExpiresAt        *string `json:"expires_at,omitempty"`
	KeepaliveHealthy bool    `json:"keepalive_healthy"`
}

type streamStatus struct {
	Configured       bool   `json:"configured"`
	Running          bool   `json:"running"`
	Lost             bool   `json:"lost"`
	LastError        string `json:"last_error,omitempty"`
	BufferedSegments int    `json:"buffered_segments"`
	SegmentsFetched  uint64 `json:"segments_fetched"`
	Reconnects       uint64 `json:"reconnects"`
	TokenRequired    bool   `json:"token_required"`
}

type portsStatus struct {
	InUse    int `json:"in_use"`
	Capacity int `json:"capacity"`
}

type callCounters struct {
	Total            uint64 `json:"total"`
	Answered         uint64 `json:"answered"`
	RejectedBusy     uint64 `json:"rejected_busy"`
	DoorOpenAttempts uint64 `json:"door_open_attempts"`
	DoorOpenFailures uint64 `json:"door_open_failures"`
}

type statusResponse struct {
	State        bridge.CallState   `json:"state"`
	Call         *bridge.CallInfo   `json:"call,omitempty"`
	Registration registrationStatus `json:"registration"`
	Stream       streamStatus       `json:"stream"`
	Ports        portsStatus        `json:"ports"`
	Counters     callCounters       `json:"counters"`
	StartedAt    string             `json:"started_at"`
	UptimeSec    int64              `json:"uptime_sec"`
	UptimeText   string             `json:"uptime_text"`
}

// handleHealth returns liveness plus the two facts a watchdog cares about:
// whether signaling is registered and whether the stream relay is up.
// Unauthenticated and never rate limited.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reg := s.reg.Registration()
	status := "ok"
	if reg.Status != sipua.StatusRegistered {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"registration":   string(reg.Status),
		"call_state":     string(s.coord.State()),
		"stream_running": s.stream.Running(),
	})
}

// handleStatus returns the full snapshot of the device state.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	reg := s.reg.Registration()
	st := s.stream.Stats()
	stats := s.coord.Stats()
	uptime := time.Since(s.startTime)

	resp := statusResponse{
		State: stats.State,
		Call:  s.coord.Current(),
		Registration: registrationStatus{
			Status:           string(reg.Status),
			LastError:        reg.LastError,
			RetryAttempt:     reg.RetryAttempt,
			RegisteredAt:     rfc3339Ptr(reg.RegisteredAt),
			ExpiresAt:        rfc3339Ptr(reg.ExpiresAt),
			KeepaliveHealthy: reg.KeepaliveHealthy,
		},
		Stream: streamStatus{
			Configured:       s.stream.Configured(),
			Running:          st.Running,
			Lost:             st.Lost,
			LastError:        st.LastError,
			BufferedSegments: st.BufferedSegments,
			SegmentsFetched:  st.SegmentsFetched,
			Reconnects:       st.Reconnects,
			TokenRequired:    s.tokens.Enabled(),
		},
		Ports: portsStatus{
			InUse:    s.ports.AllocatedCount(),
			Capacity: s.ports.Capacity(),
		},
		Counters: callCounters{
			Total:            stats.CallsTotal,
			Answered:         stats.CallsAnswered,
			RejectedBusy:     stats.CallsRejectedBusy,
			DoorOpenAttempts: stats.DoorOpenAttempts,
			DoorOpenFailures: stats.DoorOpenFailures,
		},
		StartedAt:  s.startTime.UTC().Format(time.RFC3339),
		UptimeSec:  int64(uptime.Seconds()),
		UptimeText: formatUptime(uptime),
	}
	writeJSON(w, http.StatusOK, resp)
}

func rfc3339Ptr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

// formatUptime renders a duration as a short human-readable string,
// e.g. "3d 4h 12m" or "52m 10s".
func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	seconds := d - minutes*time.Minute

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds/time.Second)
	default:
		return fmt.Sprintf("%ds", seconds/time.Second)
	}
}
