package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/doorbridge/doorbridge/internal/bridge"
	"github.com/doorbridge/doorbridge/internal/media"
	"github.com/doorbridge/doorbridge/internal/sipua"
	"github.com/doorbridge/doorbridge/internal/video"
)

type fakeCalls struct{ st bridge.Stats }

func (f fakeCalls) Stats() bridge.Stats { return f.st }

type fakeMedia struct{ st media.BridgeStats }

func (f fakeMedia) MediaStats() media.BridgeStats { return f.st }

type fakeReg struct{ st sipua.RegistrationState }

func (f fakeReg) Registration() sipua.RegistrationState { return f.st }

type fakeRelay struct{ st video.Stats }

func (f fakeRelay) Stats() video.Stats { return f.st }

type fakePorts struct{ used, capacity int }

func (f fakePorts) AllocatedCount() int { return f.used }
func (f fakePorts) Capacity() int       { return f.capacity }

// gatherValues registers the collector on a fresh registry and returns
// every sample keyed by name plus label pairs.
func gatherValues(t *testing.T, col prometheus.Collector) map[string]float64 {
	t.Helper()

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(col); err != nil {
		t.Fatalf("Register: %v", err)
	}
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	vals := make(map[string]float64)
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			name := mf.GetName()
			for _, lp := range m.GetLabel() {
				name += "{" + lp.GetName() + "=" + lp.GetValue() + "}"
			}
			switch {
			case m.GetGauge() != nil:
				vals[name] = m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				vals[name] = m.GetCounter().GetValue()
			}
		}
	}
	return vals
}

func TestCollectorGathersAllSources(t *testing.T) {
	col := NewCollector(
		fakeCalls{st: bridge.Stats{
			State:             bridge.StateActive,
			CallsTotal:        7,
			CallsAnswered:     5,
			CallsRejectedBusy: 2,
			DoorOpenAttempts:  3,
			DoorOpenFailures:  1,
		}},
		fakeMedia{st: media.BridgeStats{
			PacketsIn:  100,
			PacketsOut: 90,
			Invalid:    4,
			Jitter:     media.JitterStats{Buffered: 3, Late: 6, Lost: 2},
		}},
		fakeReg{st: sipua.RegistrationState{
			Status:           sipua.StatusRegistered,
			RetryAttempt:     0,
			KeepaliveHealthy: true,
		}},
		fakeRelay{st: video.Stats{
			Running:          true,
			SegmentsFetched:  12,
			Reconnects:       1,
			BufferedSegments: 5,
		}},
		fakePorts{used: 1, capacity: 10},
		time.Now().Add(-time.Minute),
	)

	vals := gatherValues(t, col)

	want := map[string]float64{
		"doorbridge_registration_status{status=registered}": 1,
		"doorbridge_registration_retry_attempts":            0,
		"doorbridge_keepalive_healthy":                      1,
		"doorbridge_call_state{state=active}":               1,
		"doorbridge_calls_total":                            7,
		"doorbridge_calls_answered_total":                   5,
		"doorbridge_calls_rejected_busy_total":              2,
		"doorbridge_door_open_attempts_total":               3,
		"doorbridge_door_open_failures_total":               1,
		"doorbridge_rtp_ports_in_use":                       1,
		"doorbridge_rtp_ports_capacity":                     10,
		"doorbridge_rtp_packets_received_total":             100,
		"doorbridge_rtp_packets_sent_total":                 90,
		"doorbridge_rtp_packets_late_total":                 6,
		"doorbridge_rtp_packets_lost_total":                 2,
		"doorbridge_rtp_packets_invalid_total":              4,
		"doorbridge_rtp_jitter_depth_frames":                3,
		"doorbridge_stream_relay_running":                   1,
		"doorbridge_stream_segments_fetched_total":          12,
		"doorbridge_stream_reconnects_total":                1,
		"doorbridge_stream_buffered_segments":               5,
	}
	for name, wantVal := range want {
		got, ok := vals[name]
		if !ok {
			t.Errorf("metric %s not gathered", name)
			continue
		}
		if got != wantVal {
			t.Errorf("%s = %v, want %v", name, got, wantVal)
		}
	}

	if up, ok := vals["doorbridge_uptime_seconds"]; !ok || up < 59 {
		t.Errorf("uptime = %v, want at least a minute", up)
	}
}

func TestCollectorStatusLabels(t *testing.T) {
	col := NewCollector(
		fakeCalls{st: bridge.Stats{State: bridge.StateIdle}},
		nil,
		fakeReg{st: sipua.RegistrationState{Status: sipua.StatusLost, RetryAttempt: 5}},
		nil, nil,
		time.Now(),
	)

	vals := gatherValues(t, col)

	if got := vals["doorbridge_registration_status{status=lost}"]; got != 0 {
		t.Errorf("registration status value = %v, want 0 when lost", got)
	}
	if got := vals["doorbridge_registration_retry_attempts"]; got != 5 {
		t.Errorf("retry attempts = %v, want 5", got)
	}
	if got := vals["doorbridge_call_state{state=idle}"]; got != 0 {
		t.Errorf("call state value = %v, want 0 when idle", got)
	}
}

func TestCollectorNilSources(t *testing.T) {
	col := NewCollector(nil, nil, nil, nil, nil, time.Now())

	vals := gatherValues(t, col)

	if len(vals) != 1 {
		t.Errorf("gathered %d metrics with nil sources, want uptime only: %v", len(vals), vals)
	}
	if _, ok := vals["doorbridge_uptime_seconds"]; !ok {
		t.Error("uptime metric missing")
	}
}
