package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/doorbridge/doorbridge/internal/bridge"
	"github.com/doorbridge/doorbridge/internal/media"
	"github.com/doorbridge/doorbridge/internal/sipua"
	"github.com/doorbridge/doorbridge/internal/video"
)

// CallSource exposes the coordinator's call counters.
type CallSource interface {
	Stats() bridge.Stats
}

// MediaSource exposes process-lifetime RTP counters.
type MediaSource interface {
	MediaStats() media.BridgeStats
}

// RegistrationSource exposes the signaling engine's registration state.
type RegistrationSource interface {
	Registration() sipua.RegistrationState
}

// RelaySource exposes the video gateway's relay counters.
type RelaySource interface {
	Stats() video.Stats
}

// PortSource exposes RTP port pool usage.
type PortSource interface {
	AllocatedCount() int
	Capacity() int
}

// Collector is a prometheus.Collector that gathers DoorBridge metrics at
// scrape time. Any source may be nil if unavailable.
type Collector struct {
	calls     CallSource
	rtp       MediaSource
	reg       RegistrationSource
	relay     RelaySource
	ports     PortSource
	startTime time.Time

	registrationStatusDesc  *prometheus.Desc
	registrationRetriesDesc *prometheus.Desc
	keepaliveHealthyDesc    *prometheus.Desc
	callStateDesc           *prometheus.Desc
	callsTotalDesc          *prometheus.Desc
	callsAnsweredDesc       *prometheus.Desc
	callsBusyDesc           *prometheus.Desc
	doorAttemptsDesc        *prometheus.Desc
	doorFailuresDesc        *prometheus.Desc
	portsInUseDesc          *prometheus.Desc
	portsCapacityDesc       *prometheus.Desc
	rtpReceivedDesc         *prometheus.Desc
	rtpSentDesc             *prometheus.Desc
	rtpLateDesc             *prometheus.Desc
	rtpLostDesc             *prometheus.Desc
	rtpInvalidDesc          *prometheus.Desc
	jitterDepthDesc         *prometheus.Desc
	relayRunningDesc        *prometheus.Desc
	segmentsFetchedDesc     *prometheus.Desc
	reconnectsDesc          *prometheus.Desc
	bufferedSegmentsDesc    *prometheus.Desc
	uptimeDesc              *prometheus.Desc
}

// NewCollector creates the metrics collector.
func NewCollector(
	calls CallSource,
	rtp MediaSource,
	reg RegistrationSource,
	relay RelaySource,
	ports PortSource,
	startTime time.Time,
) *Collector {
	return &Collector{
		calls:     calls,
		rtp:       rtp,
		reg:       reg,
		relay:     relay,
		ports:     ports,
		startTime: startTime,

		registrationStatusDesc: prometheus.NewDesc(
			"doorbridge_registration_status",
			"Registration with the intercom platform (1=registered, 0=other), labeled with the current status",
			[]string{"status"}, nil,
		),
		registrationRetriesDesc: prometheus.NewDesc(
			"doorbridge_registration_retry_attempts",
			"Consecutive failed registration attempts in the current backoff run",
			nil, nil,
		),
		keepaliveHealthyDesc: prometheus.NewDesc(
			"doorbridge_keepalive_healthy",
			"Whether the last OPTIONS keepalive was answered (1=yes)",
			nil, nil,
		),
		callStateDesc: prometheus.NewDesc(
			"doorbridge_call_state",
			"Call session liveness (1=call in progress), labeled with the current state",
			[]string{"state"}, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"doorbridge_calls_total",
			"Total incoming calls offered by the door station",
			nil, nil,
		),
		callsAnsweredDesc: prometheus.NewDesc(
			"doorbridge_calls_answered_total",
			"Total calls answered",
			nil, nil,
		),
		callsBusyDesc: prometheus.NewDesc(
			"doorbridge_calls_rejected_busy_total",
			"Total concurrent calls rejected busy",
			nil, nil,
		),
		doorAttemptsDesc: prometheus.NewDesc(
			"doorbridge_door_open_attempts_total",
			"Total door-open commands attempted",
			nil, nil,
		),
		doorFailuresDesc: prometheus.NewDesc(
			"doorbridge_door_open_failures_total",
			"Total door-open commands that failed",
			nil, nil,
		),
		portsInUseDesc: prometheus.NewDesc(
			"doorbridge_rtp_ports_in_use",
			"RTP port pairs currently checked out of the pool",
			nil, nil,
		),
		portsCapacityDesc: prometheus.NewDesc(
			"doorbridge_rtp_ports_capacity",
			"Total RTP port pairs in the pool",
			nil, nil,
		),
		rtpReceivedDesc: prometheus.NewDesc(
			"doorbridge_rtp_packets_received_total",
			"RTP packets received from the door station across all calls",
			nil, nil,
		),
		rtpSentDesc: prometheus.NewDesc(
			"doorbridge_rtp_packets_sent_total",
			"RTP packets sent to the door station across all calls",
			nil, nil,
		),
		rtpLateDesc: prometheus.NewDesc(
			"doorbridge_rtp_packets_late_total",
			"RTP packets dropped for arriving after their playout deadline",
			nil, nil,
		),
		rtpLostDesc: prometheus.NewDesc(
			"doorbridge_rtp_packets_lost_total",
			"RTP packets counted lost by the jitter buffer",
			nil, nil,
		),
		rtpInvalidDesc: prometheus.NewDesc(
			"doorbridge_rtp_packets_invalid_total",
			"Malformed or unexpected-payload RTP packets discarded",
			nil, nil,
		),
		jitterDepthDesc: prometheus.NewDesc(
			"doorbridge_rtp_jitter_depth_frames",
			"Frames currently held in the live call's jitter buffer",
			nil, nil,
		),
		relayRunningDesc: prometheus.NewDesc(
			"doorbridge_stream_relay_running",
			"Whether the video relay is currently running (1=yes)",
			nil, nil,
		),
		segmentsFetchedDesc: prometheus.NewDesc(
			"doorbridge_stream_segments_fetched_total",
			"Video segments fetched from the camera upstream",
			nil, nil,
		),
		reconnectsDesc: prometheus.NewDesc(
			"doorbridge_stream_reconnects_total",
			"Transparent reconnects to the camera upstream",
			nil, nil,
		),
		bufferedSegmentsDesc: prometheus.NewDesc(
			"doorbridge_stream_buffered_segments",
			"Video segments currently held in the look-ahead window",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"doorbridge_uptime_seconds",
			"Seconds since the DoorBridge process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.registrationStatusDesc
	ch <- c.registrationRetriesDesc
	ch <- c.keepaliveHealthyDesc
	ch <- c.callStateDesc
	ch <- c.callsTotalDesc
	ch <- c.callsAnsweredDesc
	ch <- c.callsBusyDesc
	ch <- c.doorAttemptsDesc
	ch <- c.doorFailuresDesc
	ch <- c.portsInUseDesc
	ch <- c.portsCapacityDesc
	ch <- c.rtpReceivedDesc
	ch <- c.rtpSentDesc
	ch <- c.rtpLateDesc
	ch <- c.rtpLostDesc
	ch <- c.rtpInvalidDesc
	ch <- c.jitterDepthDesc
	ch <- c.relayRunningDesc
	ch <- c.segmentsFetchedDesc
	ch <- c.reconnectsDesc
	ch <- c.bufferedSegmentsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all sources at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.reg != nil {
		st := c.reg.Registration()
		up := 0.0
		if st.Status == sipua.StatusRegistered {
			up = 1.0
		}
		ch <- prometheus.MustNewConstMetric(
			c.registrationStatusDesc, prometheus.GaugeValue, up,
			string(st.Status),
		)
		ch <- prometheus.MustNewConstMetric(
			c.registrationRetriesDesc, prometheus.GaugeValue,
			float64(st.RetryAttempt),
		)
		healthy := 0.0
		if st.KeepaliveHealthy {
			healthy = 1.0
		}
		ch <- prometheus.MustNewConstMetric(
			c.keepaliveHealthyDesc, prometheus.GaugeValue, healthy,
		)
	}

	if c.calls != nil {
		st := c.calls.Stats()
		live := 0.0
		switch st.State {
		case bridge.StateRinging, bridge.StateAnswered, bridge.StateActive:
			live = 1.0
		}
		ch <- prometheus.MustNewConstMetric(
			c.callStateDesc, prometheus.GaugeValue, live,
			string(st.State),
		)
		ch <- prometheus.MustNewConstMetric(
			c.callsTotalDesc, prometheus.CounterValue, float64(st.CallsTotal),
		)
		ch <- prometheus.MustNewConstMetric(
			c.callsAnsweredDesc, prometheus.CounterValue, float64(st.CallsAnswered),
		)
		ch <- prometheus.MustNewConstMetric(
			c.callsBusyDesc, prometheus.CounterValue, float64(st.CallsRejectedBusy),
		)
		ch <- prometheus.MustNewConstMetric(
			c.doorAttemptsDesc, prometheus.CounterValue, float64(st.DoorOpenAttempts),
		)
		ch <- prometheus.MustNewConstMetric(
			c.doorFailuresDesc, prometheus.CounterValue, float64(st.DoorOpenFailures),
		)
	}

	if c.ports != nil {
		ch <- prometheus.MustNewConstMetric(
			c.portsInUseDesc, prometheus.GaugeValue,
			float64(c.ports.AllocatedCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.portsCapacityDesc, prometheus.GaugeValue,
			float64(c.ports.Capacity()),
		)
	}

	if c.rtp != nil {
		st := c.rtp.MediaStats()
		ch <- prometheus.MustNewConstMetric(
			c.rtpReceivedDesc, prometheus.CounterValue, float64(st.PacketsIn),
		)
		ch <- prometheus.MustNewConstMetric(
			c.rtpSentDesc, prometheus.CounterValue, float64(st.PacketsOut),
		)
		ch <- prometheus.MustNewConstMetric(
			c.rtpLateDesc, prometheus.CounterValue, float64(st.Jitter.Late),
		)
		ch <- prometheus.MustNewConstMetric(
			c.rtpLostDesc, prometheus.CounterValue, float64(st.Jitter.Lost),
		)
		ch <- prometheus.MustNewConstMetric(
			c.rtpInvalidDesc, prometheus.CounterValue, float64(st.Invalid),
		)
		ch <- prometheus.MustNewConstMetric(
			c.jitterDepthDesc, prometheus.GaugeValue, float64(st.Jitter.Buffered),
		)
	}

	if c.relay != nil {
		st := c.relay.Stats()
		running := 0.0
		if st.Running {
			running = 1.0
		}
		ch <- prometheus.MustNewConstMetric(
			c.relayRunningDesc, prometheus.GaugeValue, running,
		)
		ch <- prometheus.MustNewConstMetric(
			c.segmentsFetchedDesc, prometheus.CounterValue, float64(st.SegmentsFetched),
		)
		ch <- prometheus.MustNewConstMetric(
			c.reconnectsDesc, prometheus.CounterValue, float64(st.Reconnects),
		)
		ch <- prometheus.MustNewConstMetric(
			c.bufferedSegmentsDesc, prometheus.GaugeValue, float64(st.BufferedSegments),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
