package bridge

import "time"

// EventType names a lifecycle event emitted to the external entity layer.
type EventType string

const (
	// EventRing fires when a valid incoming call starts ringing.
	EventRing EventType = "ring"
	// EventAnswered fires once the call is answered and media is set up.
	EventAnswered EventType = "answered"
	// EventActiveAudioStarted fires when the first audio packet from the
	// station arrives. Observational only.
	EventActiveAudioStarted EventType = "active_audio_started"
	// EventEnded fires after teardown completes and ports are released.
	EventEnded EventType = "ended"
	// EventDoorOpened reports the outcome of a door-open command.
	EventDoorOpened EventType = "door_opened"
	// EventKeyPressed reports a DTMF key from the station, whether it
	// arrived in-band or as a signaling message.
	EventKeyPressed EventType = "key_pressed"
	// EventStreamStarted and EventStreamStopped track the video relay.
	EventStreamStarted EventType = "stream_started"
	EventStreamStopped EventType = "stream_stopped"
	// EventRegistration reports SIP registration status changes.
	EventRegistration EventType = "registration"
)

// Event is one entry on the coordinator's outbound event channel.
// ID is unique per emission so consumers reached over more than one
// path (event feed plus webhook) can deduplicate deliveries.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	Time       time.Time `json:"time"`
	CallID     string    `json:"call_id,omitempty"`
	Caller     string    `json:"caller,omitempty"`
	CallerName string    `json:"caller_name,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Key        string    `json:"key,omitempty"`
	Status     string    `json:"status,omitempty"`
	Success    bool      `json:"success,omitempty"`
}
