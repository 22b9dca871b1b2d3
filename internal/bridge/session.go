package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/looplab/fsm"

	"github.com/doorbridge/doorbridge/internal/media"
)

// CallState is the coordinator's call lifecycle state. Idle is the
// absence of a session; a session is created in ringing and recycled
// once it reaches ended.
type CallState string

const (
	StateIdle     CallState = "idle"
	StateRinging  CallState = "ringing"
	StateAnswered CallState = "answered"
	StateActive   CallState = "active"
	StateEnded    CallState = "ended"
)

// End reasons carried on the ended event.
const (
	EndReasonLocalHangup  = "local_hangup"
	EndReasonRemoteHangup = "remote_hangup"
	EndReasonCancelled    = "cancelled"
	EndReasonRejected     = "rejected"
	EndReasonTimeout      = "timeout"
	EndReasonFailed       = "failed"
	EndReasonShutdown     = "shutdown"
)

// session is one call from INVITE to teardown. All fields are owned by
// the coordinator's run loop; watcher goroutines only post back into it.
type session struct {
	callID     string
	caller     string
	callerName string

	dialog   StationDialog
	unlocker DoorUnlocker
	offer    *media.MediaOffer

	fsm    *fsm.FSM
	bridge *media.Bridge
	codec  media.Codec

	// ctx cancels the session's watcher goroutines on teardown.
	ctx       context.Context
	cancel    context.CancelFunc
	ringTimer *time.Timer

	startedAt  time.Time
	answeredAt time.Time
	endedAt    time.Time
	endReason  string
	ended      bool

	doorRequested bool
	doorOpened    bool

	// streamOwner marks a video relay started for this call, as opposed
	// to one a viewer was already watching.
	streamOwner bool
}

func newSession(call IncomingCall, logger *slog.Logger) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		callID:     call.CallID,
		caller:     call.Caller,
		callerName: call.CallerName,
		dialog:     call.Dialog,
		unlocker:   call.Unlocker,
		offer:      call.Offer,
		fsm:        newCallFSM(logger, call.CallID),
		ctx:        ctx,
		cancel:     cancel,
		startedAt:  time.Now(),
	}
}

func (s *session) state() CallState {
	return CallState(s.fsm.Current())
}

// newCallFSM builds the per-call state machine. Transitions are fired
// only from the coordinator's run loop, so the machine never sees
// concurrent events.
func newCallFSM(logger *slog.Logger, callID string) *fsm.FSM {
	return fsm.NewFSM(
		string(StateRinging),
		fsm.Events{
			{Name: "answer", Src: []string{string(StateRinging)}, Dst: string(StateAnswered)},
			{Name: "audio", Src: []string{string(StateAnswered)}, Dst: string(StateActive)},
			{Name: "end", Src: []string{
				string(StateRinging),
				string(StateAnswered),
				string(StateActive),
			}, Dst: string(StateEnded)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logger.Info("call state changed",
					"call_id", callID,
					"from", e.Src,
					"to", e.Dst,
				)
			},
		},
	)
}

// CallInfo is a read-only snapshot of the current session for the HTTP
// surface and metrics. Zero-value times mean "not reached yet".
type CallInfo struct {
	CallID         string    `json:"call_id"`
	Caller         string    `json:"caller"`
	CallerName     string    `json:"caller_name,omitempty"`
	State          CallState `json:"state"`
	StartedAt      time.Time `json:"started_at"`
	AnsweredAt     time.Time `json:"answered_at,omitzero"`
	LocalMediaPort int       `json:"local_media_port,omitempty"`
	RemoteMedia    string    `json:"remote_media,omitempty"`
	DoorOpened     bool      `json:"door_opened"`
	Muted          bool      `json:"muted"`
}
