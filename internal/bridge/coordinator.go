// Package bridge is the call coordinator: the single owner of call
// lifecycle state, mediating between the SIP signaling engine, the RTP
// media bridge, and the video gateway. Component events and external
// commands all funnel through one run loop, so exactly one state
// transition is in flight at a time and teardown is synchronous.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/doorbridge/doorbridge/internal/config"
	"github.com/doorbridge/doorbridge/internal/media"
	"github.com/doorbridge/doorbridge/internal/sipua"
)

const (
	// defaultRingTimeout bounds how long an unanswered call may ring
	// before the coordinator gives up; stations normally CANCEL first.
	defaultRingTimeout = 2 * time.Minute

	// defaultDoorGrace is how long after hangup the door-open command is
	// still accepted. Stations keep the signaling path usable briefly
	// after the call ends.
	defaultDoorGrace = 10 * time.Second

	// Key press shape for the in-band (RFC 2833) unlock mode.
	doorKeyDuration = 250 * time.Millisecond
	doorKeyGap      = 50 * time.Millisecond

	shutdownByeTimeout = 2 * time.Second
)

// StationDialog is the coordinator's view of one signaling dialog. It
// is the slice of sipua.Dialog the call state machine drives.
type StationDialog interface {
	Ring() error
	Answer(sdp []byte) error
	Reject(code int, reason string) error
	Hangup(ctx context.Context) error
	Ended() <-chan struct{}
	EndReason() string
}

// DoorUnlocker delivers the vendor's opaque unlock command over
// signaling, with application-level acknowledgment retry.
type DoorUnlocker interface {
	SendUnlock(ctx context.Context, code string) error
}

// StreamRelay is the video gateway surface the coordinator drives.
type StreamRelay interface {
	StartRelay(ctx context.Context) error
	StopRelay()
	Running() bool
}

// IncomingCall describes a new inbound call handed over by the
// signaling engine.
type IncomingCall struct {
	CallID     string
	Caller     string
	CallerName string
	Offer      *media.MediaOffer
	Dialog     StationDialog
	Unlocker   DoorUnlocker
}

// Stats is a counters snapshot for the metrics collector.
type Stats struct {
	State             CallState
	CallsTotal        uint64
	CallsAnswered     uint64
	CallsRejectedBusy uint64
	DoorOpenAttempts  uint64
	DoorOpenFailures  uint64
}

// Coordinator owns the call session. The device is single-line: at most
// one non-terminal session exists, and a second incoming call is
// rejected busy without ever surfacing.
type Coordinator struct {
	cfg    *config.Config
	pool   *media.PortPool
	relay  StreamRelay
	logger *slog.Logger

	ringTimeout time.Duration
	doorGrace   time.Duration

	requests  chan func()
	events    chan Event
	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool

	// current and last are touched only by the run loop.
	current *session
	last    *session

	// snap is the observability copy, readable without entering the loop.
	snapMu sync.Mutex
	snap   *CallInfo

	// liveBridge mirrors the active call's media bridge so scrapes read
	// RTP counters without entering the loop; mediaAgg accumulates the
	// totals of ended calls.
	liveBridge atomic.Pointer[media.Bridge]
	mediaMu    sync.Mutex
	mediaAgg   media.BridgeStats

	callsTotal    atomic.Uint64
	callsAnswered atomic.Uint64
	callsBusy     atomic.Uint64
	doorAttempts  atomic.Uint64
	doorFailures  atomic.Uint64
}

// New builds a coordinator. relay must not be nil; pass the gateway
// even when no stream URL is configured (it rejects StartRelay itself).
func New(cfg *config.Config, pool *media.PortPool, relay StreamRelay, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		cfg:         cfg,
		pool:        pool,
		relay:       relay,
		logger:      logger.With("component", "coordinator"),
		ringTimeout: defaultRingTimeout,
		doorGrace:   defaultDoorGrace,
		requests:    make(chan func(), 16),
		events:      make(chan Event, 32),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start launches the run loop.
func (c *Coordinator) Start() {
	c.startOnce.Do(func() {
		c.started.Store(true)
		go c.run()
	})
}

// Stop tears down any live call and stops the run loop. The events
// channel is closed once the loop has drained.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	if c.started.Load() {
		<-c.done
	}
}

// Events is the outbound lifecycle event channel. Slow consumers lose
// events rather than stalling call control.
func (c *Coordinator) Events() <-chan Event {
	return c.events
}

func (c *Coordinator) run() {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			if c.current != nil {
				ctx, cancel := context.WithTimeout(context.Background(), shutdownByeTimeout)
				c.teardown(ctx, c.current, EndReasonShutdown, true)
				cancel()
			}
			close(c.events)
			return
		case fn := <-c.requests:
			fn()
		}
	}
}

// post queues work for the run loop without waiting for it.
func (c *Coordinator) post(fn func()) {
	select {
	case c.requests <- fn:
	case <-c.stop:
	}
}

// do runs fn on the loop and waits for its result.
func (c *Coordinator) do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	select {
	case c.requests <- func() { res <- fn() }:
	case <-c.stop:
		return fmt.Errorf("%w: coordinator stopped", ErrInvalidState)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-res:
		return err
	case <-c.done:
		return fmt.Errorf("%w: coordinator stopped", ErrInvalidState)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) emit(ev Event) {
	ev.ID = uuid.NewString()
	ev.Time = time.Now()
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("event dropped, consumer too slow", "type", string(ev.Type))
	}
}

func (c *Coordinator) transition(s *session, event string) {
	if err := s.fsm.Event(context.Background(), event); err != nil {
		c.logger.Warn("state transition rejected",
			"call_id", s.callID,
			"event", event,
			"state", s.fsm.Current(),
			"error", err,
		)
	}
}

// HandleIncoming is wired to the signaling engine's incoming-call
// callback. Safe to call from any goroutine.
func (c *Coordinator) HandleIncoming(call IncomingCall) {
	c.post(func() { c.handleIncoming(call) })
}

func (c *Coordinator) handleIncoming(call IncomingCall) {
	c.callsTotal.Add(1)

	if c.current != nil {
		c.callsBusy.Add(1)
		c.logger.Info("busy, rejecting concurrent call",
			"call_id", call.CallID,
			"caller", call.Caller,
			"active_call_id", c.current.callID,
		)
		if err := call.Dialog.Reject(486, "Busy Here"); err != nil {
			c.logger.Warn("busy reject failed", "call_id", call.CallID, "error", err)
		}
		return
	}

	s := newSession(call, c.logger)
	c.current = s

	if err := call.Dialog.Ring(); err != nil {
		c.logger.Error("sending ringing failed", "call_id", s.callID, "error", err)
		c.teardown(context.Background(), s, EndReasonFailed, false)
		return
	}

	c.logger.Info("incoming call ringing",
		"call_id", s.callID,
		"caller", s.caller,
		"caller_name", s.callerName,
	)
	c.updateSnapshot()
	c.emit(Event{Type: EventRing, CallID: s.callID, Caller: s.caller, CallerName: s.callerName})

	go func() {
		select {
		case <-call.Dialog.Ended():
			c.post(func() { c.remoteEnded(s) })
		case <-s.ctx.Done():
		}
	}()
	s.ringTimer = time.AfterFunc(c.ringTimeout, func() {
		c.post(func() { c.ringTimedOut(s) })
	})
}

func (c *Coordinator) remoteEnded(s *session) {
	if s.ended {
		return
	}
	reason := s.dialog.EndReason()
	if reason == "" {
		reason = EndReasonRemoteHangup
	}
	c.teardown(context.Background(), s, reason, false)
}

func (c *Coordinator) ringTimedOut(s *session) {
	if s.ended || s.state() != StateRinging {
		return
	}
	c.logger.Info("call rang unanswered past the timeout", "call_id", s.callID)
	if err := s.dialog.Reject(480, "Temporarily Unavailable"); err != nil {
		c.logger.Warn("timeout reject failed", "call_id", s.callID, "error", err)
	}
	c.teardown(context.Background(), s, EndReasonTimeout, false)
}

// Answer accepts the ringing call: negotiates a codec, opens the media
// bridge, sends the SDP answer, and starts the video relay. A port-pool
// failure rejects the call instead of leaving it ringing.
func (c *Coordinator) Answer(ctx context.Context) error {
	return c.do(ctx, c.answerCurrent)
}

func (c *Coordinator) answerCurrent() error {
	s := c.current
	if s == nil {
		return fmt.Errorf("%w: no incoming call", ErrNoSuchCall)
	}
	switch s.state() {
	case StateAnswered, StateActive:
		return fmt.Errorf("%w: call %s", ErrAlreadyAnswered, s.callID)
	case StateEnded:
		return fmt.Errorf("%w: call %s already ended", ErrNoSuchCall, s.callID)
	}

	preferred := media.CodecPCMA
	if codec, ok := media.CodecByName(c.cfg.AudioCodec); ok {
		preferred = codec
	}
	negotiated, ok := media.SelectCodec(s.offer, preferred)
	if !ok {
		c.rejectAndEnd(s, 488, "Not Acceptable Here")
		return fmt.Errorf("%w: no common codec with the station", ErrInvalidState)
	}

	br, err := media.NewBridge(s.callID, c.pool, negotiated, c.logger)
	if err != nil {
		c.rejectAndEnd(s, 503, "Service Unavailable")
		return err
	}

	telEventPT := uint8(media.PayloadTelephoneEvent)
	if s.offer.TelephoneEventPT != 0 {
		telEventPT = s.offer.TelephoneEventPT
		br.SetTelephoneEventPT(telEventPT)
	}
	sdp, err := media.BuildAnswer(c.cfg.MediaIP(), br.LocalPort(), negotiated, telEventPT)
	if err != nil {
		br.Close()
		c.rejectAndEnd(s, 500, "Server Internal Error")
		return fmt.Errorf("building sdp answer: %w", err)
	}
	if err := s.dialog.Answer(sdp); err != nil {
		br.Close()
		c.teardown(context.Background(), s, EndReasonFailed, false)
		return err
	}

	remote, err := net.ResolveUDPAddr("udp", net.JoinHostPort(s.offer.Address, strconv.Itoa(s.offer.Port)))
	if err != nil {
		// The 200 is out; keep the call up and let the station's RTP
		// teach us its address via symmetric RTP.
		c.logger.Warn("resolving station media address failed",
			"call_id", s.callID,
			"address", s.offer.Address,
			"error", err,
		)
		remote = nil
	}

	s.bridge = br
	s.codec = negotiated
	s.answeredAt = time.Now()
	c.liveBridge.Store(br)
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
	br.Start(remote)
	c.transition(s, "answer")
	c.callsAnswered.Add(1)

	c.logger.Info("call answered",
		"call_id", s.callID,
		"codec", negotiated.Name,
		"local_rtp_port", br.LocalPort(),
		"remote_media", net.JoinHostPort(s.offer.Address, strconv.Itoa(s.offer.Port)),
	)
	c.updateSnapshot()
	c.emit(Event{Type: EventAnswered, CallID: s.callID, Caller: s.caller})
	c.startCallTasks(s)
	return nil
}

// rejectAndEnd refuses a ringing call and recycles the session.
func (c *Coordinator) rejectAndEnd(s *session, code int, reason string) {
	if err := s.dialog.Reject(code, reason); err != nil {
		c.logger.Warn("reject failed", "call_id", s.callID, "code", code, "error", err)
	}
	c.teardown(context.Background(), s, EndReasonFailed, false)
}

// startCallTasks launches the per-call watchers: first-media and key
// detection, announcement playout, and the video relay.
func (c *Coordinator) startCallTasks(s *session) {
	go func() {
		select {
		case <-s.bridge.FirstMedia():
			c.post(func() { c.audioStarted(s) })
		case <-s.ctx.Done():
		}
	}()

	go func() {
		for {
			select {
			case key, ok := <-s.bridge.Keys():
				if !ok {
					return
				}
				c.post(func() { c.keyPressed(s, key) })
			case <-s.ctx.Done():
				return
			}
		}
	}()

	if c.cfg.AnnounceFile != "" {
		go func() {
			player := media.NewPlayer(s.bridge, s.codec, c.logger)
			res, err := player.PlayFile(s.ctx, c.cfg.AnnounceFile)
			if err != nil {
				c.logger.Warn("announcement playout failed", "call_id", s.callID, "error", err)
				return
			}
			c.logger.Debug("announcement played",
				"call_id", s.callID,
				"frames", res.FramesSent,
				"duration", res.Duration,
			)
		}()
	}

	go func() {
		if c.relay.Running() {
			return
		}
		startCtx, cancel := context.WithTimeout(s.ctx, 15*time.Second)
		defer cancel()
		if err := c.relay.StartRelay(startCtx); err != nil {
			c.logger.Warn("starting video relay for call failed", "call_id", s.callID, "error", err)
			return
		}
		c.post(func() {
			if s.ended {
				return
			}
			s.streamOwner = true
			c.emit(Event{Type: EventStreamStarted, CallID: s.callID})
		})
	}()
}

func (c *Coordinator) audioStarted(s *session) {
	if s.ended || s.state() != StateAnswered {
		return
	}
	c.transition(s, "audio")
	c.updateSnapshot()
	c.emit(Event{Type: EventActiveAudioStarted, CallID: s.callID})
}

func (c *Coordinator) keyPressed(s *session, key string) {
	if s.ended {
		return
	}
	c.emit(Event{Type: EventKeyPressed, CallID: s.callID, Key: key})
}

// HandleKey is wired to the engine's SIP INFO DTMF callback.
func (c *Coordinator) HandleKey(callID, signal string) {
	c.post(func() {
		if c.current == nil || c.current.callID != callID {
			return
		}
		c.keyPressed(c.current, signal)
	})
}

// HandleRegistration is wired to the engine's registration status
// callback and relays status changes onto the event channel.
func (c *Coordinator) HandleRegistration(st sipua.RegistrationState) {
	c.post(func() {
		c.emit(Event{Type: EventRegistration, Status: string(st.Status), Reason: st.LastError})
	})
}

// Reject declines the ringing call.
func (c *Coordinator) Reject(ctx context.Context) error {
	return c.do(ctx, func() error {
		s := c.current
		if s == nil {
			return fmt.Errorf("%w: no incoming call", ErrNoSuchCall)
		}
		if s.state() != StateRinging {
			return fmt.Errorf("%w: call %s", ErrAlreadyAnswered, s.callID)
		}
		if err := s.dialog.Reject(486, "Busy Here"); err != nil {
			c.logger.Warn("reject failed", "call_id", s.callID, "error", err)
		}
		c.teardown(ctx, s, EndReasonRejected, false)
		return nil
	})
}

// Hangup terminates the current call. Idempotent: hanging up with no
// live call is a successful no-op.
func (c *Coordinator) Hangup(ctx context.Context) error {
	return c.do(ctx, func() error {
		s := c.current
		if s == nil || s.ended {
			return nil
		}
		if s.state() == StateRinging {
			if err := s.dialog.Reject(486, "Busy Here"); err != nil {
				c.logger.Warn("reject failed", "call_id", s.callID, "error", err)
			}
			c.teardown(ctx, s, EndReasonRejected, false)
			return nil
		}
		c.teardown(ctx, s, EndReasonLocalHangup, true)
		return nil
	})
}

// teardown drives a session to ended: stops watchers, sends BYE when we
// are the terminating side, closes the media bridge (releasing its
// ports), and stops a call-owned video relay — all before the ended
// event is emitted, so listeners never observe a half-dead session.
func (c *Coordinator) teardown(ctx context.Context, s *session, reason string, sendBye bool) {
	if s.ended {
		return
	}
	s.ended = true
	c.transition(s, "end")
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
	s.cancel()

	if sendBye {
		if err := s.dialog.Hangup(ctx); err != nil {
			c.logger.Warn("hangup failed", "call_id", s.callID, "error", err)
		}
	}
	if s.bridge != nil {
		s.bridge.Close()
		c.liveBridge.Store(nil)
		c.accumulateMedia(s.bridge.Stats())
	}
	if s.streamOwner {
		c.relay.StopRelay()
		s.streamOwner = false
		c.emit(Event{Type: EventStreamStopped, CallID: s.callID, Reason: "call_ended"})
	}

	s.endedAt = time.Now()
	s.endReason = reason
	if c.current == s {
		c.current = nil
	}
	c.last = s
	c.updateSnapshot()

	c.logger.Info("call ended",
		"call_id", s.callID,
		"reason", reason,
		"ports_allocated", c.pool.AllocatedCount(),
	)
	c.emit(Event{Type: EventEnded, CallID: s.callID, Reason: reason})
}

// OpenDoor sends the vendor unlock command. Allowed while the call is
// answered or active, and for a short grace window after it ends. The
// command itself runs outside the loop so a slow station cannot stall
// call control; only validation and the result report are serialized.
func (c *Coordinator) OpenDoor(ctx context.Context) error {
	var (
		callID   string
		unlocker DoorUnlocker
		keypad   *media.Bridge
	)
	err := c.do(ctx, func() error {
		s := c.doorTarget()
		if s == nil {
			return fmt.Errorf("%w: door-open is only allowed during or shortly after a call", ErrInvalidState)
		}
		s.doorRequested = true
		callID = s.callID
		if strings.EqualFold(c.cfg.DoorMode, "rtp") {
			keypad = s.bridge
		} else {
			unlocker = s.unlocker
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.doorAttempts.Add(1)
	sendErr := c.sendDoorCommand(ctx, unlocker, keypad)
	if sendErr != nil {
		c.doorFailures.Add(1)
		c.logger.Error("door-open command failed", "call_id", callID, "error", sendErr)
	} else {
		c.logger.Info("door opened", "call_id", callID)
	}

	c.post(func() {
		ev := Event{Type: EventDoorOpened, CallID: callID, Success: sendErr == nil}
		if sendErr != nil {
			ev.Reason = sendErr.Error()
		}
		if s := c.sessionByID(callID); s != nil && sendErr == nil {
			s.doorOpened = true
		}
		c.updateSnapshot()
		c.emit(ev)
	})
	return sendErr
}

// doorTarget picks the session the unlock command applies to.
func (c *Coordinator) doorTarget() *session {
	if s := c.current; s != nil {
		switch s.state() {
		case StateAnswered, StateActive:
			return s
		}
		return nil
	}
	// Only a call that was actually answered leaves a usable grace
	// window behind; a rejected ring does not.
	if s := c.last; s != nil && !s.answeredAt.IsZero() && time.Since(s.endedAt) <= c.doorGrace {
		return s
	}
	return nil
}

func (c *Coordinator) sessionByID(callID string) *session {
	if c.current != nil && c.current.callID == callID {
		return c.current
	}
	if c.last != nil && c.last.callID == callID {
		return c.last
	}
	return nil
}

func (c *Coordinator) sendDoorCommand(ctx context.Context, unlocker DoorUnlocker, keypad *media.Bridge) error {
	code := c.cfg.DoorCode
	if keypad != nil {
		for i, digit := range code {
			if i > 0 {
				select {
				case <-time.After(doorKeyGap):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if err := keypad.SendKey(string(digit), doorKeyDuration); err != nil {
				return fmt.Errorf("sending in-band unlock key %q: %w", string(digit), err)
			}
		}
		return nil
	}
	if unlocker == nil {
		return fmt.Errorf("%w: call has no unlock channel", ErrInvalidState)
	}
	return unlocker.SendUnlock(ctx, code)
}

// SetMuted mutes or unmutes the microphone side of the active call.
func (c *Coordinator) SetMuted(ctx context.Context, muted bool) error {
	return c.do(ctx, func() error {
		s := c.current
		if s == nil || s.bridge == nil {
			return fmt.Errorf("%w: no active call", ErrNoSuchCall)
		}
		s.bridge.SetMuted(muted)
		c.updateSnapshot()
		return nil
	})
}

// StartStream starts the video relay for a viewer, independent of any
// call. The relay is shared: starting an already-running relay is a
// no-op and does not re-emit the started event.
func (c *Coordinator) StartStream(ctx context.Context) error {
	wasRunning := c.relay.Running()
	if err := c.relay.StartRelay(ctx); err != nil {
		return err
	}
	if !wasRunning {
		c.post(func() { c.emit(Event{Type: EventStreamStarted}) })
	}
	return nil
}

// StopStream stops the video relay regardless of who started it.
func (c *Coordinator) StopStream(ctx context.Context) error {
	if !c.relay.Running() {
		return nil
	}
	c.relay.StopRelay()
	c.post(func() {
		if c.current != nil {
			c.current.streamOwner = false
		}
		c.emit(Event{Type: EventStreamStopped, Reason: "stopped"})
	})
	return nil
}

// HandleStreamLost is wired to the gateway's lost callback.
func (c *Coordinator) HandleStreamLost(err error) {
	c.post(func() {
		if c.current != nil {
			c.current.streamOwner = false
		}
		c.emit(Event{Type: EventStreamStopped, Reason: "lost"})
		c.logger.Warn("video stream lost", "error", err)
	})
}

func (c *Coordinator) updateSnapshot() {
	var info *CallInfo
	if s := c.current; s != nil {
		ci := CallInfo{
			CallID:     s.callID,
			Caller:     s.caller,
			CallerName: s.callerName,
			State:      s.state(),
			StartedAt:  s.startedAt,
			AnsweredAt: s.answeredAt,
			DoorOpened: s.doorOpened,
		}
		if s.bridge != nil {
			ci.LocalMediaPort = s.bridge.LocalPort()
			ci.Muted = s.bridge.Muted()
		}
		if s.offer != nil {
			ci.RemoteMedia = net.JoinHostPort(s.offer.Address, strconv.Itoa(s.offer.Port))
		}
		info = &ci
	}
	c.snapMu.Lock()
	c.snap = info
	c.snapMu.Unlock()
}

// Current returns a snapshot of the live session, or nil when idle.
// Never blocks on the run loop.
func (c *Coordinator) Current() *CallInfo {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	if c.snap == nil {
		return nil
	}
	info := *c.snap
	return &info
}

// State reports the coordinator state; idle when no session exists.
func (c *Coordinator) State() CallState {
	if info := c.Current(); info != nil {
		return info.State
	}
	return StateIdle
}

func (c *Coordinator) accumulateMedia(st media.BridgeStats) {
	c.mediaMu.Lock()
	c.mediaAgg.PacketsIn += st.PacketsIn
	c.mediaAgg.PacketsOut += st.PacketsOut
	c.mediaAgg.BytesIn += st.BytesIn
	c.mediaAgg.BytesOut += st.BytesOut
	c.mediaAgg.Invalid += st.Invalid
	c.mediaAgg.FramesDropped += st.FramesDropped
	c.mediaAgg.Jitter.Late += st.Jitter.Late
	c.mediaAgg.Jitter.Lost += st.Jitter.Lost
	c.mediaAgg.Jitter.Duplicates += st.Jitter.Duplicates
	c.mediaAgg.Jitter.Resets += st.Jitter.Resets
	c.mediaMu.Unlock()
}

// MediaStats returns process-lifetime RTP counters: the totals of ended
// calls plus the live bridge's numbers so far. Jitter.Buffered is the
// live buffer depth, zero when idle.
func (c *Coordinator) MediaStats() media.BridgeStats {
	c.mediaMu.Lock()
	agg := c.mediaAgg
	c.mediaMu.Unlock()
	agg.Jitter.Buffered = 0
	if br := c.liveBridge.Load(); br != nil {
		st := br.Stats()
		agg.PacketsIn += st.PacketsIn
		agg.PacketsOut += st.PacketsOut
		agg.BytesIn += st.BytesIn
		agg.BytesOut += st.BytesOut
		agg.Invalid += st.Invalid
		agg.FramesDropped += st.FramesDropped
		agg.Jitter.Late += st.Jitter.Late
		agg.Jitter.Lost += st.Jitter.Lost
		agg.Jitter.Duplicates += st.Jitter.Duplicates
		agg.Jitter.Resets += st.Jitter.Resets
		agg.Jitter.Buffered = st.Jitter.Buffered
	}
	return agg
}

// Stats returns the counters snapshot for metrics.
func (c *Coordinator) Stats() Stats {
	return Stats{
		State:             c.State(),
		CallsTotal:        c.callsTotal.Load(),
		CallsAnswered:     c.callsAnswered.Load(),
		CallsRejectedBusy: c.callsBusy.Load(),
		DoorOpenAttempts:  c.doorAttempts.Load(),
		DoorOpenFailures:  c.doorFailures.Load(),
	}
}
