package sipua

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/doorbridge/doorbridge/internal/config"
	"github.com/doorbridge/doorbridge/internal/media"
)

// Engine is the SIP endpoint of the bridge. It registers a single
// account with the intercom platform, accepts calls from the door
// station as a UAS, and sends in-dialog requests (BYE, INFO) as a UAC.
type Engine struct {
	cfg    *config.Config
	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client
	reg    *Registrar

	mu      sync.Mutex
	dialogs map[string]*Dialog

	onIncoming func(*Dialog)
	onKeypad   func(callID, signal string)

	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewEngine creates the SIP stack but does not bind any sockets yet.
func NewEngine(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	l := logger.With("component", "sipua")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("DoorBridge"),
		sipgo.WithUserAgentHostname(cfg.MediaIP()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(l))
	if err != nil {
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(l))
	if err != nil {
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	e := &Engine{
		cfg:     cfg,
		ua:      ua,
		srv:     srv,
		client:  client,
		reg:     newRegistrar(cfg, client, l),
		dialogs: make(map[string]*Dialog),
		logger:  l,
	}
	e.registerHandlers()
	return e, nil
}

func (e *Engine) registerHandlers() {
	e.srv.OnInvite(e.handleInvite)
	e.srv.OnAck(e.handleAck)
	e.srv.OnCancel(e.handleCancel)
	e.srv.OnBye(e.handleBye)
	e.srv.OnOptions(e.handleOptions)
	e.srv.OnInfo(e.handleInfo)
	e.srv.OnNotify(e.handleNotify)
}

// OnIncomingCall sets the handler invoked for each new INVITE. The
// handler receives the ringing dialog and must not block; call control
// continues through the Dialog methods. Set before Start.
func (e *Engine) OnIncomingCall(fn func(*Dialog)) {
	e.onIncoming = fn
}

// OnInfoDTMF sets the handler for keypad digits delivered out of band
// as SIP INFO. Set before Start.
func (e *Engine) OnInfoDTMF(fn func(callID, signal string)) {
	e.onKeypad = fn
}

// OnRegistrationChange sets the handler invoked on registration status
// transitions. Set before Start.
func (e *Engine) OnRegistrationChange(fn func(RegistrationState)) {
	e.reg.onChange = fn
}

// Registration returns a snapshot of the current registration state.
func (e *Engine) Registration() RegistrationState {
	return e.reg.State()
}

// ActiveDialogs returns the number of dialogs not yet terminated.
func (e *Engine) ActiveDialogs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.dialogs)
}

// Start binds the UDP listener and starts the registration and
// keepalive loops.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	addr := fmt.Sprintf("0.0.0.0:%d", e.cfg.SIPLocalPort)
	e.logger.Info("starting sip engine", "addr", addr, "server", e.cfg.SIPServerAddr())

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.srv.ListenAndServe(ctx, "udp", addr); err != nil && ctx.Err() == nil {
			e.logger.Error("sip listener stopped", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.reg.Run(ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.reg.keepaliveLoop(ctx)
	}()

	return nil
}

// Stop shuts the engine down: terminates remaining dialogs locally,
// un-registers from the platform and closes all sockets.
func (e *Engine) Stop() {
	e.logger.Info("stopping sip engine")
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	e.mu.Lock()
	remaining := make([]*Dialog, 0, len(e.dialogs))
	for _, d := range e.dialogs {
		remaining = append(remaining, d)
	}
	e.mu.Unlock()
	for _, d := range remaining {
		d.finish(EndReasonLocalHangup)
	}

	if e.reg.State().Status == StatusRegistered {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.reg.Unregister(ctx); err != nil {
			e.logger.Warn("failed to un-register", "error", err)
		}
		cancel()
	}

	e.srv.Close()
	e.client.Close()
	e.ua.Close()
	e.logger.Info("sip engine stopped")
}

// handleInvite accepts a new call from the door station. The dialog is
// handed to the incoming-call handler in the ringing state; responses
// beyond 100 Trying are driven by the coordinator.
func (e *Engine) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	caller, callerName := "", ""
	if from := req.From(); from != nil {
		caller = from.Address.User
		callerName = from.DisplayName
	}

	e.logger.Info("invite received",
		"call_id", callID,
		"from", caller,
		"source", req.Source())

	// Send 100 Trying immediately (RFC 3261 Section 8.2.6.1)
	trying := sip.NewResponseFromRequest(req, 100, "Trying", nil)
	if err := tx.Respond(trying); err != nil {
		e.logger.Error("failed to send 100 trying", "call_id", callID, "error", err)
		return
	}

	if e.onIncoming == nil {
		e.logger.Warn("invite received but no call handler registered", "call_id", callID)
		e.respondError(req, tx, 480, "Temporarily Unavailable")
		return
	}

	offer, err := media.ParseOffer(req.Body())
	if err != nil {
		e.logger.Warn("invite with unusable sdp", "call_id", callID, "error", err)
		e.respondError(req, tx, 488, "Not Acceptable Here")
		return
	}

	e.mu.Lock()
	if _, exists := e.dialogs[callID]; exists {
		e.mu.Unlock()
		e.logger.Warn("re-invite not supported", "call_id", callID)
		e.respondError(req, tx, 488, "Not Acceptable Here")
		return
	}
	d := newDialog(e, req, tx, callID, caller, callerName, offer)
	e.dialogs[callID] = d
	e.mu.Unlock()

	e.onIncoming(d)
}

func (e *Engine) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	if d := e.dialog(callID); d != nil {
		d.confirm()
	}
}

// handleCancel answers the CANCEL and terminates the matching ringing
// dialog with 487 Request Terminated.
func (e *Engine) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	e.logger.Info("cancel received", "call_id", callID)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		e.logger.Error("failed to respond to cancel", "call_id", callID, "error", err)
	}

	d := e.dialog(callID)
	if d == nil {
		e.logger.Debug("cancel for unknown call", "call_id", callID)
		return
	}
	d.remoteCancel()
}

// handleBye answers the BYE and marks the dialog terminated by the
// remote side.
func (e *Engine) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	e.logger.Info("bye received", "call_id", callID)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		e.logger.Error("failed to respond to bye", "call_id", callID, "error", err)
	}

	d := e.dialog(callID)
	if d == nil {
		e.logger.Debug("bye for unknown call", "call_id", callID)
		return
	}
	d.remoteBye()
}

// handleOptions responds to OPTIONS pings from the platform.
func (e *Engine) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO"))
	if err := tx.Respond(res); err != nil {
		e.logger.Error("failed to respond to options", "error", err)
	}
}

// handleInfo processes SIP INFO, primarily DTMF relay from stations
// that signal keypad presses out of band.
func (e *Engine) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	contentType := req.ContentType()
	if contentType == nil {
		e.respondOK(req, tx)
		return
	}

	dtmfInfo, err := media.ParseSIPInfoDTMF(contentType.Value(), req.Body())
	if err != nil {
		e.logger.Debug("sip info with non-dtmf content",
			"call_id", callID,
			"content_type", contentType.Value())
		e.respondOK(req, tx)
		return
	}

	e.logger.Info("sip info dtmf received",
		"call_id", callID,
		"signal", dtmfInfo.Signal,
		"duration", dtmfInfo.Duration)

	if e.onKeypad != nil {
		e.onKeypad(callID, dtmfInfo.Signal)
	}
	e.respondOK(req, tx)
}

func (e *Engine) handleNotify(req *sip.Request, tx sip.ServerTransaction) {
	event := ""
	if h := req.GetHeader("Event"); h != nil {
		event = h.Value()
	}
	e.logger.Debug("notify received", "event", event)
	e.respondOK(req, tx)
}

func (e *Engine) respondOK(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		e.logger.Error("failed to send response", "error", err)
	}
}

func (e *Engine) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		e.logger.Error("failed to send error response",
			"code", code,
			"error", err)
	}
}

func (e *Engine) dialog(callID string) *Dialog {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dialogs[callID]
}

func (e *Engine) removeDialog(callID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.dialogs, callID)
}

// contactValue is the Contact header advertised in dialog-forming
// responses so the station can route in-dialog requests back to us.
func (e *Engine) contactValue() string {
	return fmt.Sprintf("<sip:%s@%s:%d>", e.cfg.SIPUsername, e.cfg.MediaIP(), e.cfg.SIPLocalPort)
}

// waitResponse blocks until the transaction produces a final response.
// Provisional responses are absorbed.
func waitResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: no response before deadline", ErrTimeout)
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, fmt.Errorf("%w: transaction terminated: %v", ErrTimeout, err)
			}
			return nil, fmt.Errorf("%w: transaction terminated without final response", ErrTimeout)
		case res := <-tx.Responses():
			if res.StatusCode < 200 {
				continue
			}
			return res, nil
		}
	}
}
