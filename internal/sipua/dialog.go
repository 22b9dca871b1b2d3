package sipua

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/doorbridge/doorbridge/internal/media"
)

// DialogState is the signaling state of a single call dialog.
type DialogState string

const (
	DialogRinging  DialogState = "ringing"
	DialogAnswered DialogState = "answered"
	DialogEnded    DialogState = "ended"
)

// End reasons reported through EndReason once a dialog terminates.
const (
	EndReasonLocalHangup  = "local_hangup"
	EndReasonRemoteHangup = "remote_hangup"
	EndReasonCancelled    = "cancelled"
	EndReasonRejected     = "rejected"
)

// byeTimeout bounds how long Hangup waits for the station to answer
// the BYE before tearing the dialog down anyway.
const byeTimeout = 5 * time.Second

// Dialog is a single inbound call from the door station, from INVITE
// to termination. The engine creates it in the ringing state; the
// coordinator drives it through Ring, Answer or Reject, and Hangup.
type Dialog struct {
	CallID     string
	Caller     string
	CallerName string
	Offer      *media.MediaOffer
	StartTime  time.Time

	engine *Engine
	req    *sip.Request
	tx     sip.ServerTransaction
	logger *slog.Logger

	localTag     string
	remoteTarget *sip.Uri

	mu         sync.Mutex
	state      DialogState
	confirmed  bool
	localSeq   uint32
	answeredAt *time.Time
	endedAt    *time.Time
	endReason  string
	endCh      chan struct{}
}

func newDialog(e *Engine, req *sip.Request, tx sip.ServerTransaction, callID, caller, callerName string, offer *media.MediaOffer) *Dialog {
	d := &Dialog{
		CallID:     callID,
		Caller:     caller,
		CallerName: callerName,
		Offer:      offer,
		StartTime:  time.Now(),
		engine:     e,
		req:        req,
		tx:         tx,
		logger:     e.logger.With("call_id", callID),
		localTag:   sip.GenerateTagN(16),
		state:      DialogRinging,
		endCh:      make(chan struct{}),
	}
	if contact := req.Contact(); contact != nil {
		d.remoteTarget = contact.Address.Clone()
	} else {
		d.remoteTarget = remoteTargetFromSource(req)
	}
	return d
}

// remoteTargetFromSource falls back to the network source of the INVITE
// when the station sent no Contact header.
func remoteTargetFromSource(req *sip.Request) *sip.Uri {
	host, portStr, err := net.SplitHostPort(req.Source())
	if err != nil {
		return nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil
	}
	uri := &sip.Uri{Host: host, Port: port}
	if from := req.From(); from != nil {
		uri.User = from.Address.User
	}
	return uri
}

// State returns the current signaling state.
func (d *Dialog) State() DialogState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Ended is closed when the dialog terminates, locally or remotely.
func (d *Dialog) Ended() <-chan struct{} {
	return d.endCh
}

// EndReason reports why the dialog ended. Empty until terminated.
func (d *Dialog) EndReason() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.endReason
}

// tagResponse stamps our dialog tag on the To header. Every response
// past 100 Trying must carry the same local tag.
func (d *Dialog) tagResponse(res *sip.Response) {
	to := res.To()
	if to == nil {
		return
	}
	if _, ok := to.Params.Get("tag"); ok {
		return
	}
	if to.Params == nil {
		to.Params = sip.NewParams()
	}
	to.Params.Add("tag", d.localTag)
}

// Ring sends 180 Ringing toward the station.
func (d *Dialog) Ring() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case DialogAnswered:
		return ErrDialogAnswered
	case DialogEnded:
		return ErrDialogEnded
	}

	res := sip.NewResponseFromRequest(d.req, 180, "Ringing", nil)
	d.tagResponse(res)
	if err := d.tx.Respond(res); err != nil {
		return fmt.Errorf("%w: sending 180 ringing: %v", ErrTransportUnavailable, err)
	}
	d.logger.Debug("ringing")
	return nil
}

// Answer sends 200 OK with the SDP answer and establishes the dialog.
func (d *Dialog) Answer(sdp []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case DialogAnswered:
		return ErrDialogAnswered
	case DialogEnded:
		return ErrDialogEnded
	}

	res := sip.NewResponseFromRequest(d.req, 200, "OK", sdp)
	d.tagResponse(res)
	if len(sdp) > 0 {
		res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	res.AppendHeader(sip.NewHeader("Contact", d.engine.contactValue()))
	if err := d.tx.Respond(res); err != nil {
		return fmt.Errorf("%w: sending 200 ok: %v", ErrTransportUnavailable, err)
	}

	d.state = DialogAnswered
	now := time.Now()
	d.answeredAt = &now
	d.logger.Info("call answered")
	return nil
}

// Reject refuses a ringing call with a final status, e.g. 486 Busy
// Here or 603 Decline. Calling it on an already ended dialog is a
// no-op.
func (d *Dialog) Reject(code int, reason string) error {
	d.mu.Lock()
	if d.state == DialogAnswered {
		d.mu.Unlock()
		return ErrDialogAnswered
	}
	if d.state == DialogEnded {
		d.mu.Unlock()
		return nil
	}

	res := sip.NewResponseFromRequest(d.req, code, reason, nil)
	d.tagResponse(res)
	err := d.tx.Respond(res)
	d.markEndedLocked(EndReasonRejected)
	d.mu.Unlock()
	d.finalize()

	if err != nil {
		return fmt.Errorf("%w: sending %d %s: %v", ErrTransportUnavailable, code, reason, err)
	}
	d.logger.Info("call rejected", "code", code, "reason", reason)
	return nil
}

// Hangup terminates the dialog. An answered call gets an in-dialog BYE
// with a bounded wait for the station's 200; a still-ringing call is
// declined instead. Safe to call on an already ended dialog.
func (d *Dialog) Hangup(ctx context.Context) error {
	d.mu.Lock()
	state := d.state
	d.mu.Unlock()

	switch state {
	case DialogEnded:
		return nil
	case DialogRinging:
		return d.Reject(603, "Decline")
	}

	bye, err := d.buildInDialogRequest(sip.BYE, "", nil)
	if err != nil {
		d.finish(EndReasonLocalHangup)
		return fmt.Errorf("building bye: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, byeTimeout)
	defer cancel()

	tx, err := d.engine.client.TransactionRequest(ctx, bye, sipgo.ClientRequestBuild)
	if err != nil {
		d.finish(EndReasonLocalHangup)
		return fmt.Errorf("%w: sending bye: %v", ErrTransportUnavailable, err)
	}

	res, err := waitResponse(ctx, tx)
	tx.Terminate()
	// The dialog is over locally whatever the station answered.
	d.finish(EndReasonLocalHangup)
	if err != nil {
		return fmt.Errorf("waiting for bye response: %w", err)
	}
	if res.StatusCode != 200 {
		d.logger.Warn("bye answered with non-200", "status", res.StatusCode)
	}
	return nil
}

// SendInfo sends an in-dialog INFO request and waits for the final
// response. Door stations acknowledge application commands this way.
func (d *Dialog) SendInfo(ctx context.Context, contentType string, body []byte) error {
	d.mu.Lock()
	state := d.state
	d.mu.Unlock()

	if state == DialogRinging {
		return ErrDialogNotAnswered
	}
	if state == DialogEnded {
		// Best effort: stations honor commands briefly after hangup.
		// The acceptance window is enforced by the coordinator.
		d.logger.Warn("sending info on ended dialog")
	}

	req, err := d.buildInDialogRequest(sip.INFO, contentType, body)
	if err != nil {
		return fmt.Errorf("building info: %w", err)
	}

	tx, err := d.engine.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("%w: sending info: %v", ErrTransportUnavailable, err)
	}

	res, err := waitResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return fmt.Errorf("waiting for info response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("info rejected with status %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

// buildInDialogRequest constructs a request inside the established
// dialog (RFC 3261 §12.2.1.1): Request-URI from the station's Contact,
// From/To swapped relative to the INVITE, and our own CSeq space.
func (d *Dialog) buildInDialogRequest(method sip.RequestMethod, contentType string, body []byte) (*sip.Request, error) {
	if d.remoteTarget == nil {
		return nil, fmt.Errorf("no remote target for %s", method)
	}

	d.mu.Lock()
	d.localSeq++
	seq := d.localSeq
	d.mu.Unlock()

	req := sip.NewRequest(method, *d.remoteTarget.Clone())
	req.SipVersion = d.req.SipVersion

	// Copy Route headers from the INVITE if present.
	if len(d.req.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", d.req, req)
	}

	// From: our identity (the To of the INVITE) with our tag.
	if to := d.req.To(); to != nil {
		fromHdr := &sip.FromHeader{
			DisplayName: to.DisplayName,
			Address:     *to.Address.Clone(),
			Params:      sip.NewParams(),
		}
		fromHdr.Params.Add("tag", d.localTag)
		req.AppendHeader(fromHdr)
	}

	// To: the station's identity (the From of the INVITE) with its tag.
	if from := d.req.From(); from != nil {
		toHdr := &sip.ToHeader{
			DisplayName: from.DisplayName,
			Address:     *from.Address.Clone(),
			Params:      sip.NewParams(),
		}
		if tag, ok := from.Params.Get("tag"); ok {
			toHdr.Params.Add("tag", tag)
		}
		req.AppendHeader(toHdr)
	}

	if cid := d.req.CallID(); cid != nil {
		req.AppendHeader(sip.HeaderClone(cid))
	}

	req.AppendHeader(&sip.CSeqHeader{
		SeqNo:      seq,
		MethodName: method,
	})

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	if len(body) > 0 {
		req.AppendHeader(sip.NewHeader("Content-Type", contentType))
		req.SetBody(body)
	}

	req.SetTransport(d.req.Transport())
	return req, nil
}

// confirm records the station's ACK of our 200 OK.
func (d *Dialog) confirm() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == DialogAnswered && !d.confirmed {
		d.confirmed = true
		d.logger.Debug("ack received")
	}
}

// remoteCancel handles a CANCEL from the station: the pending INVITE
// is answered with 487 Request Terminated and the dialog ends. A
// CANCEL that raced with our answer is ignored.
func (d *Dialog) remoteCancel() {
	d.mu.Lock()
	if d.state != DialogRinging {
		d.mu.Unlock()
		return
	}
	res := sip.NewResponseFromRequest(d.req, 487, "Request Terminated", nil)
	d.tagResponse(res)
	if err := d.tx.Respond(res); err != nil {
		d.logger.Error("failed to send 487 request terminated", "error", err)
	}
	d.markEndedLocked(EndReasonCancelled)
	d.mu.Unlock()
	d.finalize()
}

// remoteBye handles a BYE from the station.
func (d *Dialog) remoteBye() {
	d.finish(EndReasonRemoteHangup)
}

// finish transitions the dialog to ended exactly once.
func (d *Dialog) finish(reason string) bool {
	d.mu.Lock()
	ok := d.markEndedLocked(reason)
	d.mu.Unlock()
	if ok {
		d.finalize()
	}
	return ok
}

func (d *Dialog) markEndedLocked(reason string) bool {
	if d.state == DialogEnded {
		return false
	}
	d.state = DialogEnded
	d.endReason = reason
	now := time.Now()
	d.endedAt = &now
	return true
}

// finalize runs once after markEnded succeeded: removes the dialog
// from the engine and wakes everyone blocked on Ended.
func (d *Dialog) finalize() {
	d.engine.removeDialog(d.CallID)
	close(d.endCh)
	d.logger.Info("dialog ended",
		"reason", d.endReason,
		"duration_ms", d.endedAt.Sub(d.StartTime).Milliseconds(),
	)
}
