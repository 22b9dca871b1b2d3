package media

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

const (
	// maxRTPPacket is the maximum UDP packet size we handle.
	// Standard Ethernet MTU minus IP/UDP headers gives ~1472 bytes,
	// but we allow larger for jumbo frames or aggregation.
	maxRTPPacket = 1500

	// minRTPHeader is the minimum RTP header size (12 bytes).
	minRTPHeader = 12

	// readTimeout is the read deadline for the receive loop's UDP socket.
	// This allows the goroutine to periodically check the stopped flag.
	readTimeout = 100 * time.Millisecond

	// dtmfVolume is the power level we advertise in outgoing
	// telephone-event payloads.
	dtmfVolume = 10

	// defaultKeyDuration is how long an outgoing DTMF key press lasts
	// when the caller does not specify a duration.
	defaultKeyDuration = 250 * time.Millisecond
)

// ErrBridgeClosed is returned by send operations after Close.
var ErrBridgeClosed = errors.New("rtp bridge closed")

// atomicAddr provides thread-safe storage for a UDP address.
// Used for symmetric RTP where the remote address is learned from the
// first incoming packet rather than relying solely on the SDP-signaled address.
type atomicAddr struct {
	v atomic.Pointer[net.UDPAddr]
}

func newAtomicAddr(addr *net.UDPAddr) *atomicAddr {
	a := &atomicAddr{}
	if addr != nil {
		a.v.Store(addr)
	}
	return a
}

func (a *atomicAddr) load() *net.UDPAddr {
	return a.v.Load()
}

// update atomically replaces the stored address and returns true if it
// changed. A nil addr is ignored; the far end can only be learned, not
// forgotten.
func (a *atomicAddr) update(addr *net.UDPAddr) bool {
	if addr == nil {
		return false
	}
	old := a.v.Load()
	if old != nil && old.IP.Equal(addr.IP) && old.Port == addr.Port {
		return false
	}
	a.v.Store(addr)
	return true
}

// BridgeStats is a snapshot of a bridge's packet counters.
type BridgeStats struct {
	PacketsIn  uint64
	PacketsOut uint64
	BytesIn    uint64
	BytesOut   uint64
	// Invalid counts malformed packets and unexpected payload types.
	Invalid uint64
	// FramesDropped counts playout frames discarded because the consumer
	// was not keeping up.
	FramesDropped uint64
	Jitter        JitterStats
}

// Bridge pumps RTP audio between the door station and the rest of the
// system for one call. Inbound packets pass through a jitter buffer and
// come out as ordered frames on Frames; DTMF key presses detected in-band
// come out on Keys. Outbound audio is packetized and sent by WriteFrame,
// paced by the caller.
//
// Symmetric RTP: the far-end address is taken from SDP initially and
// replaced by the source of the first valid packet, which handles stations
// behind NAT.
type Bridge struct {
	pair   *SocketPair
	pool   *PortPool
	codec  Codec
	logger *slog.Logger

	// dtmfPT is the negotiated telephone-event payload type. Must be set
	// via SetTelephoneEventPT before Start if it differs from 101.
	dtmfPT uint8

	remote *atomicAddr
	jitter *JitterBuffer

	// Outbound packetizer state, guarded by sendMu.
	sendMu  sync.Mutex
	ssrc    uint32
	seq     uint16
	ts      uint32
	sentAny bool

	muted   atomic.Bool
	stopped atomic.Bool
	wg      sync.WaitGroup

	frames     chan AudioFrame
	keys       chan string
	firstMedia chan struct{}
	firstOnce  sync.Once
	done       chan struct{}

	packetsIn     atomic.Uint64
	packetsOut    atomic.Uint64
	bytesIn       atomic.Uint64
	bytesOut      atomic.Uint64
	invalid       atomic.Uint64
	framesDropped atomic.Uint64
}

// NewBridge allocates a socket pair from the pool and prepares a bridge
// for the given call. The bridge does not read or send until Start.
// Returns ErrNoPortsAvailable (wrapped) when the pool is exhausted.
func NewBridge(callID string, pool *PortPool, codec Codec, logger *slog.Logger) (*Bridge, error) {
	pair, err := pool.Allocate()
	if err != nil {
		return nil, fmt.Errorf("allocating media ports: %w", err)
	}

	return &Bridge{
		pair:       pair,
		pool:       pool,
		codec:      codec,
		logger:     logger.With("subsystem", "rtp-bridge", "call_id", callID),
		dtmfPT:     PayloadTelephoneEvent,
		remote:     newAtomicAddr(nil),
		jitter:     NewJitterBuffer(defaultJitterDepth),
		ssrc:       rand.Uint32(),
		seq:        uint16(rand.UintN(65536)),
		ts:         rand.Uint32(),
		frames:     make(chan AudioFrame, 16),
		keys:       make(chan string, 8),
		firstMedia: make(chan struct{}),
		done:       make(chan struct{}),
	}, nil
}

// LocalPort returns the local RTP port, for use in the SDP answer.
func (b *Bridge) LocalPort() int {
	return b.pair.Ports.RTP
}

// RemoteAddr returns the current far-end RTP address. After symmetric RTP
// learning this may differ from the SDP-signaled address.
func (b *Bridge) RemoteAddr() *net.UDPAddr {
	return b.remote.load()
}

// SetTelephoneEventPT overrides the telephone-event payload type when the
// peer negotiated something other than 101. Must be called before Start.
func (b *Bridge) SetTelephoneEventPT(pt uint8) {
	b.dtmfPT = pt
}

// Frames delivers ordered inbound audio frames. Closed by Close.
func (b *Bridge) Frames() <-chan AudioFrame {
	return b.frames
}

// Keys delivers DTMF digits pressed at the door station, one per press.
// Closed by Close.
func (b *Bridge) Keys() <-chan string {
	return b.keys
}

// FirstMedia is closed when the first audio packet arrives from the far end.
func (b *Bridge) FirstMedia() <-chan struct{} {
	return b.firstMedia
}

// Done is closed when the bridge has fully shut down.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// SetMuted controls the outbound direction. While muted, WriteFrame sends
// silence frames in place of the given audio so the RTP stream (and its
// timing) continues uninterrupted.
func (b *Bridge) SetMuted(muted bool) {
	b.muted.Store(muted)
}

// Muted reports whether the outbound direction is muted.
func (b *Bridge) Muted() bool {
	return b.muted.Load()
}

// Start sets the initial far-end address from SDP and begins the receive
// and playout loops.
func (b *Bridge) Start(remote *net.UDPAddr) {
	b.remote.update(remote)

	b.wg.Add(2)
	go b.receiveLoop()
	go b.playoutLoop()

	b.logger.Info("rtp bridge started",
		"local_rtp_port", b.pair.Ports.RTP,
		"remote", remote.String(),
		"codec", b.codec.Name,
	)
}

// receiveLoop reads RTP from the door station, feeding audio into the
// jitter buffer and telephone-event payloads into the key detector.
func (b *Bridge) receiveLoop() {
	defer b.wg.Done()

	buf := make([]byte, maxRTPPacket)
	learned := false

	// Deduplication state for RFC 2833 key presses: senders retransmit the
	// End packet up to 3 times with the same event code and timestamp.
	var lastEvent uint8
	var lastTS uint32
	hadEvent := false

	for {
		if b.stopped.Load() {
			return
		}

		b.pair.RTPConn.SetReadDeadline(time.Now().Add(readTimeout))
		n, srcAddr, err := b.pair.RTPConn.ReadFromUDP(buf)
		if err != nil {
			if b.stopped.Load() {
				return
			}
			// Timeout is expected; loop to re-check the stopped flag.
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			b.logger.Debug("rtp read error", "error", err)
			continue
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			b.invalid.Add(1)
			continue
		}
		if pkt.Version != 2 {
			b.invalid.Add(1)
			continue
		}

		switch pkt.PayloadType {
		case b.codec.PayloadType:
			b.packetsIn.Add(1)
			b.bytesIn.Add(uint64(n))

			if !learned {
				if b.remote.update(srcAddr) {
					b.logger.Info("symmetric rtp: learned remote address",
						"address", srcAddr.String(),
					)
				}
				learned = true
			}

			b.firstOnce.Do(func() { close(b.firstMedia) })

			payload := make([]byte, len(pkt.Payload))
			copy(payload, pkt.Payload)
			b.jitter.Push(AudioFrame{
				Seq:       pkt.SequenceNumber,
				Timestamp: pkt.Timestamp,
				Payload:   payload,
			})

		case b.dtmfPT:
			b.packetsIn.Add(1)
			b.bytesIn.Add(uint64(n))

			if !learned {
				learned = b.remote.update(srcAddr) || learned
			}

			event := ParseDTMFEvent(pkt.Payload)
			if event == nil || !event.End {
				continue
			}
			// Only emit once per unique (event, timestamp).
			if hadEvent && event.Event == lastEvent && pkt.Timestamp == lastTS {
				continue
			}
			lastEvent = event.Event
			lastTS = pkt.Timestamp
			hadEvent = true

			digit := DTMFEventName(event.Event)
			b.logger.Debug("dtmf key detected",
				"digit", digit,
				"duration", event.Duration,
			)
			select {
			case b.keys <- digit:
			default:
				b.logger.Warn("key channel full, digit dropped", "digit", digit)
			}

		default:
			b.invalid.Add(1)
		}
	}
}

// playoutLoop releases one frame from the jitter buffer every 20ms,
// substituting codec silence for fill frames. Frames are dropped rather
// than blocking when the consumer is slow.
func (b *Bridge) playoutLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for range ticker.C {
		if b.stopped.Load() {
			return
		}

		f, ok := b.jitter.Pop()
		if !ok {
			continue
		}
		if f.Fill {
			f.Payload = b.codec.SilenceFrame()
		}

		select {
		case b.frames <- f:
		default:
			b.framesDropped.Add(1)
		}
	}
}

// WriteFrame packetizes one 20ms companded audio frame and sends it to the
// far end. The caller is responsible for pacing. While muted, the frame is
// replaced with silence so sequence numbers and timestamps keep advancing.
func (b *Bridge) WriteFrame(payload []byte) error {
	if b.stopped.Load() {
		return ErrBridgeClosed
	}
	remote := b.remote.load()
	if remote == nil {
		return fmt.Errorf("no remote rtp address")
	}

	if b.muted.Load() {
		payload = b.codec.SilenceFrame()
	}

	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	raw, err := b.marshalLocked(b.codec.PayloadType, !b.sentAny, b.ts, payload)
	if err != nil {
		return err
	}
	if _, err := b.pair.RTPConn.WriteToUDP(raw, remote); err != nil {
		return fmt.Errorf("sending rtp packet: %w", err)
	}
	b.sentAny = true
	b.ts += timestampIncrement

	b.packetsOut.Add(1)
	b.bytesOut.Add(uint64(len(raw)))
	return nil
}

// SendKey transmits a DTMF key press as an RFC 2833 telephone-event burst:
// interim packets at 20ms intervals with growing duration, then the End
// packet retransmitted three times. Blocks for roughly the key duration.
func (b *Bridge) SendKey(digit string, duration time.Duration) error {
	if b.stopped.Load() {
		return ErrBridgeClosed
	}
	remote := b.remote.load()
	if remote == nil {
		return fmt.Errorf("no remote rtp address")
	}

	code, ok := DTMFEventCode(digit)
	if !ok {
		return fmt.Errorf("invalid dtmf digit %q", digit)
	}
	if duration <= 0 {
		duration = defaultKeyDuration
	}
	// 8 timestamp ticks per millisecond at 8kHz.
	durTicks := uint16(duration.Milliseconds() * 8)

	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	eventTS := b.ts

	send := func(ev DTMFEvent, marker bool) error {
		raw, err := b.marshalLocked(b.dtmfPT, marker, eventTS, ev.Marshal())
		if err != nil {
			return err
		}
		if _, err := b.pair.RTPConn.WriteToUDP(raw, remote); err != nil {
			return fmt.Errorf("sending dtmf packet: %w", err)
		}
		b.packetsOut.Add(1)
		b.bytesOut.Add(uint64(len(raw)))
		return nil
	}

	// Interim packets while the key is held.
	first := true
	for d := uint16(timestampIncrement); d < durTicks; d += timestampIncrement {
		ev := DTMFEvent{Event: code, Volume: dtmfVolume, Duration: d}
		if err := send(ev, first); err != nil {
			return err
		}
		first = false
		time.Sleep(frameDuration)
	}

	// End packet, retransmitted per RFC 2833.
	end := DTMFEvent{Event: code, End: true, Volume: dtmfVolume, Duration: durTicks}
	for i := 0; i < 3; i++ {
		if err := send(end, first); err != nil {
			return err
		}
		first = false
	}

	// The timestamp of following audio advances past the event.
	b.ts += uint32(durTicks)

	b.logger.Info("dtmf key sent", "digit", digit, "duration", duration)
	return nil
}

// marshalLocked builds a serialized RTP packet and advances the sequence
// number. Caller holds sendMu.
func (b *Bridge) marshalLocked(pt uint8, marker bool, ts uint32, payload []byte) ([]byte, error) {
	p := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    pt,
			SequenceNumber: b.seq,
			Timestamp:      ts,
			SSRC:           b.ssrc,
		},
		Payload: payload,
	}
	raw, err := p.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshaling rtp packet: %w", err)
	}
	b.seq++
	return raw, nil
}

// Stats returns a snapshot of the bridge's counters.
func (b *Bridge) Stats() BridgeStats {
	return BridgeStats{
		PacketsIn:     b.packetsIn.Load(),
		PacketsOut:    b.packetsOut.Load(),
		BytesIn:       b.bytesIn.Load(),
		BytesOut:      b.bytesOut.Load(),
		Invalid:       b.invalid.Load(),
		FramesDropped: b.framesDropped.Load(),
		Jitter:        b.jitter.Stats(),
	}
}

// Close stops both loops, waits for them to exit, and returns the socket
// pair to the pool. Safe to call more than once. When Close returns, the
// ports are released and the Frames and Keys channels are closed.
func (b *Bridge) Close() {
	if !b.stopped.CompareAndSwap(false, true) {
		return
	}

	b.wg.Wait()
	b.pool.Release(b.pair)

	close(b.frames)
	close(b.keys)
	close(b.done)

	stats := b.Stats()
	b.logger.Info("rtp bridge stopped",
		"packets_in", stats.PacketsIn,
		"packets_out", stats.PacketsOut,
		"late_drops", stats.Jitter.Late,
		"lost", stats.Jitter.Lost,
	)
}
