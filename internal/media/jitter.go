package media

import (
	"sync"
)

// AudioFrame is one depacketized audio frame moving through the bridge.
// Payload holds companded G.711 samples. Fill frames synthesized for lost
// packets have Fill set and a nil Payload until the playout path replaces
// it with codec silence.
type AudioFrame struct {
	Seq       uint16
	Timestamp uint32
	Payload   []byte
	Fill      bool
}

const (
	// defaultJitterDepth is the look-ahead window in frames. A missing
	// sequence slot is given up on once this many later frames have
	// arrived. 4 frames is 80ms at 20ms ptime.
	defaultJitterDepth = 4

	// maxSeqJump is the largest forward sequence jump accepted as
	// continuation of the same stream. Anything larger is treated as a
	// stream reset (RFC 3550 suggests 3000).
	maxSeqJump = 3000

	// maxBuffered caps the pending map so a stalled consumer cannot grow
	// it without bound. 50 frames is one second of audio.
	maxBuffered = 50
)

// JitterBuffer reorders incoming RTP audio frames by sequence number.
// Frames are released strictly in order. A frame missing from the head of
// the buffer is waited on until the look-ahead window fills, then either
// replaced by a fill frame (isolated loss) or skipped entirely (long gap,
// e.g. the sender paused during silence). Frames arriving after their slot
// has been passed are dropped.
//
// All methods are safe for concurrent use: the bridge's receive loop
// pushes while the playout loop pops.
type JitterBuffer struct {
	depth int

	mu      sync.Mutex
	pending map[uint16]AudioFrame
	nextSeq uint16
	started bool

	late   uint64
	lost   uint64
	dups   uint64
	resets uint64
}

// JitterStats is a snapshot of the buffer's counters.
type JitterStats struct {
	Buffered   int
	Late       uint64
	Lost       uint64
	Duplicates uint64
	Resets     uint64
}

// NewJitterBuffer creates a buffer with the given look-ahead depth in
// frames. A depth of zero or less selects the default.
func NewJitterBuffer(depth int) *JitterBuffer {
	if depth <= 0 {
		depth = defaultJitterDepth
	}
	return &JitterBuffer{
		depth:   depth,
		pending: make(map[uint16]AudioFrame, depth*2),
	}
}

// seqBefore reports whether sequence number a precedes b, accounting for
// uint16 wraparound per RFC 3550.
func seqBefore(a, b uint16) bool {
	return a != b && b-a < 0x8000
}

// Push inserts a frame. Returns false if the frame was dropped because it
// arrived after its slot was released, or because it is a duplicate.
func (b *JitterBuffer) Push(f AudioFrame) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case !b.started:
		b.started = true
		b.nextSeq = f.Seq
	case seqBefore(f.Seq, b.nextSeq):
		b.late++
		return false
	case f.Seq-b.nextSeq > maxSeqJump:
		// Far outside the window: treat as a stream reset and restart
		// from the new position rather than synthesizing a huge gap.
		b.pending = make(map[uint16]AudioFrame, b.depth*2)
		b.nextSeq = f.Seq
		b.resets++
	}

	if _, dup := b.pending[f.Seq]; dup {
		b.dups++
		return false
	}

	if len(b.pending) >= maxBuffered {
		// Consumer has stalled. Drop everything and restart from the
		// newest frame so the loop stays live and memory stays bounded.
		b.pending = make(map[uint16]AudioFrame, b.depth*2)
		b.nextSeq = f.Seq
		b.resets++
	}

	b.pending[f.Seq] = f
	return true
}

// Pop releases the next frame in sequence order. It returns false when no
// frame is ready: either the buffer is empty, or the head slot is missing
// and the look-ahead window has not yet filled.
func (b *JitterBuffer) Pop() (AudioFrame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started || len(b.pending) == 0 {
		return AudioFrame{}, false
	}

	if f, ok := b.pending[b.nextSeq]; ok {
		delete(b.pending, b.nextSeq)
		b.nextSeq++
		return f, true
	}

	// Head slot missing. Hold off until enough later frames have arrived
	// that the slot's deadline has passed.
	if len(b.pending) < b.depth {
		return AudioFrame{}, false
	}

	oldest := b.oldestSeq()
	gap := oldest - b.nextSeq
	if int(gap) > b.depth {
		// Long gap: the sender went quiet or a burst was lost. Skip ahead
		// instead of emitting a flood of fill frames.
		b.lost += uint64(gap)
		f := b.pending[oldest]
		delete(b.pending, oldest)
		b.nextSeq = oldest + 1
		return f, true
	}

	// Isolated loss inside the window: hand back a fill frame.
	b.lost++
	f := AudioFrame{Seq: b.nextSeq, Fill: true}
	b.nextSeq++
	return f, true
}

// Flush drains all remaining frames in sequence order, skipping gaps.
// The buffer is empty afterwards but remains usable.
func (b *JitterBuffer) Flush() []AudioFrame {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]AudioFrame, 0, len(b.pending))
	for len(b.pending) > 0 {
		oldest := b.oldestSeq()
		out = append(out, b.pending[oldest])
		delete(b.pending, oldest)
		b.nextSeq = oldest + 1
	}
	return out
}

// Stats returns a snapshot of the buffer's counters.
func (b *JitterBuffer) Stats() JitterStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return JitterStats{
		Buffered:   len(b.pending),
		Late:       b.late,
		Lost:       b.lost,
		Duplicates: b.dups,
		Resets:     b.resets,
	}
}

// oldestSeq returns the earliest buffered sequence number. Caller holds mu
// and has checked pending is non-empty.
func (b *JitterBuffer) oldestSeq() uint16 {
	first := true
	var oldest uint16
	for seq := range b.pending {
		if first || seqBefore(seq, oldest) {
			oldest = seq
			first = false
		}
	}
	return oldest
}
