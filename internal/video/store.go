package video

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// Segment is a fetched media segment held in the look-ahead window.
type Segment struct {
	Sequence  int64
	Duration  float64
	Data      []byte
	FetchedAt time.Time
}

// SegmentStore is a bounded window of the most recently fetched
// segments, ordered by sequence. The rendered playlist and the segment
// lookups always agree: once a segment falls out of the window it
// disappears from both.
type SegmentStore struct {
	mu             sync.RWMutex
	capacity       int
	segments       []*Segment
	targetDuration float64
	ended          bool
}

func NewSegmentStore(capacity int) *SegmentStore {
	if capacity < 1 {
		capacity = 1
	}
	return &SegmentStore{capacity: capacity}
}

// Add appends a segment and evicts the oldest entries beyond capacity.
func (s *SegmentStore) Add(seg *Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments = append(s.segments, seg)
	if n := len(s.segments) - s.capacity; n > 0 {
		s.segments = append(s.segments[:0:0], s.segments[n:]...)
	}
}

// Get returns the segment with the given sequence number if it is still
// inside the window.
func (s *SegmentStore) Get(seq int64) (*Segment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, seg := range s.segments {
		if seg.Sequence == seq {
			return seg, true
		}
	}
	return nil, false
}

// LastSequence returns the newest buffered sequence number, or -1 when
// the window is empty.
func (s *SegmentStore) LastSequence() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.segments) == 0 {
		return -1
	}
	return s.segments[len(s.segments)-1].Sequence
}

func (s *SegmentStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.segments)
}

func (s *SegmentStore) SetTargetDuration(d float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.targetDuration = d
	}
}

func (s *SegmentStore) TargetDuration() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.targetDuration
}

// SetEnded marks the stream finished; the rendered playlist gains an
// ENDLIST tag so players stop polling.
func (s *SegmentStore) SetEnded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
}

// Reset drops all buffered segments and state.
func (s *SegmentStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments = nil
	s.targetDuration = 0
	s.ended = false
}

// RenderPlaylist writes the current window as a media playlist. Segment
// URIs are relative ("segment/<seq>.ts") so they resolve against
// wherever the playlist is mounted; query, when non-empty, is appended
// to every URI so playback tokens survive the indirection.
func (s *SegmentStore) RenderPlaylist(query string) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	target := s.targetDuration
	for _, seg := range s.segments {
		if seg.Duration > target {
			target = seg.Duration
		}
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(math.Ceil(target)))
	var first int64
	if len(s.segments) > 0 {
		first = s.segments[0].Sequence
	}
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", first)
	for _, seg := range s.segments {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", seg.Duration)
		uri := fmt.Sprintf("segment/%d.ts", seg.Sequence)
		if query != "" {
			uri += "?" + query
		}
		b.WriteString(uri + "\n")
	}
	if s.ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return []byte(b.String())
}
