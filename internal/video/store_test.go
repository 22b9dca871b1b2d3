package video

import (
	"strings"
	"testing"
	"time"
)

func addSegment(s *SegmentStore, seq int64, dur float64) {
	s.Add(&Segment{Sequence: seq, Duration: dur, Data: []byte("x"), FetchedAt: time.Now()})
}

func TestSegmentStoreWindow(t *testing.T) {
	s := NewSegmentStore(3)
	for seq := int64(0); seq < 5; seq++ {
		addSegment(s, seq, 2.0)
	}

	if got := s.Len(); got != 3 {
		t.Errorf("Len = %d, want 3", got)
	}
	if got := s.LastSequence(); got != 4 {
		t.Errorf("LastSequence = %d, want 4", got)
	}
	for _, seq := range []int64{0, 1} {
		if _, ok := s.Get(seq); ok {
			t.Errorf("Get(%d) found an evicted segment", seq)
		}
	}
	for _, seq := range []int64{2, 3, 4} {
		if _, ok := s.Get(seq); !ok {
			t.Errorf("Get(%d) missed a buffered segment", seq)
		}
	}
}

func TestSegmentStoreEmpty(t *testing.T) {
	s := NewSegmentStore(4)
	if got := s.LastSequence(); got != -1 {
		t.Errorf("LastSequence = %d, want -1", got)
	}
	if _, ok := s.Get(0); ok {
		t.Error("Get on an empty store returned a segment")
	}
}

func TestSegmentStoreRenderPlaylist(t *testing.T) {
	s := NewSegmentStore(6)
	s.SetTargetDuration(3)
	addSegment(s, 7, 2.0)
	addSegment(s, 8, 2.5)

	pl := string(s.RenderPlaylist(""))
	for _, want := range []string{
		"#EXTM3U\n",
		"#EXT-X-TARGETDURATION:3\n",
		"#EXT-X-MEDIA-SEQUENCE:7\n",
		"#EXTINF:2.500,\n",
		"segment/7.ts\n",
		"segment/8.ts\n",
	} {
		if !strings.Contains(pl, want) {
			t.Errorf("playlist missing %q:\n%s", want, pl)
		}
	}
	if strings.Contains(pl, "#EXT-X-ENDLIST") {
		t.Error("live playlist carries ENDLIST")
	}
}

func TestSegmentStoreRenderPlaylistQuery(t *testing.T) {
	s := NewSegmentStore(6)
	addSegment(s, 3, 1.0)

	pl := string(s.RenderPlaylist("token=abc123"))
	if !strings.Contains(pl, "segment/3.ts?token=abc123\n") {
		t.Errorf("segment URI lost the query string:\n%s", pl)
	}
}

func TestSegmentStoreRenderPlaylistEnded(t *testing.T) {
	s := NewSegmentStore(6)
	addSegment(s, 0, 1.5)
	s.SetEnded()

	pl := string(s.RenderPlaylist(""))
	if !strings.Contains(pl, "#EXT-X-ENDLIST\n") {
		t.Errorf("ended playlist missing ENDLIST:\n%s", pl)
	}
}

func TestSegmentStoreReset(t *testing.T) {
	s := NewSegmentStore(4)
	addSegment(s, 0, 1.0)
	addSegment(s, 1, 1.0)
	s.SetEnded()
	s.Reset()

	if got := s.Len(); got != 0 {
		t.Errorf("Len after Reset = %d, want 0", got)
	}
	if got := s.LastSequence(); got != -1 {
		t.Errorf("LastSequence after Reset = %d, want -1", got)
	}
}
