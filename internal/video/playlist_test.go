package video

import (
	"net/url"
	"testing"
)

func TestParsePlaylistMedia(t *testing.T) {
	input := "#EXTM3U\n" +
		"#EXT-X-VERSION:3\n" +
		"#EXT-X-TARGETDURATION:4\n" +
		"#EXT-X-MEDIA-SEQUENCE:17\n" +
		"#EXTINF:3.960,\n" +
		"seg17.ts\n" +
		"#EXTINF:4.000,\n" +
		"seg18.ts\n" +
		"#EXTINF:2.500, front door\n" +
		"http://cam.local/live/seg19.ts\n"

	pl, err := ParsePlaylist([]byte(input))
	if err != nil {
		t.Fatalf("ParsePlaylist: %v", err)
	}
	if pl.Version != 3 {
		t.Errorf("Version = %d, want 3", pl.Version)
	}
	if pl.TargetDuration != 4 {
		t.Errorf("TargetDuration = %v, want 4", pl.TargetDuration)
	}
	if pl.MediaSequence != 17 {
		t.Errorf("MediaSequence = %d, want 17", pl.MediaSequence)
	}
	if pl.Ended {
		t.Error("Ended = true for a live playlist")
	}
	if pl.IsMaster() {
		t.Error("IsMaster = true for a media playlist")
	}
	if len(pl.Segments) != 3 {
		t.Fatalf("got %d segments, want 3", len(pl.Segments))
	}
	wantSegs := []SegmentRef{
		{Sequence: 17, Duration: 3.96, URI: "seg17.ts"},
		{Sequence: 18, Duration: 4.0, URI: "seg18.ts"},
		{Sequence: 19, Duration: 2.5, URI: "http://cam.local/live/seg19.ts"},
	}
	for i, want := range wantSegs {
		got := pl.Segments[i]
		if got != want {
			t.Errorf("segment %d = %+v, want %+v", i, got, want)
		}
	}
}

func TestParsePlaylistEnded(t *testing.T) {
	input := "#EXTM3U\n" +
		"#EXT-X-TARGETDURATION:2\n" +
		"#EXTINF:2.0,\n" +
		"final.ts\n" +
		"#EXT-X-ENDLIST\n"

	pl, err := ParsePlaylist([]byte(input))
	if err != nil {
		t.Fatalf("ParsePlaylist: %v", err)
	}
	if !pl.Ended {
		t.Error("Ended = false, want true")
	}
}

func TestParsePlaylistMaster(t *testing.T) {
	input := "#EXTM3U\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=512000,RESOLUTION=640x480\n" +
		"low/stream.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=1024000,RESOLUTION=1280x720\n" +
		"high/stream.m3u8\n"

	pl, err := ParsePlaylist([]byte(input))
	if err != nil {
		t.Fatalf("ParsePlaylist: %v", err)
	}
	if !pl.IsMaster() {
		t.Fatal("IsMaster = false for a master playlist")
	}
	if len(pl.Variants) != 2 || pl.Variants[0] != "low/stream.m3u8" {
		t.Errorf("Variants = %v, want low/high stream URIs", pl.Variants)
	}
}

func TestParsePlaylistCRLF(t *testing.T) {
	input := "#EXTM3U\r\n#EXT-X-TARGETDURATION:2\r\n#EXTINF:1.0,\r\nseg0.ts\r\n"
	pl, err := ParsePlaylist([]byte(input))
	if err != nil {
		t.Fatalf("ParsePlaylist: %v", err)
	}
	if len(pl.Segments) != 1 || pl.Segments[0].URI != "seg0.ts" {
		t.Errorf("segments = %+v, want one seg0.ts entry", pl.Segments)
	}
}

func TestParsePlaylistInvalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"not m3u8", "hello world"},
		{"header only", "#EXTM3U\n#EXT-X-VERSION:3\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParsePlaylist([]byte(tt.input)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestResolveURI(t *testing.T) {
	base, err := url.Parse("http://cam.local/live/stream.m3u8")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		ref  string
		want string
	}{
		{"seg1.ts", "http://cam.local/live/seg1.ts"},
		{"/root/seg1.ts", "http://cam.local/root/seg1.ts"},
		{"../other/seg1.ts", "http://cam.local/other/seg1.ts"},
		{"http://other.host/abs.ts", "http://other.host/abs.ts"},
	}
	for _, tt := range tests {
		if got := ResolveURI(base, tt.ref); got != tt.want {
			t.Errorf("ResolveURI(%q) = %q, want %q", tt.ref, got, tt.want)
		}
	}
}
