package video

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// SegmentRef is one entry of a media playlist: the URI as published by
// the upstream plus its duration and absolute media sequence number.
type SegmentRef struct {
	Sequence int64
	Duration float64
	URI      string
}

// Playlist is a parsed HLS playlist. A master playlist carries only
// Variants; a media playlist carries Segments.
type Playlist struct {
	Version        int
	TargetDuration float64
	MediaSequence  int64
	Ended          bool
	Segments       []SegmentRef
	Variants       []string
}

// IsMaster reports whether the playlist is a master playlist referencing
// variant streams instead of media segments.
func (p *Playlist) IsMaster() bool {
	return len(p.Variants) > 0
}

// ParsePlaylist parses the M3U8 subset intercom cameras emit: EXTM3U,
// EXT-X-VERSION, EXT-X-TARGETDURATION, EXT-X-MEDIA-SEQUENCE, EXTINF/URI
// pairs, EXT-X-STREAM-INF variant entries and EXT-X-ENDLIST. Unknown
// tags are skipped.
func ParsePlaylist(data []byte) (*Playlist, error) {
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "#EXTM3U" {
		return nil, fmt.Errorf("not an m3u8 playlist")
	}

	pl := &Playlist{}
	var (
		pendingSegment bool
		pendingDur     float64
		pendingVariant bool
	)
	for _, raw := range lines[1:] {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "#EXT-X-VERSION:"):
			if v, err := strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-VERSION:")); err == nil {
				pl.Version = v
			}
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			if v, err := strconv.ParseFloat(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"), 64); err == nil {
				pl.TargetDuration = v
			}
		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			if v, err := strconv.ParseInt(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"), 10, 64); err == nil {
				pl.MediaSequence = v
			}
		case strings.HasPrefix(line, "#EXTINF:"):
			spec := strings.TrimPrefix(line, "#EXTINF:")
			if i := strings.IndexByte(spec, ','); i >= 0 {
				spec = spec[:i]
			}
			pendingDur, _ = strconv.ParseFloat(strings.TrimSpace(spec), 64)
			pendingSegment = true
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			pendingVariant = true
		case line == "#EXT-X-ENDLIST":
			pl.Ended = true
		case strings.HasPrefix(line, "#"):
			// Unknown tag.
		default:
			// A bare URI line belongs to the preceding EXTINF or
			// STREAM-INF tag.
			if pendingVariant {
				pl.Variants = append(pl.Variants, line)
				pendingVariant = false
				continue
			}
			if pendingSegment {
				pl.Segments = append(pl.Segments, SegmentRef{
					Sequence: pl.MediaSequence + int64(len(pl.Segments)),
					Duration: pendingDur,
					URI:      line,
				})
				pendingSegment = false
			}
		}
	}

	if len(pl.Segments) == 0 && len(pl.Variants) == 0 {
		return nil, fmt.Errorf("playlist has no segments or variants")
	}
	return pl, nil
}

// ResolveURI resolves a possibly relative playlist reference against the
// URL the playlist was fetched from.
func ResolveURI(base *url.URL, ref string) string {
	parsed, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(parsed).String()
}
