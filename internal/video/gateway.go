package video

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/icholy/digest"

	"github.com/doorbridge/doorbridge/internal/config"
)

var (
	// ErrUpstreamUnavailable means the camera's HLS endpoint could not be
	// fetched or did not answer with a usable playlist.
	ErrUpstreamUnavailable = errors.New("video upstream unavailable")

	// ErrStreamLost means the relay exhausted its reconnect budget and
	// gave up on the upstream.
	ErrStreamLost = errors.New("video stream lost")
)

const (
	// defaultLookAhead is the number of segments kept buffered; enough to
	// ride out upstream jitter given the pipeline's multi-second latency.
	defaultLookAhead = 6

	// defaultStallTimeout is how long the playlist may fail to advance
	// before the relay treats the upstream as wedged and reconnects.
	defaultStallTimeout = 30 * time.Second

	// defaultMaxReconnects bounds consecutive recovery attempts before
	// the stream is reported lost.
	defaultMaxReconnects = 5

	defaultReconnectWait = 2 * time.Second
	defaultPollFloor     = 500 * time.Millisecond

	fetchTimeout     = 10 * time.Second
	maxPlaylistBytes = 1 << 20
	maxSegmentBytes  = 16 << 20
)

// Stats is a snapshot of the relay for health and metrics reporting.
type Stats struct {
	Running          bool
	Lost             bool
	LastError        string
	SegmentsFetched  uint64
	Reconnects       uint64
	BufferedSegments int
	LastSequence     int64
}

// Gateway relays the intercom camera's HLS stream: it polls the
// upstream playlist, keeps a bounded look-ahead window of fetched
// segments, and re-renders a local playlist over that window. Brief
// upstream hiccups are absorbed by transparent reconnects; only after
// the reconnect budget is spent does the viewer see a lost stream.
type Gateway struct {
	sourceURL string
	client    *http.Client
	store     *SegmentStore
	logger    *slog.Logger

	lookAhead     int
	stallTimeout  time.Duration
	maxReconnects int
	reconnectWait time.Duration
	pollFloor     time.Duration
	pollInterval  time.Duration // when nonzero, fixed cadence instead of half the target duration

	segmentsFetched atomic.Uint64
	reconnects      atomic.Uint64

	mu      sync.Mutex
	running bool
	lost    bool
	lastErr error
	cancel  context.CancelFunc
	done    chan struct{}
	onLost  func(error)
}

// NewGateway builds the relay for the configured upstream. When digest
// credentials are configured the HTTP client authenticates every fetch.
func NewGateway(cfg *config.Config, logger *slog.Logger) *Gateway {
	client := &http.Client{Timeout: fetchTimeout}
	if cfg.StreamUsername != "" {
		client.Transport = &digest.Transport{
			Username: cfg.StreamUsername,
			Password: cfg.StreamPassword,
		}
	}
	return &Gateway{
		sourceURL:     cfg.StreamURL,
		client:        client,
		store:         NewSegmentStore(defaultLookAhead),
		logger:        logger.With("component", "video"),
		lookAhead:     defaultLookAhead,
		stallTimeout:  defaultStallTimeout,
		maxReconnects: defaultMaxReconnects,
		reconnectWait: defaultReconnectWait,
		pollFloor:     defaultPollFloor,
	}
}

// Configured reports whether an upstream URL is set at all.
func (g *Gateway) Configured() bool {
	return g.sourceURL != ""
}

// OnStreamLost sets the handler fired once when the reconnect budget is
// exhausted. Set before the first StartRelay.
func (g *Gateway) OnStreamLost(fn func(error)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onLost = fn
}

// Running reports whether the relay loop is active.
func (g *Gateway) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// Stats returns a snapshot of the relay state.
func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	st := Stats{
		Running: g.running,
		Lost:    g.lost,
	}
	if g.lastErr != nil {
		st.LastError = g.lastErr.Error()
	}
	g.mu.Unlock()

	st.SegmentsFetched = g.segmentsFetched.Load()
	st.Reconnects = g.reconnects.Load()
	st.BufferedSegments = g.store.Len()
	st.LastSequence = g.store.LastSequence()
	return st
}

// StartRelay probes the upstream and starts the background relay loop.
// The probe failure surfaces as ErrUpstreamUnavailable; ctx bounds only
// the probe — the loop itself runs until StopRelay. Calling StartRelay
// on an already running relay is a no-op, so every viewer may call it.
func (g *Gateway) StartRelay(ctx context.Context) error {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return nil
	}
	// A previous relay that ended on its own (lost, upstream EOF) leaves
	// a dead task behind; reap it before restarting.
	cancel, done := g.cancel, g.done
	g.cancel = nil
	g.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	if g.sourceURL == "" {
		return fmt.Errorf("%w: no stream url configured", ErrUpstreamUnavailable)
	}

	media, err := g.resolveMedia(ctx)
	if err != nil {
		return err
	}

	relayCtx, relayCancel := context.WithCancel(context.Background())
	relayDone := make(chan struct{})

	g.mu.Lock()
	if g.running {
		// Raced with another starter; theirs won.
		g.mu.Unlock()
		relayCancel()
		return nil
	}
	g.running = true
	g.lost = false
	g.lastErr = nil
	g.cancel = relayCancel
	g.done = relayDone
	g.mu.Unlock()

	g.store.Reset()
	g.logger.Info("video relay started", "media_url", media.Redacted())
	go g.relayLoop(relayCtx, relayDone, media)
	return nil
}

// StopRelay cancels the relay loop, waits for it to exit and drops the
// buffered window. Safe to call when not running.
func (g *Gateway) StopRelay() {
	g.mu.Lock()
	cancel, done := g.cancel, g.done
	g.cancel = nil
	g.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done

	g.mu.Lock()
	g.running = false
	g.lost = false
	g.lastErr = nil
	g.mu.Unlock()

	g.store.Reset()
	g.logger.Info("video relay stopped")
}

// Playlist renders the current window as a media playlist for the
// viewer. query, when non-empty, is appended to every segment URI so
// playback tokens survive the indirection.
func (g *Gateway) Playlist(query string) ([]byte, error) {
	g.mu.Lock()
	running, lost, lastErr := g.running, g.lost, g.lastErr
	g.mu.Unlock()

	if lost {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, ErrStreamLost
	}
	if !running {
		return nil, fmt.Errorf("%w: relay not running", ErrUpstreamUnavailable)
	}
	return g.store.RenderPlaylist(query), nil
}

// Segment returns a buffered segment by sequence number.
func (g *Gateway) Segment(seq int64) (*Segment, bool) {
	return g.store.Get(seq)
}

// relayLoop polls the media playlist, ingests new segments, and rides
// out upstream failures with a bounded reconnect budget. A stalled
// playlist (reachable but not advancing) counts as a failure too, since
// cameras rotate their media URLs.
func (g *Gateway) relayLoop(ctx context.Context, done chan struct{}, media *url.URL) {
	defer close(done)

	failures := 0
	lastAdvance := time.Now()

	for {
		if ctx.Err() != nil {
			return
		}

		var failure error
		pl, err := g.fetchPlaylist(ctx, media)
		if err != nil {
			failure = err
		} else {
			g.store.SetTargetDuration(pl.TargetDuration)
			if g.ingest(ctx, media, pl) > 0 {
				failures = 0
				lastAdvance = time.Now()
			}
			if pl.Ended {
				g.store.SetEnded()
				g.logger.Info("upstream playlist ended, serving final window")
				return
			}
			if time.Since(lastAdvance) <= g.stallTimeout {
				select {
				case <-ctx.Done():
					return
				case <-time.After(g.pollDelay()):
				}
				continue
			}
			failure = fmt.Errorf("%w: playlist stalled for %s", ErrUpstreamUnavailable, g.stallTimeout)
		}

		failures++
		if failures > g.maxReconnects {
			g.logger.Error("upstream unrecoverable",
				"failures", failures,
				"error", failure)
			g.markLost(fmt.Errorf("%w: %v", ErrStreamLost, failure))
			return
		}
		g.reconnects.Add(1)
		g.logger.Warn("upstream hiccup, reconnecting",
			"attempt", failures,
			"budget", g.maxReconnects,
			"error", failure)

		select {
		case <-ctx.Done():
			return
		case <-time.After(g.reconnectWait):
		}

		// Re-resolve from the configured URL: cameras rotate media
		// playlist locations and expire signed variant URLs.
		if fresh, rerr := g.resolveMedia(ctx); rerr == nil {
			media = fresh
		}
	}
}

// ingest fetches playlist entries the window does not have yet. On the
// first fill it starts at the live edge so the viewer joins close to
// real time instead of the top of the upstream window.
func (g *Gateway) ingest(ctx context.Context, media *url.URL, pl *Playlist) int {
	refs := pl.Segments
	last := g.store.LastSequence()
	if last < 0 && len(refs) > g.lookAhead {
		refs = refs[len(refs)-g.lookAhead:]
	}

	added := 0
	for _, ref := range refs {
		if ref.Sequence <= last {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		data, err := g.fetch(ctx, ResolveURI(media, ref.URI), maxSegmentBytes)
		if err != nil {
			g.logger.Warn("segment fetch failed", "sequence", ref.Sequence, "error", err)
			break
		}
		g.store.Add(&Segment{
			Sequence:  ref.Sequence,
			Duration:  ref.Duration,
			Data:      data,
			FetchedAt: time.Now(),
		})
		g.segmentsFetched.Add(1)
		last = ref.Sequence
		added++
	}
	return added
}

// resolveMedia fetches the configured playlist and follows one level of
// master/variant indirection to the live media playlist.
func (g *Gateway) resolveMedia(ctx context.Context) (*url.URL, error) {
	base, err := url.Parse(g.sourceURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing stream url: %v", ErrUpstreamUnavailable, err)
	}
	data, err := g.fetch(ctx, base.String(), maxPlaylistBytes)
	if err != nil {
		return nil, err
	}
	pl, err := ParsePlaylist(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	if !pl.IsMaster() {
		return base, nil
	}
	variant, err := url.Parse(pl.Variants[0])
	if err != nil {
		return nil, fmt.Errorf("%w: parsing variant uri: %v", ErrUpstreamUnavailable, err)
	}
	return base.ResolveReference(variant), nil
}

func (g *Gateway) fetchPlaylist(ctx context.Context, media *url.URL) (*Playlist, error) {
	data, err := g.fetch(ctx, media.String(), maxPlaylistBytes)
	if err != nil {
		return nil, err
	}
	pl, err := ParsePlaylist(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	if pl.IsMaster() {
		return nil, fmt.Errorf("%w: expected media playlist, got master", ErrUpstreamUnavailable)
	}
	return pl, nil
}

func (g *Gateway) fetch(ctx context.Context, rawURL string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %v", ErrUpstreamUnavailable, err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: upstream returned status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrUpstreamUnavailable, err)
	}
	return body, nil
}

// pollDelay is half the target duration, clamped so misconfigured
// upstreams can neither spin nor starve the window.
func (g *Gateway) pollDelay() time.Duration {
	if g.pollInterval > 0 {
		return g.pollInterval
	}
	d := time.Duration(g.store.TargetDuration() * float64(time.Second) / 2)
	if d < g.pollFloor {
		d = g.pollFloor
	}
	if d > 4*time.Second {
		d = 4 * time.Second
	}
	return d
}

func (g *Gateway) markLost(err error) {
	g.mu.Lock()
	g.running = false
	g.lost = true
	g.lastErr = err
	fn := g.onLost
	g.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}
