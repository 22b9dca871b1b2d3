// Package api implements the HTTP control surface: call and door commands,
// status, the live event feed, Prometheus metrics, and the re-exposed
// video stream.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/doorbridge/doorbridge/internal/api/middleware"
	"github.com/doorbridge/doorbridge/internal/bridge"
	"github.com/doorbridge/doorbridge/internal/config"
	"github.com/doorbridge/doorbridge/internal/sipua"
	"github.com/doorbridge/doorbridge/internal/video"
)

// Controller is the coordinator surface the HTTP API drives. Commands carry
// no call identifier: there is exactly one station, so they always apply to
// the current call.
type Controller interface {
	Answer(ctx context.Context) error
	Reject(ctx context.Context) error
	Hangup(ctx context.Context) error
	OpenDoor(ctx context.Context) error
	SetMuted(ctx context.Context, muted bool) error
	StartStream(ctx context.Context) error
	StopStream(ctx context.Context) error
	Current() *bridge.CallInfo
	State() bridge.CallState
	Stats() bridge.Stats
}

// StreamSource is the video gateway surface served to viewers.
type StreamSource interface {
	Configured() bool
	Running() bool
	Playlist(query string) ([]byte, error)
	Segment(seq int64) (*video.Segment, bool)
	Stats() video.Stats
}

// RegistrationSource reports the signaling registration state.
type RegistrationSource interface {
	Registration() sipua.RegistrationState
}

// PortSource reports RTP port pool usage.
type PortSource interface {
	AllocatedCount() int
	Capacity() int
}

// Subscriber hands out subscriptions to the live event feed.
type Subscriber interface {
	Subscribe(buffer int) (int, <-chan bridge.Event)
	Unsubscribe(id int)
}

// Server is the HTTP API server. It delegates all domain work to the
// injected components and owns only routing, encoding, and rate limiting.
type Server struct {
	router    *chi.Mux
	cfg       *config.Config
	coord     Controller
	stream    StreamSource
	tokens    *video.TokenIssuer
	events    Subscriber
	reg       RegistrationSource
	ports     PortSource
	metrics   http.Handler
	startTime time.Time

	apiLimiter     *middleware.IPRateLimiter
	commandLimiter *middleware.IPRateLimiter
}

// NewServer creates the API server and mounts all routes. metrics may be nil
// to disable the scrape endpoint; tokens may be nil to serve the stream
// unguarded.
func NewServer(
	cfg *config.Config,
	coord Controller,
	stream StreamSource,
	tokens *video.TokenIssuer,
	events Subscriber,
	reg RegistrationSource,
	ports PortSource,
	metrics http.Handler,
) *Server {
	s := &Server{
		router:         chi.NewRouter(),
		cfg:            cfg,
		coord:          coord,
		stream:         stream,
		tokens:         tokens,
		events:         events,
		reg:            reg,
		ports:          ports,
		metrics:        metrics,
		startTime:      time.Now(),
		apiLimiter:     middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig()),
		commandLimiter: middleware.NewIPRateLimiter(middleware.CommandRateLimitConfig()),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the rate limiters' background cleanup.
func (s *Server) Close() {
	s.apiLimiter.Stop()
	s.commandLimiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(s.apiLimiter))

		r.Get("/status", s.handleStatus)
		r.Get("/events", s.handleEvents)
		r.Get("/stream/token", s.handleStreamToken)

		// Call and door commands get a tighter limit than reads.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(s.commandLimiter))

			r.Post("/call/answer", s.handleAnswer)
			r.Post("/call/reject", s.handleReject)
			r.Post("/call/hangup", s.handleHangup)
			r.Post("/call/mute", s.handleMute)
			r.Post("/door/open", s.handleOpenDoor)
			r.Post("/stream/start", s.handleStartStream)
			r.Post("/stream/stop", s.handleStopStream)
		})
	})

	// Stream playback is consumed by browser HLS players, so it gets CORS
	// and playback tokens instead of the JSON command conventions.
	r.Route("/stream", func(r chi.Router) {
		r.Use(middleware.CORS(middleware.ParseCORSOrigins(s.cfg.StreamCORSOrigins)))
		r.Use(middleware.RequireStreamToken(s.tokens))

		r.Get("/playlist.m3u8", s.handlePlaylist)
		r.Get("/segment/{seq}.ts", s.handleSegment)
	})
}
