package sipua

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/doorbridge/doorbridge/internal/config"
)

// Status is the registration state of the bridge account.
type Status string

const (
	StatusUnregistered Status = "unregistered"
	StatusRegistering  Status = "registering"
	StatusRegistered   Status = "registered"
	StatusFailed       Status = "failed"
	// StatusLost means registration has failed the ceiling of
	// consecutive attempts. The loop keeps retrying at the capped
	// backoff, but the account must be assumed unreachable.
	StatusLost Status = "lost"
)

// RegistrationState holds the runtime state of the platform registration.
type RegistrationState struct {
	Status           Status
	LastError        string
	RetryAttempt     int
	FailedAt         *time.Time
	RegisteredAt     *time.Time
	ExpiresAt        *time.Time
	LastKeepalive    *time.Time
	KeepaliveHealthy bool
}

const (
	// defaultRegisterTimeout bounds a single REGISTER exchange
	// including the digest round trip.
	defaultRegisterTimeout = 10 * time.Second

	// defaultKeepaliveTimeout bounds a single OPTIONS ping.
	defaultKeepaliveTimeout = 5 * time.Second

	// failureCeiling is the number of consecutive failed registration
	// attempts after which the account is reported lost.
	failureCeiling = 5
)

// Registrar maintains the single outbound REGISTER binding with the
// intercom platform: initial registration with digest auth, periodic
// refresh before expiry, exponential backoff on failure and OPTIONS
// keepalive pings between refreshes.
type Registrar struct {
	client      *sipgo.Client
	server      string
	port        int
	username    string
	password    string
	expiry      int
	contactHost string
	contactPort int
	keepalive   time.Duration

	registerTimeout  time.Duration
	keepaliveTimeout time.Duration
	backoff          *backoff

	mu       sync.RWMutex
	state    RegistrationState
	onChange func(RegistrationState)

	// kick wakes the registration loop for an early refresh, e.g. after
	// a failed keepalive ping.
	kick   chan struct{}
	logger *slog.Logger
}

func newRegistrar(cfg *config.Config, client *sipgo.Client, logger *slog.Logger) *Registrar {
	return &Registrar{
		client:           client,
		server:           cfg.SIPServer,
		port:             cfg.SIPPort,
		username:         cfg.SIPUsername,
		password:         cfg.SIPPassword,
		expiry:           cfg.RegisterExpiry,
		contactHost:      cfg.MediaIP(),
		contactPort:      cfg.SIPLocalPort,
		keepalive:        time.Duration(cfg.KeepaliveSecs) * time.Second,
		registerTimeout:  defaultRegisterTimeout,
		keepaliveTimeout: defaultKeepaliveTimeout,
		backoff:          newBackoff(),
		state:            RegistrationState{Status: StatusUnregistered},
		kick:             make(chan struct{}, 1),
		logger:           logger.With("subsystem", "registrar"),
	}
}

// State returns a snapshot of the current registration state.
func (r *Registrar) State() RegistrationState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// update mutates the state under the lock and fires the status-change
// callback when the status actually changed.
func (r *Registrar) update(mutate func(*RegistrationState)) {
	r.mu.Lock()
	prev := r.state.Status
	mutate(&r.state)
	cur := r.state
	r.mu.Unlock()

	if r.onChange != nil && cur.Status != prev {
		r.onChange(cur)
	}
}

// Run executes the registration lifecycle until the context is
// canceled: initial register, then periodic re-registration at 80% of
// the granted expiry, with backoff on failure. After failureCeiling
// consecutive failures the status degrades to lost.
func (r *Registrar) Run(ctx context.Context) {
	expiry := r.expiry
	if expiry <= 0 {
		expiry = 300
	}

	r.logger.Info("starting registration",
		"server", r.server,
		"port", r.port,
		"username", r.username,
		"expiry", expiry,
	)

	r.update(func(s *RegistrationState) {
		s.Status = StatusRegistering
	})

	consecutive := 0

	for {
		grantedExpiry, err := r.sendRegister(ctx, expiry)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			consecutive++
			retryDelay := r.backoff.next()
			r.logger.Error("registration failed",
				"error", err,
				"attempt", consecutive,
				"retry_in", retryDelay.String(),
			)

			now := time.Now()
			status := StatusFailed
			if consecutive >= failureCeiling {
				status = StatusLost
				r.logger.Error("registration lost",
					"consecutive_failures", consecutive,
					"reason", ErrRegistrationLost.Error(),
				)
			}
			r.update(func(s *RegistrationState) {
				s.Status = status
				s.LastError = err.Error()
				s.RetryAttempt = consecutive
				if s.FailedAt == nil {
					s.FailedAt = &now
				}
			})

			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
				continue
			}
		}

		// Registration succeeded — use server-granted expiry for timing.
		consecutive = 0
		r.backoff.reset()
		now := time.Now()
		expiresAt := now.Add(time.Duration(grantedExpiry) * time.Second)
		r.update(func(s *RegistrationState) {
			s.Status = StatusRegistered
			s.LastError = ""
			s.RetryAttempt = 0
			s.FailedAt = nil
			s.RegisteredAt = &now
			s.ExpiresAt = &expiresAt
		})

		if grantedExpiry != expiry {
			r.logger.Info("registered (server adjusted expiry)",
				"requested_expiry", expiry,
				"granted_expiry", grantedExpiry,
			)
		} else {
			r.logger.Info("registered", "expires_in", grantedExpiry)
		}

		// Re-register before expiry. Use 80% of server-granted expiry as
		// the refresh interval to account for network delays.
		refreshInterval := time.Duration(float64(grantedExpiry)*0.8) * time.Second

		select {
		case <-ctx.Done():
			return
		case <-time.After(refreshInterval):
			r.logger.Debug("re-registering")
		case <-r.kick:
			r.logger.Info("re-registering early after failed keepalive")
		}
	}
}

// sendRegister sends a SIP REGISTER request with digest auth handling.
// On success it returns the server-granted expiry (from the 200 OK
// response). If the server does not include an expiry, the requested
// expiry is returned. An expiry of 0 removes the binding.
func (r *Registrar) sendRegister(ctx context.Context, expiry int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.registerTimeout)
	defer cancel()

	// Build recipient URI (Request-URI for REGISTER).
	recipientStr := fmt.Sprintf("sip:%s:%d", r.server, r.port)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return 0, fmt.Errorf("parsing recipient uri: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport("UDP")

	// Set From and To headers with the account's AOR (Address of Record).
	aor := fmt.Sprintf("<sip:%s@%s>", r.username, r.server)
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))

	// Contact tells the platform where to send INVITEs for this account.
	contactURI := fmt.Sprintf("<sip:%s@%s:%d>", r.username, r.contactHost, r.contactPort)
	req.AppendHeader(sip.NewHeader("Contact", contactURI))

	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))

	// Send initial request.
	tx, err := r.client.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return 0, fmt.Errorf("%w: sending register: %v", ErrTransportUnavailable, err)
	}

	res, err := waitResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return 0, fmt.Errorf("waiting for register response: %w", err)
	}

	// Handle 401 Unauthorized — digest authentication.
	if res.StatusCode == 401 || res.StatusCode == 407 {
		authHeader := "WWW-Authenticate"
		authzHeader := "Authorization"
		if res.StatusCode == 407 {
			authHeader = "Proxy-Authenticate"
			authzHeader = "Proxy-Authorization"
		}

		wwwAuth := res.GetHeader(authHeader)
		if wwwAuth == nil {
			return 0, fmt.Errorf("received %d but no %s header", res.StatusCode, authHeader)
		}

		chal, err := digest.ParseChallenge(wwwAuth.Value())
		if err != nil {
			return 0, fmt.Errorf("parsing auth challenge: %w", err)
		}

		cred, err := digest.Digest(chal, digest.Options{
			Method:   req.Method.String(),
			URI:      recipientStr,
			Username: r.username,
			Password: r.password,
		})
		if err != nil {
			return 0, fmt.Errorf("computing digest: %w", err)
		}

		// Build authenticated request.
		authReq := req.Clone()
		authReq.RemoveHeader("Via")
		authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

		tx2, err := r.client.TransactionRequest(ctx, authReq,
			sipgo.ClientRequestIncreaseCSEQ,
			sipgo.ClientRequestAddVia,
		)
		if err != nil {
			return 0, fmt.Errorf("%w: sending authenticated register: %v", ErrTransportUnavailable, err)
		}

		res, err = waitResponse(ctx, tx2)
		tx2.Terminate()
		if err != nil {
			return 0, fmt.Errorf("waiting for authenticated register response: %w", err)
		}

		// A second challenge or a 403 after presenting credentials means
		// the credentials themselves are wrong.
		if res.StatusCode == 401 || res.StatusCode == 407 || res.StatusCode == 403 {
			return 0, fmt.Errorf("%w: registrar answered %d %s", ErrAuthRejected, res.StatusCode, res.Reason)
		}
	}

	if res.StatusCode == 403 {
		return 0, fmt.Errorf("%w: registrar answered 403 %s", ErrAuthRejected, res.Reason)
	}
	if res.StatusCode != 200 {
		return 0, fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}

	// Parse server-granted expiry from the 200 OK response.
	// Per RFC 3261 §10.2.4, the registrar may shorten the requested expiry.
	// Check Contact header expires param first, then Expires header.
	grantedExpiry := expiry
	if contactHdr := res.GetHeader("Contact"); contactHdr != nil {
		if parsed := parseContactExpires(contactHdr.Value()); parsed > 0 {
			grantedExpiry = parsed
		}
	} else if expiresHdr := res.GetHeader("Expires"); expiresHdr != nil {
		if parsed := parseExpiresHeader(expiresHdr.Value()); parsed > 0 {
			grantedExpiry = parsed
		}
	}

	return grantedExpiry, nil
}

// Unregister removes the binding by registering with expiry 0.
func (r *Registrar) Unregister(ctx context.Context) error {
	_, err := r.sendRegister(ctx, 0)
	r.update(func(s *RegistrationState) {
		s.Status = StatusUnregistered
		s.RegisteredAt = nil
		s.ExpiresAt = nil
	})
	if err != nil {
		return fmt.Errorf("un-register: %w", err)
	}
	r.logger.Info("un-registered")
	return nil
}

// keepaliveLoop sends periodic OPTIONS pings to the platform while
// registered. The first ping waits one full interval so the initial
// registration can settle. A failed ping marks the keepalive unhealthy
// and kicks the registration loop into an early refresh.
func (r *Registrar) keepaliveLoop(ctx context.Context) {
	if r.keepalive <= 0 {
		return
	}
	r.logger.Info("starting keepalive loop", "interval", r.keepalive.String())

	ticker := time.NewTicker(r.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if r.State().Status != StatusRegistered {
			continue
		}

		pingCtx, cancel := context.WithTimeout(ctx, r.keepaliveTimeout)
		err := r.sendOptions(pingCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("keepalive ping failed", "error", err)
			r.update(func(s *RegistrationState) {
				s.KeepaliveHealthy = false
			})
			select {
			case r.kick <- struct{}{}:
			default:
			}
			continue
		}

		now := time.Now()
		r.update(func(s *RegistrationState) {
			s.KeepaliveHealthy = true
			s.LastKeepalive = &now
		})
	}
}

// sendOptions sends a SIP OPTIONS ping to the platform and returns an
// error if it is unreachable or responds with a non-2xx status.
func (r *Registrar) sendOptions(ctx context.Context) error {
	recipientStr := fmt.Sprintf("sip:%s:%d", r.server, r.port)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return fmt.Errorf("parsing recipient uri: %w", err)
	}

	req := sip.NewRequest(sip.OPTIONS, recipient)
	req.SetTransport("UDP")

	tx, err := r.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("%w: sending options: %v", ErrTransportUnavailable, err)
	}

	res, err := waitResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return fmt.Errorf("waiting for options response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("options ping returned status %d %s", res.StatusCode, res.Reason)
	}

	return nil
}

// parseContactExpires extracts the expires parameter from a Contact header value.
// Contact headers may contain: <sip:user@host>;expires=3600
// Returns 0 if no expires parameter is found or parsing fails.
func parseContactExpires(contactValue string) int {
	// Look for ;expires= parameter (case-insensitive).
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := contactValue[idx+len(";expires="):]

	// The value ends at the next semicolon, comma, or end of string.
	end := strings.IndexAny(rest, ";,> \t")
	if end > 0 {
		rest = rest[:end]
	}

	val, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return val
}

// parseExpiresHeader parses an Expires header value (a plain integer of seconds).
// Returns 0 if parsing fails.
func parseExpiresHeader(value string) int {
	val, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return val
}

// backoff implements exponential backoff with jitter for registration retries.
// Jitter prevents thundering herd when multiple bridges fail simultaneously.
type backoff struct {
	attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newBackoff() *backoff {
	return &backoff{
		baseDelay: 5 * time.Second,
		maxDelay:  5 * time.Minute,
	}
}

func (b *backoff) next() time.Duration {
	d := b.current()
	b.attempt++
	return d
}

func (b *backoff) current() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	// Add ±20% jitter to prevent thundering herd.
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < 0 {
		d = b.baseDelay
	}
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}
