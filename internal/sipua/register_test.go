package sipua

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestBackoff_ExponentialGrowth(t *testing.T) {
	b := newBackoff()

	expectedBase := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		80 * time.Second,
		160 * time.Second,
		300 * time.Second, // capped at maxDelay
		300 * time.Second,
	}

	for i, base := range expectedBase {
		got := b.next()
		// Allow ±20% jitter plus small tolerance.
		low := time.Duration(float64(base) * 0.75)
		high := time.Duration(float64(base) * 1.25)
		if got < low || got > high {
			t.Errorf("attempt %d: got %v, want %v ±20%% (range %v to %v)", i, got, base, low, high)
		}
	}
}

func TestBackoff_Reset(t *testing.T) {
	b := newBackoff()

	for i := 0; i < 5; i++ {
		b.next()
	}

	b.reset()
	if b.attempt != 0 {
		t.Errorf("attempt after reset = %d, want 0", b.attempt)
	}

	got := b.next()
	low := time.Duration(float64(5*time.Second) * 0.75)
	high := time.Duration(float64(5*time.Second) * 1.25)
	if got < low || got > high {
		t.Errorf("delay after reset = %v, want ~5s (range %v to %v)", got, low, high)
	}
}

func TestBackoff_MaxDelayCap(t *testing.T) {
	b := newBackoff()

	for i := 0; i < 20; i++ {
		b.next()
	}

	max := time.Duration(float64(5*time.Minute) * 1.25)
	if got := b.current(); got > max {
		t.Errorf("delay after 20 attempts = %v, exceeds cap %v", got, max)
	}
}

func TestBackoff_JitterVariance(t *testing.T) {
	seen := make(map[time.Duration]bool)
	for i := 0; i < 20; i++ {
		b := newBackoff()
		seen[b.next()] = true
	}
	if len(seen) < 2 {
		t.Error("jitter produced identical delays across 20 fresh backoffs")
	}
}

func TestParseContactExpires(t *testing.T) {
	tests := []struct {
		contact string
		want    int
	}{
		{"<sip:user@host>;expires=3600", 3600},
		{"<sip:user@host>;Expires=120", 120},
		{"<sip:user@host>", 0},
		{";expires=0", 0},
		{";expires=60;q=0.5", 60},
		{"", 0},
	}

	for _, tt := range tests {
		if got := parseContactExpires(tt.contact); got != tt.want {
			t.Errorf("parseContactExpires(%q) = %d, want %d", tt.contact, got, tt.want)
		}
	}
}

func TestParseExpiresHeader(t *testing.T) {
	tests := []struct {
		value string
		want  int
	}{
		{"3600", 3600},
		{" 120 ", 120},
		{"", 0},
		{"abc", 0},
	}

	for _, tt := range tests {
		if got := parseExpiresHeader(tt.value); got != tt.want {
			t.Errorf("parseExpiresHeader(%q) = %d, want %d", tt.value, got, tt.want)
		}
	}
}

func TestRegisterDigestChallenge(t *testing.T) {
	fake := newFakeRegistrar(t, func(req sipMsg) [][]byte {
		if req.method() != "REGISTER" {
			return [][]byte{sipResponse(req, 200, "OK", nil, "")}
		}
		if req.header("Authorization") == "" {
			challenge := `WWW-Authenticate: Digest realm="doorbridge.test", nonce="abc123", algorithm=MD5, qop="auth"`
			return [][]byte{sipResponse(req, 401, "Unauthorized", []string{challenge}, "")}
		}
		return [][]byte{sipResponse(req, 200, "OK", []string{"Expires: 90"}, "")}
	})

	e := newTestEngine(t, fake.port())
	statusCh := make(chan RegistrationState, 16)
	e.OnRegistrationChange(func(st RegistrationState) { statusCh <- st })

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(e.Stop)

	st := waitStatus(t, statusCh, StatusRegistered)
	if st.ExpiresAt == nil {
		t.Fatal("ExpiresAt not set after registration")
	}
	// The 200 granted 90 seconds, shorter than the requested 120.
	until := time.Until(*st.ExpiresAt)
	if until < 80*time.Second || until > 100*time.Second {
		t.Errorf("ExpiresAt is %v from now, want ~90s", until.Round(time.Second))
	}

	regs := fake.requests("REGISTER")
	if len(regs) < 2 {
		t.Fatalf("got %d REGISTER messages, want unauthenticated + authenticated", len(regs))
	}
	if regs[0].header("Authorization") != "" {
		t.Error("first REGISTER must not carry credentials")
	}
	authz := regs[len(regs)-1].header("Authorization")
	for _, want := range []string{`username="2001"`, `nonce="abc123"`, "response="} {
		if !strings.Contains(authz, want) {
			t.Errorf("Authorization header missing %s: %q", want, authz)
		}
	}
}

func TestRegisterAuthRejected(t *testing.T) {
	// The registrar keeps challenging even after credentials were
	// presented, which means they are wrong.
	fake := newFakeRegistrar(t, func(req sipMsg) [][]byte {
		challenge := `WWW-Authenticate: Digest realm="doorbridge.test", nonce="stale99", algorithm=MD5`
		return [][]byte{sipResponse(req, 401, "Unauthorized", []string{challenge}, "")}
	})

	e := newTestEngine(t, fake.port())
	_, err := e.reg.sendRegister(context.Background(), 120)
	if err == nil {
		t.Fatal("expected an error from sendRegister")
	}
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("err = %v, want ErrAuthRejected", err)
	}
}

func TestRegisterForbidden(t *testing.T) {
	fake := newFakeRegistrar(t, func(req sipMsg) [][]byte {
		return [][]byte{sipResponse(req, 403, "Forbidden", nil, "")}
	})

	e := newTestEngine(t, fake.port())
	_, err := e.reg.sendRegister(context.Background(), 120)
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("err = %v, want ErrAuthRejected", err)
	}
}

func TestRegisterTimeout(t *testing.T) {
	fake := newFakeRegistrar(t, nil) // never responds

	e := newTestEngine(t, fake.port())
	e.reg.registerTimeout = 150 * time.Millisecond

	start := time.Now()
	_, err := e.reg.sendRegister(context.Background(), 120)
	if err == nil {
		t.Fatal("expected an error from sendRegister")
	}
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("sendRegister took %v, want prompt timeout", elapsed)
	}
}

func TestRegistrationLostAfterRepeatedFailures(t *testing.T) {
	fake := newFakeRegistrar(t, func(req sipMsg) [][]byte {
		return [][]byte{sipResponse(req, 503, "Service Unavailable", nil, "")}
	})

	e := newTestEngine(t, fake.port())
	statusCh := make(chan RegistrationState, 32)
	e.OnRegistrationChange(func(st RegistrationState) { statusCh <- st })
	// Shrink the retry delays so the failure ceiling is hit quickly.
	e.reg.backoff = &backoff{baseDelay: time.Millisecond, maxDelay: 4 * time.Millisecond}

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(e.Stop)

	sawFailed := false
	var lost RegistrationState
	deadline := time.After(3 * time.Second)
loop:
	for {
		select {
		case st := <-statusCh:
			switch st.Status {
			case StatusFailed:
				sawFailed = true
			case StatusLost:
				lost = st
				break loop
			}
		case <-deadline:
			t.Fatal("registration never reported lost")
		}
	}

	if !sawFailed {
		t.Error("lost status was not preceded by a failed status")
	}
	if lost.RetryAttempt < failureCeiling {
		t.Errorf("RetryAttempt = %d, want >= %d", lost.RetryAttempt, failureCeiling)
	}
	if !strings.Contains(lost.LastError, "503") {
		t.Errorf("LastError = %q, want the 503 status in it", lost.LastError)
	}
	if lost.FailedAt == nil {
		t.Error("FailedAt not set")
	}
	if got := fake.registerAttempts(); got < failureCeiling {
		t.Errorf("registrar saw %d attempts, want >= %d", got, failureCeiling)
	}
}

func TestKeepalivePingHealthy(t *testing.T) {
	fake := newFakeRegistrar(t, okResponder("Expires: 3600"))

	e := newTestEngine(t, fake.port())
	statusCh := make(chan RegistrationState, 16)
	e.OnRegistrationChange(func(st RegistrationState) { statusCh <- st })
	e.reg.keepalive = 60 * time.Millisecond

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(e.Stop)

	waitStatus(t, statusCh, StatusRegistered)
	waitFor(t, 3*time.Second, func() bool {
		return len(fake.requests("OPTIONS")) >= 2 && e.Registration().KeepaliveHealthy
	}, "keepalive pings not observed")

	if st := e.Registration(); st.LastKeepalive == nil {
		t.Error("LastKeepalive not recorded after successful ping")
	}
}

func TestKeepaliveFailureForcesEarlyRefresh(t *testing.T) {
	fake := newFakeRegistrar(t, func(req sipMsg) [][]byte {
		if req.method() == "OPTIONS" {
			return [][]byte{sipResponse(req, 503, "Service Unavailable", nil, "")}
		}
		return [][]byte{sipResponse(req, 200, "OK", []string{"Expires: 3600"}, "")}
	})

	e := newTestEngine(t, fake.port())
	statusCh := make(chan RegistrationState, 16)
	e.OnRegistrationChange(func(st RegistrationState) { statusCh <- st })
	e.reg.keepalive = 50 * time.Millisecond

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(e.Stop)

	waitStatus(t, statusCh, StatusRegistered)
	// With a 3600s grant the next scheduled refresh is ~48 minutes out,
	// so a second REGISTER can only come from the keepalive kick.
	waitFor(t, 3*time.Second, func() bool {
		return fake.registerAttempts() >= 2
	}, "failed keepalive did not force a re-register")

	if e.Registration().KeepaliveHealthy {
		t.Error("keepalive still reported healthy after failed ping")
	}
}

func TestUnregisterOnStop(t *testing.T) {
	fake := newFakeRegistrar(t, okResponder())

	e := newTestEngine(t, fake.port())
	statusCh := make(chan RegistrationState, 16)
	e.OnRegistrationChange(func(st RegistrationState) { statusCh <- st })

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitStatus(t, statusCh, StatusRegistered)

	e.Stop()

	regs := fake.requests("REGISTER")
	if len(regs) < 2 {
		t.Fatalf("got %d REGISTER messages, want initial + un-register", len(regs))
	}
	if got := regs[len(regs)-1].header("Expires"); got != "0" {
		t.Errorf("final REGISTER Expires = %q, want 0", got)
	}
	if st := e.Registration(); st.Status != StatusUnregistered {
		t.Errorf("status after Stop = %q, want %q", st.Status, StatusUnregistered)
	}
}
