package config

import (
	"log/slog"
	"os"
	"testing"
)

// baseArgs supplies the required flags so Load passes validation.
func baseArgs(extra ...string) []string {
	args := []string{"doorbridge", "--sip-server", "voip.example.net", "--sip-username", "10001234"}
	return append(args, extra...)
}

func TestDefaults(t *testing.T) {
	// Clear any env vars that might interfere.
	for _, env := range []string{
		"DOORBRIDGE_SIP_SERVER", "DOORBRIDGE_SIP_PORT", "DOORBRIDGE_SIP_LOCAL_PORT",
		"DOORBRIDGE_RTP_PORT_MIN", "DOORBRIDGE_RTP_PORT_MAX", "DOORBRIDGE_HTTP_PORT",
		"DOORBRIDGE_LOG_LEVEL", "DOORBRIDGE_STREAM_URL",
	} {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}

	os.Args = baseArgs()
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.SIPPort != defaultSIPPort {
		t.Errorf("SIPPort = %d, want %d", cfg.SIPPort, defaultSIPPort)
	}
	if cfg.SIPLocalPort != defaultSIPLocalPort {
		t.Errorf("SIPLocalPort = %d, want %d", cfg.SIPLocalPort, defaultSIPLocalPort)
	}
	if cfg.RegisterExpiry != defaultRegisterExpiry {
		t.Errorf("RegisterExpiry = %d, want %d", cfg.RegisterExpiry, defaultRegisterExpiry)
	}
	if cfg.RTPPortMin != defaultRTPPortMin {
		t.Errorf("RTPPortMin = %d, want %d", cfg.RTPPortMin, defaultRTPPortMin)
	}
	if cfg.RTPPortMax != defaultRTPPortMax {
		t.Errorf("RTPPortMax = %d, want %d", cfg.RTPPortMax, defaultRTPPortMax)
	}
	if cfg.AudioCodec != defaultAudioCodec {
		t.Errorf("AudioCodec = %q, want %q", cfg.AudioCodec, defaultAudioCodec)
	}
	if cfg.DoorMode != defaultDoorMode {
		t.Errorf("DoorMode = %q, want %q", cfg.DoorMode, defaultDoorMode)
	}
	if cfg.HTTPPort != defaultHTTPPort {
		t.Errorf("HTTPPort = %d, want %d", cfg.HTTPPort, defaultHTTPPort)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
}

func TestEnvVarOverride(t *testing.T) {
	os.Args = baseArgs()
	t.Setenv("DOORBRIDGE_HTTP_PORT", "9090")
	t.Setenv("DOORBRIDGE_STREAM_URL", "http://10.0.0.5/live/door.m3u8")
	t.Setenv("DOORBRIDGE_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.HTTPPort)
	}
	if cfg.StreamURL != "http://10.0.0.5/live/door.m3u8" {
		t.Errorf("StreamURL = %q, want http://10.0.0.5/live/door.m3u8", cfg.StreamURL)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	// CLI flags should override env vars.
	os.Args = baseArgs("--http-port", "3000", "--log-level", "warn")
	t.Setenv("DOORBRIDGE_HTTP_PORT", "9090")
	t.Setenv("DOORBRIDGE_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 3000 {
		t.Errorf("HTTPPort = %d, want 3000 (CLI should override env)", cfg.HTTPPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestValidateMissingServer(t *testing.T) {
	os.Args = []string{"doorbridge", "--sip-username", "10001234"}
	if _, err := Load(); err == nil {
		t.Fatal("expected error when sip-server is missing, got nil")
	}
}

func TestValidateOddRTPPortMin(t *testing.T) {
	os.Args = baseArgs("--rtp-port-min", "10001")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for odd rtp-port-min, got nil")
	}
}

func TestValidateInvalidDoorMode(t *testing.T) {
	os.Args = baseArgs("--door-mode", "carrier-pigeon")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid door mode, got nil")
	}
}

func TestValidateStreamCredsMismatch(t *testing.T) {
	os.Args = baseArgs("--stream-username", "admin")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when stream-username provided without stream-password")
	}
}

func TestValidateStreamSecret(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		wantErr bool
	}{
		{"empty disables", "", false},
		{"valid 32 bytes", "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f", false},
		{"not hex", "zzzz", true},
		{"too short", "0001", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Args = baseArgs()
			if tt.secret != "" {
				os.Args = baseArgs("--stream-secret", tt.secret)
			}
			_, err := Load()
			if tt.wantErr && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateEventURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"empty disables", "", false},
		{"http", "http://homehub.local:8123/api/webhook/doorbridge", false},
		{"https", "https://homehub.local/hook", false},
		{"bad scheme", "ftp://homehub.local/hook", true},
		{"not a url", "::nope", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Args = baseArgs()
			if tt.url != "" {
				os.Args = baseArgs("--event-url", tt.url)
			}
			_, err := Load()
			if tt.wantErr && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.SlogLevel(); got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSIPServerAddr(t *testing.T) {
	cfg := &Config{SIPServer: "voip.example.net", SIPPort: 9060}
	if got := cfg.SIPServerAddr(); got != "voip.example.net:9060" {
		t.Errorf("SIPServerAddr() = %q, want voip.example.net:9060", got)
	}
}
