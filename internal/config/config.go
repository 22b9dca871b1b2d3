package config

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the DoorBridge service.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	SIPServer      string // intercom platform SIP server host
	SIPPort        int    // intercom platform SIP server port
	SIPLocalPort   int    // local UDP port for SIP signaling
	SIPUsername    string // account number assigned by the intercom operator
	SIPPassword    string // account password for digest authentication
	RegisterExpiry int    // registration lifetime requested in REGISTER, seconds
	KeepaliveSecs  int    // interval between OPTIONS keepalive pings, seconds (0 disables)

	RTPPortMin int    // minimum UDP port for RTP media
	RTPPortMax int    // maximum UDP port for RTP media
	ExternalIP string // IP address advertised in SDP (auto-detected if empty)
	AudioCodec string // preferred audio codec: "pcma" or "pcmu"

	DoorMode string // unlock command transport: "info" (SIP INFO) or "rtp" (in-band RFC 2833)
	DoorCode string // vendor-specific unlock code sent with the door-open command

	AnnounceFile string // G.711 WAV played to the visitor when a call is answered (empty disables)

	StreamURL         string // upstream HLS playlist URL exposed by the intercom
	StreamUsername    string // upstream HTTP digest username (empty if the camera is open)
	StreamPassword    string // upstream HTTP digest password
	StreamSecret      string // hex-encoded 32-byte secret for signed playback tokens (empty disables)
	StreamCORSOrigins string // comma-separated origins allowed to fetch the stream ("*" allows all, empty disables CORS)

	EventURL string // webhook POSTed every lifecycle event as JSON (empty disables)

	HTTPPort  int
	LogLevel  string
	LogFormat string // log output format: "text" or "json"
}

// defaults
const (
	defaultSIPPort        = 5060
	defaultSIPLocalPort   = 5060
	defaultRegisterExpiry = 120
	defaultKeepaliveSecs  = 30
	defaultRTPPortMin     = 10000
	defaultRTPPortMax     = 20000
	defaultAudioCodec     = "pcma"
	defaultDoorMode       = "info"
	defaultDoorCode       = "#"
	defaultHTTPPort       = 8080
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
)

// envPrefix is the prefix for all DoorBridge environment variables.
const envPrefix = "DOORBRIDGE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("doorbridge", flag.ContinueOnError)

	fs.StringVar(&cfg.SIPServer, "sip-server", "", "intercom platform SIP server host")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "intercom platform SIP server port")
	fs.IntVar(&cfg.SIPLocalPort, "sip-local-port", defaultSIPLocalPort, "local UDP port for SIP signaling")
	fs.StringVar(&cfg.SIPUsername, "sip-username", "", "intercom account number for registration")
	fs.StringVar(&cfg.SIPPassword, "sip-password", "", "intercom account password for digest auth")
	fs.IntVar(&cfg.RegisterExpiry, "register-expiry", defaultRegisterExpiry, "registration lifetime requested in REGISTER, seconds")
	fs.IntVar(&cfg.KeepaliveSecs, "keepalive-interval", defaultKeepaliveSecs, "interval between OPTIONS keepalive pings, seconds (0 disables)")
	fs.IntVar(&cfg.RTPPortMin, "rtp-port-min", defaultRTPPortMin, "minimum UDP port for RTP media")
	fs.IntVar(&cfg.RTPPortMax, "rtp-port-max", defaultRTPPortMax, "maximum UDP port for RTP media")
	fs.StringVar(&cfg.ExternalIP, "external-ip", "", "IP address advertised in SDP (auto-detected if empty)")
	fs.StringVar(&cfg.AudioCodec, "audio-codec", defaultAudioCodec, "preferred audio codec (pcma, pcmu)")
	fs.StringVar(&cfg.DoorMode, "door-mode", defaultDoorMode, "unlock command transport (info, rtp)")
	fs.StringVar(&cfg.DoorCode, "door-code", defaultDoorCode, "vendor unlock code sent with the door-open command")
	fs.StringVar(&cfg.AnnounceFile, "announce-file", "", "G.711 WAV file played when a call is answered")
	fs.StringVar(&cfg.StreamURL, "stream-url", "", "upstream HLS playlist URL exposed by the intercom")
	fs.StringVar(&cfg.StreamUsername, "stream-username", "", "upstream HTTP digest username")
	fs.StringVar(&cfg.StreamPassword, "stream-password", "", "upstream HTTP digest password")
	fs.StringVar(&cfg.StreamSecret, "stream-secret", "", "hex-encoded 32-byte secret for signed playback tokens (empty disables token checks)")
	fs.StringVar(&cfg.StreamCORSOrigins, "stream-cors-origins", "*", "comma-separated origins allowed to fetch the stream cross-origin (\"*\" allows all, empty disables CORS)")
	fs.StringVar(&cfg.EventURL, "event-url", "", "webhook URL POSTed every lifecycle event as JSON (empty disables)")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"sip-server":          envPrefix + "SIP_SERVER",
		"sip-port":            envPrefix + "SIP_PORT",
		"sip-local-port":      envPrefix + "SIP_LOCAL_PORT",
		"sip-username":        envPrefix + "SIP_USERNAME",
		"sip-password":        envPrefix + "SIP_PASSWORD",
		"register-expiry":     envPrefix + "REGISTER_EXPIRY",
		"keepalive-interval":  envPrefix + "KEEPALIVE_INTERVAL",
		"rtp-port-min":        envPrefix + "RTP_PORT_MIN",
		"rtp-port-max":        envPrefix + "RTP_PORT_MAX",
		"external-ip":         envPrefix + "EXTERNAL_IP",
		"audio-codec":         envPrefix + "AUDIO_CODEC",
		"door-mode":           envPrefix + "DOOR_MODE",
		"door-code":           envPrefix + "DOOR_CODE",
		"announce-file":       envPrefix + "ANNOUNCE_FILE",
		"stream-url":          envPrefix + "STREAM_URL",
		"stream-username":     envPrefix + "STREAM_USERNAME",
		"stream-password":     envPrefix + "STREAM_PASSWORD",
		"stream-secret":       envPrefix + "STREAM_SECRET",
		"stream-cors-origins": envPrefix + "STREAM_CORS_ORIGINS",
		"event-url":           envPrefix + "EVENT_URL",
		"http-port":           envPrefix + "HTTP_PORT",
		"log-level":           envPrefix + "LOG_LEVEL",
		"log-format":          envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "sip-server":
			cfg.SIPServer = val
		case "sip-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPPort = v
			}
		case "sip-local-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SIPLocalPort = v
			}
		case "sip-username":
			cfg.SIPUsername = val
		case "sip-password":
			cfg.SIPPassword = val
		case "register-expiry":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RegisterExpiry = v
			}
		case "keepalive-interval":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.KeepaliveSecs = v
			}
		case "rtp-port-min":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPPortMin = v
			}
		case "rtp-port-max":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RTPPortMax = v
			}
		case "external-ip":
			cfg.ExternalIP = val
		case "audio-codec":
			cfg.AudioCodec = val
		case "door-mode":
			cfg.DoorMode = val
		case "door-code":
			cfg.DoorCode = val
		case "announce-file":
			cfg.AnnounceFile = val
		case "stream-url":
			cfg.StreamURL = val
		case "stream-username":
			cfg.StreamUsername = val
		case "stream-password":
			cfg.StreamPassword = val
		case "stream-secret":
			cfg.StreamSecret = val
		case "stream-cors-origins":
			cfg.StreamCORSOrigins = val
		case "event-url":
			cfg.EventURL = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.SIPServer == "" {
		return fmt.Errorf("sip-server is required")
	}
	if c.SIPUsername == "" {
		return fmt.Errorf("sip-username is required")
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.SIPLocalPort < 1 || c.SIPLocalPort > 65535 {
		return fmt.Errorf("sip-local-port must be between 1 and 65535, got %d", c.SIPLocalPort)
	}
	if c.RegisterExpiry < 60 {
		return fmt.Errorf("register-expiry must be at least 60 seconds, got %d", c.RegisterExpiry)
	}
	if c.KeepaliveSecs < 0 {
		return fmt.Errorf("keepalive-interval must not be negative, got %d", c.KeepaliveSecs)
	}
	if c.RTPPortMin < 1024 || c.RTPPortMin > 65534 {
		return fmt.Errorf("rtp-port-min must be between 1024 and 65534, got %d", c.RTPPortMin)
	}
	if c.RTPPortMax < c.RTPPortMin+2 || c.RTPPortMax > 65535 {
		return fmt.Errorf("rtp-port-max must be between rtp-port-min+2 and 65535, got %d", c.RTPPortMax)
	}
	// RTP ports must be even (RTP uses even ports, RTCP uses the next odd port).
	if c.RTPPortMin%2 != 0 {
		return fmt.Errorf("rtp-port-min must be even, got %d", c.RTPPortMin)
	}
	validCodecs := map[string]bool{"pcma": true, "pcmu": true}
	if !validCodecs[strings.ToLower(c.AudioCodec)] {
		return fmt.Errorf("audio-codec must be one of pcma, pcmu; got %q", c.AudioCodec)
	}
	c.AudioCodec = strings.ToLower(c.AudioCodec)

	validDoorModes := map[string]bool{"info": true, "rtp": true}
	if !validDoorModes[strings.ToLower(c.DoorMode)] {
		return fmt.Errorf("door-mode must be one of info, rtp; got %q", c.DoorMode)
	}
	c.DoorMode = strings.ToLower(c.DoorMode)

	if c.DoorCode == "" {
		return fmt.Errorf("door-code must not be empty")
	}

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	// Stream digest credentials must both be set or both be empty.
	if (c.StreamUsername == "") != (c.StreamPassword == "") {
		return fmt.Errorf("stream-username and stream-password must both be provided or both be omitted")
	}

	if c.EventURL != "" {
		u, err := url.Parse(c.EventURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("event-url must be an http or https URL, got %q", c.EventURL)
		}
	}

	if c.StreamSecret != "" {
		if _, err := c.StreamSecretBytes(); err != nil {
			return err
		}
	}

	return nil
}

// StreamSecretBytes returns the decoded 32-byte playback token secret, or
// nil if token checks are disabled.
func (c *Config) StreamSecretBytes() ([]byte, error) {
	if c.StreamSecret == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.StreamSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding stream secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("stream secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SIPServerAddr returns the intercom platform's signaling address as host:port.
func (c *Config) SIPServerAddr() string {
	return net.JoinHostPort(c.SIPServer, strconv.Itoa(c.SIPPort))
}

// MediaIP returns the IP address to use in SDP for local media streams.
// If ExternalIP is configured, it is returned directly. Otherwise the
// function attempts to detect the machine's primary non-loopback IPv4 address.
// Falls back to "127.0.0.1" if detection fails.
func (c *Config) MediaIP() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
