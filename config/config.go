// Package config defines the configuration of a gateway connection and
// provides helpers for parsing gateway specifications and retry
// schedules.
package config

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	gwerrors "gwlink/internal/errors"
	"gwlink/internal/retry"
)

// Negotiation engines.
const (
	EngineNoise = "noise"
	EngineSSH   = "ssh"
)

// Retry policies.
const (
	PolicySchedule    = "schedule"
	PolicyExponential = "exponential"
)

// Config holds every tuneable for a single gateway connection.  It is
// treated as immutable once handed to a connection; use [Config.Clone]
// to derive a modified copy.
type Config struct {
	// ── Gateway ──────────────────────────────────────────────────────
	GatewaySpec string        // raw [user@]host[:port] positional argument
	Engine      string        // "noise" or "ssh"
	Host        string
	Port        int
	Transport   string        // noise only: "udp" or "tcp"
	NoDNS       bool
	ConnTimeout time.Duration // dial + handshake bound

	// ── Noise engine ─────────────────────────────────────────────────
	StaticKeyPath string // local static private key (hex or base64)
	GatewayKey    string // gateway static public key (hex or base64)
	PSKFile       string // optional pre-shared key file
	PSKPrompt     bool   // true → prompt interactively

	// ── SSH engine ───────────────────────────────────────────────────
	SSHUser        string
	SSHKeyPath     string
	SSHPassword    bool // true → prompt interactively
	UseSSHAgent    bool
	StrictHostKey  bool
	KnownHostsPath string
	TunnelUnit     int    // remote tun device unit, -1 = any
	TunnelAddress  string // local inner address (CIDR) for ssh tunnels
	TunnelPeer     string // remote inner address

	// ── Lifecycle timers ─────────────────────────────────────────────
	TeardownTimeout time.Duration
	LossGrace       time.Duration
	RetryPolicy     string
	RetrySchedule   []time.Duration
	RetryInitial    time.Duration
	RetryMax        time.Duration

	// ── Underlying network ───────────────────────────────────────────
	Interface    string // interface to track; empty = manual only
	PollInterval time.Duration

	// ── Output ───────────────────────────────────────────────────────
	Verbose     int
	JournalPath string
	MetricsAddr string
	Console     bool
}

// Default returns a Config populated from defaults.go.
func Default() *Config {
	return &Config{
		Engine:          EngineNoise,
		Transport:       DefaultTransport,
		ConnTimeout:     DefaultConnTimeout,
		TunnelUnit:      DefaultTunnelUnit,
		TeardownTimeout: DefaultTeardownTimeout,
		LossGrace:       DefaultLossGrace,
		RetryPolicy:     PolicySchedule,
		RetryInitial:    DefaultRetryInitial,
		RetryMax:        DefaultRetryMax,
		PollInterval:    DefaultPollInterval,
		Verbose:         1,
	}
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	out := *c
	if c.RetrySchedule != nil {
		out.RetrySchedule = make([]time.Duration, len(c.RetrySchedule))
		copy(out.RetrySchedule, c.RetrySchedule)
	}
	return &out
}

// Address returns host:port for the gateway.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Policy builds the reconnection policy described by the config.
func (c *Config) Policy() (retry.Policy, error) {
	switch c.RetryPolicy {
	case "", PolicySchedule:
		s, err := retry.NewSchedule(c.RetrySchedule)
		if err != nil {
			return nil, &gwerrors.ConfigError{Field: "retry-schedule", Message: err.Error()}
		}
		return s, nil
	case PolicyExponential:
		return retry.Exponential{Initial: c.RetryInitial, Max: c.RetryMax}, nil
	default:
		return nil, &gwerrors.ConfigError{
			Field:   "retry-policy",
			Value:   c.RetryPolicy,
			Message: "unknown retry policy",
			Hint:    "use schedule or exponential",
		}
	}
}

// ── Gateway-spec parser ──────────────────────────────────────────────

// gatewayRe matches [user@]host[:port], with IPv6 hosts in brackets.
var gatewayRe = regexp.MustCompile(`^(?:([^@]+)@)?(\[[^\]]+\]|[^:@\[\]]+)(?::(\d+))?$`)

// ParseGatewaySpec extracts user, host and port from a string such as
// "vpn@gw.example.com:2222".  Port falls back to defaultPort.
func ParseGatewaySpec(spec string, defaultPort int) (user, host string, port int, err error) {
	m := gatewayRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid gateway %q – expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = strings.TrimSuffix(strings.TrimPrefix(m[2], "["), "]")
	port = defaultPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid gateway port %q", m[3])
		}
	}
	if host == "" {
		return "", "", 0, fmt.Errorf("gateway host is required")
	}
	return user, host, port, nil
}

// ParseSchedule parses a comma-separated list of durations such as
// "1s,5s,30s,5m".
func ParseSchedule(spec string) ([]time.Duration, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	parts := strings.Split(spec, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		d, err := time.ParseDuration(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid retry interval %q: %w", p, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// DefaultPortFor returns the well-known gateway port for an engine.
func DefaultPortFor(engine string) int {
	if engine == EngineSSH {
		return DefaultSSHPort
	}
	return DefaultNoisePort
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
// Every failure is a *errors.ConfigError.
func (c *Config) Validate() error {
	if c.Host == "" {
		return &gwerrors.ConfigError{
			Field:   "gateway",
			Message: "gateway host is required",
			Hint:    "pass [user@]host[:port] as the first argument",
		}
	}
	if c.Port < 1 || c.Port > 65535 {
		return &gwerrors.ConfigError{Field: "port", Value: c.Port, Message: "out of range 1-65535"}
	}

	switch c.Engine {
	case EngineNoise:
		if c.Transport != "udp" && c.Transport != "tcp" {
			return &gwerrors.ConfigError{
				Field:   "transport",
				Value:   c.Transport,
				Message: "unknown transport",
				Hint:    "use udp or tcp",
			}
		}
		if c.StaticKeyPath == "" {
			return &gwerrors.ConfigError{
				Field:   "static-key",
				Message: "required with --engine noise",
				Hint:    "generate one with --genkey",
			}
		}
		if c.GatewayKey == "" {
			return &gwerrors.ConfigError{Field: "gateway-key", Message: "required with --engine noise"}
		}
		if c.PSKFile != "" && c.PSKPrompt {
			return &gwerrors.ConfigError{Field: "psk-file", Message: "--psk-file and --psk are mutually exclusive"}
		}
	case EngineSSH:
		if c.SSHUser == "" {
			return &gwerrors.ConfigError{
				Field:   "gateway",
				Value:   c.GatewaySpec,
				Message: "ssh engine needs a user",
				Hint:    "use user@host[:port]",
			}
		}
		if c.TunnelUnit < -1 {
			return &gwerrors.ConfigError{Field: "tun-unit", Value: c.TunnelUnit, Message: "must be -1 (any) or a unit number"}
		}
		if c.TunnelAddress != "" {
			if _, _, err := net.ParseCIDR(c.TunnelAddress); err != nil {
				return &gwerrors.ConfigError{Field: "tun-address", Value: c.TunnelAddress, Message: "not a CIDR prefix"}
			}
		}
		if c.TunnelPeer != "" && net.ParseIP(c.TunnelPeer) == nil {
			return &gwerrors.ConfigError{Field: "tun-peer", Value: c.TunnelPeer, Message: "not an IP address"}
		}
	default:
		return &gwerrors.ConfigError{
			Field:   "engine",
			Value:   c.Engine,
			Message: "unknown negotiation engine",
			Hint:    "use noise or ssh",
		}
	}

	if c.TeardownTimeout <= 0 {
		return &gwerrors.ConfigError{Field: "teardown-timeout", Value: c.TeardownTimeout, Message: "must be positive"}
	}
	if c.LossGrace <= 0 {
		return &gwerrors.ConfigError{Field: "loss-grace", Value: c.LossGrace, Message: "must be positive"}
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	if c.Interface != "" && c.PollInterval <= 0 {
		return &gwerrors.ConfigError{Field: "poll-interval", Value: c.PollInterval, Message: "must be positive"}
	}
	return nil
}
