package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, config file parsing, and environment variable
// loading.

const (
	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultNoisePort is the gateway port for the Noise engine.
	DefaultNoisePort = 51820

	// DefaultTransport carries Noise handshakes and packets.
	DefaultTransport = "udp"

	// DefaultTunnelUnit asks the ssh server for any free tun device.
	DefaultTunnelUnit = -1

	// DefaultConnTimeout bounds dialing and the handshake.
	DefaultConnTimeout = 30 * time.Second

	// DefaultTeardownTimeout is how long Disconnecting waits for the
	// engine to acknowledge a close before forcing it.
	DefaultTeardownTimeout = 5 * time.Second

	// DefaultLossGrace is how long the connection tolerates having no
	// underlying network before disconnecting.
	DefaultLossGrace = 30 * time.Second

	// DefaultRetryInitial is the first delay of the exponential policy.
	DefaultRetryInitial = 1 * time.Second

	// DefaultRetryMax caps the exponential policy.
	DefaultRetryMax = 15 * time.Minute

	// DefaultPollInterval is how often the interface tracker samples.
	DefaultPollInterval = 2 * time.Second
)
