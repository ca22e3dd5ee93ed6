// Package errors provides domain-specific error types for gwlink.
//
// These types carry structured context (operation, gateway, token,
// retryability) that the connection state machine uses to decide between
// a retry and a terminal disconnect, and that gives better diagnostics
// than plain string wrapping.
package errors

import (
	"errors"
	"fmt"
	"net"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrTornDown        = errors.New("gateway connection is torn down")
	ErrTunnelInterface = errors.New("tunnel interface unavailable")
	ErrTokenReused     = errors.New("negotiation already started for token")
	ErrNotConnected    = errors.New("not connected")
	ErrSessionClosed   = errors.New("session closed")
	ErrTimeout         = errors.New("operation timed out")
	ErrAuthFailed      = errors.New("authentication failed")
	ErrHostKeyMismatch = errors.New("host key mismatch")
	ErrUnsupported     = errors.New("operation not supported")
)

// ── Structured error types ───────────────────────────────────────────

// NetworkError represents a failure in a network operation.
type NetworkError struct {
	Op        string // operation: "dial", "read", "write"
	Addr      string // network address involved
	Err       error  // underlying error
	Retryable bool   // whether the caller should retry
}

func (e *NetworkError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *NetworkError) Unwrap() error { return e.Err }

// EngineError represents a negotiation-engine failure with gateway context.
type EngineError struct {
	Engine string // "noise", "ssh"
	Op     string // "handshake", "auth", "channel", "close"
	Host   string
	Port   int
	Err    error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s %s %s:%d: %v", e.Engine, e.Op, e.Host, e.Port, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// SessionError ties a session failure to the token of the negotiation
// that produced it.
type SessionError struct {
	Token uint64
	Op    string // "start", "lost", "closed", "migrate"
	Err   error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %d %s: %v", e.Token, e.Op, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Wrap creates a NetworkError, automatically detecting retryability
// from the underlying error.
func Wrap(op, addr string, err error) *NetworkError {
	return &NetworkError{
		Op:        op,
		Addr:      addr,
		Err:       err,
		Retryable: classifyRetryable(err),
	}
}

// WrapEngine creates an EngineError.
func WrapEngine(engine, op, host string, port int, err error) *EngineError {
	return &EngineError{Engine: engine, Op: op, Host: host, Port: port, Err: err}
}

// WrapSession creates a SessionError.
func WrapSession(token uint64, op string, err error) *SessionError {
	return &SessionError{Token: token, Op: op, Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	return classifyRetryable(err)
}

// IsTerminal reports whether err means that reconnecting with the same
// configuration cannot succeed: credentials were rejected, the gateway
// identity did not match, or the configuration itself is invalid.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrHostKeyMismatch) {
		return true
	}
	var ce *ConfigError
	return errors.As(err, &ce)
}

// classifyRetryable inspects standard library error types.
func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	// net.OpError with Temporary() hint
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Temporary() //nolint:staticcheck // Temporary is deprecated but still useful
	}
	// DNS errors
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary() //nolint:staticcheck
	}
	return false
}

// ── Re-exports for convenience ───────────────────────────────────────
//
// These allow callers to use gwlink/internal/errors as a drop-in
// replacement for the standard library in common operations.

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Unwrap is [errors.Unwrap].
func Unwrap(err error) error { return errors.Unwrap(err) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
