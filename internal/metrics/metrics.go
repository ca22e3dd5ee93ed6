// Package metrics provides lightweight, lock-free counters and gauges
// for tracking the lifecycle of a gateway connection.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for one gateway connection.
// A nil Collector is safe to use: all methods become no-ops.
type Collector struct {
	attempts        atomic.Int64
	established     atomic.Int64
	sessionsLost    atomic.Int64
	retries         atomic.Int64
	staleEvents     atomic.Int64
	forcedTeardowns atomic.Int64
	transitions     atomic.Int64
	publications    atomic.Int64
	published       atomic.Bool
	errorsTotal     atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	state        string
	stateSince   time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	now := time.Now()
	return &Collector{startTime: now, stateSince: now}
}

// ── Negotiation metrics ──────────────────────────────────────────────

// AttemptStarted records a new negotiation attempt.
func (c *Collector) AttemptStarted() {
	if c == nil {
		return
	}
	c.attempts.Add(1)
}

// Established records a negotiation that reached Connected.
func (c *Collector) Established() {
	if c == nil {
		return
	}
	c.established.Add(1)
}

// SessionLost records an unsolicited session loss.
func (c *Collector) SessionLost() {
	if c == nil {
		return
	}
	c.sessionsLost.Add(1)
}

// RetryScheduled records an entry into the retry wait.
func (c *Collector) RetryScheduled() {
	if c == nil {
		return
	}
	c.retries.Add(1)
}

// StaleEventDropped records an event discarded for carrying an old token.
func (c *Collector) StaleEventDropped() {
	if c == nil {
		return
	}
	c.staleEvents.Add(1)
}

// ForcedTeardown records a close that had to be escalated because the
// engine never acknowledged it.
func (c *Collector) ForcedTeardown() {
	if c == nil {
		return
	}
	c.forcedTeardowns.Add(1)
}

// Attempts returns the lifetime negotiation attempt count.
func (c *Collector) Attempts() int64 {
	if c == nil {
		return 0
	}
	return c.attempts.Load()
}

// Retries returns how many times the retry wait was entered.
func (c *Collector) Retries() int64 {
	if c == nil {
		return 0
	}
	return c.retries.Load()
}

// StaleEvents returns the number of dropped stale events.
func (c *Collector) StaleEvents() int64 {
	if c == nil {
		return 0
	}
	return c.staleEvents.Load()
}

// ForcedTeardowns returns the number of escalated closes.
func (c *Collector) ForcedTeardowns() int64 {
	if c == nil {
		return 0
	}
	return c.forcedTeardowns.Load()
}

// ── State metrics ────────────────────────────────────────────────────

// Transition records a state change.
func (c *Collector) Transition(to string) {
	if c == nil {
		return
	}
	c.transitions.Add(1)
	c.mu.Lock()
	c.state = to
	c.stateSince = time.Now()
	c.mu.Unlock()
}

// State returns the most recently recorded state name.
func (c *Collector) State() string {
	if c == nil {
		return ""
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Transitions returns the total number of state changes.
func (c *Collector) Transitions() int64 {
	if c == nil {
		return 0
	}
	return c.transitions.Load()
}

// ── Publication metrics ──────────────────────────────────────────────

// NetworkPublished records creation of the virtual network handle.
func (c *Collector) NetworkPublished() {
	if c == nil {
		return
	}
	c.publications.Add(1)
	c.published.Store(true)
}

// NetworkRetracted records destruction of the virtual network handle.
func (c *Collector) NetworkRetracted() {
	if c == nil {
		return
	}
	c.published.Store(false)
}

// Published reports whether a virtual network is currently published.
func (c *Collector) Published() bool {
	if c == nil {
		return false
	}
	return c.published.Load()
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime           string `json:"uptime"`
	State            string `json:"state,omitempty"`
	StateFor         string `json:"state_for,omitempty"`
	Attempts         int64  `json:"attempts"`
	Established      int64  `json:"established"`
	SessionsLost     int64  `json:"sessions_lost"`
	Retries          int64  `json:"retries"`
	StaleEvents      int64  `json:"stale_events"`
	ForcedTeardowns  int64  `json:"forced_teardowns"`
	Transitions      int64  `json:"transitions"`
	Publications     int64  `json:"publications"`
	Published        bool   `json:"published"`
	ErrorsTotal      int64  `json:"errors_total"`
	LastError        string `json:"last_error,omitempty"`
	LastErrorMessage string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:          time.Since(c.startTime).Truncate(time.Second).String(),
		State:           c.state,
		Attempts:        c.attempts.Load(),
		Established:     c.established.Load(),
		SessionsLost:    c.sessionsLost.Load(),
		Retries:         c.retries.Load(),
		StaleEvents:     c.staleEvents.Load(),
		ForcedTeardowns: c.forcedTeardowns.Load(),
		Transitions:     c.transitions.Load(),
		Publications:    c.publications.Load(),
		Published:       c.published.Load(),
		ErrorsTotal:     c.errorsTotal.Load(),
	}
	if c.state != "" {
		s.StateFor = time.Since(c.stateSince).Truncate(time.Second).String()
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
