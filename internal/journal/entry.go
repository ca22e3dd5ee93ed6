// Package journal records the lifecycle of gateway connections as a
// stream of CBOR-encoded entries: state transitions, dropped stale
// events, migrations and publication changes.
package journal

import (
	"fmt"
	"time"
)

// Entry is one journaled lifecycle record.
// CBOR encoding uses integer keys for compactness.
type Entry struct {
	// Time the entry was recorded.
	Time time.Time `cbor:"1,keyasint"`

	// Connection is the connection instance id (UUID).
	Connection string `cbor:"2,keyasint"`

	// Kind classifies the entry.
	Kind Kind `cbor:"3,keyasint"`

	// From and To are state names for transitions.
	From string `cbor:"4,keyasint,omitempty"`
	To   string `cbor:"5,keyasint,omitempty"`

	// Event names the event that caused the entry.
	Event string `cbor:"6,keyasint,omitempty"`

	// Token is the generation token the entry refers to.
	Token uint64 `cbor:"7,keyasint,omitempty"`

	// FailedAttempts is the retry counter after the entry.
	FailedAttempts int `cbor:"8,keyasint,omitempty"`

	// Reason is the disconnect reason, when one applies.
	Reason string `cbor:"9,keyasint,omitempty"`

	// Network is the id of the underlying network at the time.
	Network string `cbor:"10,keyasint,omitempty"`

	// Error carries the error text, when one applies.
	Error string `cbor:"11,keyasint,omitempty"`
}

// Kind classifies journal entries.
type Kind uint8

const (
	KindTransition Kind = iota + 1
	KindDropped
	KindMigrated
	KindForcedClose
	KindPublished
	KindRetracted
	KindError
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindTransition:
		return "transition"
	case KindDropped:
		return "dropped"
	case KindMigrated:
		return "migrated"
	case KindForcedClose:
		return "forced-close"
	case KindPublished:
		return "published"
	case KindRetracted:
		return "retracted"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// String renders the entry on one line for terminal output.
func (e Entry) String() string {
	s := fmt.Sprintf("%s %s %-12s", e.Time.Format("2006-01-02T15:04:05.000"), shortID(e.Connection), e.Kind)
	if e.From != "" || e.To != "" {
		s += fmt.Sprintf(" %s -> %s", e.From, e.To)
	}
	if e.Event != "" {
		s += " event=" + e.Event
	}
	if e.Token != 0 {
		s += fmt.Sprintf(" token=%d", e.Token)
	}
	if e.FailedAttempts != 0 {
		s += fmt.Sprintf(" failed=%d", e.FailedAttempts)
	}
	if e.Reason != "" {
		s += " reason=" + e.Reason
	}
	if e.Network != "" {
		s += " network=" + e.Network
	}
	if e.Error != "" {
		s += fmt.Sprintf(" error=%q", e.Error)
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Journal receives lifecycle entries.  Implementations must be safe for
// concurrent use and must not block for long.
type Journal interface {
	Record(e Entry)
}

// Nop discards all entries.  It is usable as a zero value.
type Nop struct{}

// Record discards the entry.
func (Nop) Record(Entry) {}

var _ Journal = Nop{}
