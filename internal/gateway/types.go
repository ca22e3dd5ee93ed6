// Package gateway implements the lifecycle controller for one
// secure-tunnel connection to a gateway.
//
// A Connection is a single-goroutine state machine.  Every external
// stimulus (underlying network changes, negotiation engine callbacks,
// timer expiries, disconnect and teardown requests) is converted into a
// typed event, tagged with the generation token it belongs to, and
// pushed onto an unbounded queue.  The loop goroutine consumes events in
// arrival order, drops any whose token is no longer current, and drives
// the five states Disconnected, Connecting, Connected, Disconnecting and
// RetryTimeout.
//
// The negotiation engine, the underlying-network tracker, the tunnel
// interface and the network publisher are collaborators supplied through
// [Dependencies]; this package owns only their lifecycle.
package gateway

import (
	"context"
	"fmt"
	"net"

	"github.com/google/uuid"

	"gwlink/config"
)

// ── Packet transforms ────────────────────────────────────────────────

// Direction selects the inbound or outbound half of a transform set.
type Direction uint8

const (
	DirectionIn Direction = iota
	DirectionOut
)

func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "in"
	case DirectionOut:
		return "out"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// Transform is the per-direction packet processing rule produced by a
// child security association.  Outbound transforms encapsulate, inbound
// transforms decapsulate.
type Transform interface {
	// SPI identifies the security association for logs and dumps.
	SPI() uint32
	// Apply processes pkt, appending the result to dst.
	Apply(dst, pkt []byte) ([]byte, error)
}

// TransformSet holds both halves of a child security association.
type TransformSet struct {
	In  Transform
	Out Transform
}

// Complete reports whether both directions are present.
func (ts TransformSet) Complete() bool { return ts.In != nil && ts.Out != nil }

// Get returns the transform for dir.
func (ts TransformSet) Get(dir Direction) Transform {
	if dir == DirectionIn {
		return ts.In
	}
	return ts.Out
}

// Set stores t for dir.
func (ts *TransformSet) Set(dir Direction, t Transform) {
	if dir == DirectionIn {
		ts.In = t
	} else {
		ts.Out = t
	}
}

// ChildConfig is the tunnel configuration negotiated for the child
// association: inner addresses, routes, resolvers and MTU.
type ChildConfig struct {
	Addresses []string `cbor:"1,keyasint,omitempty"` // CIDR prefixes assigned to the local end
	Routes    []string `cbor:"2,keyasint,omitempty"` // CIDR prefixes reachable through the tunnel
	DNS       []string `cbor:"3,keyasint,omitempty"`
	MTU       int      `cbor:"4,keyasint,omitempty"`
}

// Clone returns a deep copy.
func (c ChildConfig) Clone() ChildConfig {
	return ChildConfig{
		Addresses: append([]string(nil), c.Addresses...),
		Routes:    append([]string(nil), c.Routes...),
		DNS:       append([]string(nil), c.DNS...),
		MTU:       c.MTU,
	}
}

// ── Underlying network ───────────────────────────────────────────────

// NetworkRecord describes a usable underlying network.  Records are
// replaced wholesale on every change; identity is the ID.
type NetworkRecord struct {
	ID        string
	Interface string
	LocalIP   net.IP // source address to bind to, nil if unknown
	MTU       int
}

// Clone returns a deep copy; nil stays nil.
func (r *NetworkRecord) Clone() *NetworkRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.LocalIP != nil {
		out.LocalIP = append(net.IP(nil), r.LocalIP...)
	}
	return &out
}

// SameNetwork reports whether r and o identify the same network.
func (r *NetworkRecord) SameNetwork(o *NetworkRecord) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.ID == o.ID
}

// SameBinding reports whether r and o are the same network reached
// through the same local address, so a session bound to one still
// works on the other.  Only fields such as the MTU may differ.
func (r *NetworkRecord) SameBinding(o *NetworkRecord) bool {
	if !r.SameNetwork(o) {
		return false
	}
	return r == nil || r.LocalIP.Equal(o.LocalIP)
}

func (r *NetworkRecord) String() string {
	if r == nil {
		return "none"
	}
	s := r.ID
	if r.Interface != "" && r.Interface != r.ID {
		s += "/" + r.Interface
	}
	if r.LocalIP != nil {
		s += "@" + r.LocalIP.String()
	}
	return s
}

// NetworkTracker is a live subscription to underlying network changes.
type NetworkTracker interface {
	// Teardown unsubscribes.  No callback is delivered after it returns.
	Teardown()
}

// TrackerFactory subscribes cb to the selected underlying network for
// group.  cb receives the current best network or nil when none is
// usable; it may be invoked from any goroutine, including synchronously
// from the factory itself.
type TrackerFactory func(group uuid.UUID, cb func(*NetworkRecord)) NetworkTracker

// ── Negotiation engine ───────────────────────────────────────────────

// NegotiationParams is everything an engine needs for one attempt.
type NegotiationParams struct {
	Token      Token
	Config     *config.Config
	Underlying *NetworkRecord
}

// Engine starts secure-tunnel negotiations.
type Engine interface {
	// StartNegotiation begins an attempt and returns without waiting for
	// it.  Progress is reported through cb from any goroutine.  ctx is
	// cancelled when the session is force-closed.
	StartNegotiation(ctx context.Context, p NegotiationParams, cb SessionCallback) (EngineSession, error)
}

// SessionCallback receives the outcome of one negotiation.
type SessionCallback interface {
	OnOpened()
	OnChildTransformCreated(dir Direction, t Transform)
	OnChildOpened(cfg ChildConfig)
	OnSessionLost(err error)
	OnSessionClosed(err error)
}

// EngineSession is a live negotiation.
type EngineSession interface {
	// RequestClose asks for a graceful close; OnSessionClosed follows.
	RequestClose()
	// ForceClose tears the session down immediately.
	ForceClose()
}

// Migrator is implemented by sessions that can move to a new underlying
// network without renegotiating.
type Migrator interface {
	Migrate(rec *NetworkRecord) error
}

// ── Publication and tunnel interface ─────────────────────────────────

// AgentHandle identifies a published virtual network.  Zero means none.
type AgentHandle uint64

// NetworkPublisher exposes the virtual network to the rest of the host.
type NetworkPublisher interface {
	CreateNetworkAgent(ts TransformSet, child ChildConfig) (AgentHandle, error)
	Destroy(h AgentHandle) error
}

// AgentUpdater is implemented by publishers that can update a published
// network in place after a child reconfiguration.
type AgentUpdater interface {
	UpdateNetworkAgent(h AgentHandle, child ChildConfig) error
}

// TunnelInterface is the host tunnel device the transforms are applied to.
type TunnelInterface interface {
	ApplyTransform(dir Direction, t Transform) error
	Close() error
}

// TunnelFactory creates the tunnel interface for a connection.
type TunnelFactory func() (TunnelInterface, error)

// ── Disconnect reasons ───────────────────────────────────────────────

// DisconnectReason records why a disconnect was requested.
type DisconnectReason uint8

const (
	ReasonNone DisconnectReason = iota
	ReasonTeardown
	ReasonNetworkLost
	ReasonInternalError
	ReasonOperator
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonTeardown:
		return "teardown"
	case ReasonNetworkLost:
		return "underlying-network-lost"
	case ReasonInternalError:
		return "internal-error"
	case ReasonOperator:
		return "operator"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}
