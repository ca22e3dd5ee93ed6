// Package vnet provides the host side of a gateway connection: a
// userspace tunnel interface that applies the negotiated transforms to
// packets, and a publisher that tracks the virtual networks exposed to
// the rest of the process.
package vnet

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"gwlink/internal/gateway"
	"gwlink/util"
)

var (
	ErrClosed      = errors.New("tunnel interface closed")
	ErrNoTransform = errors.New("no transform applied")
	ErrNoUplink    = errors.New("no uplink attached")
)

// Stats are the packet counters of an Interface.
type Stats struct {
	PacketsIn  uint64
	PacketsOut uint64
	BytesIn    uint64
	BytesOut   uint64
	Dropped    uint64
}

// Interface is a userspace tunnel device.  Outgoing packets are sealed
// with the outbound transform and handed to the uplink; sealed packets
// from the engine are opened with the inbound transform and delivered.
// It is safe for concurrent use.
type Interface struct {
	name string
	log  logrus.FieldLogger

	mu      sync.RWMutex
	ts      gateway.TransformSet
	uplink  func([]byte) error
	deliver func([]byte)
	closed  bool

	pktIn, pktOut     atomic.Uint64
	bytesIn, bytesOut atomic.Uint64
	dropped           atomic.Uint64
}

var _ gateway.TunnelInterface = (*Interface)(nil)

// NewInterface returns an open interface with no transforms.
func NewInterface(name string, log logrus.FieldLogger) *Interface {
	if log == nil {
		log = util.DiscardLogger()
	}
	return &Interface{name: name, log: log.WithField("iface", name)}
}

func (i *Interface) Name() string { return i.name }

// ApplyTransform installs t for dir, replacing any previous transform.
func (i *Interface) ApplyTransform(dir gateway.Direction, t gateway.Transform) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return ErrClosed
	}
	i.ts.Set(dir, t)
	i.log.WithFields(logrus.Fields{"dir": dir, "spi": fmt.Sprintf("%#08x", t.SPI())}).Debug("transform applied")
	return nil
}

// Transforms returns the transforms currently applied.
func (i *Interface) Transforms() gateway.TransformSet {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.ts
}

// SetUplink sets where sealed packets are written, typically the
// engine's Send.
func (i *Interface) SetUplink(f func([]byte) error) {
	i.mu.Lock()
	i.uplink = f
	i.mu.Unlock()
}

// SetDeliver sets the receiver of opened packets.
func (i *Interface) SetDeliver(f func([]byte)) {
	i.mu.Lock()
	i.deliver = f
	i.mu.Unlock()
}

// Encapsulate seals pkt with the outbound transform.
func (i *Interface) Encapsulate(pkt []byte) ([]byte, error) {
	return i.apply(gateway.DirectionOut, pkt)
}

// Decapsulate opens a sealed packet with the inbound transform.
func (i *Interface) Decapsulate(sealed []byte) ([]byte, error) {
	return i.apply(gateway.DirectionIn, sealed)
}

func (i *Interface) apply(dir gateway.Direction, pkt []byte) ([]byte, error) {
	i.mu.RLock()
	t, closed := i.ts.Get(dir), i.closed
	i.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoTransform, dir)
	}
	return t.Apply(nil, pkt)
}

// Send seals pkt and writes it to the uplink.
func (i *Interface) Send(pkt []byte) error {
	sealed, err := i.Encapsulate(pkt)
	if err != nil {
		return err
	}
	i.mu.RLock()
	up := i.uplink
	i.mu.RUnlock()
	if up == nil {
		return ErrNoUplink
	}
	if err := up(sealed); err != nil {
		return err
	}
	i.pktOut.Add(1)
	i.bytesOut.Add(uint64(len(pkt)))
	return nil
}

// Receive opens a sealed packet from the engine and delivers it.
// Packets that fail to open are counted and dropped.
func (i *Interface) Receive(sealed []byte) {
	pkt, err := i.Decapsulate(sealed)
	if err != nil {
		i.dropped.Add(1)
		i.log.WithError(err).Debug("dropping inbound packet")
		return
	}
	i.pktIn.Add(1)
	i.bytesIn.Add(uint64(len(pkt)))

	i.mu.RLock()
	deliver := i.deliver
	i.mu.RUnlock()
	if deliver != nil {
		deliver(pkt)
	}
}

// Stats returns a snapshot of the counters.
func (i *Interface) Stats() Stats {
	return Stats{
		PacketsIn:  i.pktIn.Load(),
		PacketsOut: i.pktOut.Load(),
		BytesIn:    i.bytesIn.Load(),
		BytesOut:   i.bytesOut.Load(),
		Dropped:    i.dropped.Load(),
	}
}

// Close detaches the transforms.  It is idempotent.
func (i *Interface) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil
	}
	i.closed = true
	i.ts = gateway.TransformSet{}
	i.log.Debug("tunnel interface closed")
	return nil
}
