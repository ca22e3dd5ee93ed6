package vnet

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"gwlink/internal/gateway"
	"gwlink/util"
)

// EventKind classifies publisher notifications.
type EventKind int

const (
	Published EventKind = iota
	Updated
	Destroyed
)

func (k EventKind) String() string {
	switch k {
	case Published:
		return "published"
	case Updated:
		return "updated"
	case Destroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Network is one published virtual network.
type Network struct {
	Handle    gateway.AgentHandle
	Interface string
	Child     gateway.ChildConfig
	SPIIn     uint32
	SPIOut    uint32
	Since     time.Time
}

// Event is delivered to subscribers after every change.
type Event struct {
	Kind    EventKind
	Network Network
}

// Publisher keeps the registry of published networks.
type Publisher struct {
	iface string
	log   logrus.FieldLogger
	now   func() time.Time

	mu      sync.Mutex
	next    gateway.AgentHandle
	nets    map[gateway.AgentHandle]Network
	subs    map[int]func(Event)
	nextSub int
}

var (
	_ gateway.NetworkPublisher = (*Publisher)(nil)
	_ gateway.AgentUpdater     = (*Publisher)(nil)
)

// NewPublisher returns an empty registry for networks on iface.
func NewPublisher(iface string, log logrus.FieldLogger) *Publisher {
	if log == nil {
		log = util.DiscardLogger()
	}
	return &Publisher{
		iface: iface,
		log:   log,
		now:   time.Now,
		nets:  make(map[gateway.AgentHandle]Network),
		subs:  make(map[int]func(Event)),
	}
}

// CreateNetworkAgent publishes a network over a complete transform set.
func (p *Publisher) CreateNetworkAgent(ts gateway.TransformSet, child gateway.ChildConfig) (gateway.AgentHandle, error) {
	if !ts.Complete() {
		return 0, fmt.Errorf("publish: transform set incomplete")
	}
	p.mu.Lock()
	p.next++
	n := Network{
		Handle:    p.next,
		Interface: p.iface,
		Child:     child.Clone(),
		SPIIn:     ts.In.SPI(),
		SPIOut:    ts.Out.SPI(),
		Since:     p.now(),
	}
	p.nets[n.Handle] = n
	p.mu.Unlock()

	p.log.WithFields(logrus.Fields{
		"handle":    n.Handle,
		"iface":     n.Interface,
		"addresses": n.Child.Addresses,
	}).Info("network published")
	p.notify(Event{Kind: Published, Network: n})
	return n.Handle, nil
}

// UpdateNetworkAgent replaces the child configuration of h.
func (p *Publisher) UpdateNetworkAgent(h gateway.AgentHandle, child gateway.ChildConfig) error {
	p.mu.Lock()
	n, ok := p.nets[h]
	if ok {
		n.Child = child.Clone()
		p.nets[h] = n
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("update: unknown network %d", h)
	}
	p.log.WithField("handle", h).Info("network updated")
	p.notify(Event{Kind: Updated, Network: n})
	return nil
}

// Destroy withdraws h.
func (p *Publisher) Destroy(h gateway.AgentHandle) error {
	p.mu.Lock()
	n, ok := p.nets[h]
	delete(p.nets, h)
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("destroy: unknown network %d", h)
	}
	p.log.WithField("handle", h).Info("network withdrawn")
	p.notify(Event{Kind: Destroyed, Network: n})
	return nil
}

// Networks returns the published networks ordered by handle.
func (p *Publisher) Networks() []Network {
	p.mu.Lock()
	out := make([]Network, 0, len(p.nets))
	for _, n := range p.nets {
		out = append(out, n)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// Subscribe registers fn for every later event.  The returned func
// unsubscribes.
func (p *Publisher) Subscribe(fn func(Event)) (cancel func()) {
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

func (p *Publisher) notify(ev Event) {
	p.mu.Lock()
	ids := make([]int, 0, len(p.subs))
	for id := range p.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, p.subs[id])
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
