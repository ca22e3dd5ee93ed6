package netmon

import (
	"context"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gwlink/config"
	"gwlink/internal/gateway"
	"gwlink/util"
)

// LookupFunc samples one interface.  A nil record with a nil error
// means the interface exists but is not usable.
type LookupFunc func(name string) (*gateway.NetworkRecord, error)

// InterfaceTracker follows a single host interface by polling it.  The
// interface is usable while it is up and carries a unicast address.
type InterfaceTracker struct {
	Name     string
	Interval time.Duration // defaults to config.DefaultPollInterval
	Lookup   LookupFunc    // defaults to LookupInterface
	Log      logrus.FieldLogger
}

// Track reports the first sample before returning, then polls in the
// background and reports only changes.  It satisfies
// gateway.TrackerFactory.
func (t *InterfaceTracker) Track(group uuid.UUID, cb func(*gateway.NetworkRecord)) gateway.NetworkTracker {
	interval := t.Interval
	if interval <= 0 {
		interval = config.DefaultPollInterval
	}
	lookup := t.Lookup
	if lookup == nil {
		lookup = LookupInterface
	}
	log := t.Log
	if log == nil {
		log = util.DiscardLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &poller{
		name:     t.Name,
		interval: interval,
		lookup:   lookup,
		cb:       cb,
		log:      log.WithFields(logrus.Fields{"iface": t.Name, "group": group}),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	p.last = p.sample()
	cb(p.last.Clone())
	go p.run(ctx)
	return p
}

type poller struct {
	name     string
	interval time.Duration
	lookup   LookupFunc
	cb       func(*gateway.NetworkRecord)
	log      logrus.FieldLogger

	last   *gateway.NetworkRecord // owned by run after Track returns
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *poller) run(ctx context.Context) {
	defer close(p.done)
	tick := time.NewTicker(p.interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		rec := p.sample()
		if sameSample(rec, p.last) {
			continue
		}
		p.log.WithFields(logrus.Fields{"from": p.last.String(), "to": rec.String()}).Info("underlying network changed")
		p.last = rec
		if ctx.Err() != nil {
			return
		}
		p.cb(rec.Clone())
	}
}

func (p *poller) sample() *gateway.NetworkRecord {
	rec, err := p.lookup(p.name)
	if err != nil {
		p.log.WithError(err).Debug("interface lookup failed")
		return nil
	}
	return rec
}

// Teardown stops polling and waits for the poller to exit.
func (p *poller) Teardown() {
	p.cancel()
	<-p.done
}

func sameSample(a, b *gateway.NetworkRecord) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID && a.LocalIP.Equal(b.LocalIP) && a.MTU == b.MTU
}

// LookupInterface samples a host interface through the net package.
func LookupInterface(name string) (*gateway.NetworkRecord, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return nil, err
	}
	if ifi.Flags&net.FlagUp == 0 {
		return nil, nil
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil, err
	}
	ip := util.FirstUnicast(addrs)
	if ip == nil {
		return nil, nil
	}
	return &gateway.NetworkRecord{ID: ifi.Name, Interface: ifi.Name, LocalIP: ip, MTU: ifi.MTU}, nil
}
