// Package netmon selects the underlying network a gateway connection
// runs over and reports changes to it.
package netmon

import (
	"sync"

	"github.com/google/uuid"

	"gwlink/internal/gateway"
)

// Manual is a tracker whose selected network is set by hand, from the
// console or from tests.  Every subscriber sees every change.
type Manual struct {
	mu      sync.Mutex
	current *gateway.NetworkRecord
	subs    map[*manualSub]struct{}
}

// NewManual returns a tracker with no network selected.
func NewManual() *Manual {
	return &Manual{subs: make(map[*manualSub]struct{})}
}

type manualSub struct {
	m     *Manual
	group uuid.UUID
	cb    func(*gateway.NetworkRecord)

	mu   sync.Mutex // held while delivering
	done bool
}

// Track subscribes cb.  The current selection is delivered before Track
// returns.  It satisfies gateway.TrackerFactory.
func (m *Manual) Track(group uuid.UUID, cb func(*gateway.NetworkRecord)) gateway.NetworkTracker {
	s := &manualSub{m: m, group: group, cb: cb}
	m.mu.Lock()
	m.subs[s] = struct{}{}
	cur := m.current.Clone()
	m.mu.Unlock()

	s.deliver(cur)
	return s
}

// Set selects rec (nil meaning no usable network) and notifies every
// subscriber.
func (m *Manual) Set(rec *gateway.NetworkRecord) {
	m.mu.Lock()
	m.current = rec.Clone()
	subs := make([]*manualSub, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.deliver(rec.Clone())
	}
}

// Clear is Set(nil).
func (m *Manual) Clear() { m.Set(nil) }

// Current returns the selected network.
func (m *Manual) Current() *gateway.NetworkRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.Clone()
}

// Subscribers returns the number of live subscriptions.
func (m *Manual) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (s *manualSub) deliver(rec *gateway.NetworkRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.cb(rec)
}

// Teardown unsubscribes.  It waits for an in-flight delivery, so no
// callback runs after it returns.
func (s *manualSub) Teardown() {
	s.m.mu.Lock()
	delete(s.m.subs, s)
	s.m.mu.Unlock()

	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
}
