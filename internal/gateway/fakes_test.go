package gateway

import (
	"context"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"gwlink/config"
	"gwlink/internal/journal"
	"gwlink/internal/metrics"
)

var (
	netA = &NetworkRecord{ID: "wlan0", Interface: "wlan0", LocalIP: net.ParseIP("192.168.1.10"), MTU: 1500}
	netB = &NetworkRecord{ID: "rmnet0", Interface: "rmnet0", LocalIP: net.ParseIP("10.64.0.7"), MTU: 1420}
)

// ── Manual clock ─────────────────────────────────────────────────────

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	// leaky makes Stop ineffective, reproducing a timer that fires
	// while it is being cancelled.
	leaky bool
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.clock.leaky || t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock forward and runs every timer that became due,
// in expiry order, on the calling goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.fired && !t.stopped && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// ── Engine ───────────────────────────────────────────────────────────

type fakeTransform struct{ spi uint32 }

func (t fakeTransform) SPI() uint32 { return t.spi }

func (t fakeTransform) Apply(dst, pkt []byte) ([]byte, error) { return append(dst, pkt...), nil }

type fakeEngine struct {
	mu         sync.Mutex
	sessions   []*fakeSession
	startErr   error
	autoClose  bool
	migrate    bool
	migrateErr error
}

func (e *fakeEngine) StartNegotiation(ctx context.Context, p NegotiationParams, cb SessionCallback) (EngineSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := &fakeSession{ctx: ctx, params: p, cb: cb, autoClose: e.autoClose, migrateErr: e.migrateErr}
	e.sessions = append(e.sessions, s)
	if e.startErr != nil {
		return nil, e.startErr
	}
	if e.migrate {
		return &migratingSession{s}, nil
	}
	return s, nil
}

func (e *fakeEngine) setStartErr(err error) {
	e.mu.Lock()
	e.startErr = err
	e.mu.Unlock()
}

func (e *fakeEngine) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

func (e *fakeEngine) last() *fakeSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.sessions) == 0 {
		return nil
	}
	return e.sessions[len(e.sessions)-1]
}

func (e *fakeEngine) tokens() []Token {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Token, len(e.sessions))
	for i, s := range e.sessions {
		out[i] = s.params.Token
	}
	return out
}

type fakeSession struct {
	ctx        context.Context
	params     NegotiationParams
	cb         SessionCallback
	autoClose  bool
	migrateErr error

	mu            sync.Mutex
	closeRequests int
	forced        int
	migratedTo    []*NetworkRecord
}

func (s *fakeSession) RequestClose() {
	s.mu.Lock()
	s.closeRequests++
	auto := s.autoClose
	s.mu.Unlock()
	if auto {
		s.cb.OnSessionClosed(nil)
	}
}

func (s *fakeSession) ForceClose() {
	s.mu.Lock()
	s.forced++
	s.mu.Unlock()
}

func (s *fakeSession) closes() (requested, forced int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeRequests, s.forced
}

// complete drives a full successful negotiation.
func (s *fakeSession) complete() {
	s.cb.OnOpened()
	s.cb.OnChildTransformCreated(DirectionIn, fakeTransform{spi: 0x1000 + uint32(s.params.Token)})
	s.cb.OnChildTransformCreated(DirectionOut, fakeTransform{spi: 0x2000 + uint32(s.params.Token)})
	s.cb.OnChildOpened(ChildConfig{Addresses: []string{"10.10.0.2/32"}, Routes: []string{"0.0.0.0/0"}, MTU: 1400})
}

type migratingSession struct{ *fakeSession }

func (m *migratingSession) Migrate(rec *NetworkRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.migrateErr != nil {
		return m.migrateErr
	}
	m.migratedTo = append(m.migratedTo, rec)
	return nil
}

// ── Tunnel, publisher, tracker ───────────────────────────────────────

type fakeTunnel struct {
	mu      sync.Mutex
	applied map[Direction]Transform
	closed  int
}

func newFakeTunnel() *fakeTunnel { return &fakeTunnel{applied: make(map[Direction]Transform)} }

func (t *fakeTunnel) ApplyTransform(dir Direction, tr Transform) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applied[dir] = tr
	return nil
}

func (t *fakeTunnel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed++
	return nil
}

func (t *fakeTunnel) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakePublisher struct {
	mu        sync.Mutex
	next      AgentHandle
	live      map[AgentHandle]ChildConfig
	created   int
	destroyed int
	updates   int
}

func newFakePublisher() *fakePublisher { return &fakePublisher{live: make(map[AgentHandle]ChildConfig)} }

func (p *fakePublisher) CreateNetworkAgent(ts TransformSet, child ChildConfig) (AgentHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	p.live[p.next] = child
	p.created++
	return p.next, nil
}

func (p *fakePublisher) Destroy(h AgentHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.live, h)
	p.destroyed++
	return nil
}

func (p *fakePublisher) UpdateNetworkAgent(h AgentHandle, child ChildConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.live[h] = child
	p.updates++
	return nil
}

func (p *fakePublisher) liveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

type mockPublisher struct{ mock.Mock }

func (m *mockPublisher) CreateNetworkAgent(ts TransformSet, child ChildConfig) (AgentHandle, error) {
	args := m.Called(ts, child)
	return args.Get(0).(AgentHandle), args.Error(1)
}

func (m *mockPublisher) Destroy(h AgentHandle) error {
	return m.Called(h).Error(0)
}

type fakeTracker struct {
	mu        sync.Mutex
	cb        func(*NetworkRecord)
	group     uuid.UUID
	initial   *NetworkRecord
	subscribe int
	teardowns int
}

func (t *fakeTracker) factory(group uuid.UUID, cb func(*NetworkRecord)) NetworkTracker {
	t.mu.Lock()
	t.cb, t.group = cb, group
	t.subscribe++
	initial := t.initial
	t.mu.Unlock()
	if initial != nil {
		cb(initial)
	}
	return t
}

func (t *fakeTracker) Teardown() {
	t.mu.Lock()
	t.teardowns++
	t.cb = nil
	t.mu.Unlock()
}

func (t *fakeTracker) set(rec *NetworkRecord) {
	t.mu.Lock()
	cb := t.cb
	t.mu.Unlock()
	if cb != nil {
		cb(rec)
	}
}

func (t *fakeTracker) counts() (subscribe, teardowns int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subscribe, t.teardowns
}

// ── Harness ──────────────────────────────────────────────────────────

type harness struct {
	t       *testing.T
	cfg     *config.Config
	clock   *fakeClock
	engine  *fakeEngine
	tun     *fakeTunnel
	tunErr  error
	pub     NetworkPublisher
	fakePub *fakePublisher
	tracker *fakeTracker
	metrics *metrics.Collector
	journal *journal.Memory
	conn    *Connection
	newErr  error
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.GatewaySpec = "gw.example.com"
	cfg.Host = "gw.example.com"
	cfg.Port = config.DefaultNoisePort
	cfg.StaticKeyPath = "client.key"
	cfg.GatewayKey = "gateway-public-key"
	return cfg
}

func newHarness(t *testing.T, tweaks ...func(*harness)) *harness {
	t.Helper()
	fp := newFakePublisher()
	h := &harness{
		t:       t,
		cfg:     testConfig(),
		clock:   newFakeClock(),
		engine:  &fakeEngine{autoClose: true},
		tun:     newFakeTunnel(),
		pub:     fp,
		fakePub: fp,
		tracker: &fakeTracker{},
		metrics: metrics.New(),
		journal: &journal.Memory{},
	}
	for _, tw := range tweaks {
		tw(h)
	}

	h.conn, h.newErr = New(uuid.New(), h.cfg, Dependencies{
		Engine:    h.engine,
		Trackers:  h.tracker.factory,
		Publisher: h.pub,
		Tunnels: func() (TunnelInterface, error) {
			if h.tunErr != nil {
				return nil, h.tunErr
			}
			return h.tun, nil
		},
		Clock:   h.clock,
		Metrics: h.metrics,
		Journal: h.journal,
	})
	if h.tunErr == nil {
		require.NoError(t, h.newErr)
	}

	t.Cleanup(func() {
		if h.conn == nil {
			return
		}
		h.conn.TeardownAsynchronously()
		h.sync()
		h.clock.Advance(time.Hour)
		h.waitDone()
	})
	return h
}

// sync waits until the loop has drained every queued event, including
// events posted while handling earlier ones.
func (h *harness) sync() {
	h.t.Helper()
	for i := 0; i < 100; i++ {
		h.conn.flush()
		if h.conn.queue == nil || h.conn.queue.len() == 0 {
			return
		}
	}
	h.t.Fatal("event queue did not drain")
}

func (h *harness) waitDone() {
	h.t.Helper()
	select {
	case <-h.conn.Done():
	case <-time.After(5 * time.Second):
		h.t.Fatalf("connection not torn down, state %s", h.conn.Status().State)
	}
}

func (h *harness) requireState(want State) Status {
	h.t.Helper()
	h.sync()
	s := h.conn.Status()
	require.Equal(h.t, want, s.State, "state")
	return s
}

// connect brings the connection up on rec and returns the live session.
func (h *harness) connect(rec *NetworkRecord) *fakeSession {
	h.t.Helper()
	h.tracker.set(rec)
	h.requireState(StateConnecting)
	sess := h.engine.last()
	require.NotNil(h.t, sess)
	sess.complete()
	h.requireState(StateConnected)
	return sess
}

// transitionsTo returns the journaled transitions into state s.
func (h *harness) transitionsTo(s State) []journal.Entry {
	var out []journal.Entry
	for _, e := range h.journal.Kind(journal.KindTransition) {
		if e.To == s.String() {
			out = append(out, e)
		}
	}
	return out
}
