package gateway

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gwlink/config"
	gwerrors "gwlink/internal/errors"
	"gwlink/internal/journal"
	"gwlink/internal/metrics"
	"gwlink/internal/retry"
	"gwlink/util"
)

// Dependencies are the collaborators a Connection drives.  Engine,
// Trackers, Publisher and Tunnels are required.
type Dependencies struct {
	Engine    Engine
	Trackers  TrackerFactory
	Publisher NetworkPublisher
	Tunnels   TunnelFactory

	// Policy overrides the retry policy built from the config.
	Policy retry.Policy
	// Clock defaults to the system clock.
	Clock TimeProvider
	// Logger defaults to a discarding logger.
	Logger logrus.FieldLogger
	// Metrics may be nil.
	Metrics *metrics.Collector
	// Journal may be nil.
	Journal journal.Journal
}

// Status is an immutable snapshot of a Connection, safe to read from
// any goroutine.
type Status struct {
	ID             uuid.UUID
	Group          uuid.UUID
	State          State
	Since          time.Time
	Token          Token
	FailedAttempts int
	RetryIn        time.Duration // last scheduled retry delay, while in RetryTimeout
	Underlying     *NetworkRecord
	Published      bool
	TeardownQueued bool
	TornDown       bool
	LastError      string
}

// Connection is the lifecycle controller for one gateway connection.
type Connection struct {
	id      uuid.UUID
	group   uuid.UUID
	cfg     *config.Config
	policy  retry.Policy
	clock   TimeProvider
	log     logrus.FieldLogger
	metrics *metrics.Collector
	journal journal.Journal

	queue      *eventQueue
	timers     *timerSet
	tokens     tokenLedger
	driver     *sessionDriver
	underlying *underlyingAdapter
	network    *publishedNetwork
	cancel     context.CancelFunc

	// ── loop-owned ───────────────────────────────────────────────────
	state          State
	since          time.Time
	underlyingRec  *NetworkRecord
	sessionRec     *NetworkRecord // underlying network the session runs on
	failedAttempts int
	retryDelay     time.Duration
	lossErr        error // why the current session ended; decides retry
	lastErr        error

	disconnectRequested bool
	teardownRequested   bool
	restartPending      bool
	reason              DisconnectReason

	// ── shared ───────────────────────────────────────────────────────
	status       atomic.Pointer[Status]
	quitting     atomic.Bool
	teardownOnce sync.Once
	done         chan struct{}
}

// New creates a Connection for cfg and starts its loop in Disconnected.
// The tunnel interface is created synchronously; if that fails the
// returned Connection is already torn down and the error wraps
// [gwerrors.ErrTunnelInterface].
func New(group uuid.UUID, cfg *config.Config, deps Dependencies) (*Connection, error) {
	if cfg == nil {
		return nil, &gwerrors.ConfigError{Field: "config", Message: "is required"}
	}
	if deps.Engine == nil || deps.Trackers == nil || deps.Publisher == nil || deps.Tunnels == nil {
		return nil, fmt.Errorf("gateway: engine, trackers, publisher and tunnels are required")
	}

	c := &Connection{
		id:      uuid.New(),
		group:   group,
		cfg:     cfg.Clone(),
		policy:  deps.Policy,
		clock:   deps.Clock,
		metrics: deps.Metrics,
		journal: deps.Journal,
		done:    make(chan struct{}),
	}
	if c.policy == nil {
		p, err := c.cfg.Policy()
		if err != nil {
			return nil, err
		}
		c.policy = p
	}
	if c.clock == nil {
		c.clock = RealTimeProvider{}
	}
	if c.journal == nil {
		c.journal = journal.Nop{}
	}
	log := deps.Logger
	if log == nil {
		log = util.DiscardLogger()
	}
	c.log = log.WithFields(logrus.Fields{"conn": c.id.String()[:8], "gateway": c.cfg.Address()})

	c.state = StateDisconnected
	c.since = c.clock.Now()

	tun, err := deps.Tunnels()
	if err != nil {
		c.state = StateTornDown
		c.metrics.Transition(StateTornDown.String())
		c.quitting.Store(true)
		c.teardownOnce.Do(func() {})
		c.publishStatus()
		close(c.done)
		c.record(journal.Entry{Kind: journal.KindError, Error: err.Error()})
		c.record(journal.Entry{Kind: journal.KindTransition, To: StateTornDown.String(), Reason: ReasonInternalError.String()})
		c.log.WithError(err).Error("tunnel interface unavailable, connection torn down")
		return c, fmt.Errorf("%w: %v", gwerrors.ErrTunnelInterface, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.queue = newEventQueue()
	c.timers = newTimerSet(c.clock, c.queue.push)
	c.driver = newSessionDriver(ctx, deps.Engine, c.queue.push, c.log)
	c.network = newPublishedNetwork(tun, deps.Publisher)

	c.metrics.Transition(StateDisconnected.String())
	c.record(journal.Entry{Kind: journal.KindTransition, To: StateDisconnected.String()})
	c.publishStatus()
	c.log.Info("gateway connection created")

	c.underlying = newUnderlyingAdapter(group, deps.Trackers, c.queue.push)

	go c.run()
	return c, nil
}

// ID returns the connection instance id.
func (c *Connection) ID() uuid.UUID { return c.id }

// Status returns the latest snapshot.
func (c *Connection) Status() Status {
	return *c.status.Load()
}

// Done is closed once the connection is torn down.
func (c *Connection) Done() <-chan struct{} { return c.done }

// TeardownAsynchronously requests an irreversible shutdown.  It is safe
// to call from any goroutine any number of times; only the first call
// has an effect.  Wait on [Connection.Done] for completion.
func (c *Connection) TeardownAsynchronously() {
	c.teardownOnce.Do(func() {
		c.quitting.Store(true)
		c.queue.push(event{kind: evDisconnectRequested, token: TokenAny, reason: ReasonTeardown, teardown: true})
	})
}

// Disconnect requests a non-terminal disconnect.  The connection
// converges to Disconnected and reconnects on the next usable network.
func (c *Connection) Disconnect(reason DisconnectReason) error {
	if c.queue == nil || !c.queue.push(event{kind: evDisconnectRequested, token: TokenAny, reason: reason}) {
		return gwerrors.ErrTornDown
	}
	return nil
}

// Dump writes a human-readable description of the connection to w.
// While the loop runs the dump is produced by it, so it is consistent.
func (c *Connection) Dump(w io.Writer) {
	if c.queue != nil {
		done := make(chan struct{})
		if c.queue.push(event{kind: evDump, w: w, done: done}) {
			select {
			case <-done:
				return
			case <-c.done:
			}
		}
	}
	s := c.Status()
	fmt.Fprintf(w, "connection %s (torn down)\n", s.ID)
	fmt.Fprintf(w, "  state:            %s since %s\n", s.State, s.Since.Format(time.RFC3339))
	fmt.Fprintf(w, "  last token:       %d\n", s.Token)
	if s.LastError != "" {
		fmt.Fprintf(w, "  last error:       %s\n", s.LastError)
	}
}

// flush blocks until every event queued before the call is processed.
func (c *Connection) flush() {
	if c.queue == nil {
		return
	}
	done := make(chan struct{})
	if !c.queue.push(event{kind: evFlush, done: done}) {
		return
	}
	select {
	case <-done:
	case <-c.done:
	}
}

// ── Loop ─────────────────────────────────────────────────────────────

func (c *Connection) run() {
	defer close(c.done)
	for {
		ev := c.queue.next()
		if !c.dispatch(ev) {
			return
		}
	}
}

// dispatch handles one event and reports whether the loop continues.
// A panic while handling is converted into an internal-error disconnect.
func (c *Connection) dispatch(ev event) (cont bool) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic handling %s in %s: %v", ev.kind, c.state, r)
			c.log.WithError(err).Error("recovered from panic")
			c.metrics.RecordError(err.Error())
			c.record(journal.Entry{Kind: journal.KindError, Event: ev.kind.String(), Error: err.Error()})
			c.lastErr = err
			if c.teardownRequested || c.state == StateTornDown {
				c.finish()
				cont = false
				return
			}
			c.queue.push(event{kind: evDisconnectRequested, token: TokenAny, reason: ReasonInternalError})
			cont = true
		}
		c.publishStatus()
	}()

	c.handle(ev)
	return c.state != StateTornDown
}

func (c *Connection) handle(ev event) {
	switch ev.kind {
	case evFlush:
		close(ev.done)
		return
	case evDump:
		c.dump(ev.w)
		close(ev.done)
		return
	}

	if ev.kind.isTimer() && !c.timers.fire(ev) {
		c.log.WithFields(logrus.Fields{"event": ev.kind, "token": ev.token}).Trace("ignoring cancelled timer")
		return
	}
	if c.tokens.stale(ev.token) {
		c.metrics.StaleEventDropped()
		c.record(journal.Entry{Kind: journal.KindDropped, Event: ev.kind.String(), Token: uint64(ev.token)})
		c.log.WithFields(logrus.Fields{
			"event":   ev.kind,
			"token":   ev.token,
			"current": c.tokens.Current(),
		}).Debug("dropping stale event")
		return
	}

	c.log.WithFields(logrus.Fields{"event": ev.kind, "token": ev.token, "state": c.state}).Trace("event")

	switch c.state {
	case StateDisconnected:
		c.handleDisconnected(ev)
	case StateConnecting:
		c.handleConnecting(ev)
	case StateConnected:
		c.handleConnected(ev)
	case StateDisconnecting:
		c.handleDisconnecting(ev)
	case StateRetryTimeout:
		c.handleRetryTimeout(ev)
	}
}

// finish releases every resource and stops the loop.  It is the only
// way into TornDown from a running connection.
func (c *Connection) finish() {
	c.timers.stopAll()
	if live, tok := c.driver.Live(); live != nil {
		c.driver.ForceClose(tok)
		c.driver.Release(tok)
	}
	c.underlying.teardown()
	c.retract()
	if err := c.network.close(); err != nil {
		c.log.WithError(err).Warn("closing tunnel interface")
	}
	c.cancel()
	c.setState(StateTornDown, "teardown")
	c.queue.close()
	c.log.Info("gateway connection torn down")
}

// ── Bookkeeping ──────────────────────────────────────────────────────

func (c *Connection) setState(to State, cause string) {
	from := c.state
	c.state = to
	c.since = c.clock.Now()
	c.metrics.Transition(to.String())
	c.record(journal.Entry{
		Kind:           journal.KindTransition,
		From:           from.String(),
		To:             to.String(),
		Event:          cause,
		Token:          uint64(c.tokens.Current()),
		FailedAttempts: c.failedAttempts,
		Reason:         reasonText(c.reason),
		Network:        networkID(c.underlyingRec),
	})
	c.log.WithFields(logrus.Fields{
		"from":  from,
		"state": to,
		"event": cause,
		"token": c.tokens.Current(),
	}).Info("state transition")
}

func (c *Connection) record(e journal.Entry) {
	if e.Time.IsZero() {
		e.Time = c.clock.Now()
	}
	e.Connection = c.id.String()
	c.journal.Record(e)
}

func (c *Connection) publishStatus() {
	s := &Status{
		ID:             c.id,
		Group:          c.group,
		State:          c.state,
		Since:          c.since,
		Token:          c.tokens.Current(),
		FailedAttempts: c.failedAttempts,
		Underlying:     c.underlyingRec.Clone(),
		TeardownQueued: c.quitting.Load(),
		TornDown:       c.state == StateTornDown,
	}
	if c.state == StateRetryTimeout {
		s.RetryIn = c.retryDelay
	}
	if c.network != nil {
		s.Published = c.network.published()
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	c.status.Store(s)
}

func (c *Connection) dump(w io.Writer) {
	fmt.Fprintf(w, "connection %s (group %s)\n", c.id, c.group)
	fmt.Fprintf(w, "  gateway:          %s via %s\n", c.cfg.Address(), c.cfg.Engine)
	fmt.Fprintf(w, "  state:            %s since %s\n", c.state, c.since.Format(time.RFC3339))
	fmt.Fprintf(w, "  token:            %d\n", c.tokens.Current())
	fmt.Fprintf(w, "  failed attempts:  %d\n", c.failedAttempts)
	fmt.Fprintf(w, "  underlying:       %s\n", c.underlyingRec)
	if c.sessionRec != nil {
		fmt.Fprintf(w, "  session network:  %s\n", c.sessionRec)
	}
	if _, tok := c.driver.Live(); tok != TokenAny {
		fmt.Fprintf(w, "  live session:     token %d\n", tok)
	} else {
		fmt.Fprintf(w, "  live session:     none\n")
	}
	fmt.Fprintf(w, "  transforms:       in=%s out=%s\n", spi(c.network.applied.In), spi(c.network.applied.Out))
	fmt.Fprintf(w, "  published:        %v (handle %d)\n", c.network.published(), c.network.handle)
	fmt.Fprintf(w, "  flags:            disconnect=%v teardown=%v restart=%v\n",
		c.disconnectRequested, c.teardownRequested, c.restartPending)
	now := c.clock.Now()
	for k, at := range c.timers.pending() {
		fmt.Fprintf(w, "  timer:            %s token=%d in %s\n", k.kind, k.token, at.Sub(now).Round(time.Millisecond))
	}
	if c.lastErr != nil {
		fmt.Fprintf(w, "  last error:       %v\n", c.lastErr)
	}
}

func spi(t Transform) string {
	if t == nil {
		return "-"
	}
	return fmt.Sprintf("%#08x", t.SPI())
}

func networkID(r *NetworkRecord) string {
	if r == nil {
		return ""
	}
	return r.ID
}

func reasonText(r DisconnectReason) string {
	if r == ReasonNone {
		return ""
	}
	return r.String()
}
