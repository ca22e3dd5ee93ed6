package gateway

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	gwerrors "gwlink/internal/errors"
)

// sessionDriver owns the calls into the negotiation engine.  Every
// callback the engine makes is tagged with the token the session was
// started under and posted to the loop; the driver never touches state
// machine fields.  All methods run on the loop goroutine.
type sessionDriver struct {
	engine Engine
	post   func(event) bool
	log    logrus.FieldLogger

	base        context.Context
	lastStarted Token

	live      EngineSession
	liveToken Token
	cancel    context.CancelFunc
}

func newSessionDriver(base context.Context, engine Engine, post func(event) bool, log logrus.FieldLogger) *sessionDriver {
	return &sessionDriver{engine: engine, post: post, log: log, base: base}
}

// Start begins a negotiation for token.  A token can be started once.
// A synchronous engine failure is reported the same way as an
// asynchronous one: session-lost followed by session-closed.
func (d *sessionDriver) Start(token Token, p NegotiationParams) error {
	if token <= d.lastStarted {
		return fmt.Errorf("%w: %d", gwerrors.ErrTokenReused, token)
	}
	if d.live != nil {
		return fmt.Errorf("session %d still live while starting %d", d.liveToken, token)
	}
	d.lastStarted = token

	ctx, cancel := context.WithCancel(d.base)
	cb := &sessionCallback{token: token, post: d.post}
	p.Token = token

	sess, err := d.engine.StartNegotiation(ctx, p, cb)
	if err != nil {
		cancel()
		d.log.WithFields(logrus.Fields{"token": token, "error": err}).Debug("negotiation failed to start")
		cb.OnSessionClosed(gwerrors.WrapSession(uint64(token), "start", err))
		return nil
	}
	d.live, d.liveToken, d.cancel = sess, token, cancel
	return nil
}

// Live returns the live session and its token, if any.
func (d *sessionDriver) Live() (EngineSession, Token) {
	return d.live, d.liveToken
}

// RequestClose asks the session for token to close gracefully.
func (d *sessionDriver) RequestClose(token Token) {
	if d.live == nil || token != d.liveToken {
		return
	}
	d.live.RequestClose()
}

// ForceClose terminates the session for token immediately.
func (d *sessionDriver) ForceClose(token Token) {
	if d.live == nil || token != d.liveToken {
		return
	}
	d.cancel()
	d.live.ForceClose()
}

// Release forgets the session for token once it is closed.
func (d *sessionDriver) Release(token Token) {
	if d.live == nil || token != d.liveToken {
		return
	}
	d.cancel()
	d.live, d.liveToken, d.cancel = nil, TokenAny, nil
}

// ── Token-bound callback ─────────────────────────────────────────────

// sessionCallback converts engine callbacks into events for one token.
type sessionCallback struct {
	token Token
	post  func(event) bool
	lost  atomic.Bool
}

func (c *sessionCallback) OnOpened() {
	c.post(event{kind: evSessionOpened, token: c.token})
}

func (c *sessionCallback) OnChildTransformCreated(dir Direction, t Transform) {
	c.post(event{kind: evTransformCreated, token: c.token, dir: dir, transform: t})
}

func (c *sessionCallback) OnChildOpened(cfg ChildConfig) {
	c.post(event{kind: evSetupCompleted, token: c.token, child: cfg.Clone()})
}

func (c *sessionCallback) OnSessionLost(err error) {
	if c.lost.Swap(true) {
		return
	}
	c.post(event{kind: evSessionLost, token: c.token, err: err})
}

// OnSessionClosed always posts session-lost first (once per session), so
// the loop passes through Disconnecting even when the engine closes on
// its own.
func (c *sessionCallback) OnSessionClosed(err error) {
	if !c.lost.Swap(true) {
		c.post(event{kind: evSessionLost, token: c.token, err: err})
	}
	c.post(event{kind: evSessionClosed, token: c.token, err: err})
}
