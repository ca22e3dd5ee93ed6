package gateway

import (
	"fmt"

	"github.com/sirupsen/logrus"

	gwerrors "gwlink/internal/errors"
	"gwlink/internal/journal"
	"gwlink/internal/retry"
)

// State is the lifecycle state of a Connection.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateRetryTimeout
	// StateTornDown is terminal: the loop has exited and every resource
	// is released.
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	case StateRetryTimeout:
		return "RetryTimeout"
	case StateTornDown:
		return "TornDown"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// ── Entry actions ────────────────────────────────────────────────────

func (c *Connection) enterDisconnected(cause string) {
	c.timers.cancelKind(evRetryExpired)
	c.timers.cancelKind(evTeardownTimeout)
	c.timers.cancelKind(evLossGraceExpired)
	if live, tok := c.driver.Live(); live != nil {
		c.driver.ForceClose(tok)
		c.driver.Release(tok)
	}
	c.retract()

	c.failedAttempts = 0
	c.retryDelay = 0
	c.restartPending = false
	c.disconnectRequested = false
	c.setState(StateDisconnected, cause)

	if c.teardownRequested {
		c.finish()
	}
}

func (c *Connection) enterConnecting(cause string) {
	c.timers.cancelKind(evRetryExpired)
	c.timers.cancelKind(evLossGraceExpired)
	c.retract()

	token := c.tokens.next()
	c.sessionRec = c.underlyingRec.Clone()
	c.restartPending = false
	c.lossErr = nil
	c.reason = ReasonNone
	c.metrics.AttemptStarted()
	c.setState(StateConnecting, cause)

	err := c.driver.Start(token, NegotiationParams{
		Config:     c.cfg.Clone(),
		Underlying: c.sessionRec.Clone(),
	})
	if err != nil {
		c.log.WithError(err).Error("starting negotiation")
		c.lastErr = err
		c.metrics.RecordError(err.Error())
		c.queue.push(event{kind: evDisconnectRequested, token: TokenAny, reason: ReasonInternalError})
	}
}

func (c *Connection) enterConnected(cause string) {
	c.failedAttempts = 0
	c.retryDelay = 0
	c.lossErr = nil
	c.lastErr = nil
	c.metrics.Established()
	c.setState(StateConnected, cause)

	if err := c.network.applyPending(); err != nil {
		c.fail(err)
		return
	}
	c.tryPublish()
}

func (c *Connection) enterDisconnecting(cause string) {
	c.timers.cancelKind(evRetryExpired)
	c.retract()
	c.setState(StateDisconnecting, cause)

	token := c.tokens.Current()
	c.driver.RequestClose(token)
	c.timers.arm(evTeardownTimeout, token, c.cfg.TeardownTimeout)
}

func (c *Connection) enterRetryTimeout(cause string) {
	c.failedAttempts++
	c.retryDelay = c.policy.NextDelay(c.failedAttempts)
	c.metrics.RetryScheduled()
	c.setState(StateRetryTimeout, cause)

	c.timers.arm(evRetryExpired, c.tokens.Current(), c.retryDelay)
	c.log.WithFields(logrus.Fields{
		"attempt": c.failedAttempts,
		"delay":   c.retryDelay,
	}).Info("retry scheduled")
}

// ── Per-state handlers ───────────────────────────────────────────────

func (c *Connection) handleDisconnected(ev event) {
	switch ev.kind {
	case evNetworkChanged:
		c.underlyingRec = ev.network
		if ev.network != nil && c.mayConnect() {
			c.enterConnecting(ev.kind.String())
		}
	case evDisconnectRequested:
		c.disconnect(ev)
	default:
		c.ignore(ev)
	}
}

func (c *Connection) handleConnecting(ev event) {
	switch ev.kind {
	case evSessionOpened:
		c.log.WithField("token", ev.token).Debug("session opened")
	case evTransformCreated:
		c.network.buffer(ev.dir, ev.transform)
	case evSetupCompleted:
		c.network.setChild(ev.child)
		c.enterConnected(ev.kind.String())
	case evSessionLost:
		c.sessionLost(ev)
	case evSessionClosed:
		c.sessionLost(ev)
		c.handleDisconnecting(ev)
	case evNetworkChanged:
		c.activeNetworkChanged(ev)
	case evDisconnectRequested:
		c.disconnect(ev)
	case evLossGraceExpired:
		c.lossGraceExpired(ev)
	default:
		c.ignore(ev)
	}
}

func (c *Connection) handleConnected(ev event) {
	switch ev.kind {
	case evTransformCreated:
		// rekey
		if err := c.network.apply(ev.dir, ev.transform); err != nil {
			c.fail(err)
			return
		}
		c.tryPublish()
	case evSetupCompleted:
		if err := c.network.updateChild(ev.child); err != nil {
			c.log.WithError(err).Warn("updating published network")
		}
		c.tryPublish()
	case evSessionLost:
		c.sessionLost(ev)
	case evSessionClosed:
		c.sessionLost(ev)
		c.handleDisconnecting(ev)
	case evNetworkChanged:
		c.activeNetworkChanged(ev)
	case evDisconnectRequested:
		c.disconnect(ev)
	case evLossGraceExpired:
		c.lossGraceExpired(ev)
	default:
		c.ignore(ev)
	}
}

func (c *Connection) handleDisconnecting(ev event) {
	switch ev.kind {
	case evSessionClosed:
		if c.lossErr == nil {
			c.lossErr = ev.err
		}
		c.finishDisconnecting(ev.kind.String())
	case evTeardownTimeout:
		c.log.WithField("timeout", c.cfg.TeardownTimeout).Warn("session did not close in time, forcing")
		c.metrics.ForcedTeardown()
		c.record(journal.Entry{Kind: journal.KindForcedClose, Token: uint64(ev.token)})
		c.driver.ForceClose(ev.token)
		c.finishDisconnecting(ev.kind.String())
	case evNetworkChanged:
		c.underlyingRec = ev.network
		c.trackLoss(ev.network)
	case evDisconnectRequested:
		c.disconnect(ev)
	case evLossGraceExpired:
		c.lossGraceExpired(ev)
	default:
		c.ignore(ev)
	}
}

func (c *Connection) handleRetryTimeout(ev event) {
	switch ev.kind {
	case evRetryExpired:
		if c.underlyingRec == nil {
			c.log.Debug("retry expired with no underlying network, waiting")
			return
		}
		if c.mayConnect() {
			c.enterConnecting(ev.kind.String())
		}
	case evNetworkChanged:
		prev := c.underlyingRec
		c.underlyingRec = ev.network
		c.trackLoss(ev.network)
		if ev.network == nil || ev.network.SameBinding(prev) {
			// a refresh of the same binding keeps the retry delay
			return
		}
		if c.mayConnect() {
			c.enterConnecting(ev.kind.String())
		}
	case evDisconnectRequested:
		c.disconnect(ev)
	case evLossGraceExpired:
		c.lossGraceExpired(ev)
	default:
		c.ignore(ev)
	}
}

// ── Shared transitions ───────────────────────────────────────────────

// disconnect records a disconnect or teardown request and moves towards
// Disconnected from the current state.
func (c *Connection) disconnect(ev event) {
	c.disconnectRequested = true
	if ev.teardown {
		c.teardownRequested = true
	}
	if ev.reason != ReasonNone {
		c.reason = ev.reason
	}
	c.log.WithFields(logrus.Fields{
		"reason":   ev.reason,
		"teardown": ev.teardown,
		"state":    c.state,
	}).Info("disconnect requested")

	switch c.state {
	case StateDisconnected:
		c.disconnectRequested = false
		if c.teardownRequested {
			c.finish()
		}
	case StateConnecting, StateConnected:
		c.enterDisconnecting(ev.kind.String())
	case StateDisconnecting:
		// destination is fixed by the flags when the session closes
	case StateRetryTimeout:
		c.enterDisconnected(ev.kind.String())
	}
}

func (c *Connection) lossGraceExpired(ev event) {
	c.log.WithField("grace", c.cfg.LossGrace).Warn("underlying network lost")
	c.disconnect(event{kind: ev.kind, token: TokenAny, reason: ReasonNetworkLost})
}

func (c *Connection) sessionLost(ev event) {
	c.lossErr = ev.err
	if ev.err != nil {
		c.lastErr = ev.err
		c.metrics.RecordError(ev.err.Error())
	}
	c.metrics.SessionLost()
	c.log.WithFields(logrus.Fields{"token": ev.token, "error": ev.err}).Warn("session lost")
	c.enterDisconnecting(evSessionLost.String())
}

// activeNetworkChanged handles mobility while a session exists.
func (c *Connection) activeNetworkChanged(ev event) {
	c.underlyingRec = ev.network
	if !c.trackLoss(ev.network) {
		return
	}
	if ev.network.SameBinding(c.sessionRec) {
		c.sessionRec = ev.network.Clone()
		return
	}

	if c.state == StateConnected {
		if m, ok := c.liveSession().(Migrator); ok {
			err := m.Migrate(ev.network.Clone())
			if err == nil {
				c.log.WithFields(logrus.Fields{"from": c.sessionRec, "to": ev.network}).Info("session migrated")
				c.record(journal.Entry{
					Kind:    journal.KindMigrated,
					Token:   uint64(c.tokens.Current()),
					Network: ev.network.ID,
				})
				c.sessionRec = ev.network.Clone()
				return
			}
			c.log.WithError(err).Info("migration unavailable, restarting session")
		}
	}

	c.log.WithFields(logrus.Fields{"from": c.sessionRec, "to": ev.network}).Info("underlying network changed, restarting session")
	c.restartPending = true
	c.enterDisconnecting(ev.kind.String())
}

// trackLoss arms the loss-grace timer when no network is usable and
// cancels it otherwise.  It reports whether a network is usable.
func (c *Connection) trackLoss(rec *NetworkRecord) bool {
	if rec == nil {
		if !c.timers.isArmed(evLossGraceExpired) {
			c.log.WithField("grace", c.cfg.LossGrace).Info("no underlying network")
			c.timers.arm(evLossGraceExpired, TokenAny, c.cfg.LossGrace)
		}
		return false
	}
	c.timers.cancelKind(evLossGraceExpired)
	return true
}

// finishDisconnecting picks the destination once the session is gone.
func (c *Connection) finishDisconnecting(cause string) {
	token := c.tokens.Current()
	c.timers.cancel(evTeardownTimeout, token)
	c.driver.Release(token)

	switch {
	case c.disconnectRequested || c.teardownRequested:
		c.enterDisconnected(cause)
	case c.restartPending:
		if c.underlyingRec != nil && c.mayConnect() {
			c.enterConnecting(cause)
		} else {
			c.enterDisconnected(cause)
		}
	case gwerrors.IsTerminal(c.lossErr) || retry.IsPermanent(c.lossErr):
		c.log.WithError(c.lossErr).Error("session failed permanently, waiting for a network change")
		c.enterDisconnected(cause)
	default:
		c.enterRetryTimeout(cause)
	}
}

// fail handles a local error while connected: the session is closed and
// the failure counts towards retry.
func (c *Connection) fail(err error) {
	c.log.WithError(err).Error("connection failed")
	c.lossErr = err
	c.lastErr = err
	c.metrics.RecordError(err.Error())
	c.record(journal.Entry{Kind: journal.KindError, Token: uint64(c.tokens.Current()), Error: err.Error()})
	c.enterDisconnecting("internal-error")
}

func (c *Connection) tryPublish() {
	ok, err := c.network.publish()
	if err != nil {
		c.fail(err)
		return
	}
	if !ok {
		return
	}
	c.metrics.NetworkPublished()
	c.record(journal.Entry{
		Kind:    journal.KindPublished,
		Token:   uint64(c.tokens.Current()),
		Network: networkID(c.sessionRec),
	})
	c.log.WithField("handle", c.network.handle).Info("virtual network published")
}

func (c *Connection) retract() {
	had, err := c.network.retract()
	if !had {
		return
	}
	c.metrics.NetworkRetracted()
	c.record(journal.Entry{Kind: journal.KindRetracted, Token: uint64(c.tokens.Current())})
	if err != nil {
		c.log.WithError(err).Warn("destroying published network")
	}
}

func (c *Connection) liveSession() EngineSession {
	s, tok := c.driver.Live()
	if tok != c.tokens.Current() {
		return nil
	}
	return s
}

// mayConnect reports whether a new session may be started.
func (c *Connection) mayConnect() bool {
	return !c.teardownRequested && !c.quitting.Load()
}

func (c *Connection) ignore(ev event) {
	c.log.WithFields(logrus.Fields{"event": ev.kind, "state": c.state}).Debug("event ignored")
}
