package gateway

import "time"

// TimeProvider abstracts the clock so timer-driven transitions can be
// tested deterministically.
type TimeProvider interface {
	// Now returns the current time.
	Now() time.Time
	// AfterFunc calls f in its own goroutine after d.
	AfterFunc(d time.Duration, f func()) Stopper
}

// Stopper cancels a pending AfterFunc.
type Stopper interface {
	Stop() bool
}

// RealTimeProvider implements TimeProvider using the system clock.
type RealTimeProvider struct{}

// Now returns the current system time.
func (RealTimeProvider) Now() time.Time { return time.Now() }

// AfterFunc wraps time.AfterFunc.
func (RealTimeProvider) AfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

// ── Keyed timers ─────────────────────────────────────────────────────
//
// Timers are keyed by (event kind, token).  Each arm bumps a sequence
// number that travels with the fired event; a firing whose sequence is
// no longer the armed one is ignored, so a timer that was cancelled or
// re-armed can never act late.

type timerKey struct {
	kind  eventKind
	token Token
}

type armedTimer struct {
	seq     uint64
	stop    Stopper
	expires time.Time
}

type timerSet struct {
	clock TimeProvider
	post  func(event) bool
	seq   uint64
	armed map[timerKey]armedTimer
}

func newTimerSet(clock TimeProvider, post func(event) bool) *timerSet {
	return &timerSet{clock: clock, post: post, armed: make(map[timerKey]armedTimer)}
}

// arm (re)starts the timer for (kind, token).
func (t *timerSet) arm(kind eventKind, token Token, d time.Duration) {
	t.cancel(kind, token)
	t.seq++
	seq := t.seq
	stop := t.clock.AfterFunc(d, func() {
		t.post(event{kind: kind, token: token, timerSeq: seq})
	})
	t.armed[timerKey{kind, token}] = armedTimer{seq: seq, stop: stop, expires: t.clock.Now().Add(d)}
}

// cancel stops the timer for (kind, token) if armed.
func (t *timerSet) cancel(kind eventKind, token Token) {
	k := timerKey{kind, token}
	if a, ok := t.armed[k]; ok {
		a.stop.Stop()
		delete(t.armed, k)
	}
}

// cancelKind stops every timer of kind, whatever its token.
func (t *timerSet) cancelKind(kind eventKind) {
	for k, a := range t.armed {
		if k.kind == kind {
			a.stop.Stop()
			delete(t.armed, k)
		}
	}
}

// isArmed reports whether any timer of kind is pending.
func (t *timerSet) isArmed(kind eventKind) bool {
	for k := range t.armed {
		if k.kind == kind {
			return true
		}
	}
	return false
}

// fire consumes a timer event.  It returns false if the event belongs
// to a timer that has since been cancelled or re-armed.
func (t *timerSet) fire(ev event) bool {
	k := timerKey{ev.kind, ev.token}
	a, ok := t.armed[k]
	if !ok || a.seq != ev.timerSeq {
		return false
	}
	delete(t.armed, k)
	return true
}

// stopAll cancels everything.
func (t *timerSet) stopAll() {
	for k, a := range t.armed {
		a.stop.Stop()
		delete(t.armed, k)
	}
}

// pending lists armed timers for dumps.
func (t *timerSet) pending() map[timerKey]time.Time {
	out := make(map[timerKey]time.Time, len(t.armed))
	for k, a := range t.armed {
		out[k] = a.expires
	}
	return out
}
