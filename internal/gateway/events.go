package gateway

import (
	"fmt"
	"io"
	"sync"
)

// eventKind enumerates the inputs of the state machine.
type eventKind uint8

const (
	evNetworkChanged eventKind = iota + 1
	evRetryExpired
	evSessionOpened
	evSessionLost
	evSessionClosed
	evTransformCreated
	evSetupCompleted
	evDisconnectRequested
	evTeardownTimeout
	evLossGraceExpired

	// loop-internal
	evFlush
	evDump
)

func (k eventKind) String() string {
	switch k {
	case evNetworkChanged:
		return "network-changed"
	case evRetryExpired:
		return "retry-expired"
	case evSessionOpened:
		return "session-opened"
	case evSessionLost:
		return "session-lost"
	case evSessionClosed:
		return "session-closed"
	case evTransformCreated:
		return "transform-created"
	case evSetupCompleted:
		return "setup-completed"
	case evDisconnectRequested:
		return "disconnect-requested"
	case evTeardownTimeout:
		return "teardown-timeout"
	case evLossGraceExpired:
		return "loss-grace-expired"
	case evFlush:
		return "flush"
	case evDump:
		return "dump"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// isTimer reports whether the kind is only ever produced by a timer.
func (k eventKind) isTimer() bool {
	return k == evRetryExpired || k == evTeardownTimeout || k == evLossGraceExpired
}

// event is an immutable message for the loop goroutine.
type event struct {
	kind     eventKind
	token    Token
	timerSeq uint64

	network   *NetworkRecord
	dir       Direction
	transform Transform
	child     ChildConfig
	err       error
	reason    DisconnectReason
	teardown  bool

	w    io.Writer
	done chan struct{}
}

// ── Event queue ──────────────────────────────────────────────────────
//
// An unbounded multi-producer single-consumer queue.  push never blocks,
// so callbacks from engines and timers can never stall on a busy loop.

type eventQueue struct {
	mu     sync.Mutex
	items  []event
	closed bool
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

// push appends ev.  It returns false once the queue is closed.
func (q *eventQueue) push(ev event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// next blocks until an event is available.
func (q *eventQueue) next() event {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items[0] = event{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return ev
		}
		q.mu.Unlock()
		<-q.signal
	}
}

// close rejects further pushes and discards anything still queued.
// Pending flush and dump requests are released.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	rest := q.items
	q.items = nil
	q.mu.Unlock()

	for _, ev := range rest {
		if ev.done != nil {
			close(ev.done)
		}
	}
}

// len returns the number of queued events.
func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
