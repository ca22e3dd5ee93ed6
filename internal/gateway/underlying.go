package gateway

import "github.com/google/uuid"

// underlyingAdapter subscribes to the network tracker and forwards each
// selection as a token-agnostic network-changed event.  It holds no
// state machine state; the loss-grace timer is driven by the loop.
type underlyingAdapter struct {
	tracker NetworkTracker
}

func newUnderlyingAdapter(group uuid.UUID, factory TrackerFactory, post func(event) bool) *underlyingAdapter {
	u := &underlyingAdapter{}
	u.tracker = factory(group, func(rec *NetworkRecord) {
		post(event{kind: evNetworkChanged, token: TokenAny, network: rec.Clone()})
	})
	return u
}

// teardown unsubscribes from the tracker.
func (u *underlyingAdapter) teardown() {
	if u.tracker != nil {
		u.tracker.Teardown()
		u.tracker = nil
	}
}
