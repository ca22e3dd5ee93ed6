// Package retry provides reconnection delay policies for the gateway
// connection and the retransmit pacing used while a handshake message
// goes unanswered.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// ── Permanent errors ─────────────────────────────────────────────────

// PermanentError marks a failure that another attempt cannot fix: a
// rejected handshake, a closed socket, a gateway that refused the
// client.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so [Retransmit.Run] stops at once and the
// connection does not schedule another attempt.  Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked
// with [Permanent].
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ── Retransmission ───────────────────────────────────────────────────

// Clock supplies the waits between sends.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Retransmit defaults.
const (
	DefaultFirstWait = 250 * time.Millisecond
	DefaultMaxWait   = 2 * time.Second
	DefaultSends     = 5
)

// Retransmit paces the resends of a message that gets no answer.  The
// pause after the n-th send doubles from First up to Max.  Zero fields
// take the Default values above.
type Retransmit struct {
	// First is the pause after the first unanswered send.
	First time.Duration
	// Max caps the pause.
	Max time.Duration
	// Sends is the total number of transmissions, the first included.
	Sends int
	// Jitter spreads each pause by up to 25% either way.
	Jitter bool
	// Clock defaults to the system clock.
	Clock Clock
}

// Wait returns the pause after the given send, before jitter.
func (r *Retransmit) Wait(send int) time.Duration {
	first, maxWait := r.First, r.Max
	if first <= 0 {
		first = DefaultFirstWait
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	return Exponential{Initial: first, Max: maxWait, Multiplier: 2}.NextDelay(send)
}

func (r *Retransmit) sends() int {
	if r.Sends <= 0 {
		return DefaultSends
	}
	return r.Sends
}

// Run calls send until it returns nil, returns a [Permanent] error, or
// the send budget runs out.  send gets the 1-based transmission number
// and should report an unanswered message with a retryable error such
// as a timeout; that last error is wrapped in the result.
func (r *Retransmit) Run(ctx context.Context, send func(n int) error) error {
	clock := r.Clock
	if clock == nil {
		clock = systemClock{}
	}
	total := r.sends()

	for n := 1; ; n++ {
		err := send(n)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return errors.Unwrap(err)
		}
		if n >= total {
			return fmt.Errorf("no answer after %d sends: %w", total, err)
		}

		wait := r.Wait(n)
		if r.Jitter {
			wait = spread(wait, rand.Float64()) //nolint:gosec
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("retransmit cancelled: %w", ctx.Err())
		case <-clock.After(wait):
		}
	}
}

// spread moves d by up to a quarter either way; u is uniform in [0,1).
func spread(d time.Duration, u float64) time.Duration {
	out := time.Duration(float64(d) * (0.75 + u/2))
	if out < time.Millisecond {
		return time.Millisecond
	}
	return out
}
