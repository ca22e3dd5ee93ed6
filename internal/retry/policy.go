package retry

import (
	"fmt"
	"math"
	"time"
)

// ── Reconnection policies ────────────────────────────────────────────
//
// A Policy maps the number of consecutive failed connection attempts to
// the delay before the next attempt.  Implementations must be monotonic
// non-decreasing in failedAttempts and bounded above, so that a gateway
// that never comes back is still retried at a fixed worst-case rate.
// Policies carry no state; the caller owns the failure counter.

// Policy computes the delay before the next connection attempt.
type Policy interface {
	// NextDelay returns the delay for the given consecutive-failure
	// count.  Values below 1 are treated as 1.
	NextDelay(failedAttempts int) time.Duration
}

// DefaultSchedule is the interval ladder used when no schedule is
// configured.
var DefaultSchedule = []time.Duration{ //nolint:gochecknoglobals
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	30 * time.Second,
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
}

// Schedule is a Policy backed by an explicit interval list.  The n-th
// consecutive failure waits Intervals[n-1]; failures past the end of
// the list keep using the last interval.
type Schedule struct {
	intervals []time.Duration
}

// NewSchedule validates intervals and returns a Schedule.  An empty
// list selects [DefaultSchedule].
func NewSchedule(intervals []time.Duration) (*Schedule, error) {
	if len(intervals) == 0 {
		intervals = DefaultSchedule
	}
	out := make([]time.Duration, len(intervals))
	for i, d := range intervals {
		if d <= 0 {
			return nil, fmt.Errorf("retry interval %d is %v, must be positive", i, d)
		}
		if i > 0 && d < intervals[i-1] {
			return nil, fmt.Errorf("retry interval %d (%v) is shorter than interval %d (%v)",
				i, d, i-1, intervals[i-1])
		}
		out[i] = d
	}
	return &Schedule{intervals: out}, nil
}

// NextDelay implements [Policy].
func (s *Schedule) NextDelay(failedAttempts int) time.Duration {
	idx := max(failedAttempts, 1) - 1
	if idx >= len(s.intervals) {
		idx = len(s.intervals) - 1
	}
	return s.intervals[idx]
}

// Intervals returns a copy of the schedule.
func (s *Schedule) Intervals() []time.Duration {
	out := make([]time.Duration, len(s.intervals))
	copy(out, s.intervals)
	return out
}

// Exponential is a Policy that grows the delay geometrically up to a
// cap.  It has no jitter: two calls with the same count return the same
// delay.
type Exponential struct {
	// Initial is the delay after the first failure (default 1s).
	Initial time.Duration
	// Max caps the delay (default 15m).
	Max time.Duration
	// Multiplier is the growth factor per failure (default 2.0).
	Multiplier float64
}

// NextDelay implements [Policy].
func (e Exponential) NextDelay(failedAttempts int) time.Duration {
	initial := e.Initial
	if initial <= 0 {
		initial = time.Second
	}
	maxDelay := e.Max
	if maxDelay <= 0 {
		maxDelay = 15 * time.Minute
	}
	if maxDelay < initial {
		maxDelay = initial
	}
	multiplier := e.Multiplier
	if multiplier < 1 {
		multiplier = 2.0
	}

	n := max(failedAttempts, 1)
	delay := float64(initial) * math.Pow(multiplier, float64(n-1))
	if math.IsInf(delay, 0) || delay > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(delay)
}
