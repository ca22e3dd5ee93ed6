package retry

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	gwerrors "gwlink/internal/errors"
)

// stepClock records every pause and lets it elapse at once.
type stepClock struct {
	waits []time.Duration
}

func (c *stepClock) After(d time.Duration) <-chan time.Time {
	c.waits = append(c.waits, d)
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

// stuckClock never lets a pause elapse.
type stuckClock struct{}

func (stuckClock) After(time.Duration) <-chan time.Time { return nil }

func TestRetransmit_AnsweredOnThirdSend(t *testing.T) {
	clock := &stepClock{}
	r := &Retransmit{First: 100 * time.Millisecond, Max: time.Second, Sends: 5, Clock: clock}

	var sent []int
	err := r.Run(context.Background(), func(n int) error {
		sent = append(sent, n)
		if n < 3 {
			return gwerrors.ErrTimeout
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(sent, []int{1, 2, 3}) {
		t.Errorf("sends = %v, want [1 2 3]", sent)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if !reflect.DeepEqual(clock.waits, want) {
		t.Errorf("waits = %v, want %v", clock.waits, want)
	}
}

func TestRetransmit_FirstSendAnswered(t *testing.T) {
	clock := &stepClock{}
	r := &Retransmit{Clock: clock}
	if err := r.Run(context.Background(), func(int) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(clock.waits) != 0 {
		t.Errorf("answered send should not wait, got %v", clock.waits)
	}
}

func TestRetransmit_SilentGatewayTimesOut(t *testing.T) {
	clock := &stepClock{}
	r := &Retransmit{First: 250 * time.Millisecond, Max: 600 * time.Millisecond, Sends: 4, Clock: clock}

	calls := 0
	err := r.Run(context.Background(), func(int) error {
		calls++
		return gwerrors.ErrTimeout
	})
	if !errors.Is(err, gwerrors.ErrTimeout) {
		t.Fatalf("expected the timeout to be wrapped, got %v", err)
	}
	if calls != 4 {
		t.Errorf("expected 4 sends, got %d", calls)
	}
	want := []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, 600 * time.Millisecond}
	if !reflect.DeepEqual(clock.waits, want) {
		t.Errorf("waits = %v, want %v", clock.waits, want)
	}
}

func TestRetransmit_RejectedHandshakeStops(t *testing.T) {
	clock := &stepClock{}
	r := &Retransmit{Clock: clock}
	calls := 0

	err := r.Run(context.Background(), func(int) error {
		calls++
		return Permanent(gwerrors.ErrAuthFailed)
	})
	if !errors.Is(err, gwerrors.ErrAuthFailed) || IsPermanent(err) {
		t.Errorf("expected the bare rejection, got %v", err)
	}
	if calls != 1 {
		t.Errorf("rejection should stop after 1 send, got %d", calls)
	}
}

func TestRetransmit_CancelledWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := &Retransmit{Sends: 10, Clock: stuckClock{}}

	calls := 0
	err := r.Run(ctx, func(int) error {
		calls++
		return gwerrors.ErrTimeout
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected cancellation, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 send before the wait, got %d", calls)
	}
}

func TestRetransmit_SingleSendForStreams(t *testing.T) {
	clock := &stepClock{}
	r := &Retransmit{Sends: 1, Clock: clock}
	err := r.Run(context.Background(), func(int) error { return gwerrors.ErrTimeout })
	if !errors.Is(err, gwerrors.ErrTimeout) {
		t.Errorf("unexpected error: %v", err)
	}
	if len(clock.waits) != 0 {
		t.Errorf("a single send should not wait, got %v", clock.waits)
	}
}

func TestRetransmit_Defaults(t *testing.T) {
	clock := &stepClock{}
	r := &Retransmit{Clock: clock}
	calls := 0
	_ = r.Run(context.Background(), func(int) error {
		calls++
		return gwerrors.ErrTimeout
	})
	if calls != DefaultSends {
		t.Errorf("expected %d sends, got %d", DefaultSends, calls)
	}
	for i, w := range clock.waits {
		if w < DefaultFirstWait || w > DefaultMaxWait {
			t.Errorf("wait %d = %v outside [%v, %v]", i, w, DefaultFirstWait, DefaultMaxWait)
		}
	}
}

func TestRetransmit_JitterStaysNearWait(t *testing.T) {
	clock := &stepClock{}
	r := &Retransmit{First: time.Second, Max: time.Second, Sends: 50, Jitter: true, Clock: clock}
	_ = r.Run(context.Background(), func(int) error { return gwerrors.ErrTimeout })

	for _, w := range clock.waits {
		if w < 750*time.Millisecond || w > 1250*time.Millisecond {
			t.Errorf("jittered wait %v outside [750ms, 1.25s]", w)
		}
	}
}

func TestSpread(t *testing.T) {
	tests := []struct {
		d    time.Duration
		u    float64
		want time.Duration
	}{
		{time.Second, 0, 750 * time.Millisecond},
		{time.Second, 0.5, time.Second},
		{100 * time.Microsecond, 0, time.Millisecond},
	}
	for _, tt := range tests {
		if got := spread(tt.d, tt.u); got != tt.want {
			t.Errorf("spread(%v, %v) = %v, want %v", tt.d, tt.u, got, tt.want)
		}
	}
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"marked", Permanent(gwerrors.ErrAuthFailed), true},
		{"wrapped mark", fmt.Errorf("handshake: %w", Permanent(gwerrors.ErrAuthFailed)), true},
		{"retryable", gwerrors.ErrTimeout, false},
		{"nil", Permanent(nil), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermanent(tt.err); got != tt.want {
				t.Errorf("IsPermanent() = %v, want %v", got, tt.want)
			}
		})
	}
}
