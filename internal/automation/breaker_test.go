package automation

import (
	"errors"
	"testing"
	"time"

	"github.com/pitabwire/rcmflow/internal/config"
)

// fakeClock is a manually advanced time source.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg config.CircuitBreakerConfig) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBreaker(cfg)
	b.now = clock.Now
	b.windowStart = clock.Now()
	return b, clock
}

func TestBreaker_startsClosed(t *testing.T) {
	b, _ := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 3})
	if s := b.State(); s != BreakerClosed {
		t.Errorf("initial state = %v, want closed", s)
	}
	if err := b.Allow(); err != nil {
		t.Errorf("Allow() error = %v, want nil", err)
	}
}

func TestBreaker_opensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 3, SuccessThreshold: 2, Timeout: time.Second})

	b.RecordFailure()
	b.RecordFailure()
	if s := b.State(); s != BreakerClosed {
		t.Errorf("state after 2 failures = %v, want closed", s)
	}

	b.RecordFailure()
	if s := b.State(); s != BreakerOpen {
		t.Errorf("state after 3 failures = %v, want open", s)
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Allow() = %v, want ErrCircuitOpen", err)
	}
}

func TestBreaker_successResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 3})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	if s := b.State(); s != BreakerClosed {
		t.Errorf("state = %v, want closed after reset", s)
	}
}

func TestBreaker_halfOpenRecovery(t *testing.T) {
	b, clock := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Second})

	b.RecordFailure()
	clock.Advance(2 * time.Second)

	if err := b.Allow(); err != nil {
		t.Fatalf("Allow() after timeout = %v, want nil", err)
	}
	if s := b.State(); s != BreakerHalfOpen {
		t.Fatalf("state = %v, want half-open", s)
	}

	b.RecordSuccess()
	if s := b.State(); s != BreakerHalfOpen {
		t.Errorf("state after 1 success = %v, want half-open", s)
	}
	b.RecordSuccess()
	if s := b.State(); s != BreakerClosed {
		t.Errorf("state after 2 successes = %v, want closed", s)
	}
}

func TestBreaker_halfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Second})

	b.RecordFailure()
	clock.Advance(2 * time.Second)
	b.Allow()
	b.RecordFailure()

	if s := b.State(); s != BreakerOpen {
		t.Errorf("state = %v, want open", s)
	}
}

func TestBreaker_errorRateTrips(t *testing.T) {
	b, _ := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold:   100,
		ErrorRateThreshold: 0.5,
		ErrorRateWindow:    time.Minute,
	})

	// Alternate so consecutive failures never reach the threshold.
	for i := 0; i < 9; i++ {
		if i%2 == 0 {
			b.RecordFailure()
		} else {
			b.RecordSuccess()
		}
	}
	if s := b.State(); s != BreakerClosed {
		t.Fatalf("state before min samples = %v, want closed", s)
	}
	b.RecordFailure() // 10 calls, 6 failures
	if s := b.State(); s != BreakerOpen {
		t.Errorf("state = %v, want open on error rate", s)
	}
}

func TestBreaker_errorRateWindowExpiry(t *testing.T) {
	b, clock := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold:   100,
		ErrorRateThreshold: 0.5,
		ErrorRateWindow:    time.Minute,
	})

	b.RecordFailure()
	b.RecordSuccess()
	if _, total := b.ErrorRate(); total != 2 {
		t.Fatalf("window total = %d, want 2", total)
	}
	clock.Advance(2 * time.Minute)
	if rate, total := b.ErrorRate(); total != 0 || rate != 0 {
		t.Errorf("ErrorRate() after expiry = %v/%d, want 0/0", rate, total)
	}
}

func TestBreaker_onChange(t *testing.T) {
	b, clock := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Second})
	var got []BreakerState
	b.OnChange(func(s BreakerState) { got = append(got, s) })

	b.RecordFailure()
	clock.Advance(2 * time.Second)
	b.Allow()
	b.RecordSuccess()

	want := []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerClosed}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestBreaker_defaults(t *testing.T) {
	b := NewBreaker(config.CircuitBreakerConfig{})
	if b.failureThreshold != 5 || b.successThreshold != 2 || b.timeout != 30*time.Second {
		t.Errorf("defaults = %d/%d/%v", b.failureThreshold, b.successThreshold, b.timeout)
	}
}

func TestBreakerState_String(t *testing.T) {
	tests := map[BreakerState]string{
		BreakerClosed:    "closed",
		BreakerHalfOpen:  "half-open",
		BreakerOpen:      "open",
		BreakerState(42): "unknown",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
