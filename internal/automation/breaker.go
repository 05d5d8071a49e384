package automation

import (
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/rcmflow/internal/config"
)

// ErrCircuitOpen is returned by Breaker.Allow while an agent's circuit is open.
var ErrCircuitOpen = errors.New("automation: circuit breaker is open")

// BreakerState represents the current state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed lets every invocation through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerHalfOpen lets trial invocations through.
	BreakerHalfOpen
	// BreakerOpen rejects invocations until the timeout elapses.
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// minErrorRateSamples is the minimum number of calls in a window before the
// error rate threshold is evaluated.
const minErrorRateSamples = 10

// Breaker guards one agent. It trips on consecutive failures or on the error
// rate within a tumbling window, and reports every state change to onChange.
// It is safe for concurrent use.
type Breaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time

	failureThreshold   int
	successThreshold   int
	timeout            time.Duration
	errorRateThreshold float64
	errorRateWindow    time.Duration

	windowStart    time.Time
	windowTotal    int
	windowFailures int

	now      func() time.Time
	onChange func(BreakerState)
}

// NewBreaker creates a breaker from configuration. Zero thresholds fall back
// to 5 failures, 2 successes and a 30s open timeout.
func NewBreaker(cfg config.CircuitBreakerConfig) *Breaker {
	b := &Breaker{
		state:              BreakerClosed,
		failureThreshold:   cfg.FailureThreshold,
		successThreshold:   cfg.SuccessThreshold,
		timeout:            cfg.Timeout,
		errorRateThreshold: cfg.ErrorRateThreshold,
		errorRateWindow:    cfg.ErrorRateWindow,
		now:                time.Now,
	}
	if b.failureThreshold < 1 {
		b.failureThreshold = 5
	}
	if b.successThreshold < 1 {
		b.successThreshold = 2
	}
	if b.timeout <= 0 {
		b.timeout = 30 * time.Second
	}
	b.windowStart = b.now()
	return b
}

// OnChange registers fn to be called (with the lock held) on each transition.
func (b *Breaker) OnChange(fn func(BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// Allow returns nil when an invocation may proceed and ErrCircuitOpen
// otherwise.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpen()
	if b.state == BreakerOpen {
		return ErrCircuitOpen
	}
	return nil
}

// RecordSuccess records a successful invocation.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
		b.recordWindowCall(false)
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.failures = 0
			b.successes = 0
			b.resetWindow()
			b.setState(BreakerClosed)
		}
	}
}

// RecordFailure records a failed invocation.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		b.recordWindowCall(true)
		if b.failures >= b.failureThreshold || b.errorRateExceeded() {
			b.trip()
		}
	case BreakerHalfOpen:
		// Any failure while probing reopens.
		b.successes = 0
		b.trip()
	}
}

// State returns the current state, moving Open to HalfOpen once the timeout
// has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// ErrorRate returns the error rate and call count of the current window.
func (b *Breaker) ErrorRate() (rate float64, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeResetWindow()
	if b.windowTotal == 0 {
		return 0, 0
	}
	return float64(b.windowFailures) / float64(b.windowTotal), b.windowTotal
}

func (b *Breaker) trip() {
	b.openedAt = b.now()
	b.resetWindow()
	b.setState(BreakerOpen)
}

func (b *Breaker) maybeHalfOpen() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) > b.timeout {
		b.successes = 0
		b.setState(BreakerHalfOpen)
	}
}

func (b *Breaker) setState(s BreakerState) {
	if b.state == s {
		return
	}
	b.state = s
	if b.onChange != nil {
		b.onChange(s)
	}
}

func (b *Breaker) recordWindowCall(failed bool) {
	if b.errorRateWindow <= 0 {
		return
	}
	b.maybeResetWindow()
	b.windowTotal++
	if failed {
		b.windowFailures++
	}
}

func (b *Breaker) maybeResetWindow() {
	if b.errorRateWindow <= 0 {
		return
	}
	if b.now().Sub(b.windowStart) > b.errorRateWindow {
		b.resetWindow()
	}
}

func (b *Breaker) resetWindow() {
	b.windowStart = b.now()
	b.windowTotal = 0
	b.windowFailures = 0
}

func (b *Breaker) errorRateExceeded() bool {
	if b.errorRateThreshold <= 0 || b.errorRateWindow <= 0 {
		return false
	}
	if b.windowTotal < minErrorRateSamples {
		return false
	}
	return float64(b.windowFailures)/float64(b.windowTotal) >= b.errorRateThreshold
}
