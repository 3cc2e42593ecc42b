package redisstore

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by a tripped breaker. Callers treat it as
// "skip this iteration" rather than an outage to escalate.
var ErrCircuitOpen = errors.New("redis circuit breaker is open")

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// Breaker is a consecutive-failure circuit breaker guarding every Redis
// operation. After FailureThreshold consecutive failures it opens for
// ResetTimeout; the first call after the cool-down probes in half-open state.
type Breaker struct {
	failureThreshold int
	resetTimeout     time.Duration

	mu       sync.Mutex
	state    circuitState
	failures int
	openedAt time.Time
}

// NewBreaker creates a breaker that opens after threshold consecutive
// failures and stays open for resetTimeout.
func NewBreaker(threshold int, resetTimeout time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &Breaker{
		failureThreshold: threshold,
		resetTimeout:     resetTimeout,
		state:            circuitClosed,
	}
}

// Do runs fn under the breaker. A tripped breaker fails fast with
// ErrCircuitOpen without invoking fn.
func (b *Breaker) Do(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn()
	b.record(err)
	return err
}

// allow checks whether a call may proceed, transitioning open -> half-open
// once the cool-down has elapsed.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case circuitOpen:
		if time.Since(b.openedAt) < b.resetTimeout {
			return ErrCircuitOpen
		}
		b.state = circuitHalfOpen
		return nil
	default:
		return nil
	}
}

// record updates breaker state from a call outcome
func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		b.state = circuitClosed
		return
	}

	b.failures++
	if b.state == circuitHalfOpen || b.failures >= b.failureThreshold {
		b.state = circuitOpen
		b.openedAt = time.Now()
	}
}

// Open reports whether the breaker is currently open
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == circuitOpen && time.Since(b.openedAt) < b.resetTimeout
}
