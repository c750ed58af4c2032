package policy

import (
	"sync"
	"time"
)

// Breaker is a consecutive-failure circuit breaker guarding calls to the
// external policy engine. After failureThreshold consecutive failures the
// circuit opens and calls fail fast; after resetTimeout one probe call is
// let through (half-open). A successful probe closes the circuit, a failed
// one re-opens it.
type Breaker struct {
	mu               sync.Mutex
	failureThreshold int
	resetTimeout     time.Duration
	failures         int
	openedAt         time.Time
	open             bool
	probing          bool
	now              func() time.Time
}

// NewBreaker creates a breaker. Non-positive arguments get defaults of
// 5 failures and 30 seconds.
func NewBreaker(failureThreshold int, resetTimeout time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &Breaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		now:              time.Now,
	}
}

// Allow reports whether a call may proceed. While open, only the single
// half-open probe after resetTimeout is allowed through.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return true
	}
	if b.probing {
		return false
	}
	if b.now().Sub(b.openedAt) >= b.resetTimeout {
		b.probing = true
		return true
	}
	return false
}

// Success records a successful call and closes the circuit.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.open = false
	b.probing = false
}

// Failure records a failed call. Reaching the threshold, or failing the
// half-open probe, opens the circuit.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.probing || b.failures >= b.failureThreshold {
		b.open = true
		b.probing = false
		b.openedAt = b.now()
	}
}

// Open reports whether the circuit is currently open.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}
