package engine

import (
	"sync"
	"time"

	"pushattest/internal/domain"
)

const (
	DefaultMaxAttempts   = 3
	DefaultResetInterval = 300 * time.Second
)

// CircuitBreaker counts re-attestation attempts per operation kind inside one
// global rolling window. When the window expires every counter clears at once.
type CircuitBreaker struct {
	mu            sync.Mutex
	attempts      map[domain.OperationKind]int
	windowStart   time.Time
	maxAttempts   int
	resetInterval time.Duration
	now           func() time.Time
}

func NewCircuitBreaker(maxAttempts int, resetInterval time.Duration) *CircuitBreaker {
	return newCircuitBreaker(maxAttempts, resetInterval, time.Now)
}

func newCircuitBreaker(maxAttempts int, resetInterval time.Duration, now func() time.Time) *CircuitBreaker {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if resetInterval <= 0 {
		resetInterval = DefaultResetInterval
	}
	return &CircuitBreaker{
		attempts:      make(map[domain.OperationKind]int),
		windowStart:   now(),
		maxAttempts:   maxAttempts,
		resetInterval: resetInterval,
		now:           now,
	}
}

// CanAttempt reports whether another re-attestation of kind is allowed.
func (b *CircuitBreaker) CanAttempt(kind domain.OperationKind) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked()
	return b.attempts[kind] < b.maxAttempts
}

func (b *CircuitBreaker) RecordAttempt(kind domain.OperationKind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked()
	b.attempts[kind]++
}

// tryRecord checks the ceiling and records the attempt under one lock, so
// concurrent chains of one kind cannot overshoot it.
func (b *CircuitBreaker) tryRecord(kind domain.OperationKind) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked()
	if b.attempts[kind] >= b.maxAttempts {
		return false
	}
	b.attempts[kind]++
	return true
}

// Reset zeroes the counter of kind only; called after a confirmed success.
func (b *CircuitBreaker) Reset(kind domain.OperationKind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.attempts, kind)
}

func (b *CircuitBreaker) Attempts(kind domain.OperationKind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked()
	return b.attempts[kind]
}

func (b *CircuitBreaker) rollLocked() {
	now := b.now()
	if now.Sub(b.windowStart) > b.resetInterval {
		clear(b.attempts)
		b.windowStart = now
	}
}
