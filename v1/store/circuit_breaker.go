package store

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync"
	"time"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

// ErrCircuitOpen is returned while the breaker rejects calls. It wraps
// errors.ErrUnavailable.
var ErrCircuitOpen = fmt.Errorf("circuit breaker is open: %w", latcherrors.ErrUnavailable)

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker decorates a Store so that a backend that keeps failing is
// not hammered by every acquisition loop. After threshold consecutive errors
// the circuit opens; once cooldown has passed a single probe is let through
// and its outcome decides whether the circuit closes again.
//
// Only errors count as failures. A lost race (false, nil) is a healthy answer.
type CircuitBreaker struct {
	inner     Store
	mu        sync.Mutex
	state     state
	failures  int
	threshold int
	cooldown  time.Duration
	lastFail  time.Time
}

// NewCircuitBreaker wraps inner. A threshold below one is treated as one.
func NewCircuitBreaker(inner Store, threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{inner: inner, threshold: threshold, cooldown: cooldown}
}

// IsHealthy reports whether calls would currently be let through.
func (cb *CircuitBreaker) IsHealthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == stateOpen {
		return time.Since(cb.lastFail) > cb.cooldown
	}
	return cb.state == stateClosed
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.cooldown {
			cb.state = stateHalfOpen
			return true
		}
		return false
	default:
		// a probe is already in flight
		return false
	}
}

// record feeds the outcome of a call into the breaker. Errors that happened
// because the caller's ctx was cancelled or ran out of time are not held
// against the backend.
func (cb *CircuitBreaker) record(ctx context.Context, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		cb.state = stateClosed
		cb.failures = 0
		return
	}
	if ctx.Err() != nil || stdErrors.Is(err, context.Canceled) {
		if cb.state == stateHalfOpen {
			cb.state = stateOpen
		}
		return
	}
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == stateHalfOpen || cb.failures >= cb.threshold {
		cb.state = stateOpen
	}
}

// TrySetIfAbsent implements Store.TrySetIfAbsent.
func (cb *CircuitBreaker) TrySetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if !cb.allow() {
		return false, ErrCircuitOpen
	}
	ok, err := cb.inner.TrySetIfAbsent(ctx, key, value, ttl)
	cb.record(ctx, err)
	return ok, err
}

// CompareAndDelete implements Store.CompareAndDelete.
func (cb *CircuitBreaker) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	if !cb.allow() {
		return false, ErrCircuitOpen
	}
	ok, err := cb.inner.CompareAndDelete(ctx, key, expected)
	cb.record(ctx, err)
	return ok, err
}
