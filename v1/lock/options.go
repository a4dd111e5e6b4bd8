package lock

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mirkobrombin/go-latch/v1/backoff"
	"github.com/mirkobrombin/go-latch/v1/metrics"
	"github.com/mirkobrombin/go-latch/v1/syncbus"
)

// defaultBackoff is used when no policy is configured: a 100ms interval with
// 20% jitter so that contending processes drift apart.
func defaultBackoff() backoff.Policy {
	return backoff.WithJitter(backoff.Fixed(100*time.Millisecond), 0.2)
}

// Option configures a Lock.
type Option func(*Lock)

// WithBackoff sets the delay policy between acquisition attempts. Without it
// every Lock gets its own 100ms policy with 20% jitter.
func WithBackoff(p backoff.Policy) Option {
	return func(l *Lock) {
		if p != nil {
			l.backoff = p
		}
	}
}

// WithTokenSource replaces the ownership token generator.
func WithTokenSource(src TokenSource) Option {
	return func(l *Lock) {
		if src != nil {
			l.tokens = src
		}
	}
}

// WithRetryOnStoreError controls what Acquire does when the store fails to
// answer. When true (the default) the failure is logged and counts as a lost
// attempt. When false Acquire stops and returns an error wrapping ErrStore.
func WithRetryOnStoreError(retry bool) Option {
	return func(l *Lock) {
		l.retryStoreErrors = retry
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Lock) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithBus announces successful releases on bus and lets waiting acquirers
// wake up on them instead of sleeping out the backoff delay.
func WithBus(bus syncbus.Bus) Option {
	return func(l *Lock) {
		l.bus = bus
	}
}

// WithMetrics enables Prometheus metrics collection using the provided
// registerer. It panics if metrics for the same key are already registered.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(l *Lock) {
		m := metrics.NewLockMetrics(l.key)
		m.Register(reg)
		l.metrics = m
	}
}

// WithTracing enables OpenTelemetry spans for Acquire and Release.
func WithTracing() Option {
	return func(l *Lock) {
		l.traceEnabled = true
	}
}
