package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-latch/v1/backoff"
	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/metrics"
	"github.com/mirkobrombin/go-latch/v1/store"
	"github.com/mirkobrombin/go-latch/v1/syncbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-latch/v1/lock")

var (
	// ErrAcquireTimeout is returned when no attempt succeeded within the
	// wait budget. It wraps errors.ErrTimeout.
	ErrAcquireTimeout = fmt.Errorf("latch: acquire timed out: %w", latcherrors.ErrTimeout)
	// ErrStore wraps store failures that stop an acquisition, which only
	// happens when retrying on store errors is disabled.
	ErrStore          = errors.New("latch: store failure")
	ErrInvalidKey     = errors.New("latch: lock key must not be empty")
	ErrNilStore       = errors.New("latch: store must not be nil")
	ErrInvalidTTL     = errors.New("latch: ttl must be positive")
	ErrInvalidMaxWait = errors.New("latch: max wait must not be negative")
)

// Lock is a handle on one lock key in a shared store.
type Lock struct {
	store            store.Store
	key              string
	backoff          backoff.Policy
	tokens           TokenSource
	retryStoreErrors bool
	logger           *slog.Logger
	bus              syncbus.Bus
	metrics          *metrics.LockMetrics
	traceEnabled     bool
}

// New returns a Lock guarding key in s.
func New(s store.Store, key string, opts ...Option) (*Lock, error) {
	if s == nil {
		return nil, ErrNilStore
	}
	if key == "" {
		return nil, ErrInvalidKey
	}
	l := &Lock{
		store:            s,
		key:              key,
		backoff:          defaultBackoff(),
		tokens:           RandomTokens(DefaultTokenBytes),
		retryStoreErrors: true,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Key returns the key this lock guards.
func (l *Lock) Key() string { return l.key }

func unlockChannel(key string) string { return "unlock:" + key }

// Acquire tries to take the lock, retrying until maxWait has elapsed. On
// success it returns the ownership token that must be passed to Release. The
// record it creates expires after ttl unless released first.
//
// At least one attempt is made, even when maxWait is zero. Acquire never
// sleeps past the deadline, so it returns within maxWait plus the latency of
// the last store round trip. Cancelling ctx aborts the wait and returns
// ctx.Err(); a lost attempt leaves nothing behind in the store.
func (l *Lock) Acquire(ctx context.Context, maxWait, ttl time.Duration) (token string, err error) {
	if maxWait < 0 {
		return "", ErrInvalidMaxWait
	}
	if ttl <= 0 {
		return "", ErrInvalidTTL
	}

	start := time.Now()
	attempts := 0
	var span trace.Span
	if l.traceEnabled {
		ctx, span = tracer.Start(ctx, "Lock.Acquire", trace.WithAttributes(
			attribute.String("latch.key", l.key),
			attribute.Int64("latch.max_wait_ms", maxWait.Milliseconds()),
			attribute.Int64("latch.ttl_ms", ttl.Milliseconds()),
		))
		defer span.End()
	}
	defer func() {
		l.observeAcquire(span, start, attempts, err)
	}()

	deadline := start.Add(maxWait)
	var (
		wake       <-chan struct{}
		lastErr    error
		subscribed bool
		sub        <-chan struct{}
		cancelSub  context.CancelFunc
	)
	defer func() {
		if cancelSub != nil {
			cancelSub()
		}
		if sub != nil {
			_ = l.bus.Unsubscribe(context.Background(), unlockChannel(l.key), sub)
		}
	}()
	for attempt := 0; ; attempt++ {
		candidate, err := l.tokens()
		if err != nil {
			return "", fmt.Errorf("latch: generate token: %w", err)
		}
		attempts++
		ok, err := l.store.TrySetIfAbsent(ctx, l.key, candidate, ttl)
		switch {
		case err != nil:
			if cerr := ctx.Err(); cerr != nil {
				return "", cerr
			}
			if !l.retryStoreErrors {
				return "", fmt.Errorf("%w: %w", ErrStore, err)
			}
			lastErr = err
			l.logger.Warn("latch: acquire attempt failed", "key", l.key, "attempt", attempt, "error", err)
		case ok:
			return candidate, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			if lastErr != nil {
				return "", fmt.Errorf("%w: last store error: %w", ErrAcquireTimeout, lastErr)
			}
			return "", ErrAcquireTimeout
		}

		if !subscribed && l.bus != nil {
			subscribed = true
			// bound the subscription to this call so the bus drops it on return
			var subCtx context.Context
			subCtx, cancelSub = context.WithCancel(ctx)
			ch, err := l.bus.Subscribe(subCtx, unlockChannel(l.key))
			if err != nil {
				l.logger.Debug("latch: release notifications unavailable", "key", l.key, "error", err)
			} else {
				sub, wake = ch, ch
			}
		}

		delay := l.backoff.Next(attempt)
		if delay > remaining {
			delay = remaining
		}
		if wake, err = sleep(ctx, delay, wake); err != nil {
			return "", err
		}
	}
}

// sleep waits for d, an early wake-up on wake, or ctx. It returns the wake
// channel to keep listening on, which becomes nil once the bus closed it;
// from then on only the backoff timer paces the loop.
func sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) (<-chan struct{}, error) {
	if d <= 0 {
		return wake, ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return wake, nil
	case _, ok := <-wake:
		if !ok {
			return nil, nil
		}
		return wake, nil
	case <-ctx.Done():
		return wake, ctx.Err()
	}
}

func (l *Lock) observeAcquire(span trace.Span, start time.Time, attempts int, err error) {
	result := metrics.ResultAcquired
	switch {
	case err == nil:
	case errors.Is(err, ErrAcquireTimeout):
		result = metrics.ResultTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		result = metrics.ResultCanceled
	default:
		result = metrics.ResultError
	}
	if l.metrics != nil {
		l.metrics.Acquire.WithLabelValues(result).Inc()
		l.metrics.Attempts.Add(float64(attempts))
		l.metrics.Wait.Observe(time.Since(start).Seconds())
	}
	if span != nil {
		span.SetAttributes(
			attribute.String("latch.result", result),
			attribute.Int("latch.attempts", attempts),
		)
		if err != nil && result != metrics.ResultTimeout {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
}

// Release gives the lock back if token still owns it. It reports true only
// when the store confirmed the record was deleted.
//
// False covers an empty token, a lock that already expired or now belongs to
// someone else, and store failures. None of these is returned as an error:
// releasing is cleanup, and the ttl takes care of anything left behind.
func (l *Lock) Release(ctx context.Context, token string) bool {
	return l.release(ctx, token).released()
}

type releaseOutcome int

const (
	outcomeReleased releaseOutcome = iota
	outcomeNotOwner
	outcomeInvalidToken
	outcomeStoreError
)

func (o releaseOutcome) String() string {
	switch o {
	case outcomeReleased:
		return metrics.ResultReleased
	case outcomeNotOwner:
		return metrics.ResultNotOwner
	case outcomeInvalidToken:
		return metrics.ResultInvalidToken
	default:
		return metrics.ResultError
	}
}

// releaseResult keeps the reason a release failed, which the public API
// collapses into a bool.
type releaseResult struct {
	outcome releaseOutcome
	err     error
}

func (r releaseResult) released() bool { return r.outcome == outcomeReleased }

func (l *Lock) release(ctx context.Context, token string) (res releaseResult) {
	var span trace.Span
	if l.traceEnabled {
		ctx, span = tracer.Start(ctx, "Lock.Release", trace.WithAttributes(
			attribute.String("latch.key", l.key),
		))
		defer span.End()
	}
	defer func() {
		if l.metrics != nil {
			l.metrics.Release.WithLabelValues(res.outcome.String()).Inc()
		}
		if span != nil {
			span.SetAttributes(attribute.String("latch.result", res.outcome.String()))
			if res.err != nil {
				span.RecordError(res.err)
				span.SetStatus(codes.Error, res.err.Error())
			}
		}
	}()

	if token == "" {
		l.logger.Warn("latch: release called without a token", "key", l.key)
		return releaseResult{outcome: outcomeInvalidToken}
	}

	deleted, err := l.store.CompareAndDelete(ctx, l.key, token)
	if err != nil {
		l.logger.Error("latch: release lock error", "key", l.key, "token", token, "error", err)
		return releaseResult{outcome: outcomeStoreError, err: err}
	}
	if !deleted {
		l.logger.Info("latch: release lock failed", "key", l.key, "token", token, "deleted", deleted)
		return releaseResult{outcome: outcomeNotOwner}
	}
	l.logger.Info("latch: release lock success", "key", l.key, "token", token)

	if l.bus != nil {
		if err := l.bus.Publish(ctx, unlockChannel(l.key)); err != nil {
			l.logger.Warn("latch: release notification failed", "key", l.key, "error", err)
		}
	}
	return releaseResult{outcome: outcomeReleased}
}

// Do acquires the lock, runs fn and releases the lock again. fn runs only if
// the lock was acquired. A failed release is logged but does not change the
// returned error.
func (l *Lock) Do(ctx context.Context, maxWait, ttl time.Duration, fn func(ctx context.Context) error) error {
	token, err := l.Acquire(ctx, maxWait, ttl)
	if err != nil {
		return err
	}
	defer l.Release(context.WithoutCancel(ctx), token)
	return fn(ctx)
}
