// Package backoff provides the retry delay policies used between lock
// acquisition attempts.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy returns the delay to wait after the given failed attempt. Attempts
// are numbered from zero. Implementations must be safe for concurrent use.
type Policy interface {
	Next(attempt int) time.Duration
}

// PolicyFunc adapts a plain function to Policy.
type PolicyFunc func(attempt int) time.Duration

// Next implements Policy.Next.
func (f PolicyFunc) Next(attempt int) time.Duration { return f(attempt) }

type fixed time.Duration

// Fixed waits d between every attempt.
func Fixed(d time.Duration) Policy {
	if d < 0 {
		d = 0
	}
	return fixed(d)
}

func (f fixed) Next(int) time.Duration { return time.Duration(f) }

// None never waits. It is meant for tests that want deterministic, tight
// retry loops.
func None() Policy { return fixed(0) }

type linear struct {
	initial, step, max time.Duration
}

// Linear waits initial, initial+step, initial+2*step, ... capped at max.
// A non-positive max disables the cap.
func Linear(initial, step, max time.Duration) Policy {
	return linear{initial: initial, step: step, max: max}
}

func (l linear) Next(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := l.initial + time.Duration(attempt)*l.step
	return clamp(d, l.max)
}

type exponential struct {
	initial, max time.Duration
	factor       float64
}

// Exponential waits initial*factor^attempt capped at max. A factor below 1
// is treated as 2.
func Exponential(initial, max time.Duration, factor float64) Policy {
	if factor < 1 {
		factor = 2
	}
	return exponential{initial: initial, max: max, factor: factor}
}

func (e exponential) Next(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	f := float64(e.initial) * math.Pow(e.factor, float64(attempt))
	if math.IsInf(f, 0) || f > float64(math.MaxInt64) {
		if e.max > 0 {
			return e.max
		}
		return time.Duration(math.MaxInt64)
	}
	return clamp(time.Duration(f), e.max)
}

type jitter struct {
	inner    Policy
	fraction float64
}

// WithJitter randomises the delay of p. With fraction f, a delay d becomes a
// uniform value in [d*(1-f), d]. f is clamped to (0, 1]; 1 gives full jitter.
func WithJitter(p Policy, fraction float64) Policy {
	if fraction <= 0 {
		return p
	}
	if fraction > 1 {
		fraction = 1
	}
	return jitter{inner: p, fraction: fraction}
}

func (j jitter) Next(attempt int) time.Duration {
	d := j.inner.Next(attempt)
	if d <= 0 {
		return 0
	}
	spread := int64(float64(d) * j.fraction)
	if spread <= 0 {
		return d
	}
	return d - time.Duration(rand.Int63n(spread+1))
}

func clamp(d, max time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if max > 0 && d > max {
		return max
	}
	return d
}
