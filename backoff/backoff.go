// Package backoff provides pluggable retry delay strategies for job execution.
// All strategies are safe for concurrent use (they are stateless).
package backoff

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/codyaverett/container-codes/job"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// ──────────────────────────────────────────────────
// Fixed
// ──────────────────────────────────────────────────

// Fixed always returns the same delay regardless of attempt number.
type Fixed struct {
	Interval time.Duration
}

// NewFixed creates a fixed backoff strategy.
func NewFixed(interval time.Duration) *Fixed {
	return &Fixed{Interval: interval}
}

// Delay returns the fixed interval.
func (f *Fixed) Delay(_ int) time.Duration {
	return f.Interval
}

// ──────────────────────────────────────────────────
// Linear
// ──────────────────────────────────────────────────

// Linear increases the delay linearly with the attempt number.
// Delay = min(Base * attempt, Max).
type Linear struct {
	Base time.Duration
	Max  time.Duration
}

// NewLinear creates a linear backoff strategy.
func NewLinear(base, maxDelay time.Duration) *Linear {
	return &Linear{Base: base, Max: maxDelay}
}

// Delay returns Base * attempt, capped at Max.
func (l *Linear) Delay(attempt int) time.Duration {
	d := l.Base * time.Duration(attempt)
	if l.Max > 0 && d > l.Max {
		return l.Max
	}
	return d
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential doubles the delay each attempt.
// Delay = min(Base * 2^(attempt-1), Max).
type Exponential struct {
	Base time.Duration
	Max  time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(base, maxDelay time.Duration) *Exponential {
	return &Exponential{Base: base, Max: maxDelay}
}

// Delay returns Base * 2^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	d := time.Duration(float64(e.Base) * math.Pow(2, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// ──────────────────────────────────────────────────
// Jitter
// ──────────────────────────────────────────────────

// Jitter wraps another strategy and multiplies its delay by a uniform
// random factor in [0.5, 1.0]. This spreads out retries that would
// otherwise land simultaneously.
type Jitter struct {
	Inner Strategy
}

// NewJitter wraps inner with equal jitter.
func NewJitter(inner Strategy) *Jitter {
	return &Jitter{Inner: inner}
}

// Delay returns a random duration in [inner/2, inner].
func (j *Jitter) Delay(attempt int) time.Duration {
	d := float64(j.Inner.Delay(attempt))
	factor := 0.5 + rand.Float64()*0.5 //nolint:gosec // jitter intentionally uses non-crypto rand
	return time.Duration(d * factor)
}

// ──────────────────────────────────────────────────
// Construction
// ──────────────────────────────────────────────────

// FromPolicy builds the strategy described by a job's retry policy.
func FromPolicy(p job.RetryPolicy) Strategy {
	var s Strategy
	switch p.Backoff {
	case job.BackoffLinear:
		s = NewLinear(p.BaseDelay, p.MaxDelay)
	case job.BackoffExponential:
		s = NewExponential(p.BaseDelay, p.MaxDelay)
	default:
		s = NewFixed(p.BaseDelay)
	}
	if p.Jitter {
		s = NewJitter(s)
	}
	return s
}

// DefaultStrategy returns the backoff used when a job carries no policy:
// jittered exponential with 5s base and 2m max.
func DefaultStrategy() Strategy {
	return NewJitter(NewExponential(5*time.Second, 2*time.Minute))
}
