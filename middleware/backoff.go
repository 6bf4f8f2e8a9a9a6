package middleware

import (
	"math/rand/v2"
	"time"
)

// BackoffStrategy decides how long to wait before each retry attempt.
type BackoffStrategy interface {
	// NextDelay returns the wait before retry number attempt (1-based).
	NextDelay(attempt int) time.Duration
	// MaxAttempts is the number of retries allowed after the first try.
	MaxAttempts() int
}

// Backoff multiplies a base delay by factor for every attempt after the
// first, up to a cap, and spreads each delay by ±jitter/2.
type Backoff struct {
	base     time.Duration
	cap      time.Duration // <= 0 means unbounded
	factor   float64
	jitter   float64
	attempts int
}

// NewExponentialBackoff doubles from initial up to maxDelay, with 20% jitter.
func NewExponentialBackoff(initial, maxDelay time.Duration, attempts int) *Backoff {
	return &Backoff{base: initial, cap: maxDelay, factor: 2, jitter: 0.2, attempts: attempts}
}

// NewConstantBackoff waits delay every time, with 10% jitter.
func NewConstantBackoff(delay time.Duration, attempts int) *Backoff {
	return &Backoff{base: delay, factor: 1, jitter: 0.1, attempts: attempts}
}

// NewNoBackoff retries immediately.
func NewNoBackoff(attempts int) *Backoff {
	return &Backoff{factor: 1, attempts: attempts}
}

// WithFactor sets the growth factor.
func (b *Backoff) WithFactor(factor float64) *Backoff {
	b.factor = factor
	return b
}

// WithJitter sets the jitter fraction; 0 makes delays exact.
func (b *Backoff) WithJitter(jitter float64) *Backoff {
	b.jitter = jitter
	return b
}

func (b *Backoff) NextDelay(attempt int) time.Duration {
	if attempt < 1 || b.base <= 0 {
		return 0
	}
	d := float64(b.base)
	for range attempt - 1 {
		d *= b.factor
		if b.cap > 0 && d >= float64(b.cap) {
			break
		}
	}
	if b.jitter > 0 {
		d += (rand.Float64() - 0.5) * d * b.jitter
	}
	if b.cap > 0 && d > float64(b.cap) {
		d = float64(b.cap)
	}
	return time.Duration(d)
}

func (b *Backoff) MaxAttempts() int { return b.attempts }
