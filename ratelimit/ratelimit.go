// Package ratelimit provides admission control for outbound traffic.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrLimitExceeded is matched by every rejection from a Limiter.
var ErrLimitExceeded = errors.New("rate limit exceeded")

// ExceededError is a rejection carrying the earliest time a retry can succeed.
type ExceededError struct {
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %v", e.RetryAfter)
}

// Is makes errors.Is(err, ErrLimitExceeded) hold.
func (e *ExceededError) Is(target error) bool { return target == ErrLimitExceeded }

// RetryAfter extracts the retry hint from err, if it is a rejection.
func RetryAfter(err error) (time.Duration, bool) {
	var exceeded *ExceededError
	if errors.As(err, &exceeded) {
		return exceeded.RetryAfter, true
	}
	return 0, false
}

// Limiter admits or rejects units of work.
type Limiter interface {
	// Check admits one unit or returns an *ExceededError.
	Check() error
	// Wait blocks until one unit is admitted or ctx ends.
	Wait(ctx context.Context) error
}

// Window admits at most capacity units per window. The window restarts on
// the first admission after it has fully elapsed.
type Window struct {
	mu       sync.Mutex
	capacity int
	window   time.Duration
	start    time.Time
	count    int
	now      func() time.Time
}

// WindowOption configures a Window.
type WindowOption func(*Window)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) WindowOption {
	return func(w *Window) { w.now = now }
}

// NewWindow returns a limiter admitting capacity units per window.
func NewWindow(capacity int, window time.Duration, opts ...WindowOption) *Window {
	if capacity < 1 {
		capacity = 1
	}
	if window <= 0 {
		window = time.Second
	}
	w := &Window{capacity: capacity, window: window, now: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	w.start = w.now()
	return w
}

var _ Limiter = (*Window)(nil)

// elapsedSince returns now-start clamped to [0, ∞). A clock that steps
// backwards yields zero rather than a negative duration.
func elapsedSince(start, now time.Time) time.Duration {
	if now.Before(start) {
		return 0
	}
	d := now.Sub(start)
	if d < 0 { // Sub saturates at the duration bounds
		return 0
	}
	return d
}

// TryAcquire admits one unit. When it cannot, it returns how long until the
// current window ends; the result is never negative.
func (w *Window) TryAcquire() (retryAfter time.Duration, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	elapsed := elapsedSince(w.start, now)
	if elapsed >= w.window {
		w.start = now
		w.count = 0
		elapsed = 0
	}
	if w.count < w.capacity {
		w.count++
		return 0, true
	}
	return w.window - elapsed, false
}

// Allow reports whether one unit was admitted.
func (w *Window) Allow() bool {
	_, ok := w.TryAcquire()
	return ok
}

// Check implements Limiter.
func (w *Window) Check() error {
	if retry, ok := w.TryAcquire(); !ok {
		return &ExceededError{RetryAfter: retry}
	}
	return nil
}

// Wait implements Limiter.
func (w *Window) Wait(ctx context.Context) error {
	for {
		retry, ok := w.TryAcquire()
		if ok {
			return nil
		}
		if retry <= 0 {
			retry = time.Millisecond
		}
		timer := time.NewTimer(retry)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Remaining returns how many units the current window can still admit.
func (w *Window) Remaining() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if elapsedSince(w.start, w.now()) >= w.window {
		return w.capacity
	}
	return w.capacity - w.count
}

// TokenBucket is a Limiter refilling at a steady rate up to burst.
type TokenBucket struct {
	lim *rate.Limiter
}

// NewTokenBucket admits perSecond units per second with the given burst.
func NewTokenBucket(perSecond float64, burst int) *TokenBucket {
	if burst < 1 {
		burst = 1
	}
	return &TokenBucket{lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

var _ Limiter = (*TokenBucket)(nil)

// Check implements Limiter.
func (b *TokenBucket) Check() error {
	r := b.lim.Reserve()
	if !r.OK() {
		return &ExceededError{RetryAfter: time.Duration(float64(time.Second) / float64(b.lim.Limit()))}
	}
	if d := r.Delay(); d > 0 {
		r.Cancel()
		return &ExceededError{RetryAfter: d}
	}
	return nil
}

// Wait implements Limiter.
func (b *TokenBucket) Wait(ctx context.Context) error {
	return b.lim.Wait(ctx)
}
