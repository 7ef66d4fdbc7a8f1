// Package ratelimit paces model and embedding calls to a fixed number per
// minute. One Limiter is shared by every client in a run.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter enforces a minimum interval between consecutive calls.
// A nil or disabled Limiter never blocks. Safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	interval time.Duration
	lim      *rate.Limiter
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithSleep replaces the blocking wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) {
		l.sleep = sleep
	}
}

// New returns a limiter allowing callsPerMinute calls, spaced evenly at
// 60s/callsPerMinute. Zero or negative disables limiting.
func New(callsPerMinute int, opts ...Option) *Limiter {
	l := &Limiter{
		now:   time.Now,
		sleep: sleepContext,
	}
	if callsPerMinute > 0 {
		l.interval = time.Minute / time.Duration(callsPerMinute)
		// Burst 1 turns the token bucket into a fixed-interval gate.
		l.lim = rate.NewLimiter(rate.Every(l.interval), 1)
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Interval returns the enforced spacing, or 0 when disabled.
func (l *Limiter) Interval() time.Duration {
	if l == nil {
		return 0
	}
	return l.interval
}

// Wait blocks until the interval since the previous call has elapsed, then
// records this call. It returns ctx.Err() if ctx ends first, in which case
// the slot is released for the next caller.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil || l.lim == nil {
		return ctx.Err()
	}

	// Waiting under the lock keeps callers strictly serialised.
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	now := l.now()
	r := l.lim.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	if err := l.sleep(ctx, delay); err != nil {
		r.CancelAt(l.now())
		return err
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
