// Package ratelimit paces outbound requests issued with one credential.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

// Limiter enforces a minimum spacing between consecutive Acquire returns.
// Callers are served one at a time in FIFO order, and spacing is measured from
// the moment the previous caller was released, not from when its request
// finished.
type Limiter struct {
	interval time.Duration
	clock    Clock
	slot     *semaphore.Weighted

	// guarded by slot
	last    time.Time
	started bool
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(l *Limiter) {
		if c != nil {
			l.clock = c
		}
	}
}

// New returns a limiter releasing at most one caller per interval. A
// non-positive interval never waits.
func New(interval time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		interval: interval,
		clock:    SystemClock,
		slot:     semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Interval returns the configured minimum spacing.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}

// Acquire blocks until the caller may issue its request. A cancelled caller
// leaves no trace: the next waiter is measured against the last successful
// acquisition.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.slot.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.slot.Release(1)

	if l.started && l.interval > 0 {
		wait := l.last.Add(l.interval).Sub(l.clock.Now())
		if wait > 0 {
			if err := l.clock.Sleep(ctx, wait); err != nil {
				return err
			}
		}
	}
	l.last = l.clock.Now()
	l.started = true
	return nil
}
