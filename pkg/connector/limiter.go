package connector

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter coordinates call pacing per source. Acquire blocks until a
// slot is free, or fails fast with ErrRateLimited when the wait cannot
// complete within the context deadline or the hourly budget is spent.
type RateLimiter interface {
	Acquire(ctx context.Context, source string) error
}

// SpecLookup resolves a source name to its spec; the registry's Spec method
// satisfies it.
type SpecLookup func(name string) (Spec, bool)

// LocalLimiter enforces per-minute token buckets and fixed hourly windows in
// process. One run's workers share it, so a source's budget holds across
// concurrent invocations.
type LocalLimiter struct {
	specs SpecLookup
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*sourceBucket
}

type sourceBucket struct {
	minute *rate.Limiter

	perHour     int
	windowStart time.Time
	windowCount int
}

// NewLocalLimiter builds a limiter over the given spec lookup.
func NewLocalLimiter(specs SpecLookup) *LocalLimiter {
	return &LocalLimiter{
		specs:   specs,
		now:     time.Now,
		buckets: map[string]*sourceBucket{},
	}
}

func (l *LocalLimiter) bucket(source string) *sourceBucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[source]; ok {
		return b
	}
	spec, ok := l.specs(source)
	if !ok {
		return nil
	}
	b := &sourceBucket{perHour: spec.RateLimit.PerHour}
	if pm := spec.RateLimit.PerMinute; pm > 0 {
		// Continuous refill at pm/minute with a burst of pm.
		b.minute = rate.NewLimiter(rate.Limit(float64(pm)/60.0), pm)
	}
	l.buckets[source] = b
	return b
}

// Acquire takes one slot for source. The hourly window is checked first and
// fails fast; the minute bucket then waits, bounded by the context deadline.
func (l *LocalLimiter) Acquire(ctx context.Context, source string) error {
	b := l.bucket(source)
	if b == nil {
		return nil
	}

	if err := l.takeHourSlot(b); err != nil {
		return err
	}

	if b.minute != nil {
		if err := b.minute.Wait(ctx); err != nil {
			l.releaseHourSlot(b)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Wait refused because the delay exceeds the deadline.
			return ErrRateLimited
		}
	}
	return nil
}

func (l *LocalLimiter) takeHourSlot(b *sourceBucket) error {
	if b.perHour <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if b.windowStart.IsZero() || now.Sub(b.windowStart) >= time.Hour {
		b.windowStart = now
		b.windowCount = 0
	}
	if b.windowCount >= b.perHour {
		return ErrRateLimited
	}
	b.windowCount++
	return nil
}

func (l *LocalLimiter) releaseHourSlot(b *sourceBucket) {
	if b.perHour <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if b.windowCount > 0 {
		b.windowCount--
	}
}
