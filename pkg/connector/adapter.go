package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/facetdata/facet/pkg/rawstore"
)

// RetryPolicy controls how the adapter retries retryable source failures.
type RetryPolicy struct {
	// MaxAttempts is the total number of fetch attempts, including the first.
	MaxAttempts int
	// BaseDelay is the backoff before the second attempt; it doubles per retry.
	BaseDelay time.Duration
	// JitterFrac spreads each delay by ±frac to avoid thundering herds.
	JitterFrac float64
}

// DefaultRetryPolicy retries twice after the initial attempt with a short
// exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		JitterFrac:  0.2,
	}
}

func (p RetryPolicy) delay(retry int) time.Duration {
	d := p.BaseDelay << uint(retry)
	if p.JitterFrac > 0 {
		f := 1 + p.JitterFrac*(2*rand.Float64()-1)
		d = time.Duration(float64(d) * f)
	}
	return d
}

// Adapter wraps every registered fetcher with the shared source semantics:
// per-spec deadlines, rate limiting, retry with backoff, failure
// classification, and archival of successful payloads into the raw lake.
// Callers go through Fetch instead of talking to fetchers directly.
type Adapter struct {
	registry *Registry
	lake     rawstore.Store
	limiter  RateLimiter
	retry    RetryPolicy
	logger   *slog.Logger
	now      func() time.Time
}

// AdapterOption customizes an Adapter.
type AdapterOption func(*Adapter)

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p RetryPolicy) AdapterOption {
	return func(a *Adapter) { a.retry = p }
}

// WithAdapterLogger sets the logger used for retry and failure events.
func WithAdapterLogger(l *slog.Logger) AdapterOption {
	return func(a *Adapter) { a.logger = l }
}

// WithClock overrides the wall clock. Tests use this to pin ingestion
// timestamps.
func WithClock(now func() time.Time) AdapterOption {
	return func(a *Adapter) { a.now = now }
}

// NewAdapter builds an Adapter over a registry, a raw payload lake, and a
// rate limiter.
func NewAdapter(reg *Registry, lake rawstore.Store, limiter RateLimiter, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		registry: reg,
		lake:     lake,
		limiter:  limiter,
		retry:    DefaultRetryPolicy(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.retry.MaxAttempts < 1 {
		a.retry.MaxAttempts = 1
	}
	return a
}

// Fetch calls the named connector once, honoring its declared timeout and
// rate limits, retrying retryable failures, and archiving the payload into
// the raw lake on success. Failures come back as *SourceError; an unknown
// connector name is reported as ErrUnknownConnector.
func (a *Adapter) Fetch(ctx context.Context, name string, params Params) (*rawstore.Ingestion, error) {
	spec, fetcher, err := a.registry.Get(name)
	if err != nil {
		return nil, err
	}

	// The spec timeout composes with whatever deadline the caller carries:
	// WithTimeout never extends a parent deadline.
	ctx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	var lastErr *SourceError
	for attempt := 1; attempt <= a.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, a.retry.delay(attempt-2)); err != nil {
				return nil, Classify(name, err)
			}
		}

		if err := a.limiter.Acquire(ctx, name); err != nil {
			lastErr = Classify(name, err)
			if !lastErr.Kind.Retryable() {
				return nil, lastErr
			}
			a.logger.Debug("connector throttled",
				"source", name, "attempt", attempt, "kind", lastErr.Kind)
			continue
		}

		start := a.now()
		payload, err := fetcher.Fetch(ctx, params)
		if err != nil {
			lastErr = Classify(name, err)
			a.logger.Debug("connector fetch failed",
				"source", name,
				"attempt", attempt,
				"kind", lastErr.Kind,
				"elapsed", a.now().Sub(start),
				"error", err)
			if !lastErr.Kind.Retryable() {
				return nil, lastErr
			}
			continue
		}

		return a.archive(ctx, name, payload)
	}
	if lastErr == nil {
		// MaxAttempts >= 1 guarantees at least one pass through the loop.
		lastErr = NewSourceError(name, KindTransient, errors.New("no attempts made"))
	}
	return nil, lastErr
}

func (a *Adapter) archive(ctx context.Context, name string, payload *Payload) (*rawstore.Ingestion, error) {
	if payload == nil || len(payload.Body) == 0 {
		return nil, NewSourceError(name, KindMalformed, errors.New("empty payload"))
	}
	ing := rawstore.NewIngestion(name, payload.URL, payload.Body, a.now().UTC())

	key := rawstore.Key(ing.Source, ing.FetchedAt, ing.SHA256)
	if dup, err := a.lake.Exists(ctx, key); err == nil && dup {
		ing.Duplicate = true
	}

	if err := ing.Archive(ctx, a.lake); err != nil {
		return nil, NewSourceError(name, KindTransient, fmt.Errorf("archive payload: %w", err))
	}
	return ing, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
