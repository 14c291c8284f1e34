package connector

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/facetdata/facet/pkg/rawstore"
)

type allowAll struct{}

func (allowAll) Acquire(context.Context, string) error { return nil }

type denyAll struct{ calls atomic.Int32 }

func (d *denyAll) Acquire(context.Context, string) error {
	d.calls.Add(1)
	return ErrRateLimited
}

func newTestAdapter(t *testing.T, spec Spec, f Fetcher, limiter RateLimiter) (*Adapter, *rawstore.MemStore) {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register(spec, f))
	lake := rawstore.NewMemStore()
	a := NewAdapter(reg, lake, limiter,
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, JitterFrac: 0.2}),
	)
	return a, lake
}

// TestAdapterFetchSuccess verifies the happy path archives the payload and
// stamps the ingestion.
func TestAdapterFetchSuccess(t *testing.T) {
	spec := testSpec("osm", PhaseDiscovery)
	body := []byte(`{"elements":[{"type":"node","id":1}]}`)
	f := FetcherFunc(func(ctx context.Context, p Params) (*Payload, error) {
		require.Equal(t, "five a side football", p.Query)
		return &Payload{URL: "https://overpass.example/api", Body: body}, nil
	})
	a, lake := newTestAdapter(t, spec, f, allowAll{})

	ing, err := a.Fetch(context.Background(), "osm", Params{Query: "five a side football"})
	require.NoError(t, err)
	require.Equal(t, "osm", ing.Source)
	require.NotEmpty(t, ing.ID)
	require.NotEmpty(t, ing.SHA256)
	require.NotEmpty(t, ing.Ref)
	require.False(t, ing.Duplicate)
	require.Equal(t, 1, lake.Len())

	stored, err := lake.Get(context.Background(), ing.Ref)
	require.NoError(t, err)
	require.Equal(t, body, stored)
}

// TestAdapterDuplicatePayload verifies identical payloads archive once and
// the repeat is flagged.
func TestAdapterDuplicatePayload(t *testing.T) {
	spec := testSpec("osm", PhaseDiscovery)
	f := FetcherFunc(func(ctx context.Context, p Params) (*Payload, error) {
		return &Payload{URL: "https://overpass.example/api", Body: []byte(`{"same":true}`)}, nil
	})
	a, lake := newTestAdapter(t, spec, f, allowAll{})

	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	WithClock(func() time.Time { return fixed })(a)

	first, err := a.Fetch(context.Background(), "osm", Params{})
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	second, err := a.Fetch(context.Background(), "osm", Params{})
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.Equal(t, first.SHA256, second.SHA256)
	require.Equal(t, first.Ref, second.Ref)
	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, 1, lake.Len())
}

// TestAdapterRetriesTransient verifies transient failures retry and succeed.
func TestAdapterRetriesTransient(t *testing.T) {
	spec := testSpec("serper", PhaseDiscovery)
	var attempts atomic.Int32
	f := FetcherFunc(func(ctx context.Context, p Params) (*Payload, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("connection reset by peer")
		}
		return &Payload{URL: "https://serper.example", Body: []byte(`{"organic":[]}`)}, nil
	})
	a, _ := newTestAdapter(t, spec, f, allowAll{})

	ing, err := a.Fetch(context.Background(), "serper", Params{Query: "q"})
	require.NoError(t, err)
	require.NotNil(t, ing)
	require.Equal(t, int32(3), attempts.Load())
}

// TestAdapterFatalNoRetry verifies auth failures stop immediately.
func TestAdapterFatalNoRetry(t *testing.T) {
	spec := testSpec("serper", PhaseDiscovery)
	var attempts atomic.Int32
	f := FetcherFunc(func(ctx context.Context, p Params) (*Payload, error) {
		attempts.Add(1)
		return nil, NewSourceError("", KindAuth, errors.New("401 unauthorized"))
	})
	a, _ := newTestAdapter(t, spec, f, allowAll{})

	_, err := a.Fetch(context.Background(), "serper", Params{})
	var srcErr *SourceError
	require.ErrorAs(t, err, &srcErr)
	require.Equal(t, KindAuth, srcErr.Kind)
	require.Equal(t, "serper", srcErr.Source)
	require.Equal(t, int32(1), attempts.Load())
}

// TestAdapterRetriesExhausted verifies the final classified error surfaces
// after the attempt budget.
func TestAdapterRetriesExhausted(t *testing.T) {
	spec := testSpec("serper", PhaseDiscovery)
	var attempts atomic.Int32
	f := FetcherFunc(func(ctx context.Context, p Params) (*Payload, error) {
		attempts.Add(1)
		return nil, errors.New("503 service unavailable")
	})
	a, _ := newTestAdapter(t, spec, f, allowAll{})

	_, err := a.Fetch(context.Background(), "serper", Params{})
	var srcErr *SourceError
	require.ErrorAs(t, err, &srcErr)
	require.Equal(t, KindTransient, srcErr.Kind)
	require.Equal(t, int32(3), attempts.Load())
}

// TestAdapterSpecTimeout verifies a slow fetcher is cut off at the spec
// deadline and classified as a timeout.
func TestAdapterSpecTimeout(t *testing.T) {
	spec := testSpec("web", PhaseEnrichment)
	spec.Timeout = 30 * time.Millisecond
	f := FetcherFunc(func(ctx context.Context, p Params) (*Payload, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	a, _ := newTestAdapter(t, spec, f, allowAll{})

	start := time.Now()
	_, err := a.Fetch(context.Background(), "web", Params{})
	var srcErr *SourceError
	require.ErrorAs(t, err, &srcErr)
	require.Equal(t, KindTimeout, srcErr.Kind)
	require.Less(t, time.Since(start), 5*time.Second)
}

// TestAdapterCancelled verifies caller cancellation is not misreported as a
// source failure.
func TestAdapterCancelled(t *testing.T) {
	spec := testSpec("web", PhaseEnrichment)
	f := FetcherFunc(func(ctx context.Context, p Params) (*Payload, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	a, _ := newTestAdapter(t, spec, f, allowAll{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := a.Fetch(ctx, "web", Params{})
	var srcErr *SourceError
	require.ErrorAs(t, err, &srcErr)
	require.Equal(t, KindCancelled, srcErr.Kind)
}

// TestAdapterRateLimited verifies limiter denials retry and then surface as
// rate_limited.
func TestAdapterRateLimited(t *testing.T) {
	spec := testSpec("google_places", PhaseEnrichment)
	f := FetcherFunc(func(ctx context.Context, p Params) (*Payload, error) {
		t.Fatal("fetcher must not run when the limiter denies")
		return nil, nil
	})
	limiter := &denyAll{}
	a, _ := newTestAdapter(t, spec, f, limiter)

	_, err := a.Fetch(context.Background(), "google_places", Params{})
	var srcErr *SourceError
	require.ErrorAs(t, err, &srcErr)
	require.Equal(t, KindRateLimited, srcErr.Kind)
	require.Equal(t, int32(3), limiter.calls.Load())
}

// TestAdapterUnknownConnector verifies unregistered names fail with the
// sentinel.
func TestAdapterUnknownConnector(t *testing.T) {
	a := NewAdapter(NewRegistry(), rawstore.NewMemStore(), allowAll{})
	_, err := a.Fetch(context.Background(), "ghost", Params{})
	require.ErrorIs(t, err, ErrUnknownConnector)
}

// TestAdapterEmptyPayload verifies empty bodies are rejected as malformed.
func TestAdapterEmptyPayload(t *testing.T) {
	spec := testSpec("web", PhaseEnrichment)
	f := FetcherFunc(func(ctx context.Context, p Params) (*Payload, error) {
		return &Payload{URL: "https://example.com"}, nil
	})
	a, _ := newTestAdapter(t, spec, f, allowAll{})

	_, err := a.Fetch(context.Background(), "web", Params{})
	var srcErr *SourceError
	require.ErrorAs(t, err, &srcErr)
	require.Equal(t, KindMalformed, srcErr.Kind)
}
