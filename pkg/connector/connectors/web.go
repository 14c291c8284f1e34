package connectors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/facetdata/facet/pkg/connector"
)

// WebSpec declares the generic website connector: free, low-trust enrichment
// that fetches a candidate's own site.
func WebSpec() connector.Spec {
	return connector.Spec{
		Name:            "web",
		Phase:           connector.PhaseEnrichment,
		CostPerCallUSD:  0,
		Trust:           connector.TrustLow,
		DefaultPriority: 40,
		Timeout:         12 * time.Second,
		RateLimit:       connector.RateLimit{PerMinute: 12, PerHour: 200},
	}
}

// Web fetches the first candidate's website. The page extractor owns making
// sense of what comes back.
type Web struct {
	client    *http.Client
	userAgent string
}

// WebOption customizes the web fetcher.
type WebOption func(*Web)

// WithWebUserAgent overrides the identifying User-Agent header.
func WithWebUserAgent(ua string) WebOption {
	return func(w *Web) { w.userAgent = ua }
}

// NewWeb builds the website fetcher.
func NewWeb(opts ...WebOption) *Web {
	w := &Web{client: newHTTPClient(), userAgent: "facet/1.0 (+https://github.com/facetdata/facet)"}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Web) Fetch(ctx context.Context, params connector.Params) (*connector.Payload, error) {
	target := candidateWebsite(params)
	if target == "" {
		return nil, connector.NewSourceError("web", connector.KindNotFound, errors.New("no candidate website to fetch"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, connector.NewSourceError("web", connector.KindMalformed, fmt.Errorf("bad website url %q: %w", target, err))
	}
	req.Header.Set("User-Agent", w.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, err
	}
	body, err := readBody(resp)
	if err != nil {
		return nil, fmt.Errorf("web: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, httpError("web", resp.StatusCode, body)
	}
	return &connector.Payload{URL: target, Body: body}, nil
}

func candidateWebsite(params connector.Params) string {
	for _, c := range params.Candidates {
		if c.Website != "" {
			return c.Website
		}
	}
	return ""
}
