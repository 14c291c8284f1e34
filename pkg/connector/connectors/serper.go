package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/facetdata/facet/pkg/connector"
)

const defaultSerperURL = "https://google.serper.dev/search"

// SerperSpec declares the Serper web-search connector: paid broad discovery
// over search results, low trust because snippets are unverified.
func SerperSpec() connector.Spec {
	return connector.Spec{
		Name:            "serper",
		Phase:           connector.PhaseDiscovery,
		CostPerCallUSD:  0.01,
		Trust:           connector.TrustLow,
		DefaultPriority: 20,
		Timeout:         8 * time.Second,
		RateLimit:       connector.RateLimit{PerMinute: 60, PerHour: 1000},
	}
}

// Serper runs one web search per invocation through serper.dev.
type Serper struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// SerperOption customizes the Serper fetcher.
type SerperOption func(*Serper)

// WithSerperBaseURL points the fetcher at a different endpoint.
func WithSerperBaseURL(u string) SerperOption {
	return func(s *Serper) { s.baseURL = u }
}

// NewSerper builds the search fetcher. An empty key is allowed at
// construction and rejected per call, so misconfiguration surfaces in run
// reports rather than at bootstrap.
func NewSerper(apiKey string, opts ...SerperOption) *Serper {
	s := &Serper{apiKey: apiKey, baseURL: defaultSerperURL, client: newHTTPClient()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type serperRequest struct {
	Q   string `json:"q"`
	Num int    `json:"num,omitempty"`
}

func (s *Serper) Fetch(ctx context.Context, params connector.Params) (*connector.Payload, error) {
	if s.apiKey == "" {
		return nil, connector.NewSourceError("serper", connector.KindAuth, errors.New("missing api key"))
	}

	q := params.Query
	if params.Locality != "" {
		q = strings.TrimSpace(q + " " + params.Locality)
	}
	body, err := json.Marshal(serperRequest{Q: q, Num: 10})
	if err != nil {
		return nil, fmt.Errorf("serper: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("serper: create request: %w", err)
	}
	req.Header.Set("X-API-KEY", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	respBody, err := readBody(resp)
	if err != nil {
		return nil, fmt.Errorf("serper: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, httpError("serper", resp.StatusCode, respBody)
	}
	return &connector.Payload{URL: s.baseURL, Body: respBody}, nil
}
