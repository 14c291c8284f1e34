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

const defaultPlacesURL = "https://places.googleapis.com/v1/places:searchText"

// placesFieldMask limits the response to the fields the extractor consumes.
const placesFieldMask = "places.id,places.displayName,places.formattedAddress," +
	"places.location,places.addressComponents,places.internationalPhoneNumber," +
	"places.websiteUri,places.types,places.regularOpeningHours,places.rating"

// PlacesSpec declares the Google Places connector: paid, high-trust
// enrichment for place entities.
func PlacesSpec() connector.Spec {
	return connector.Spec{
		Name:            "google_places",
		Phase:           connector.PhaseEnrichment,
		CostPerCallUSD:  0.017,
		Trust:           connector.TrustHigh,
		DefaultPriority: 10,
		Timeout:         8 * time.Second,
		RateLimit:       connector.RateLimit{PerMinute: 100, PerHour: 3000},
	}
}

// Places resolves one candidate per invocation through the Places text
// search API.
type Places struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// PlacesOption customizes the Places fetcher.
type PlacesOption func(*Places)

// WithPlacesBaseURL points the fetcher at a different endpoint.
func WithPlacesBaseURL(u string) PlacesOption {
	return func(p *Places) { p.baseURL = u }
}

// NewPlaces builds the Places fetcher.
func NewPlaces(apiKey string, opts ...PlacesOption) *Places {
	p := &Places{apiKey: apiKey, baseURL: defaultPlacesURL, client: newHTTPClient()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type placesRequest struct {
	TextQuery string `json:"textQuery"`
}

func (p *Places) Fetch(ctx context.Context, params connector.Params) (*connector.Payload, error) {
	if p.apiKey == "" {
		return nil, connector.NewSourceError("google_places", connector.KindAuth, errors.New("missing api key"))
	}

	text := placesQuery(params)
	body, err := json.Marshal(placesRequest{TextQuery: text})
	if err != nil {
		return nil, fmt.Errorf("google_places: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("google_places: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Goog-Api-Key", p.apiKey)
	req.Header.Set("X-Goog-FieldMask", placesFieldMask)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	respBody, err := readBody(resp)
	if err != nil {
		return nil, fmt.Errorf("google_places: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, httpError("google_places", resp.StatusCode, respBody)
	}
	return &connector.Payload{URL: p.baseURL, Body: respBody}, nil
}

// placesQuery prefers the first candidate's name so enrichment resolves what
// discovery found, not the raw user query.
func placesQuery(params connector.Params) string {
	name := params.Query
	if len(params.Candidates) > 0 && params.Candidates[0].Name != "" {
		name = params.Candidates[0].Name
	}
	if params.Locality != "" {
		return strings.TrimSpace(name + " " + params.Locality)
	}
	return name
}
