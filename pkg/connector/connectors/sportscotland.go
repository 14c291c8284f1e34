package connectors

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/facetdata/facet/pkg/connector"
)

const defaultSportScotlandURL = "https://maps.sportscotland.org.uk/server/rest/services/Facilities/FeatureServer/0/query"

// SportScotlandSpec declares the sportscotland facilities connector: a free
// authoritative register of Scottish sports facilities.
func SportScotlandSpec() connector.Spec {
	return connector.Spec{
		Name:            "sport_scotland",
		Phase:           connector.PhaseEnrichment,
		CostPerCallUSD:  0,
		Trust:           connector.TrustHigh,
		DefaultPriority: 20,
		Timeout:         10 * time.Second,
		RateLimit:       connector.RateLimit{PerMinute: 30, PerHour: 600},
	}
}

// SportScotland queries the facilities register through its ArcGIS feature
// service.
type SportScotland struct {
	baseURL string
	client  *http.Client
}

// SportScotlandOption customizes the fetcher.
type SportScotlandOption func(*SportScotland)

// WithSportScotlandBaseURL points the fetcher at a different feature service.
func WithSportScotlandBaseURL(u string) SportScotlandOption {
	return func(s *SportScotland) { s.baseURL = u }
}

// NewSportScotland builds the facilities fetcher.
func NewSportScotland(opts ...SportScotlandOption) *SportScotland {
	s := &SportScotland{baseURL: defaultSportScotlandURL, client: newHTTPClient()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SportScotland) Fetch(ctx context.Context, params connector.Params) (*connector.Payload, error) {
	name := params.Query
	if len(params.Candidates) > 0 && params.Candidates[0].Name != "" {
		name = params.Candidates[0].Name
	}

	q := url.Values{}
	q.Set("where", facilityWhere(name))
	q.Set("outFields", "*")
	q.Set("resultRecordCount", "25")
	q.Set("f", "json")
	full := s.baseURL + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return nil, fmt.Errorf("sport_scotland: create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	body, err := readBody(resp)
	if err != nil {
		return nil, fmt.Errorf("sport_scotland: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, httpError("sport_scotland", resp.StatusCode, body)
	}
	return &connector.Payload{URL: full, Body: body}, nil
}

// facilityWhere builds the feature-service filter. Single quotes double per
// SQL-92, which is what ArcGIS where clauses speak.
func facilityWhere(name string) string {
	escaped := strings.ToUpper(strings.ReplaceAll(name, "'", "''"))
	return fmt.Sprintf("UPPER(NAME) LIKE '%%%s%%'", escaped)
}
