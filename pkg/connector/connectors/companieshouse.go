package connectors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/facetdata/facet/pkg/connector"
)

const defaultCompaniesHouseURL = "https://api.company-information.service.gov.uk"

// CompaniesHouseSpec declares the Companies House connector: free,
// authoritative UK company records for organization enrichment.
func CompaniesHouseSpec() connector.Spec {
	return connector.Spec{
		Name:            "companies_house",
		Phase:           connector.PhaseEnrichment,
		CostPerCallUSD:  0,
		Trust:           connector.TrustHigh,
		DefaultPriority: 30,
		Timeout:         8 * time.Second,
		RateLimit:       connector.RateLimit{PerMinute: 100, PerHour: 1200},
	}
}

// CompaniesHouse searches the UK company register by name.
type CompaniesHouse struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// CompaniesHouseOption customizes the fetcher.
type CompaniesHouseOption func(*CompaniesHouse)

// WithCompaniesHouseBaseURL points the fetcher at a different endpoint.
func WithCompaniesHouseBaseURL(u string) CompaniesHouseOption {
	return func(c *CompaniesHouse) { c.baseURL = u }
}

// NewCompaniesHouse builds the register fetcher.
func NewCompaniesHouse(apiKey string, opts ...CompaniesHouseOption) *CompaniesHouse {
	c := &CompaniesHouse{apiKey: apiKey, baseURL: defaultCompaniesHouseURL, client: newHTTPClient()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *CompaniesHouse) Fetch(ctx context.Context, params connector.Params) (*connector.Payload, error) {
	if c.apiKey == "" {
		return nil, connector.NewSourceError("companies_house", connector.KindAuth, errors.New("missing api key"))
	}

	name := params.Query
	if len(params.Candidates) > 0 && params.Candidates[0].Name != "" {
		name = params.Candidates[0].Name
	}

	q := url.Values{}
	q.Set("q", name)
	q.Set("items_per_page", "10")
	full := c.baseURL + "/search/companies?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return nil, fmt.Errorf("companies_house: create request: %w", err)
	}
	// The register authenticates with the key as the basic-auth username.
	req.SetBasicAuth(c.apiKey, "")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	body, err := readBody(resp)
	if err != nil {
		return nil, fmt.Errorf("companies_house: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, httpError("companies_house", resp.StatusCode, body)
	}
	return &connector.Payload{URL: full, Body: body}, nil
}
