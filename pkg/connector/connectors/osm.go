package connectors

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/facetdata/facet/pkg/connector"
)

const defaultOverpassURL = "https://overpass-api.de/api/interpreter"

// OSMSpec declares the OpenStreetMap Overpass connector: free broad
// discovery with community-maintained data.
func OSMSpec() connector.Spec {
	return connector.Spec{
		Name:            "osm",
		Phase:           connector.PhaseDiscovery,
		CostPerCallUSD:  0,
		Trust:           connector.TrustMedium,
		DefaultPriority: 10,
		Timeout:         10 * time.Second,
		RateLimit:       connector.RateLimit{PerMinute: 10, PerHour: 300},
	}
}

// OSM queries the Overpass API for named map features matching the query
// terms, optionally scoped to a locality area.
type OSM struct {
	baseURL string
	client  *http.Client
}

// OSMOption customizes the OSM fetcher.
type OSMOption func(*OSM)

// WithOSMBaseURL points the fetcher at a different Overpass endpoint.
func WithOSMBaseURL(u string) OSMOption {
	return func(o *OSM) { o.baseURL = u }
}

// NewOSM builds the Overpass fetcher.
func NewOSM(opts ...OSMOption) *OSM {
	o := &OSM{baseURL: defaultOverpassURL, client: newHTTPClient()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *OSM) Fetch(ctx context.Context, params connector.Params) (*connector.Payload, error) {
	ql := overpassQL(params.Query, params.Locality)
	form := url.Values{"data": {ql}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("osm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	body, err := readBody(resp)
	if err != nil {
		return nil, fmt.Errorf("osm: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, httpError("osm", resp.StatusCode, body)
	}
	return &connector.Payload{URL: o.baseURL, Body: body}, nil
}

// overpassQL builds an Overpass query matching the terms against feature
// names, case-insensitively, scoped to the locality's named area when given.
func overpassQL(query, locality string) string {
	pattern := overpassRegex(query)

	var b strings.Builder
	b.WriteString("[out:json][timeout:9];\n")
	if locality != "" {
		fmt.Fprintf(&b, "area[\"name\"=%q]->.loc;\n", locality)
		fmt.Fprintf(&b, "nwr[\"name\"~%q,i](area.loc);\n", pattern)
	} else {
		fmt.Fprintf(&b, "nwr[\"name\"~%q,i];\n", pattern)
	}
	b.WriteString("out center 50;")
	return b.String()
}

// overpassRegex turns free-text terms into an alternation, escaping regex
// metacharacters per term.
func overpassRegex(query string) string {
	terms := strings.Fields(query)
	if len(terms) == 0 {
		return ".*"
	}
	escaped := make([]string, 0, len(terms))
	for _, t := range terms {
		escaped = append(escaped, regexp.QuoteMeta(t))
	}
	return strings.Join(escaped, "|")
}
