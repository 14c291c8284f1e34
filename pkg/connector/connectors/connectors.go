// Package connectors ships the built-in source fetchers and their specs.
// Every fetcher does one remote call and returns the raw payload; pacing,
// retries, and archiving live in the connector adapter.
package connectors

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/facetdata/facet/pkg/connector"
)

// maxBodyBytes caps how much of a response is read into a payload.
const maxBodyBytes = 4 << 20

// KeyFunc resolves the API key for a source, or "" when none is configured.
type KeyFunc func(source string) string

// RegisterDefaults registers the built-in connector set. key resolves API
// keys per source; sources without a configured key still register and fail
// with an auth error when invoked, so the planner can report them instead of
// silently skipping.
func RegisterDefaults(reg *connector.Registry, key KeyFunc) error {
	if key == nil {
		key = func(string) string { return "" }
	}
	defaults := []struct {
		spec    connector.Spec
		fetcher connector.Fetcher
	}{
		{OSMSpec(), NewOSM()},
		{SerperSpec(), NewSerper(key("serper"))},
		{PlacesSpec(), NewPlaces(key("google_places"))},
		{SportScotlandSpec(), NewSportScotland()},
		{CompaniesHouseSpec(), NewCompaniesHouse(key("companies_house"))},
		{WebSpec(), NewWeb()},
	}
	for _, d := range defaults {
		if err := reg.Register(d.spec, d.fetcher); err != nil {
			return err
		}
	}
	return nil
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func readBody(resp *http.Response) ([]byte, error) {
	defer func() { _ = resp.Body.Close() }()
	return io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
}

// httpError classifies a non-2xx response by status code.
func httpError(source string, status int, body []byte) *connector.SourceError {
	var kind connector.Kind
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = connector.KindAuth
	case status == http.StatusNotFound:
		kind = connector.KindNotFound
	case status == http.StatusTooManyRequests:
		kind = connector.KindRateLimited
	case status == http.StatusRequestTimeout || status >= 500:
		kind = connector.KindTransient
	default:
		kind = connector.KindMalformed
	}
	detail := strings.TrimSpace(string(body))
	if len(detail) > 200 {
		detail = detail[:200]
	}
	return connector.NewSourceError(source, kind, fmt.Errorf("http %d: %s", status, detail))
}
