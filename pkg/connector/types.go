// Package connector defines the source abstraction: declarative specs,
// the registry, and the adapter that wraps every remote call with rate
// limiting, deadlines, retries, and raw payload archiving.
package connector

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Phase orders connector execution. Discovery finds candidate entities;
// enrichment deepens them. All discovery invocations complete before any
// enrichment invocation starts.
type Phase string

const (
	PhaseDiscovery  Phase = "discovery"
	PhaseEnrichment Phase = "enrichment"
)

// Trust expresses how much a source's field values are believed during
// merging. It is data, not code: merge logic reads the tier and never
// branches on connector names.
type Trust string

const (
	TrustHigh   Trust = "high"
	TrustMedium Trust = "medium"
	TrustLow    Trust = "low"
)

// Rank returns the ordinal for cascade comparisons; higher wins.
func (t Trust) Rank() int {
	switch t {
	case TrustHigh:
		return 3
	case TrustMedium:
		return 2
	case TrustLow:
		return 1
	}
	return 0
}

// RateLimit declares a source's politeness budget. Zero values mean
// unlimited.
type RateLimit struct {
	PerMinute int
	PerHour   int
}

// Spec declares everything the planner and adapter need to know about a
// source without calling it.
type Spec struct {
	Name           string
	Phase          Phase
	CostPerCallUSD float64
	Trust          Trust
	// DefaultPriority orders execution within a phase; lower runs earlier.
	// A lens may override it per deployment.
	DefaultPriority int
	Timeout         time.Duration
	RateLimit       RateLimit
}

// Validate rejects specs that would misbehave at run time.
func (s Spec) Validate() error {
	if s.Name == "" {
		return errors.New("connector: spec name must not be empty")
	}
	if s.Phase != PhaseDiscovery && s.Phase != PhaseEnrichment {
		return fmt.Errorf("connector %s: unknown phase %q", s.Name, s.Phase)
	}
	if s.Trust.Rank() == 0 {
		return fmt.Errorf("connector %s: unknown trust tier %q", s.Name, s.Trust)
	}
	if s.CostPerCallUSD < 0 {
		return fmt.Errorf("connector %s: negative cost", s.Name)
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("connector %s: timeout must be positive", s.Name)
	}
	return nil
}

// Free reports whether calls to this source cost nothing.
func (s Spec) Free() bool { return s.CostPerCallUSD == 0 }

// Params is the input to one connector invocation.
type Params struct {
	Query    string
	Locality string
	Mode     string
	// Page is the 1-based cursor for sources that paginate; 0 and 1 both
	// mean the first page.
	Page int
	// Candidates carries discovery results into enrichment calls.
	Candidates []CandidateHint
}

// CandidateHint is the minimal identity an enrichment connector needs to
// look an entity up in its own system.
type CandidateHint struct {
	Name        string
	Website     string
	ExternalIDs map[string]string
	Latitude    *float64
	Longitude   *float64
}

// Payload is the raw result of one remote call.
type Payload struct {
	URL  string
	Body []byte
}

// Fetcher performs the remote call for one source. Implementations classify
// their own failures via SourceError; the Adapter owns rate limiting,
// retries, and deadlines.
type Fetcher interface {
	Fetch(ctx context.Context, params Params) (*Payload, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, params Params) (*Payload, error)

func (f FetcherFunc) Fetch(ctx context.Context, params Params) (*Payload, error) {
	return f(ctx, params)
}
