package planner_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facetdata/facet/pkg/connector"
	"github.com/facetdata/facet/pkg/execution"
	"github.com/facetdata/facet/pkg/lens"
	"github.com/facetdata/facet/pkg/planner"
)

const planLens = `{
  "lens": {"id": "sports", "version": "1.0.0", "engine": ">=1.0.0 <2.0.0"},
  "vocabulary": {
    "terms": [
      {"value": "football", "dimension": "canonical_activities", "keywords": ["football", "soccer"]},
      {"value": "swimming", "dimension": "canonical_activities", "keywords": ["swimming"]}
    ],
    "localities": ["edinburgh", "glasgow"]
  },
  "connector_rules": {
    "osm": {},
    "serper": {"modes": ["discover_many"], "when": "keyword_hits > 0 || query_kind == 'specific'"},
    "google_places": {},
    "sport_scotland": {"requires_vocab": ["canonical_activities"], "query_template": "{query} {locality}", "max_calls": 2},
    "web": {}
  },
  "mapping_rules": [],
  "canonical_values": {
    "canonical_activities": [{"value": "football"}, {"value": "swimming"}]
  }
}`

func stubFetcher() connector.Fetcher {
	return connector.FetcherFunc(func(context.Context, connector.Params) (*connector.Payload, error) {
		return &connector.Payload{Body: []byte(`{}`)}, nil
	})
}

// testRegistry mirrors the default registry's cost and trust shape with
// priorities arranged so ordering effects are visible.
func testRegistry(t *testing.T) *connector.Registry {
	t.Helper()
	reg := connector.NewRegistry()
	for _, spec := range []connector.Spec{
		{Name: "osm", Phase: connector.PhaseDiscovery, Trust: connector.TrustMedium, DefaultPriority: 10, Timeout: time.Second},
		{Name: "serper", Phase: connector.PhaseDiscovery, CostPerCallUSD: 0.01, Trust: connector.TrustLow, DefaultPriority: 20, Timeout: time.Second},
		{Name: "google_places", Phase: connector.PhaseEnrichment, CostPerCallUSD: 0.017, Trust: connector.TrustHigh, DefaultPriority: 50, Timeout: time.Second},
		{Name: "sport_scotland", Phase: connector.PhaseEnrichment, Trust: connector.TrustHigh, DefaultPriority: 20, Timeout: time.Second},
		{Name: "web", Phase: connector.PhaseEnrichment, Trust: connector.TrustLow, DefaultPriority: 10, Timeout: time.Second},
		{Name: "companies_house", Phase: connector.PhaseEnrichment, Trust: connector.TrustMedium, DefaultPriority: 60, Timeout: time.Second},
	} {
		require.NoError(t, reg.Register(spec, stubFetcher()))
	}
	return reg
}

func parseLens(t *testing.T, reg *connector.Registry) *lens.Contract {
	t.Helper()
	l, err := lens.NewLoader(t.TempDir(), lens.WithConnectorNames(reg.Names()))
	require.NoError(t, err)
	c, err := l.Parse([]byte(planLens))
	require.NoError(t, err)
	return c
}

func sources(invs []planner.Invocation) []string {
	out := make([]string, len(invs))
	for i, inv := range invs {
		out[i] = inv.Source
	}
	return out
}

func droppedReason(p *planner.Plan, source string) string {
	for _, d := range p.Dropped {
		if d.Source == source {
			return d.Reason
		}
	}
	return ""
}

func usd(v float64) *float64 { return &v }

func TestAnalyze(t *testing.T) {
	c := parseLens(t, testRegistry(t))

	t.Run("category query", func(t *testing.T) {
		f := planner.Analyze(c, execution.Request{Query: "football pitches in Edinburgh", Mode: execution.ModeDiscoverMany})
		assert.Equal(t, planner.QueryCategory, f.QueryKind)
		assert.Equal(t, 1, f.KeywordHits)
		assert.Equal(t, 1, f.LocationHits)
		assert.Equal(t, "edinburgh", f.Locality)
		assert.Equal(t, map[string]int{"canonical_activities": 1}, f.DimHits)
		assert.Equal(t, []string{"football"}, f.Values["canonical_activities"])
	})

	t.Run("specific query", func(t *testing.T) {
		f := planner.Analyze(c, execution.Request{Query: "Meadowbank Sports Centre", Mode: execution.ModeResolveOne})
		assert.Equal(t, planner.QuerySpecific, f.QueryKind)
		assert.Equal(t, 0, f.KeywordHits)
	})

	t.Run("casing and punctuation", func(t *testing.T) {
		f := planner.Analyze(c, execution.Request{Query: "SOCCER, swimming!", Mode: execution.ModeDiscoverMany})
		assert.Equal(t, 2, f.KeywordHits)
		assert.Equal(t, map[string]int{"canonical_activities": 2}, f.DimHits)
		assert.Equal(t, []string{"football", "swimming"}, f.Values["canonical_activities"])
		assert.Equal(t, planner.QueryCategory, f.QueryKind, "matched tokens must not read as proper nouns")
	})

	t.Run("locality follows lens order", func(t *testing.T) {
		f := planner.Analyze(c, execution.Request{Query: "glasgow and edinburgh football", Mode: execution.ModeDiscoverMany})
		assert.Equal(t, 2, f.LocationHits)
		assert.Equal(t, "edinburgh", f.Locality)
	})

	t.Run("cel vars", func(t *testing.T) {
		f := planner.Analyze(c, execution.Request{Query: "football in edinburgh", Mode: execution.ModeDiscoverMany})
		vars := f.CELVars()
		assert.Equal(t, "discover_many", vars["mode"])
		assert.Equal(t, planner.QueryCategory, vars["query_kind"])
		assert.Equal(t, 1, vars["keyword_hits"])
		assert.Equal(t, 1, vars["location_hits"])
		assert.Equal(t, map[string]int{"canonical_activities": 1}, vars["dims"])
	})
}

func TestBuild_Ordering(t *testing.T) {
	reg := testRegistry(t)
	c := parseLens(t, reg)
	p := planner.New(reg, nil)

	plan := p.Build(c, execution.Request{Query: "football in edinburgh", Mode: execution.ModeDiscoverMany})

	assert.Equal(t, []string{"osm", "serper", "web", "sport_scotland", "google_places"}, sources(plan.Invocations))

	groups := plan.Phases()
	require.Len(t, groups, 2)
	assert.Equal(t, connector.PhaseDiscovery, groups[0].Phase)
	assert.Equal(t, []string{"osm", "serper"}, sources(groups[0].Invocations))
	assert.Equal(t, connector.PhaseEnrichment, groups[1].Phase)
	assert.Equal(t, []string{"web", "sport_scotland", "google_places"}, sources(groups[1].Invocations))

	require.Len(t, plan.Dropped, 1)
	assert.Equal(t, "companies_house", plan.Dropped[0].Source)
	assert.Equal(t, planner.ReasonNoRule, plan.Dropped[0].Reason)

	assert.InDelta(t, 0.027, plan.TotalCostUSD(), 1e-9)
}

func TestBuild_BudgetGate(t *testing.T) {
	reg := testRegistry(t)
	c := parseLens(t, reg)
	p := planner.New(reg, nil)
	base := execution.Request{Query: "football in edinburgh", Mode: execution.ModeDiscoverMany}

	t.Run("zero budget admits only free connectors", func(t *testing.T) {
		req := base
		req.BudgetUSD = usd(0)
		plan := p.Build(c, req)

		assert.Equal(t, []string{"osm", "web", "sport_scotland"}, sources(plan.Invocations))
		assert.Zero(t, plan.TotalCostUSD())

		var gated []planner.Drop
		for _, d := range plan.Dropped {
			if d.Reason == planner.ReasonBudget {
				gated = append(gated, d)
			}
		}
		require.Len(t, gated, 2)
		assert.Equal(t, "google_places", gated[0].Source)
		assert.InDelta(t, 0.017, gated[0].CostUSD, 1e-9)
		assert.Equal(t, "serper", gated[1].Source)
		assert.InDelta(t, 0.01, gated[1].CostUSD, 1e-9)
	})

	t.Run("partial budget drops most expensive first", func(t *testing.T) {
		req := base
		req.BudgetUSD = usd(0.012)
		plan := p.Build(c, req)

		assert.Contains(t, sources(plan.Invocations), "serper")
		assert.NotContains(t, sources(plan.Invocations), "google_places")
		assert.Equal(t, planner.ReasonBudget, droppedReason(plan, "google_places"))
		assert.LessOrEqual(t, plan.TotalCostUSD(), 0.012)
	})

	t.Run("nil budget keeps every eligible connector", func(t *testing.T) {
		plan := p.Build(c, base)
		assert.Len(t, plan.Invocations, 5)
	})

	t.Run("sufficient budget drops nothing", func(t *testing.T) {
		req := base
		req.BudgetUSD = usd(1)
		plan := p.Build(c, req)
		assert.Len(t, plan.Invocations, 5)
		assert.Empty(t, droppedReason(plan, "serper"))
	})
}

func TestBuild_RuleFilters(t *testing.T) {
	reg := testRegistry(t)
	c := parseLens(t, reg)
	p := planner.New(reg, nil)

	t.Run("mode filter", func(t *testing.T) {
		plan := p.Build(c, execution.Request{Query: "football in edinburgh", Mode: execution.ModeResolveOne})
		assert.NotContains(t, sources(plan.Invocations), "serper")
		assert.Equal(t, planner.ReasonNotEligible, droppedReason(plan, "serper"))
	})

	t.Run("when expression", func(t *testing.T) {
		// No vocabulary match and no proper noun, so serper's gate fails.
		plan := p.Build(c, execution.Request{Query: "cafes in edinburgh", Mode: execution.ModeDiscoverMany})
		assert.Equal(t, planner.ReasonNotEligible, droppedReason(plan, "serper"))
	})

	t.Run("when passes on specific queries", func(t *testing.T) {
		plan := p.Build(c, execution.Request{Query: "Meadowbank Stadium", Mode: execution.ModeDiscoverMany})
		assert.Contains(t, sources(plan.Invocations), "serper")
	})

	t.Run("requires_vocab", func(t *testing.T) {
		plan := p.Build(c, execution.Request{Query: "cafes in edinburgh", Mode: execution.ModeDiscoverMany})
		assert.NotContains(t, sources(plan.Invocations), "sport_scotland")
		assert.Equal(t, planner.ReasonNotEligible, droppedReason(plan, "sport_scotland"))
	})
}

func TestBuild_ResolveOneTrustOrder(t *testing.T) {
	reg := testRegistry(t)
	c := parseLens(t, reg)
	p := planner.New(reg, nil)

	many := p.Build(c, execution.Request{Query: "football in edinburgh", Mode: execution.ModeDiscoverMany})
	one := p.Build(c, execution.Request{Query: "football in edinburgh", Mode: execution.ModeResolveOne})

	// Declared priorities stand under discover_many; under resolve_one the
	// high-trust sources jump the enrichment queue.
	assert.Equal(t, []string{"web", "sport_scotland", "google_places"}, sources(many.Phases()[1].Invocations))
	assert.Equal(t, []string{"sport_scotland", "google_places", "web"}, sources(one.Phases()[1].Invocations))
}

func TestBuild_TemplateAndCalls(t *testing.T) {
	reg := testRegistry(t)
	c := parseLens(t, reg)
	p := planner.New(reg, nil)

	plan := p.Build(c, execution.Request{Query: "football in Edinburgh", Mode: execution.ModeDiscoverMany})

	var scot, serper *planner.Invocation
	for i := range plan.Invocations {
		switch plan.Invocations[i].Source {
		case "sport_scotland":
			scot = &plan.Invocations[i]
		case "serper":
			serper = &plan.Invocations[i]
		}
	}
	require.NotNil(t, scot)
	require.NotNil(t, serper)

	assert.Equal(t, "football in Edinburgh edinburgh", scot.Params.Query)
	assert.Equal(t, "edinburgh", scot.Params.Locality)
	assert.Equal(t, 2, scot.Calls)
	assert.Zero(t, scot.CostUSD)

	assert.Equal(t, "football in Edinburgh", serper.Params.Query)
	assert.Equal(t, 1, serper.Calls)
	assert.InDelta(t, 0.01, serper.CostUSD, 1e-9)
}

func TestBuild_Deterministic(t *testing.T) {
	reg := testRegistry(t)
	c := parseLens(t, reg)
	p := planner.New(reg, nil)
	req := execution.Request{
		Query:     "Football and swimming in Glasgow",
		Mode:      execution.ModeDiscoverMany,
		BudgetUSD: usd(0.02),
	}

	first := p.Build(c, req)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, p.Build(c, req))
	}
}

func TestPlanReportRows(t *testing.T) {
	reg := testRegistry(t)
	c := parseLens(t, reg)
	p := planner.New(reg, nil)

	plan := p.Build(c, execution.Request{Query: "football in edinburgh", Mode: execution.ModeDiscoverMany})

	rows := plan.Planned()
	require.Len(t, rows, len(plan.Invocations))
	assert.Equal(t, "osm", rows[0].Source)
	assert.Equal(t, string(connector.PhaseDiscovery), rows[0].Phase)

	dropped := plan.DroppedReport()
	require.Len(t, dropped, 1)
	assert.Equal(t, "companies_house", dropped[0].Source)
}
