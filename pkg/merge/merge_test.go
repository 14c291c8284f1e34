package merge_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facetdata/facet/pkg/connector"
	"github.com/facetdata/facet/pkg/dedupe"
	"github.com/facetdata/facet/pkg/entity"
	"github.com/facetdata/facet/pkg/merge"
)

func lookup() connector.SpecLookup {
	specs := map[string]connector.Spec{
		"google_places":  {Name: "google_places", Phase: connector.PhaseEnrichment, Trust: connector.TrustHigh, DefaultPriority: 50, CostPerCallUSD: 0.017, Timeout: 10 * time.Second},
		"sport_scotland": {Name: "sport_scotland", Phase: connector.PhaseEnrichment, Trust: connector.TrustHigh, DefaultPriority: 20, Timeout: 10 * time.Second},
		"osm":            {Name: "osm", Phase: connector.PhaseDiscovery, Trust: connector.TrustMedium, DefaultPriority: 10, Timeout: 10 * time.Second},
		"wikidata":       {Name: "wikidata", Phase: connector.PhaseEnrichment, Trust: connector.TrustMedium, DefaultPriority: 60, Timeout: 10 * time.Second},
		"serper":         {Name: "serper", Phase: connector.PhaseDiscovery, Trust: connector.TrustLow, DefaultPriority: 20, CostPerCallUSD: 0.01, Timeout: 10 * time.Second},
	}
	return func(name string) (connector.Spec, bool) {
		s, ok := specs[name]
		return s, ok
	}
}

var mergedAt = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func merger() *merge.Merger {
	return merge.New(lookup(), merge.WithClock(func() time.Time { return mergedAt }))
}

func rec(source, name string, opts ...func(*entity.Extracted)) *entity.Extracted {
	r := &entity.Extracted{Source: source, Class: entity.ClassPlace}
	r.EntityName = name
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func at(lat, lon float64) func(*entity.Extracted) {
	return func(r *entity.Extracted) {
		r.Latitude, r.Longitude = &lat, &lon
	}
}

func withPhone(s string) func(*entity.Extracted) {
	return func(r *entity.Extracted) { r.Phone = s }
}

func withEmail(s string) func(*entity.Extracted) {
	return func(r *entity.Extracted) { r.Email = s }
}

func withURL(s string) func(*entity.Extracted) {
	return func(r *entity.Extracted) { r.WebsiteURL = s }
}

func withCity(s string) func(*entity.Extracted) {
	return func(r *entity.Extracted) { r.City = s }
}

func withIDs(pairs ...string) func(*entity.Extracted) {
	return func(r *entity.Extracted) {
		if r.ExternalIDs == nil {
			r.ExternalIDs = map[string]string{}
		}
		for i := 0; i+1 < len(pairs); i += 2 {
			r.ExternalIDs[pairs[i]] = pairs[i+1]
		}
	}
}

func withActivities(vals ...string) func(*entity.Extracted) {
	return func(r *entity.Extracted) { r.Activities = vals }
}

func withModule(name string, tree map[string]any) func(*entity.Extracted) {
	return func(r *entity.Extracted) {
		if r.Modules == nil {
			r.Modules = map[string]map[string]any{}
		}
		r.Modules[name] = tree
	}
}

func withConf(key string, c float64) func(*entity.Extracted) {
	return func(r *entity.Extracted) {
		if r.Confidence == nil {
			r.Confidence = map[string]float64{}
		}
		r.Confidence[key] = c
	}
}

func group(records ...*entity.Extracted) dedupe.Group {
	return dedupe.Group{Records: records}
}

func TestMerge_TrustCascade(t *testing.T) {
	google := rec("google_places", "Powerleague Portobello",
		withConf("entity_name", 0.98))
	serper := rec("serper", "powerleague portobello 5-a-side",
		withPhone("+44 131 669 4447"), withCity("Edinburgh"))

	e := merger().Merge(group(google, serper))
	require.NotNil(t, e)

	assert.Equal(t, "Powerleague Portobello", e.EntityName, "higher trust wins the name")
	assert.Equal(t, "+44 131 669 4447", e.Phone, "a null never beats a value")
	assert.Equal(t, "Edinburgh", e.City)

	assert.Equal(t, entity.FieldOrigin{Source: "google_places", Trust: "high"}, e.SourceInfo["entity_name"])
	assert.Equal(t, entity.FieldOrigin{Source: "serper", Trust: "low"}, e.SourceInfo["phone"])
	assert.Equal(t, entity.FieldOrigin{Source: "serper", Trust: "low"}, e.SourceInfo["city"])
	assert.Equal(t, 0.98, e.Confidence["entity_name"])

	assert.Equal(t, []string{"google_places", "serper"}, e.DiscoveredBy)
	assert.Equal(t, entity.Slug("Powerleague Portobello", "Edinburgh"), e.Slug)
	assert.Equal(t, mergedAt, e.UpdatedAt)
}

func TestMerge_IdentityLongerValueBreaksTrustTie(t *testing.T) {
	a := rec("osm", "Meadowbank")
	b := rec("wikidata", "Meadowbank Sports Centre")

	e := merger().Merge(group(a, b))
	require.NotNil(t, e)
	assert.Equal(t, "Meadowbank Sports Centre", e.EntityName)
	assert.Equal(t, "wikidata", e.SourceInfo["entity_name"].Source)
}

func TestMerge_GeoPrecision(t *testing.T) {
	t.Run("precision breaks a trust tie", func(t *testing.T) {
		coarse := rec("osm", "Pitch", at(55.9533, -3.1883))
		precise := rec("wikidata", "Pitch", at(55.95330123, -3.18834567))

		e := merger().Merge(group(coarse, precise))
		require.NotNil(t, e)
		require.NotNil(t, e.Latitude)
		assert.Equal(t, 55.95330123, *e.Latitude)
		assert.Equal(t, -3.18834567, *e.Longitude)
		assert.Equal(t, "wikidata", e.SourceInfo["latitude"].Source)
		assert.Equal(t, "wikidata", e.SourceInfo["longitude"].Source)
	})

	t.Run("trust beats precision and the pair moves together", func(t *testing.T) {
		precise := rec("wikidata", "Pitch", at(55.95330123, -3.18834567))
		coarse := rec("google_places", "Pitch", at(55.95, -3.19))

		e := merger().Merge(group(precise, coarse))
		require.NotNil(t, e)
		assert.Equal(t, 55.95, *e.Latitude)
		assert.Equal(t, -3.19, *e.Longitude, "coordinates are never mixed across sources")
		assert.Equal(t, "google_places", e.SourceInfo["latitude"].Source)
	})

	t.Run("no coordinates at all", func(t *testing.T) {
		e := merger().Merge(group(rec("osm", "Pitch")))
		require.NotNil(t, e)
		assert.Nil(t, e.Latitude)
		assert.Nil(t, e.Longitude)
	})
}

func TestMerge_ContactQuality(t *testing.T) {
	t.Run("international phone beats trust", func(t *testing.T) {
		e := merger().Merge(group(
			rec("google_places", "Club", withPhone("0131 669 4447")),
			rec("serper", "Club", withPhone("+44 131 669 4447")),
		))
		require.NotNil(t, e)
		assert.Equal(t, "+44 131 669 4447", e.Phone)
		assert.Equal(t, "serper", e.SourceInfo["phone"].Source)
	})

	t.Run("organization email beats free provider", func(t *testing.T) {
		e := merger().Merge(group(
			rec("google_places", "Club", withEmail("powerleague@gmail.com")),
			rec("serper", "Club", withEmail("info@powerleague.co.uk")),
		))
		require.NotNil(t, e)
		assert.Equal(t, "info@powerleague.co.uk", e.Email)
	})

	t.Run("https beats tracked http", func(t *testing.T) {
		e := merger().Merge(group(
			rec("google_places", "Club", withURL("http://powerleague.co.uk/?utm_source=maps")),
			rec("serper", "Club", withURL("https://www.powerleague.co.uk/clubs/portobello")),
		))
		require.NotNil(t, e)
		assert.Equal(t, "https://www.powerleague.co.uk/clubs/portobello", e.WebsiteURL)
	})

	t.Run("equal quality falls back to trust", func(t *testing.T) {
		e := merger().Merge(group(
			rec("google_places", "Club", withPhone("+44 131 100 0001")),
			rec("serper", "Club", withPhone("+44 131 100 0002")),
		))
		require.NotNil(t, e)
		assert.Equal(t, "+44 131 100 0001", e.Phone)
	})
}

func TestMerge_DimensionUnion(t *testing.T) {
	e := merger().Merge(group(
		rec("osm", "Club", withActivities("football", "padel")),
		rec("serper", "Club", withActivities("tennis", "football")),
	))
	require.NotNil(t, e)
	assert.Equal(t, []string{"football", "padel", "tennis"}, e.Activities)
	assert.NotContains(t, e.SourceInfo, "canonical_activities", "a union has no single winner")
}

func TestMerge_ModulesDeepMerge(t *testing.T) {
	google := rec("google_places", "Club",
		withModule("sports_facility", map[string]any{
			"pitches": map[string]any{"total": float64(6)},
			"surface": "grass",
		}),
		withConf("sports_facility.pitches.total", 0.9))
	osm := rec("osm", "Club",
		withModule("sports_facility", map[string]any{
			"pitches": map[string]any{"indoor": true},
			"tags":    []string{"5aside", "football"},
		}))
	serper := rec("serper", "Club",
		withModule("sports_facility", map[string]any{
			"tags":    []string{"booking", "football"},
			"surface": "artificial_3g",
		}))

	e := merger().Merge(group(google, osm, serper))
	require.NotNil(t, e)
	mod := e.Modules["sports_facility"]
	require.NotNil(t, mod)

	assert.Equal(t, map[string]any{"total": float64(6), "indoor": true}, mod["pitches"], "objects merge recursively")
	assert.Equal(t, []string{"5aside", "booking", "football"}, mod["tags"], "scalar arrays union and sort")
	assert.Equal(t, "grass", mod["surface"], "higher trust keeps the leaf")

	assert.Equal(t, entity.FieldOrigin{Source: "google_places", Trust: "high"}, e.SourceInfo["sports_facility.pitches.total"])
	assert.Equal(t, entity.FieldOrigin{Source: "osm", Trust: "medium"}, e.SourceInfo["sports_facility.pitches.indoor"])
	assert.Equal(t, entity.FieldOrigin{Source: "google_places", Trust: "high"}, e.SourceInfo["sports_facility.surface"])
	assert.NotContains(t, e.SourceInfo, "sports_facility.tags")
	assert.Equal(t, 0.9, e.Confidence["sports_facility.pitches.total"])

	assert.Equal(t, map[string]any{"total": float64(6)}, google.Modules["sports_facility"]["pitches"], "inputs stay untouched")
}

func TestMerge_ModuleLeafConfidence(t *testing.T) {
	t.Run("confidence breaks a trust tie", func(t *testing.T) {
		e := merger().Merge(group(
			rec("osm", "Club",
				withModule("sports_facility", map[string]any{"surface": "grass"}),
				withConf("sports_facility.surface", 0.6)),
			rec("wikidata", "Club",
				withModule("sports_facility", map[string]any{"surface": "artificial"}),
				withConf("sports_facility.surface", 0.9)),
		))
		require.NotNil(t, e)
		assert.Equal(t, "artificial", e.Modules["sports_facility"]["surface"])
		assert.Equal(t, "wikidata", e.SourceInfo["sports_facility.surface"].Source)
		assert.Equal(t, 0.9, e.Confidence["sports_facility.surface"])
	})

	t.Run("trust still dominates confidence", func(t *testing.T) {
		e := merger().Merge(group(
			rec("google_places", "Club",
				withModule("sports_facility", map[string]any{"surface": "grass"}),
				withConf("sports_facility.surface", 0.5)),
			rec("osm", "Club",
				withModule("sports_facility", map[string]any{"surface": "artificial"}),
				withConf("sports_facility.surface", 0.99)),
		))
		require.NotNil(t, e)
		assert.Equal(t, "grass", e.Modules["sports_facility"]["surface"])
	})
}

func TestMerge_ModuleTypeMismatch(t *testing.T) {
	e := merger().Merge(group(
		rec("google_places", "Club",
			withModule("sports_facility", map[string]any{"booking": "https://book.example.com"})),
		rec("serper", "Club",
			withModule("sports_facility", map[string]any{"booking": map[string]any{"url": "https://other.example.com"}})),
	))
	require.NotNil(t, e)
	assert.Equal(t, "https://book.example.com", e.Modules["sports_facility"]["booking"],
		"higher trust keeps its shape wholesale")
}

func TestMerge_ModuleObjectArrayWinnerTakeAll(t *testing.T) {
	e := merger().Merge(group(
		rec("osm", "Club",
			withModule("sports_facility", map[string]any{
				"sessions": []any{map[string]any{"day": "mon"}},
			})),
		rec("wikidata", "Club",
			withModule("sports_facility", map[string]any{
				"sessions": []any{map[string]any{"day": "tue"}, map[string]any{"day": "wed"}},
			})),
	))
	require.NotNil(t, e)
	assert.Equal(t,
		[]any{map[string]any{"day": "tue"}, map[string]any{"day": "wed"}},
		e.Modules["sports_facility"]["sessions"],
		"object arrays never partially merge; the fuller one wins a trust tie")
	assert.Equal(t, "wikidata", e.SourceInfo["sports_facility.sessions"].Source)
}

func TestMerge_ExternalIDUnion(t *testing.T) {
	e := merger().Merge(group(
		rec("google_places", "Club", withIDs("google", "place123")),
		rec("osm", "Club", withIDs("osm", "way/1", "google", "placeX")),
	))
	require.NotNil(t, e)
	assert.Equal(t, map[string]string{"google": "place123", "osm": "way/1"}, e.ExternalIDs,
		"a namespace conflict keeps the stronger record's identifier")
}

func TestMerge_Idempotent(t *testing.T) {
	g := group(
		rec("google_places", "Powerleague Portobello",
			at(55.95330123, -3.18834567),
			withModule("sports_facility", map[string]any{"pitches": map[string]any{"total": float64(6)}}),
			withConf("sports_facility.pitches.total", 0.9)),
		rec("osm", "Powerleague Portobello",
			withCity("Edinburgh"), withIDs("osm", "way/1"),
			withActivities("football"),
			withModule("sports_facility", map[string]any{"tags": []string{"5aside"}})),
		rec("serper", "powerleague portobello",
			withPhone("+44 131 669 4447"),
			withActivities("football", "padel")),
	)

	m := merger()
	first := m.Merge(g)
	require.NotNil(t, first)
	base, err := json.Marshal(first)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		next, err := json.Marshal(m.Merge(g))
		require.NoError(t, err)
		require.Equal(t, string(base), string(next), "merge output must be byte identical across runs")
	}
}

func TestMerge_EmptyGroup(t *testing.T) {
	assert.Nil(t, merger().Merge(dedupe.Group{}))
}

func TestMergeAll(t *testing.T) {
	out := merger().MergeAll([]dedupe.Group{
		group(rec("osm", "Alpha")),
		{},
		group(rec("osm", "Beta")),
	})
	require.Len(t, out, 2)
	assert.Equal(t, "Alpha", out[0].EntityName)
	assert.Equal(t, "Beta", out[1].EntityName)
}

func TestMerge_UnknownSourceRanksLast(t *testing.T) {
	e := merger().Merge(group(
		rec("mystery", "From Nowhere"),
		rec("serper", "From Serper"),
	))
	require.NotNil(t, e)
	assert.Equal(t, "From Serper", e.EntityName, "an unregistered source loses to any known tier")
	assert.Equal(t, []string{"mystery", "serper"}, e.DiscoveredBy)
}
