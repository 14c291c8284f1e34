package dedupe_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facetdata/facet/pkg/dedupe"
	"github.com/facetdata/facet/pkg/entity"
	"github.com/facetdata/facet/pkg/lens"
)

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

func withID(ns, id string) func(*entity.Extracted) {
	return func(r *entity.Extracted) {
		if r.ExternalIDs == nil {
			r.ExternalIDs = map[string]string{}
		}
		r.ExternalIDs[ns] = id
	}
}

func grouper() *dedupe.Grouper { return dedupe.New(lens.DedupePolicy{}) }

func TestGroup_SharedExternalID(t *testing.T) {
	records := []*entity.Extracted{
		rec("osm", "Powerleague Portobello", withID("osm", "way/123")),
		rec("google_places", "Powerleague (Portobello 5s)", withID("osm", "way/123")),
		rec("osm", "Some Other Pitch", withID("osm", "way/999")),
	}

	groups := grouper().Group(records)
	require.Len(t, groups, 2)
	assert.Len(t, groups[0].Records, 2)
	assert.Len(t, groups[1].Records, 1)
	assert.Equal(t, "Some Other Pitch", groups[1].Records[0].EntityName)
}

func TestGroup_NormalizedName(t *testing.T) {
	records := []*entity.Extracted{
		rec("osm", "Powerleague Portobello"),
		rec("serper", "POWERLEAGUE  Portobello!"),
		rec("serper", "Leith Victoria Swim Centre"),
	}

	groups := grouper().Group(records)
	require.Len(t, groups, 2)
	assert.Len(t, groups[0].Records, 2)
}

func TestGroup_GeoWithFuzzyName(t *testing.T) {
	// ~30 m apart in latitude.
	records := []*entity.Extracted{
		rec("osm", "Powerleague Portobello", at(55.95330, -3.11000)),
		rec("google_places", "Powerleague Portobello 5s", at(55.95357, -3.11000)),
	}

	groups := grouper().Group(records)
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Records, 2)
}

func TestGroup_GeoTooFarApart(t *testing.T) {
	// Same name similarity, ~67 m apart: outside the 50 m policy.
	records := []*entity.Extracted{
		rec("osm", "Powerleague Portobello", at(55.95330, -3.11000)),
		rec("google_places", "Powerleague Portobello 5s", at(55.95390, -3.11000)),
	}

	groups := grouper().Group(records)
	assert.Len(t, groups, 2)
}

func TestGroup_SimilarityBoundary(t *testing.T) {
	base := strings.Repeat("a", 25)

	t.Run("0.84 never merges", func(t *testing.T) {
		other := strings.Repeat("a", 21) + "zzzz" // distance 4 over length 25
		require.InDelta(t, 0.84, dedupe.Similarity(base, other), 1e-9)

		groups := grouper().Group([]*entity.Extracted{
			rec("osm", base, at(55.95330, -3.11000)),
			rec("serper", other, at(55.95330, -3.11000)),
		})
		assert.Len(t, groups, 2)
	})

	t.Run("0.85 merges", func(t *testing.T) {
		long := strings.Repeat("a", 20)
		other := strings.Repeat("a", 17) + "zzz" // distance 3 over length 20
		require.InDelta(t, 0.85, dedupe.Similarity(long, other), 1e-9)

		groups := grouper().Group([]*entity.Extracted{
			rec("osm", long, at(55.95330, -3.11000)),
			rec("serper", other, at(55.95330, -3.11000)),
		})
		assert.Len(t, groups, 1)
	})
}

func TestGroup_NoCoordinatesNoTier3(t *testing.T) {
	// Similar but not identical names, one record without coordinates.
	records := []*entity.Extracted{
		rec("osm", "Powerleague Portobello", at(55.95330, -3.11000)),
		rec("serper", "Powerleague Portobello 5s"),
	}

	groups := grouper().Group(records)
	assert.Len(t, groups, 2)
}

func TestGroup_TransitiveAcrossTiers(t *testing.T) {
	// a-b share an external ID; b-c share a name key; all three are one
	// entity even though a and c share nothing directly.
	records := []*entity.Extracted{
		rec("osm", "Powerleague Portobello", withID("osm", "way/123")),
		rec("google_places", "Portobello Powerleague", withID("osm", "way/123")),
		rec("serper", "PORTOBELLO POWERLEAGUE"),
	}

	groups := grouper().Group(records)
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Records, 3)
}

func TestGroup_DeterministicOrder(t *testing.T) {
	records := []*entity.Extracted{
		rec("osm", "Alpha", withID("osm", "1")),
		rec("osm", "Beta", withID("osm", "2")),
		rec("serper", "Alpha"),
		rec("serper", "Gamma"),
	}

	first := grouper().Group(records)
	require.Len(t, first, 3)
	assert.Equal(t, "Alpha", first[0].Records[0].EntityName)
	assert.Equal(t, "Beta", first[1].Records[0].EntityName)
	assert.Equal(t, "Gamma", first[2].Records[0].EntityName)

	for i := 0; i < 10; i++ {
		assert.Equal(t, first, grouper().Group(records))
	}
}

func TestGroup_CustomPolicy(t *testing.T) {
	// A permissive lens policy widens both thresholds.
	g := dedupe.New(lens.DedupePolicy{NameSimilarity: 0.5, MaxDistanceM: 500})

	records := []*entity.Extracted{
		rec("osm", "Portobello Pitches", at(55.95330, -3.11000)),
		rec("serper", "Portobello Park", at(55.95390, -3.11000)),
	}

	groups := g.Group(records)
	assert.Len(t, groups, 1)
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, dedupe.Similarity("abc", "abc"))
	assert.Equal(t, 1.0, dedupe.Similarity("", ""))
	assert.Equal(t, 0.0, dedupe.Similarity("abc", "xyz"))
	assert.InDelta(t, 0.8, dedupe.Similarity("abcde", "abcdx"), 1e-9)
}

func TestHaversine(t *testing.T) {
	// One degree of latitude is roughly 111.2 km.
	d := dedupe.Haversine(55.0, -3.0, 56.0, -3.0)
	assert.InDelta(t, 111_200, d, 1000)

	assert.Zero(t, dedupe.Haversine(55.9533, -3.1883, 55.9533, -3.1883))
}
