// Package dedupe groups per-source extraction records that describe the
// same real-world entity. The cascade is structural: shared external IDs,
// then normalized-name equality, then geographic proximity with fuzzy name
// similarity. Thresholds come from the lens policy, never from code.
package dedupe

import (
	"math"
	"sort"

	"github.com/agnivade/levenshtein"

	"github.com/facetdata/facet/pkg/entity"
	"github.com/facetdata/facet/pkg/lens"
)

// Group is one cluster of records believed to describe a single entity.
// Records keep their arrival order.
type Group struct {
	Records []*entity.Extracted
}

// Grouper clusters extraction records under one lens's dedupe policy.
type Grouper struct {
	nameSimilarity float64
	maxDistanceM   float64
}

// New builds a Grouper. Zero policy fields fall back to the engine
// defaults, matching what the lens loader applies.
func New(policy lens.DedupePolicy) *Grouper {
	g := &Grouper{
		nameSimilarity: policy.NameSimilarity,
		maxDistanceM:   policy.MaxDistanceM,
	}
	if g.nameSimilarity <= 0 {
		g.nameSimilarity = lens.DefaultNameSimilarity
	}
	if g.maxDistanceM <= 0 {
		g.maxDistanceM = lens.DefaultMaxDistanceM
	}
	return g
}

// Group clusters records. Ordering is deterministic: groups appear in the
// order of their earliest record, and records within a group keep input
// order, so identical inputs always produce identical output.
func (g *Grouper) Group(records []*entity.Extracted) []Group {
	n := len(records)
	if n == 0 {
		return nil
	}
	uf := newUnionFind(n)

	// Tier 1: a shared external ID in any namespace is definitive.
	byExternalID := map[string]int{}
	for i, rec := range records {
		for ns, id := range rec.ExternalIDs {
			if ns == "" || id == "" {
				continue
			}
			key := ns + "\x00" + id
			if j, ok := byExternalID[key]; ok {
				uf.union(i, j)
			} else {
				byExternalID[key] = i
			}
		}
	}

	// Tier 2: identical normalized names.
	byName := map[string]int{}
	for i, rec := range records {
		key := entity.NameKey(rec.EntityName)
		if key == "" {
			continue
		}
		if j, ok := byName[key]; ok {
			uf.union(i, j)
		} else {
			byName[key] = i
		}
	}

	g.unionNearby(records, uf)

	members := map[int][]int{}
	var order []int
	for i := range records {
		root := uf.find(i)
		if _, ok := members[root]; !ok {
			order = append(order, root)
		}
		members[root] = append(members[root], i)
	}

	groups := make([]Group, 0, len(order))
	for _, root := range order {
		grp := Group{Records: make([]*entity.Extracted, 0, len(members[root]))}
		for _, idx := range members[root] {
			grp.Records = append(grp.Records, records[idx])
		}
		groups = append(groups, grp)
	}
	return groups
}

// metersPerDegreeLat approximates one degree of latitude. It only sizes the
// sweep window; real distances always go through Haversine.
const metersPerDegreeLat = 111_320.0

type geoRecord struct {
	idx  int
	lat  float64
	lon  float64
	name string
}

// unionNearby runs tier 3: a latitude-sorted sweep pairs records whose
// great-circle distance and name similarity both pass the policy. Records
// without coordinates or without a name never enter this tier.
func (g *Grouper) unionNearby(records []*entity.Extracted, uf *unionFind) {
	var geos []geoRecord
	for i, rec := range records {
		if !rec.HasCoordinates() {
			continue
		}
		name := entity.NameKey(rec.EntityName)
		if name == "" {
			continue
		}
		geos = append(geos, geoRecord{idx: i, lat: *rec.Latitude, lon: *rec.Longitude, name: name})
	}
	if len(geos) < 2 {
		return
	}

	sort.Slice(geos, func(i, j int) bool { return geos[i].lat < geos[j].lat })

	// Slightly widened so boundary pairs are never cut off by the window.
	latWindow := g.maxDistanceM / metersPerDegreeLat * 1.01
	for i := 0; i < len(geos); i++ {
		for j := i + 1; j < len(geos) && geos[j].lat-geos[i].lat <= latWindow; j++ {
			if g.sameEntity(geos[i], geos[j]) {
				uf.union(geos[i].idx, geos[j].idx)
			}
		}
	}
}

func (g *Grouper) sameEntity(a, b geoRecord) bool {
	if Haversine(a.lat, a.lon, b.lat, b.lon) > g.maxDistanceM {
		return false
	}
	return Similarity(a.name, b.name) >= g.nameSimilarity
}

// Similarity is the Levenshtein ratio of two strings in [0,1]: 1 for
// identical strings, approaching 0 as edits dominate.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	la, lb := len([]rune(a)), len([]rune(b))
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(longest)
}

const earthRadiusM = 6_371_000.0

// Haversine returns the great-circle distance between two points in meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const degToRad = math.Pi / 180
	rLat1 := lat1 * degToRad
	rLat2 := lat2 * degToRad
	dLat := (lat2 - lat1) * degToRad
	dLon := (lon2 - lon1) * degToRad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// unionFind is a weighted quick-union with path compression over record
// indices.
type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	switch {
	case u.rank[ra] < u.rank[rb]:
		u.parent[ra] = rb
	case u.rank[ra] > u.rank[rb]:
		u.parent[rb] = ra
	default:
		u.parent[rb] = ra
		u.rank[ra]++
	}
}
