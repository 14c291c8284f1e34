// Package merge collapses each dedup group into a single entity. Every
// field group resolves through a deterministic cascade over trust tier,
// structural quality, completeness, connector priority, and lexicographic
// source name, so identical inputs always produce identical entities.
// Connector identity never appears in the logic; trust and priority arrive
// as metadata on each record's source.
package merge

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/facetdata/facet/pkg/connector"
	"github.com/facetdata/facet/pkg/dedupe"
	"github.com/facetdata/facet/pkg/entity"
)

// Merger resolves dedup groups into entities.
type Merger struct {
	specs connector.SpecLookup
	now   func() time.Time
}

// Option customizes a Merger.
type Option func(*Merger)

// WithClock overrides the wall clock used for updated_at stamps.
func WithClock(now func() time.Time) Option {
	return func(m *Merger) { m.now = now }
}

// New builds a Merger over a spec lookup, which supplies each source's
// trust tier and priority.
func New(specs connector.SpecLookup, opts ...Option) *Merger {
	m := &Merger{specs: specs, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ranked pairs a record with the merge metadata of its source.
type ranked struct {
	rec      *entity.Extracted
	trust    connector.Trust
	rank     int
	priority int
	source   string
}

// rank resolves merge metadata for every record. Sources missing from the
// registry sort below every known tier.
func (m *Merger) rank(records []*entity.Extracted) []ranked {
	out := make([]ranked, 0, len(records))
	for _, rec := range records {
		r := ranked{rec: rec, source: rec.Source, priority: 1 << 30}
		if spec, ok := m.specs(rec.Source); ok {
			r.trust = spec.Trust
			r.rank = spec.Trust.Rank()
			r.priority = spec.DefaultPriority
		}
		out = append(out, r)
	}
	return out
}

// stronger is the record-level cascade with no field in play: trust, then
// priority, then source name.
func stronger(a, b ranked) bool {
	if a.rank != b.rank {
		return a.rank > b.rank
	}
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.source < b.source
}

// MergeAll resolves every group, preserving group order.
func (m *Merger) MergeAll(groups []dedupe.Group) []*entity.Entity {
	out := make([]*entity.Entity, 0, len(groups))
	for _, g := range groups {
		if e := m.Merge(g); e != nil {
			out = append(out, e)
		}
	}
	return out
}

// Merge resolves one group into a finalized entity. Empty groups yield nil.
func (m *Merger) Merge(group dedupe.Group) *entity.Entity {
	if len(group.Records) == 0 {
		return nil
	}
	rs := m.rank(group.Records)

	// Record-level order drives class choice and module merging.
	ordered := make([]ranked, len(rs))
	copy(ordered, rs)
	sort.SliceStable(ordered, func(i, j int) bool { return stronger(ordered[i], ordered[j]) })

	e := &entity.Entity{
		Class:      ordered[0].rec.Class,
		Confidence: map[string]float64{},
		SourceInfo: map[string]entity.FieldOrigin{},
	}

	m.mergeStrings(e, rs)
	m.mergeGeo(e, rs)
	m.mergeDimensions(e, rs)
	e.Modules = m.mergeModules(ordered, e)
	m.mergeProvenance(e, rs)

	m.finalize(e, rs)
	return e
}

// identityFields merge on presence, trust, and value length.
var identityFields = []string{"entity_name", "street_address", "city", "postcode", "country"}

// contactFields carry a structural quality scorer ahead of the cascade.
var contactFields = map[string]func(string) float64{
	"phone":       phoneQuality,
	"email":       emailQuality,
	"website_url": urlQuality,
}

func stringField(p *entity.Primitives, field string) *string {
	switch field {
	case "entity_name":
		return &p.EntityName
	case "street_address":
		return &p.StreetAddress
	case "city":
		return &p.City
	case "postcode":
		return &p.Postcode
	case "country":
		return &p.Country
	case "phone":
		return &p.Phone
	case "email":
		return &p.Email
	case "website_url":
		return &p.WebsiteURL
	}
	return nil
}

func (m *Merger) mergeStrings(e *entity.Entity, rs []ranked) {
	fields := make([]string, 0, len(identityFields)+len(contactFields))
	fields = append(fields, identityFields...)
	for f := range contactFields {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, field := range fields {
		quality := contactFields[field] // nil for identity fields
		var won bool
		var winner ranked
		var winVal string

		for _, r := range rs {
			val := strings.TrimSpace(*stringField(&r.rec.Primitives, field))
			if val == "" {
				continue // nulls never beat values
			}
			if !won || beatsString(r, val, winner, winVal, quality) {
				won, winner, winVal = true, r, val
			}
		}
		if !won {
			continue
		}
		*stringField(&e.Primitives, field) = winVal
		e.SourceInfo[field] = entity.FieldOrigin{Source: winner.source, Trust: string(winner.trust)}
		if c, ok := winner.rec.Confidence[field]; ok {
			e.Confidence[field] = c
		}
	}
}

// beatsString compares two non-empty candidates. Contact fields rank
// structural quality ahead of trust; identity fields have no quality axis
// and start at trust.
func beatsString(a ranked, av string, b ranked, bv string, quality func(string) float64) bool {
	if quality != nil {
		qa, qb := quality(av), quality(bv)
		if qa != qb {
			return qa > qb
		}
	}
	if a.rank != b.rank {
		return a.rank > b.rank
	}
	if len(av) != len(bv) {
		return len(av) > len(bv)
	}
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.source < b.source
}

// mergeGeo picks one source's coordinate pair wholesale. Coordinates are
// never averaged; a higher-trust pair wins, precision breaks ties.
func (m *Merger) mergeGeo(e *entity.Entity, rs []ranked) {
	var won bool
	var winner ranked

	for _, r := range rs {
		if !r.rec.HasCoordinates() {
			continue
		}
		if !won || beatsGeo(r, winner) {
			won, winner = true, r
		}
	}
	if !won {
		return
	}

	lat, lon := *winner.rec.Latitude, *winner.rec.Longitude
	e.Latitude, e.Longitude = &lat, &lon
	origin := entity.FieldOrigin{Source: winner.source, Trust: string(winner.trust)}
	e.SourceInfo["latitude"] = origin
	e.SourceInfo["longitude"] = origin
	for _, f := range []string{"latitude", "longitude"} {
		if c, ok := winner.rec.Confidence[f]; ok {
			e.Confidence[f] = c
		}
	}
}

func beatsGeo(a, b ranked) bool {
	if a.rank != b.rank {
		return a.rank > b.rank
	}
	pa := decimalPlaces(*a.rec.Latitude) + decimalPlaces(*a.rec.Longitude)
	pb := decimalPlaces(*b.rec.Latitude) + decimalPlaces(*b.rec.Longitude)
	if pa != pb {
		return pa > pb
	}
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.source < b.source
}

// decimalPlaces counts fractional digits in the shortest decimal form that
// round-trips the float.
func decimalPlaces(f float64) int {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(s) - i - 1
	}
	return 0
}

// mergeDimensions unions every axis across sources.
func (m *Merger) mergeDimensions(e *entity.Entity, rs []ranked) {
	for _, name := range entity.DimensionNames() {
		var values []string
		for _, r := range rs {
			values = append(values, r.rec.Get(name)...)
		}
		e.Set(name, entity.NormalizeList(values))
	}
}

// mergeProvenance unions external IDs and discovering sources. A namespace
// conflict keeps the stronger record's identifier.
func (m *Merger) mergeProvenance(e *entity.Entity, rs []ranked) {
	ids := map[string]string{}
	owner := map[string]ranked{}
	seen := map[string]bool{}

	for _, r := range rs {
		seen[r.source] = true
		for ns, id := range r.rec.ExternalIDs {
			if ns == "" || id == "" {
				continue
			}
			prev, ok := owner[ns]
			if !ok || stronger(r, prev) {
				owner[ns] = r
				ids[ns] = id
			}
		}
	}
	if len(ids) > 0 {
		e.ExternalIDs = ids
	}

	e.DiscoveredBy = make([]string, 0, len(seen))
	for s := range seen {
		e.DiscoveredBy = append(e.DiscoveredBy, s)
	}
	sort.Strings(e.DiscoveredBy)
}

// finalize stamps identity and time: the slug from the merged name and
// locality, and the update timestamp.
func (m *Merger) finalize(e *entity.Entity, rs []ranked) {
	e.Slug = entity.Slug(e.EntityName, e.City)
	e.UpdatedAt = m.now().UTC()

	if len(e.Confidence) == 0 {
		e.Confidence = nil
	}
	if len(e.SourceInfo) == 0 {
		e.SourceInfo = nil
	}
	if len(e.Modules) == 0 {
		e.Modules = nil
	}
}
