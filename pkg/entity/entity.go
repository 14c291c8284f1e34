// Package entity defines the canonical data model shared by every stage of
// the pipeline: the structural classes, flat primitives, classification
// dimensions, per-source extraction results, and the merged entity that is
// ultimately persisted.
package entity

import (
	"sort"
	"time"
)

// Class is the structural classification of an entity. It is inferred from
// payload shape, never from vertical-specific knowledge.
type Class string

const (
	ClassPlace        Class = "place"
	ClassPerson       Class = "person"
	ClassOrganization Class = "organization"
	ClassEvent        Class = "event"
	ClassThing        Class = "thing"
)

// Valid reports whether c is one of the five known classes.
func (c Class) Valid() bool {
	switch c {
	case ClassPlace, ClassPerson, ClassOrganization, ClassEvent, ClassThing:
		return true
	}
	return false
}

// Primitives are the flat, vertical-agnostic core fields. Pointer fields
// distinguish absent from zero; empty strings mean absent.
type Primitives struct {
	EntityName    string   `json:"entity_name,omitempty"`
	Latitude      *float64 `json:"latitude,omitempty"`
	Longitude     *float64 `json:"longitude,omitempty"`
	StreetAddress string   `json:"street_address,omitempty"`
	City          string   `json:"city,omitempty"`
	Postcode      string   `json:"postcode,omitempty"`
	Country       string   `json:"country,omitempty"`
	Phone         string   `json:"phone,omitempty"`
	Email         string   `json:"email,omitempty"`
	WebsiteURL    string   `json:"website_url,omitempty"`
}

// HasCoordinates reports whether both latitude and longitude are present.
func (p *Primitives) HasCoordinates() bool {
	return p.Latitude != nil && p.Longitude != nil
}

// PrimitiveFields lists the primitive field names in stable order.
func PrimitiveFields() []string {
	return []string{
		"entity_name",
		"latitude",
		"longitude",
		"street_address",
		"city",
		"postcode",
		"country",
		"phone",
		"email",
		"website_url",
	}
}

// Dimension names. Dimensions are multi-valued classification axes whose
// values come exclusively from a lens's canonical vocabulary.
const (
	DimActivities = "canonical_activities"
	DimRoles      = "canonical_roles"
	DimPlaceTypes = "canonical_place_types"
	DimAccess     = "canonical_access"
)

// DimensionNames lists the four dimension names in stable order.
func DimensionNames() []string {
	return []string{DimActivities, DimRoles, DimPlaceTypes, DimAccess}
}

// Dimensions holds the four classification axes. Values are kept deduplicated
// and lexicographically sorted; callers mutate through Add and call Normalize
// before exposing a value externally.
type Dimensions struct {
	Activities []string `json:"canonical_activities,omitempty"`
	Roles      []string `json:"canonical_roles,omitempty"`
	PlaceTypes []string `json:"canonical_place_types,omitempty"`
	Access     []string `json:"canonical_access,omitempty"`
}

// Add appends value to the named dimension. It reports false for an unknown
// dimension name.
func (d *Dimensions) Add(name, value string) bool {
	switch name {
	case DimActivities:
		d.Activities = append(d.Activities, value)
	case DimRoles:
		d.Roles = append(d.Roles, value)
	case DimPlaceTypes:
		d.PlaceTypes = append(d.PlaceTypes, value)
	case DimAccess:
		d.Access = append(d.Access, value)
	default:
		return false
	}
	return true
}

// Get returns the values of the named dimension, or nil for an unknown name.
func (d *Dimensions) Get(name string) []string {
	switch name {
	case DimActivities:
		return d.Activities
	case DimRoles:
		return d.Roles
	case DimPlaceTypes:
		return d.PlaceTypes
	case DimAccess:
		return d.Access
	}
	return nil
}

// Set replaces the values of the named dimension.
func (d *Dimensions) Set(name string, values []string) {
	switch name {
	case DimActivities:
		d.Activities = values
	case DimRoles:
		d.Roles = values
	case DimPlaceTypes:
		d.PlaceTypes = values
	case DimAccess:
		d.Access = values
	}
}

// Normalize deduplicates and sorts every dimension in place.
func (d *Dimensions) Normalize() {
	d.Activities = NormalizeList(d.Activities)
	d.Roles = NormalizeList(d.Roles)
	d.PlaceTypes = NormalizeList(d.PlaceTypes)
	d.Access = NormalizeList(d.Access)
}

// NormalizeList returns a copy of values with empties dropped, duplicates
// removed, and the remainder sorted lexicographically. Nil in, nil out.
func NormalizeList(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

// Extracted is the output of extraction for a single entity observed in a
// single source payload. It carries everything downstream stages need and
// nothing about how it was obtained.
type Extracted struct {
	// Source is the connector name that produced the underlying payload.
	Source string `json:"source"`
	// IngestionSHA references the raw payload this entity was read from.
	IngestionSHA string `json:"ingestion_sha,omitempty"`

	Class Class `json:"entity_class"`
	Primitives
	Dimensions

	// Modules holds namespaced vertical payloads, e.g.
	// "lodging" -> {"rooms": {...}}.
	Modules map[string]map[string]any `json:"modules,omitempty"`

	// ExternalIDs maps id namespaces to stable identifiers in remote
	// systems, e.g. "osm" -> "node/123".
	ExternalIDs map[string]string `json:"external_ids,omitempty"`

	// Confidence carries per-field extraction confidence in [0,1], keyed by
	// flat field name or dotted module path.
	Confidence map[string]float64 `json:"confidence_by_field,omitempty"`

	// RawObservations preserves source fields that matched no mapping, for
	// audit and later lens evolution.
	RawObservations map[string]any `json:"raw_observations,omitempty"`
}

// FieldOrigin records which source won a field during merging and at what
// trust tier.
type FieldOrigin struct {
	Source string `json:"source"`
	Trust  string `json:"trust"`
}

// Entity is the merged, deduplicated, persisted form.
type Entity struct {
	Slug  string `json:"slug"`
	Class Class  `json:"entity_class"`
	Primitives
	Dimensions

	Modules     map[string]map[string]any `json:"modules,omitempty"`
	ExternalIDs map[string]string         `json:"external_ids,omitempty"`
	Confidence  map[string]float64        `json:"confidence_by_field,omitempty"`

	// SourceInfo maps field names to the source that supplied the winning
	// value.
	SourceInfo map[string]FieldOrigin `json:"source_info,omitempty"`

	// DiscoveredBy lists every source that contributed any candidate to
	// this entity, sorted.
	DiscoveredBy []string  `json:"discovered_by"`
	UpdatedAt    time.Time `json:"updated_at"`
}
