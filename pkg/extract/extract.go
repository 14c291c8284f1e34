// Package extract turns raw source payloads into per-source entity records.
// Extractors are structural: they read payload shape, infer the entity
// class, fill schema primitives, and pass source-native fields through
// raw_observations untouched. Canonical dimensions and modules are lens
// work and never appear here.
package extract

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/facetdata/facet/pkg/entity"
	"github.com/facetdata/facet/pkg/rawstore"
)

// ErrMalformedPayload wraps parse failures so callers can classify them.
var ErrMalformedPayload = errors.New("extract: malformed payload")

// ErrLegacyFieldNames is returned under strict validation when an extractor
// emits retired field-name shapes.
var ErrLegacyFieldNames = errors.New("extract: legacy field names")

// Extractor parses one raw payload into entity records.
type Extractor interface {
	Extract(ing *rawstore.Ingestion) ([]*entity.Extracted, error)
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(ing *rawstore.Ingestion) ([]*entity.Extracted, error)

func (f ExtractorFunc) Extract(ing *rawstore.Ingestion) ([]*entity.Extracted, error) {
	return f(ing)
}

// legacyPrefixes are field-name shapes replaced by the flat schema
// primitives. Extractors must not reintroduce them.
var legacyPrefixes = []string{"location_", "contact_", "address_"}

// LintFieldNames returns the raw-observation keys of rec that use retired
// naming shapes.
func LintFieldNames(rec *entity.Extracted) []string {
	var bad []string
	for key := range rec.RawObservations {
		for _, prefix := range legacyPrefixes {
			if strings.HasPrefix(key, prefix) {
				bad = append(bad, key)
				break
			}
		}
	}
	return bad
}

// Registry dispatches payloads to the extractor registered for their source,
// with a generic JSON fallback for sources without one. Registration happens
// at bootstrap.
type Registry struct {
	bySource map[string]Extractor
	fallback Extractor
	strict   bool
	logger   *slog.Logger
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithStrictFields turns legacy field-name warnings into errors.
func WithStrictFields(strict bool) RegistryOption {
	return func(r *Registry) { r.strict = strict }
}

// WithLogger sets the logger used for lint warnings.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithExtractor registers or overrides the extractor for a source.
func WithExtractor(source string, ex Extractor) RegistryOption {
	return func(r *Registry) { r.bySource[source] = ex }
}

// NewRegistry builds the default extractor set.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		bySource: map[string]Extractor{
			"osm":             OSM{},
			"serper":          Serper{},
			"google_places":   Places{},
			"sport_scotland":  SportScotland{},
			"companies_house": CompaniesHouse{},
			"web":             Web{},
		},
		fallback: Generic{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Extract parses ing with its source's extractor, stamps provenance, and
// lints field names. Records with unknown classes are rejected.
func (r *Registry) Extract(ing *rawstore.Ingestion) ([]*entity.Extracted, error) {
	ex, ok := r.bySource[ing.Source]
	if !ok {
		ex = r.fallback
	}

	recs, err := ex.Extract(ing)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", ing.Source, err)
	}

	for _, rec := range recs {
		if rec.Source == "" {
			rec.Source = ing.Source
		}
		if rec.IngestionSHA == "" {
			rec.IngestionSHA = ing.SHA256
		}
		if !rec.Class.Valid() {
			rec.Class = entity.ClassThing
		}

		if bad := LintFieldNames(rec); len(bad) > 0 {
			if r.strict {
				return nil, fmt.Errorf("%w: %s emits %v", ErrLegacyFieldNames, ing.Source, bad)
			}
			r.logger.Warn("legacy field names in raw observations",
				"source", ing.Source, "fields", bad)
		}
	}
	return recs, nil
}

// newRecord starts an entity record tied to its originating payload.
func newRecord(ing *rawstore.Ingestion, class entity.Class) *entity.Extracted {
	return &entity.Extracted{
		Source:          ing.Source,
		IngestionSHA:    ing.SHA256,
		Class:           class,
		ExternalIDs:     map[string]string{},
		Confidence:      map[string]float64{},
		RawObservations: map[string]any{},
	}
}

// stampConfidence assigns base confidence to every primitive the extractor
// filled.
func stampConfidence(rec *entity.Extracted, base float64) {
	set := func(name string, filled bool) {
		if filled {
			rec.Confidence[name] = base
		}
	}
	set("entity_name", rec.EntityName != "")
	set("latitude", rec.Latitude != nil)
	set("longitude", rec.Longitude != nil)
	set("street_address", rec.StreetAddress != "")
	set("city", rec.City != "")
	set("postcode", rec.Postcode != "")
	set("country", rec.Country != "")
	set("phone", rec.Phone != "")
	set("email", rec.Email != "")
	set("website_url", rec.WebsiteURL != "")
}

// InferClass applies the structural classification rules: coordinates make
// a place, a start time makes an event, an explicit individual flag makes a
// person, an organization hint makes an organization, anything else is a
// thing.
func InferClass(p *entity.Primitives, raw map[string]any) entity.Class {
	if p.HasCoordinates() {
		return entity.ClassPlace
	}
	if _, ok := raw["start_datetime"]; ok {
		return entity.ClassEvent
	}
	if flag, ok := raw["individual"].(bool); ok && flag {
		return entity.ClassPerson
	}
	if _, ok := raw["company_number"]; ok {
		return entity.ClassOrganization
	}
	if flag, ok := raw["organization"].(bool); ok && flag {
		return entity.ClassOrganization
	}
	return entity.ClassThing
}
