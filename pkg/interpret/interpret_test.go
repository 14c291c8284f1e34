package interpret

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/facetdata/facet/pkg/entity"
	"github.com/facetdata/facet/pkg/lens"
	"github.com/facetdata/facet/pkg/llm/llmtest"
)

// testLens exercises every deterministic extractor kind plus one
// llm_structured rule gated on a deterministic gap.
const testLens = `{
  "lens": {"id": "sports", "version": "1.0.0", "engine": ">=1.0.0 <2.0.0"},
  "vocabulary": {
    "terms": [
      {"value": "football", "dimension": "canonical_activities", "keywords": ["football", "soccer", "5-a-side"]}
    ],
    "localities": ["glasgow", "edinburgh"]
  },
  "canonical_values": {
    "canonical_activities": [{"value": "football"}, {"value": "padel"}],
    "canonical_place_types": [{"value": "sports_facility"}],
    "canonical_access": [{"value": "public"}, {"value": "members"}]
  },
  "connector_rules": {},
  "mapping_rules": [
    {
      "rule_id": "osm_sport_football",
      "source": "osm",
      "source_fields": ["sport", "leisure"],
      "pattern": "(?i)\\b(soccer|football)\\b",
      "dimension": "canonical_activities",
      "value": "football",
      "confidence": 0.9
    },
    {
      "rule_id": "any_pitch_place_type",
      "source_fields": ["leisure", "types"],
      "pattern": "(?i)pitch|sports_complex",
      "dimension": "canonical_place_types",
      "value": "sports_facility",
      "confidence": 0.8
    },
    {
      "rule_id": "access_public",
      "source_fields": ["access"],
      "pattern": "(?i)^(yes|public|permissive)$",
      "dimension": "canonical_access",
      "value": "public",
      "confidence": 0.7,
      "entity_classes": ["place"]
    }
  ],
  "modules": {
    "sports_facility": {
      "field_rules": [
        {
          "rule_id": "pitch_total_numeric",
          "target_path": "pitches.total",
          "source_fields": ["PITCHES", "pitch_count"],
          "extractor": {"kind": "numeric_parser"},
          "normalizers": ["to_int"],
          "confidence": 0.9
        },
        {
          "rule_id": "surface_normalize",
          "target_path": "surface",
          "source_fields": ["surface", "SURFACE"],
          "extractor": {"kind": "normalize", "mapping": {"3g": "artificial_3g", "synthetic": "artificial", "grass": "grass"}},
          "confidence": 0.85
        },
        {
          "rule_id": "floodlit_flag",
          "target_path": "floodlit",
          "source_fields": ["lit", "FLOODLIT"],
          "extractor": {"kind": "boolean_coercion"},
          "confidence": 0.85
        },
        {
          "rule_id": "booking_url_capture",
          "target_path": "booking.url",
          "source_fields": ["snippet", "meta_description"],
          "extractor": {"kind": "regex_capture", "pattern": "(https?://[^\\s]+/book[^\\s]*)"},
          "confidence": 0.6
        },
        {
          "rule_id": "activity_tags",
          "target_path": "activity_tags",
          "source_fields": ["sport"],
          "extractor": {"kind": "array_builder", "separator": ";"},
          "normalizers": ["lowercase"],
          "confidence": 0.7
        },
        {
          "rule_id": "display_line",
          "target_path": "display_line",
          "source_fields": ["entity_name", "city"],
          "extractor": {"kind": "string_template", "template": "{entity_name} ({city})"},
          "confidence": 0.9
        },
        {
          "rule_id": "pitch_total_llm",
          "target_path": "pitches.total",
          "source_fields": ["snippet"],
          "extractor": {
            "kind": "llm_structured",
            "schema": {"type": "integer", "minimum": 0},
            "instruction": "Count the five-a-side pitches mentioned."
          },
          "confidence": 0.5,
          "conditions": [{"kind": "field_not_populated", "field": "pitches.total"}]
        }
      ]
    }
  },
  "module_triggers": [
    {
      "module": "sports_facility",
      "when": {"dimension": "canonical_place_types", "values": ["sports_facility"]},
      "conditions": [{"kind": "value_present", "field": "entity_name"}]
    }
  ],
  "validation": {
    "source": "osm",
    "entity_class": "place",
    "payload": {"sport": "soccer", "leisure": "pitch", "entity_name": "Fixture FC"},
    "expect": {
      "dimensions": {"canonical_activities": ["football"], "canonical_place_types": ["sports_facility"]},
      "modules": ["sports_facility"]
    }
  }
}`

func loadTestLens(t *testing.T) *lens.Contract {
	t.Helper()
	loader, err := lens.NewLoader(t.TempDir(), lens.WithSmoke(Smoke))
	require.NoError(t, err)
	c, err := loader.Parse([]byte(testLens))
	require.NoError(t, err)
	return c
}

func placeRecord(source string) *entity.Extracted {
	return &entity.Extracted{
		Source:          source,
		Class:           entity.ClassPlace,
		ExternalIDs:     map[string]string{},
		Confidence:      map[string]float64{},
		RawObservations: map[string]any{},
	}
}

// TestApplyMappingRules verifies dimension mapping with source and class
// scoping plus dedupe+sort finalization.
func TestApplyMappingRules(t *testing.T) {
	c := loadTestLens(t)
	eng := New()

	t.Run("matching source fields set dimensions", func(t *testing.T) {
		rec := placeRecord("osm")
		rec.EntityName = "Powerleague"
		rec.RawObservations["sport"] = "soccer"
		rec.RawObservations["leisure"] = "pitch"
		rec.RawObservations["access"] = "yes"

		failures := eng.Apply(context.Background(), c, rec)
		require.Empty(t, failures)
		require.Equal(t, []string{"football"}, rec.Dimensions.Activities)
		require.Equal(t, []string{"sports_facility"}, rec.Dimensions.PlaceTypes)
		require.Equal(t, []string{"public"}, rec.Dimensions.Access)
		require.Equal(t, 0.9, rec.Confidence["canonical_activities"])
	})

	t.Run("source scope excludes other connectors", func(t *testing.T) {
		rec := placeRecord("serper")
		rec.EntityName = "Goals"
		rec.RawObservations["sport"] = "soccer"

		eng.Apply(context.Background(), c, rec)
		require.Empty(t, rec.Dimensions.Activities, "osm-scoped rule must not fire for serper")
	})

	t.Run("entity class scope respected", func(t *testing.T) {
		rec := placeRecord("osm")
		rec.Class = entity.ClassOrganization
		rec.EntityName = "Org"
		rec.RawObservations["access"] = "yes"

		eng.Apply(context.Background(), c, rec)
		require.Empty(t, rec.Dimensions.Access, "place-scoped rule must not fire for organization")
	})

	t.Run("array observations match per element", func(t *testing.T) {
		rec := placeRecord("google_places")
		rec.EntityName = "Complex"
		rec.RawObservations["types"] = []string{"gym", "sports_complex"}

		eng.Apply(context.Background(), c, rec)
		require.Equal(t, []string{"sports_facility"}, rec.Dimensions.PlaceTypes)
	})

	t.Run("duplicate contributions collapse", func(t *testing.T) {
		rec := placeRecord("osm")
		rec.EntityName = "P"
		rec.RawObservations["sport"] = "football; soccer"
		rec.RawObservations["leisure"] = "pitch"
		rec.RawObservations["types"] = "sports_complex"

		eng.Apply(context.Background(), c, rec)
		require.Equal(t, []string{"sports_facility"}, rec.Dimensions.PlaceTypes, "one value even when several fields match")
	})
}

// TestModuleAttachment verifies trigger evaluation.
func TestModuleAttachment(t *testing.T) {
	c := loadTestLens(t)
	eng := New()

	t.Run("trigger fires on dimension value", func(t *testing.T) {
		rec := placeRecord("osm")
		rec.EntityName = "Powerleague"
		rec.RawObservations["leisure"] = "pitch"

		eng.Apply(context.Background(), c, rec)
		require.Contains(t, rec.Modules, "sports_facility")
	})

	t.Run("no dimension hit, no module", func(t *testing.T) {
		rec := placeRecord("osm")
		rec.EntityName = "Cafe"
		rec.RawObservations["amenity"] = "cafe"

		eng.Apply(context.Background(), c, rec)
		require.NotContains(t, rec.Modules, "sports_facility")
	})

	t.Run("failed condition blocks attachment", func(t *testing.T) {
		rec := placeRecord("osm")
		// No entity_name, so value_present fails.
		rec.RawObservations["leisure"] = "pitch"

		eng.Apply(context.Background(), c, rec)
		require.NotContains(t, rec.Modules, "sports_facility")
	})
}

// TestFieldRuleExtractors verifies each deterministic extractor kind writes
// through the dotted path with normalizers applied.
func TestFieldRuleExtractors(t *testing.T) {
	c := loadTestLens(t)
	eng := New()

	rec := placeRecord("sport_scotland")
	rec.EntityName = "Townhead Park"
	rec.City = "Glasgow"
	rec.RawObservations["types"] = "sports_complex"
	rec.RawObservations["PITCHES"] = "4 pitches"
	rec.RawObservations["SURFACE"] = "Synthetic"
	rec.RawObservations["FLOODLIT"] = "Yes"
	rec.RawObservations["sport"] = "Football; Padel"
	rec.RawObservations["snippet"] = "Book at https://example.com/booking now"

	failures := eng.Apply(context.Background(), c, rec)
	require.Empty(t, failures)

	mod := rec.Modules["sports_facility"]
	require.NotNil(t, mod)

	pitches, ok := getPath(mod, "pitches.total")
	require.True(t, ok)
	require.Equal(t, int64(4), pitches, "numeric_parser + to_int")

	require.Equal(t, "artificial", mod["surface"], "normalize mapping, case-insensitive")
	require.Equal(t, true, mod["floodlit"], "boolean_coercion")

	url, ok := getPath(mod, "booking.url")
	require.True(t, ok)
	require.Equal(t, "https://example.com/booking", url, "regex_capture group 1")

	require.Equal(t, []string{"football", "padel"}, mod["activity_tags"], "array_builder split+sort+lowercase")
	require.Equal(t, "Townhead Park (Glasgow)", mod["display_line"], "string_template with primitives")

	require.Equal(t, 0.9, rec.Confidence["sports_facility.pitches.total"])
}

// TestFirstMatchWins verifies a later rule cannot overwrite an earlier
// rule's target path.
func TestFirstMatchWins(t *testing.T) {
	c := loadTestLens(t)
	mock := &llmtest.Mock{Responses: []map[string]any{{"pitches.total": float64(9)}}}
	eng := New(WithLLM(mock))

	rec := placeRecord("sport_scotland")
	rec.EntityName = "Townhead Park"
	rec.RawObservations["types"] = "sports_complex"
	rec.RawObservations["PITCHES"] = 4.0
	rec.RawObservations["snippet"] = "six 5-a-side pitches"

	eng.Apply(context.Background(), c, rec)

	pitches, _ := getPath(rec.Modules["sports_facility"], "pitches.total")
	require.Equal(t, int64(4), pitches, "deterministic value wins over llm")
	require.Equal(t, 0, mock.CallCount(), "gated llm rule must not trigger a call")
}

// TestLLMPass verifies the batched structured-extraction call and its gates.
func TestLLMPass(t *testing.T) {
	c := loadTestLens(t)

	newRec := func() *entity.Extracted {
		rec := placeRecord("serper")
		rec.EntityName = "Goals Glasgow"
		rec.RawObservations["types"] = "sports_complex"
		rec.RawObservations["snippet"] = "six five-a-side pitches available"
		return rec
	}

	t.Run("fills gap with validated value", func(t *testing.T) {
		mock := &llmtest.Mock{Responses: []map[string]any{{"pitches.total": float64(6)}}}
		eng := New(WithLLM(mock))

		rec := newRec()
		failures := eng.Apply(context.Background(), c, rec)
		require.Empty(t, failures)

		v, ok := getPath(rec.Modules["sports_facility"], "pitches.total")
		require.True(t, ok)
		require.Equal(t, float64(6), v)
		require.Equal(t, 0.5, rec.Confidence["sports_facility.pitches.total"], "capped at rule confidence")
		require.Equal(t, 1, mock.CallCount())

		call := mock.Calls()[0]
		require.Contains(t, call.Instruction, "pitches.total")
		require.Contains(t, call.Input, "snippet")
	})

	t.Run("schema violation discards value", func(t *testing.T) {
		mock := &llmtest.Mock{Responses: []map[string]any{{"pitches.total": float64(-2)}}}
		eng := New(WithLLM(mock))

		rec := newRec()
		failures := eng.Apply(context.Background(), c, rec)
		require.Len(t, failures, 1)
		require.Equal(t, "pitch_total_llm", failures[0].RuleID)
		require.Equal(t, StageLLM, failures[0].Stage)

		_, ok := getPath(rec.Modules["sports_facility"], "pitches.total")
		require.False(t, ok, "invalid value must not be written")
	})

	t.Run("no evidence, no call", func(t *testing.T) {
		mock := &llmtest.Mock{}
		eng := New(WithLLM(mock))

		rec := placeRecord("serper")
		rec.EntityName = "Goals Glasgow"
		rec.RawObservations["types"] = "sports_complex"
		// No snippet: the llm rule has no source evidence.

		eng.Apply(context.Background(), c, rec)
		require.Equal(t, 0, mock.CallCount())
	})

	t.Run("backend failure keeps deterministic fields", func(t *testing.T) {
		mock := &llmtest.Mock{Err: errors.New("api down")}
		eng := New(WithLLM(mock))

		rec := newRec()
		rec.RawObservations["FLOODLIT"] = "yes"
		failures := eng.Apply(context.Background(), c, rec)
		require.Len(t, failures, 1)
		require.Equal(t, StageLLM, failures[0].Stage)
		require.Equal(t, true, rec.Modules["sports_facility"]["floodlit"])
	})

	t.Run("no backend skips silently", func(t *testing.T) {
		eng := New()
		rec := newRec()
		failures := eng.Apply(context.Background(), c, rec)
		require.Empty(t, failures)
		_, ok := getPath(rec.Modules["sports_facility"], "pitches.total")
		require.False(t, ok)
	})
}

// TestSmoke verifies the fixture gate catches drift.
func TestSmoke(t *testing.T) {
	t.Run("valid fixture passes", func(t *testing.T) {
		c := loadTestLens(t)
		require.NoError(t, Smoke(c))
	})

	t.Run("no fixture is fine", func(t *testing.T) {
		c := loadTestLens(t)
		c.Validation = nil
		require.NoError(t, Smoke(c))
	})

	t.Run("unmet dimension expectation fails", func(t *testing.T) {
		c := loadTestLens(t)
		c.Validation.Payload = map[string]any{"sport": "tennis", "leisure": "pitch", "entity_name": "Fixture FC"}
		err := Smoke(c)
		require.Error(t, err)
		require.Contains(t, err.Error(), "canonical_activities")
	})
}

// TestConditions verifies each condition kind.
func TestConditions(t *testing.T) {
	rec := placeRecord("osm")
	rec.EntityName = "Named"
	rec.RawObservations["surface"] = "3g"
	rec.Modules = map[string]map[string]any{
		"sports_facility": {"pitches": map[string]any{"total": int64(4)}},
	}

	cases := []struct {
		name   string
		cond   lens.Condition
		module string
		want   bool
	}{
		{"value_present on primitive", lens.Condition{Kind: "value_present", Field: "entity_name"}, "", true},
		{"value_present on absent", lens.Condition{Kind: "value_present", Field: "phone"}, "", false},
		{"field_not_populated module path", lens.Condition{Kind: "field_not_populated", Field: "pitches.total"}, "sports_facility", false},
		{"field_not_populated missing path", lens.Condition{Kind: "field_not_populated", Field: "pitches.junior"}, "sports_facility", true},
		{"source_has_field hit", lens.Condition{Kind: "source_has_field", Field: "surface"}, "", true},
		{"source_has_field miss", lens.Condition{Kind: "source_has_field", Field: "SURFACE"}, "", false},
		{"any_field_missing true", lens.Condition{Kind: "any_field_missing", Fields: []string{"entity_name", "phone"}}, "", true},
		{"any_field_missing false", lens.Condition{Kind: "any_field_missing", Fields: []string{"entity_name", "surface"}}, "", false},
		{"unknown kind fails closed", lens.Condition{Kind: "sometimes", Field: "x"}, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, evalCondition(tc.cond, rec, tc.module))
		})
	}
}

// TestNormalizers verifies the pipeline and coercions.
func TestNormalizers(t *testing.T) {
	cases := []struct {
		name  string
		in    any
		names []string
		want  any
	}{
		{"trim+lowercase", "  Mixed Case  ", []string{"trim", "lowercase"}, "mixed case"},
		{"title_case", "five a side", []string{"title_case"}, "Five A Side"},
		{"uppercase list", []string{"a", "b"}, []string{"uppercase"}, []string{"A", "B"}},
		{"to_int from string", "  42 ", []string{"to_int"}, int64(42)},
		{"to_int rounds", 3.6, []string{"to_int"}, int64(4)},
		{"to_float from string", "3.14", []string{"to_float"}, 3.14},
		{"to_bool yes", "Yes", []string{"to_bool"}, true},
		{"to_string from number", 4.0, []string{"to_string"}, "4"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := applyNormalizers(tc.in, tc.names)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}

	t.Run("failures surface", func(t *testing.T) {
		_, err := applyNormalizers("not a number", []string{"to_int"})
		require.Error(t, err)

		_, err = applyNormalizers("maybe", []string{"to_bool"})
		require.Error(t, err)
	})
}
