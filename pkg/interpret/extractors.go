package interpret

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/facetdata/facet/pkg/entity"
	"github.com/facetdata/facet/pkg/lens"
)

var numberPattern = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// runExtractor derives a value from the record per the rule's deterministic
// extractor. A nil value with nil error means the rule simply found nothing,
// which is not a failure.
func runExtractor(rule *lens.FieldRule, rec *entity.Extracted) (any, error) {
	ex := &rule.Extractor
	switch ex.Kind {
	case lens.ExtractNumeric:
		return extractNumeric(rule, rec)
	case lens.ExtractRegex:
		return extractRegex(rule, rec)
	case lens.ExtractJSONPath:
		return extractJSONPath(rule, rec)
	case lens.ExtractBool:
		return extractBool(rule, rec)
	case lens.ExtractCoalesce:
		return extractCoalesce(rule, rec)
	case lens.ExtractNormalize:
		return extractNormalizeMap(rule, rec)
	case lens.ExtractArray:
		return extractArray(rule, rec)
	case lens.ExtractTemplate:
		return extractTemplate(rule, rec)
	}
	return nil, fmt.Errorf("unknown extractor kind %q", ex.Kind)
}

// extractNumeric returns the first number found in the source fields.
// Numeric observations pass through; strings are scanned for a number.
func extractNumeric(rule *lens.FieldRule, rec *entity.Extracted) (any, error) {
	for _, field := range rule.SourceFields {
		v, ok := observationValue(rec, field)
		if !ok {
			continue
		}
		switch t := v.(type) {
		case float64:
			return t, nil
		case int:
			return float64(t), nil
		case int64:
			return float64(t), nil
		}
		for _, s := range stringsOf(v) {
			if m := numberPattern.FindString(s); m != "" {
				f, err := strconv.ParseFloat(m, 64)
				if err != nil {
					return nil, fmt.Errorf("parse number %q: %w", m, err)
				}
				return f, nil
			}
		}
	}
	return nil, nil
}

// extractRegex returns the configured capture group from the first matching
// source field.
func extractRegex(rule *lens.FieldRule, rec *entity.Extracted) (any, error) {
	re := rule.Extractor.Regexp()
	if re == nil {
		return nil, fmt.Errorf("capture pattern not compiled")
	}
	group := rule.Extractor.Group
	if group == 0 {
		group = 1
	}
	for _, field := range rule.SourceFields {
		for _, s := range observationStrings(rec, field) {
			m := re.FindStringSubmatch(s)
			if m == nil {
				continue
			}
			if group >= len(m) {
				return nil, fmt.Errorf("capture group %d not in pattern", group)
			}
			if m[group] != "" {
				return m[group], nil
			}
		}
	}
	return nil, nil
}

// extractJSONPath walks a dotted path (numeric segments index arrays) under
// the first present source field, or under the whole observation map when
// the rule names no source fields.
func extractJSONPath(rule *lens.FieldRule, rec *entity.Extracted) (any, error) {
	path := rule.Extractor.Path
	if path == "" {
		return nil, fmt.Errorf("json_path extractor without path")
	}
	if len(rule.SourceFields) == 0 {
		v, ok := getPath(mapOfObservations(rec), path)
		if !ok {
			return nil, nil
		}
		return v, nil
	}
	for _, field := range rule.SourceFields {
		root, ok := observationValue(rec, field)
		if !ok {
			continue
		}
		if v, ok := getPath(root, path); ok {
			return v, nil
		}
	}
	return nil, nil
}

func mapOfObservations(rec *entity.Extracted) map[string]any {
	if rec.RawObservations != nil {
		return rec.RawObservations
	}
	return map[string]any{}
}

var truthy = map[string]bool{
	"yes": true, "true": true, "1": true, "y": true, "on": true,
}

var falsy = map[string]bool{
	"no": false, "false": false, "0": false, "n": false, "off": false,
}

// extractBool coerces the first present source field into a boolean.
// Unrecognized strings yield nothing rather than a guess.
func extractBool(rule *lens.FieldRule, rec *entity.Extracted) (any, error) {
	for _, field := range rule.SourceFields {
		v, ok := observationValue(rec, field)
		if !ok {
			continue
		}
		switch t := v.(type) {
		case bool:
			return t, nil
		case float64:
			return t != 0, nil
		case string:
			s := strings.ToLower(strings.TrimSpace(t))
			if truthy[s] {
				return true, nil
			}
			if _, ok := falsy[s]; ok {
				return false, nil
			}
		}
	}
	return nil, nil
}

// extractCoalesce returns the first present value among the extractor's
// fields, falling back to the rule's source fields when none are declared.
func extractCoalesce(rule *lens.FieldRule, rec *entity.Extracted) (any, error) {
	fields := rule.Extractor.Fields
	if len(fields) == 0 {
		fields = rule.SourceFields
	}
	for _, field := range fields {
		v, ok := observationValue(rec, field)
		if present(v, ok) {
			return v, nil
		}
	}
	return nil, nil
}

// extractNormalizeMap looks the first source value up in the extractor's
// mapping, case-insensitively.
func extractNormalizeMap(rule *lens.FieldRule, rec *entity.Extracted) (any, error) {
	if len(rule.Extractor.Mapping) == 0 {
		return nil, fmt.Errorf("normalize extractor without mapping")
	}
	for _, field := range rule.SourceFields {
		v, ok := observationValue(rec, field)
		if !ok {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(stringify(v)))
		if key == "" {
			continue
		}
		if mapped, ok := rule.Extractor.Mapping[key]; ok {
			return mapped, nil
		}
	}
	return nil, nil
}

// extractArray collects elements from every source field, splitting strings
// on the configured separator, then dedupes and sorts for determinism.
func extractArray(rule *lens.FieldRule, rec *entity.Extracted) (any, error) {
	sep := rule.Extractor.Separator
	if sep == "" {
		sep = ","
	}
	var collected []string
	for _, field := range rule.SourceFields {
		for _, s := range observationStrings(rec, field) {
			for _, part := range strings.Split(s, sep) {
				if p := strings.TrimSpace(part); p != "" {
					collected = append(collected, p)
				}
			}
		}
	}
	out := entity.NormalizeList(collected)
	if out == nil {
		return nil, nil
	}
	return out, nil
}

// extractTemplate substitutes {field} placeholders with observation values.
// A template referencing any absent field yields nothing.
func extractTemplate(rule *lens.FieldRule, rec *entity.Extracted) (any, error) {
	tpl := rule.Extractor.Template
	if tpl == "" {
		return nil, fmt.Errorf("string_template extractor without template")
	}
	result := tpl
	for _, field := range templateFields(tpl) {
		v, ok := observationValue(rec, field)
		if !present(v, ok) {
			return nil, nil
		}
		result = strings.ReplaceAll(result, "{"+field+"}", stringify(v))
	}
	return result, nil
}

var templatePlaceholder = regexp.MustCompile(`\{([a-z0-9_.]+)\}`)

func templateFields(tpl string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range templatePlaceholder.FindAllStringSubmatch(tpl, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	sort.Strings(out)
	return out
}
