package interpret

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/facetdata/facet/pkg/entity"
)

// observationValue resolves a source field against the record: raw
// observations first, then schema primitives by their exact names.
func observationValue(rec *entity.Extracted, field string) (any, bool) {
	if v, ok := rec.RawObservations[field]; ok && v != nil {
		return v, true
	}
	if s, ok := primitiveValue(&rec.Primitives, field); ok {
		return s, true
	}
	return nil, false
}

// observationStrings returns the string forms of a field for regex matching.
// Arrays contribute one string per element so a match on any element counts.
func observationStrings(rec *entity.Extracted, field string) []string {
	v, ok := observationValue(rec, field)
	if !ok {
		return nil
	}
	return stringsOf(v)
}

func stringsOf(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, stringsOf(e)...)
		}
		return out
	case float64:
		return []string{formatFloat(t)}
	case int:
		return []string{strconv.Itoa(t)}
	case int64:
		return []string{strconv.FormatInt(t, 10)}
	case bool:
		return []string{strconv.FormatBool(t)}
	case nil:
		return nil
	default:
		// Nested objects match on their compact JSON form.
		b, err := json.Marshal(t)
		if err != nil {
			return nil
		}
		return []string{string(b)}
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func primitiveValue(p *entity.Primitives, field string) (string, bool) {
	switch field {
	case "entity_name":
		return p.EntityName, p.EntityName != ""
	case "latitude":
		if p.Latitude == nil {
			return "", false
		}
		return formatFloat(*p.Latitude), true
	case "longitude":
		if p.Longitude == nil {
			return "", false
		}
		return formatFloat(*p.Longitude), true
	case "street_address":
		return p.StreetAddress, p.StreetAddress != ""
	case "city":
		return p.City, p.City != ""
	case "postcode":
		return p.Postcode, p.Postcode != ""
	case "country":
		return p.Country, p.Country != ""
	case "phone":
		return p.Phone, p.Phone != ""
	case "email":
		return p.Email, p.Email != ""
	case "website_url":
		return p.WebsiteURL, p.WebsiteURL != ""
	}
	return "", false
}

// setModulePath writes value at a dotted path inside a module map, creating
// intermediate objects. A non-object intermediate is replaced.
func setModulePath(module map[string]any, path string, value any) {
	segments := strings.Split(path, ".")
	current := module
	for _, seg := range segments[:len(segments)-1] {
		next, ok := current[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			current[seg] = next
		}
		current = next
	}
	current[segments[len(segments)-1]] = value
}

// getPath reads a dotted path from a nested map. Numeric segments index
// into arrays.
func getPath(root any, path string) (any, bool) {
	current := root
	for _, seg := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			current = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			current = node[i]
		default:
			return nil, false
		}
	}
	return current, true
}

// resolveField finds a condition field on the record: the current module's
// paths first (when in module context), then primitives, then raw
// observations.
func resolveField(rec *entity.Extracted, moduleName, field string) (any, bool) {
	if moduleName != "" && rec.Modules != nil {
		if mod, ok := rec.Modules[moduleName]; ok {
			if v, ok := getPath(mod, field); ok {
				return v, true
			}
		}
	}
	if s, ok := primitiveValue(&rec.Primitives, field); ok {
		return s, true
	}
	if v, ok := rec.RawObservations[field]; ok && v != nil {
		return v, true
	}
	return nil, false
}

// present reports whether a resolved value counts as populated.
func present(v any, ok bool) bool {
	if !ok || v == nil {
		return false
	}
	switch t := v.(type) {
	case string:
		return t != ""
	case []string:
		return len(t) > 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}

// stringify renders a value for template substitution and normalize lookups.
func stringify(v any) string {
	parts := stringsOf(v)
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, " ")
}
