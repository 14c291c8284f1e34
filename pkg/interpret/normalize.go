package interpret

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// applyNormalizers runs the pipeline left to right. String normalizers map
// over list values element-wise; type coercions apply to scalars only.
func applyNormalizers(value any, names []string) (any, error) {
	var err error
	for _, name := range names {
		value, err = applyNormalizer(value, name)
		if err != nil {
			return nil, fmt.Errorf("normalizer %s: %w", name, err)
		}
	}
	return value, nil
}

func applyNormalizer(value any, name string) (any, error) {
	switch name {
	case "trim":
		return mapStrings(value, strings.TrimSpace)
	case "lowercase":
		return mapStrings(value, strings.ToLower)
	case "uppercase":
		return mapStrings(value, strings.ToUpper)
	case "title_case":
		caser := cases.Title(language.Und)
		return mapStrings(value, caser.String)
	case "to_int":
		return toInt(value)
	case "to_float":
		return toFloat(value)
	case "to_bool":
		return toBool(value)
	case "to_string":
		return stringify(value), nil
	}
	return nil, fmt.Errorf("unknown normalizer %q", name)
}

// mapStrings applies fn to a string or to each element of a string list.
// Non-string values pass through unchanged.
func mapStrings(value any, fn func(string) string) (any, error) {
	switch t := value.(type) {
	case string:
		return fn(t), nil
	case []string:
		out := make([]string, len(t))
		for i, s := range t {
			out[i] = fn(s)
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			if s, ok := e.(string); ok {
				out[i] = fn(s)
			} else {
				out[i] = e
			}
		}
		return out, nil
	}
	return value, nil
}

func toInt(value any) (any, error) {
	switch t := value.(type) {
	case float64:
		return int64(math.Round(t)), nil
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case bool:
		if t {
			return int64(1), nil
		}
		return int64(0), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil, fmt.Errorf("cannot coerce %q to int", t)
		}
		return int64(math.Round(f)), nil
	}
	return nil, fmt.Errorf("cannot coerce %T to int", value)
}

func toFloat(value any) (any, error) {
	switch t := value.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil, fmt.Errorf("cannot coerce %q to float", t)
		}
		return f, nil
	}
	return nil, fmt.Errorf("cannot coerce %T to float", value)
}

func toBool(value any) (any, error) {
	switch t := value.(type) {
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
		return nil, fmt.Errorf("cannot coerce %q to bool", t)
	}
	return nil, fmt.Errorf("cannot coerce %T to bool", value)
}
