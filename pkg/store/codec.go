package store

import "encoding/json"

// jsonArg marshals v for a JSON column, mapping Go nil to SQL NULL so empty
// optional maps do not persist as the string "null".
func jsonArg(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return b, nil
}

// jsonTextArg is jsonArg for TEXT columns in SQLite, which stores JSON as
// plain strings.
func jsonTextArg(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return string(b), nil
}

// jsonList encodes a string slice for a NOT NULL JSON text column.
func jsonList(vals []string) (string, error) {
	if vals == nil {
		vals = []string{}
	}
	b, err := json.Marshal(vals)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// jsonListField decodes a JSON array column, normalizing empty to nil.
func jsonListField(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
