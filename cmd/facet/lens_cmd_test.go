package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cafesLens = `{
  "lens": {
    "id": "cafes",
    "version": "0.1.0",
    "engine": ">=1.0.0 <2.0.0",
    "display_name": "Independent Cafes"
  },
  "vocabulary": {
    "terms": [
      {"value": "coffee", "dimension": "canonical_activities", "keywords": ["coffee", "espresso"]}
    ],
    "localities": ["leith"]
  },
  "connector_rules": {
    "osm": {"priority": 10},
    "serper": {}
  },
  "mapping_rules": [
    {
      "rule_id": "osm_amenity_cafe",
      "source": "osm",
      "source_fields": ["amenity"],
      "pattern": "(?i)^cafe$",
      "dimension": "canonical_activities",
      "value": "coffee",
      "confidence": 0.9
    }
  ],
  "canonical_values": {
    "canonical_activities": [{"value": "coffee", "label": "Coffee"}]
  },
  "validation": {
    "source": "osm",
    "entity_class": "place",
    "payload": {"amenity": "cafe", "name": "Williams and Johnson"},
    "expect": {"dimensions": {"canonical_activities": ["coffee"]}}
  }
}`

// badRefLens maps a value never declared under canonical_values.
const badRefLens = `{
  "lens": {"id": "cafes", "version": "0.1.0"},
  "vocabulary": {
    "terms": [
      {"value": "coffee", "dimension": "canonical_activities", "keywords": ["coffee"]}
    ]
  },
  "mapping_rules": [
    {
      "rule_id": "osm_amenity_tea",
      "source_fields": ["amenity"],
      "pattern": "tea",
      "dimension": "canonical_activities",
      "value": "tea"
    }
  ],
  "canonical_values": {
    "canonical_activities": [{"value": "coffee"}]
  }
}`

// writeLens installs doc as <id>.lens.json under a fresh directory.
func writeLens(t *testing.T, id, doc string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".lens.json"), []byte(doc), 0o600))
	return dir
}

func TestLensValidate(t *testing.T) {
	clearEnv(t)
	dir := writeLens(t, "cafes", cafesLens)

	code, stdout, stderr := runCLI("lens", "validate", "--dir", dir, "--lens", "cafes")
	assert.Equal(t, exitOK, code, "stderr: %s", stderr)
	assert.Contains(t, stdout, "Lens cafes v0.1.0 is valid")
}

// TestLensValidate_ShippedLens runs the lens document the repo ships through
// every gate, fixture smoke included.
func TestLensValidate_ShippedLens(t *testing.T) {
	clearEnv(t)
	dir := filepath.Join("..", "..", "lenses")

	code, stdout, stderr := runCLI("lens", "validate", "--dir", dir, "--lens", "sports")
	require.Equal(t, exitOK, code, "stderr: %s", stderr)
	assert.Contains(t, stdout, "Lens sports v1.4.0 is valid")
}

func TestLensValidate_JSONFile(t *testing.T) {
	clearEnv(t)
	dir := writeLens(t, "cafes", cafesLens)

	code, stdout, _ := runCLI("lens", "validate",
		"--dir", dir, "--file", filepath.Join(dir, "cafes.lens.json"), "--json")
	assert.Equal(t, exitOK, code)

	var result map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &result))
	assert.Equal(t, true, result["valid"])
	assert.Equal(t, "cafes", result["id"])
	assert.NotEmpty(t, result["hash"])
}

func TestLensValidate_BadCanonicalRef(t *testing.T) {
	clearEnv(t)
	dir := writeLens(t, "cafes", badRefLens)

	code, _, stderr := runCLI("lens", "validate", "--dir", dir, "--lens", "cafes")
	assert.Equal(t, exitLens, code)
	assert.Contains(t, stderr, "Invalid lens: [canonical_ref]")
	assert.Contains(t, stderr, `"tea"`)
}

func TestLensValidate_BadCanonicalRefJSON(t *testing.T) {
	clearEnv(t)
	dir := writeLens(t, "cafes", badRefLens)

	code, stdout, _ := runCLI("lens", "validate", "--dir", dir, "--lens", "cafes", "--json")
	assert.Equal(t, exitLens, code)

	var result map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &result))
	assert.Equal(t, false, result["valid"])
	assert.Equal(t, "canonical_ref", result["code"])
}

func TestLensValidate_MissingLens(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	code, _, stderr := runCLI("lens", "validate", "--dir", dir, "--lens", "cafes")
	assert.Equal(t, exitInvalid, code)
	assert.Contains(t, stderr, "Error:")
}

func TestLensShow(t *testing.T) {
	clearEnv(t)
	dir := writeLens(t, "cafes", cafesLens)

	code, stdout, stderr := runCLI("lens", "show", "--dir", dir, "--lens", "cafes")
	assert.Equal(t, exitOK, code, "stderr: %s", stderr)
	assert.Contains(t, stdout, "lens cafes v0.1.0")
	assert.Contains(t, stdout, "name: Independent Cafes")
	assert.Contains(t, stdout, "vocabulary: 1 terms, 1 localities")
	assert.Contains(t, stdout, "mapping rules: 1")
	assert.Contains(t, stdout, "osm")
	assert.Contains(t, stdout, "priority=10")
	assert.Contains(t, stdout, "fixture: osm payload")
}

func TestLensShow_JSON(t *testing.T) {
	clearEnv(t)
	dir := writeLens(t, "cafes", cafesLens)

	code, stdout, _ := runCLI("lens", "show", "--dir", dir, "--lens", "cafes", "--json")
	assert.Equal(t, exitOK, code)

	var doc struct {
		Lens struct {
			ID      string `json:"id"`
			Version string `json:"version"`
		} `json:"lens"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &doc))
	assert.Equal(t, "cafes", doc.Lens.ID)
	assert.Equal(t, "0.1.0", doc.Lens.Version)
}
