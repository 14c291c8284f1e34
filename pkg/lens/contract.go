// Package lens defines the external contract document that carries all
// vertical-specific knowledge: vocabulary, connector participation rules,
// dimension mappings, module schemas, and trigger logic. The engine never
// hardcodes any of this; it interprets whatever validated lens it is given.
package lens

import (
	"regexp"

	"github.com/google/cel-go/cel"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// EngineVersion is the interpreter version checked against a lens's declared
// engine constraint at load time.
const EngineVersion = "1.2.0"

// Dedupe policy defaults, applied at load when the lens omits them.
const (
	DefaultNameSimilarity = 0.85
	DefaultMaxDistanceM   = 50.0
)

// Extractor kinds usable in field rules. All except ExtractLLM are
// deterministic and run before any model call.
const (
	ExtractNumeric   = "numeric_parser"
	ExtractRegex     = "regex_capture"
	ExtractJSONPath  = "json_path"
	ExtractBool      = "boolean_coercion"
	ExtractCoalesce  = "coalesce"
	ExtractNormalize = "normalize"
	ExtractArray     = "array_builder"
	ExtractTemplate  = "string_template"
	ExtractLLM       = "llm_structured"
)

// Condition kinds usable on module triggers and field rules.
const (
	CondFieldNotPopulated = "field_not_populated"
	CondAnyFieldMissing   = "any_field_missing"
	CondSourceHasField    = "source_has_field"
	CondValuePresent      = "value_present"
)

// Contract is a fully loaded, validated lens. All fields are immutable after
// Load returns; compiled regex and CEL programs are cached on the structs
// they belong to.
type Contract struct {
	Lens            Meta                        `json:"lens"`
	Vocabulary      Vocabulary                  `json:"vocabulary"`
	ConnectorRules  map[string]*ConnectorRule   `json:"connector_rules"`
	MappingRules    []*MappingRule              `json:"mapping_rules"`
	CanonicalValues map[string][]CanonicalValue `json:"canonical_values"`
	Modules         map[string]*Module          `json:"modules,omitempty"`
	ModuleTriggers  []*ModuleTrigger            `json:"module_triggers,omitempty"`
	Dedupe          DedupePolicy                `json:"dedupe,omitempty"`
	Validation      *Fixture                    `json:"validation,omitempty"`

	// Hash is the SHA-256 of the canonical JSON form of the source document,
	// stamped on every extraction produced under this lens.
	Hash string `json:"-"`
}

// Meta identifies a lens document.
type Meta struct {
	ID          string `json:"id"`
	Version     string `json:"version"`
	Engine      string `json:"engine,omitempty"` // semver constraint, e.g. ">=1.0.0 <2.0.0"
	DisplayName string `json:"display_name,omitempty"`
	Description string `json:"description,omitempty"`
}

// Vocabulary drives query analysis in the planner. Terms bind keywords to
// canonical dimension values; localities list place tokens the deployment
// cares about.
type Vocabulary struct {
	Terms      []VocabTerm `json:"terms"`
	Localities []string    `json:"localities,omitempty"`
}

// VocabTerm binds query keywords to one canonical value on one dimension.
type VocabTerm struct {
	Value     string   `json:"value"`
	Dimension string   `json:"dimension"`
	Keywords  []string `json:"keywords"`
}

// CanonicalValue is one legal value of a dimension.
type CanonicalValue struct {
	Value string `json:"value"`
	Label string `json:"label,omitempty"`
}

// ConnectorRule declares whether and how one connector participates in plans
// built under this lens. Connectors without a rule never participate.
type ConnectorRule struct {
	// Priority overrides the connector spec's default when set. Lower runs
	// earlier within a phase.
	Priority *int `json:"priority,omitempty"`

	// Modes and QueryKinds restrict participation; empty means all.
	Modes      []string `json:"modes,omitempty"`
	QueryKinds []string `json:"query_kinds,omitempty"`

	// RequiresVocab lists dimensions that must have at least one keyword hit
	// in the query for this connector to participate.
	RequiresVocab []string `json:"requires_vocab,omitempty"`

	// When is an optional CEL expression over planner features, compiled at
	// load. Empty means always true.
	When string `json:"when,omitempty"`

	// QueryTemplate rewrites the outgoing query; {query} and {locality} are
	// substituted.
	QueryTemplate string `json:"query_template,omitempty"`

	// MaxCalls caps the planner's expected-call estimate used for budget
	// gating. Zero means one call.
	MaxCalls int `json:"max_calls,omitempty"`

	prg cel.Program
}

// EvalWhen evaluates the compiled When expression against planner features.
// A rule without a When expression always passes.
func (r *ConnectorRule) EvalWhen(features map[string]any) (bool, error) {
	if r.prg == nil {
		return true, nil
	}
	out, _, err := r.prg.Eval(features)
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	return ok && b, nil
}

// MappingRule maps raw source observations onto one canonical dimension
// value. Rules are evaluated in document order.
type MappingRule struct {
	RuleID string `json:"rule_id"`

	// Source restricts the rule to payloads from one connector; empty
	// applies to all.
	Source string `json:"source,omitempty"`

	// EntityClasses restricts the rule by structural class; empty applies to
	// all.
	EntityClasses []string `json:"entity_classes,omitempty"`

	// SourceFields are the observation keys whose stringified values are
	// tested against Pattern.
	SourceFields []string `json:"source_fields"`
	Pattern      string   `json:"pattern"`

	Dimension  string  `json:"dimension"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence,omitempty"`

	re *regexp.Regexp
}

// Regexp returns the pattern compiled at load time.
func (r *MappingRule) Regexp() *regexp.Regexp { return r.re }

// Module describes one namespaced payload a lens can populate.
type Module struct {
	Description string       `json:"description,omitempty"`
	FieldRules  []*FieldRule `json:"field_rules"`
}

// FieldRule populates one target path inside a module.
type FieldRule struct {
	RuleID string `json:"rule_id"`

	// TargetPath is a dotted path under the module namespace, e.g.
	// "football_pitches.five_a_side.total".
	TargetPath string `json:"target_path"`

	// Source restricts the rule to payloads from one connector; empty
	// applies to all.
	Source string `json:"source,omitempty"`

	// SourceFields feed the extractor, in declaration order.
	SourceFields []string `json:"source_fields,omitempty"`

	Extractor   Extractor `json:"extractor"`
	Normalizers []string  `json:"normalizers,omitempty"`

	// Confidence is recorded for values this rule produces and caps model
	// confidence for llm_structured rules.
	Confidence float64 `json:"confidence"`

	// Conditions gate the rule; all must hold.
	Conditions []Condition `json:"conditions,omitempty"`
}

// Extractor configures how a field rule derives its value. Kind selects the
// strategy; the remaining fields apply to specific kinds only.
type Extractor struct {
	Kind string `json:"kind"`

	Pattern string `json:"pattern,omitempty"` // regex_capture
	Group   int    `json:"group,omitempty"`   // regex_capture, default 1

	Path string `json:"path,omitempty"` // json_path

	Fields []string `json:"fields,omitempty"` // coalesce

	Mapping map[string]any `json:"mapping,omitempty"` // normalize

	Separator string `json:"separator,omitempty"` // array_builder

	Template string `json:"template,omitempty"` // string_template

	Schema      map[string]any `json:"schema,omitempty"`      // llm_structured
	Instruction string         `json:"instruction,omitempty"` // llm_structured

	re        *regexp.Regexp
	llmSchema *jsonschema.Schema
}

// Regexp returns the capture pattern compiled at load time, or nil for
// non-regex extractors.
func (e *Extractor) Regexp() *regexp.Regexp { return e.re }

// CompiledSchema returns the response schema compiled at load time, or nil
// for non-llm extractors.
func (e *Extractor) CompiledSchema() *jsonschema.Schema { return e.llmSchema }

// ModuleTrigger attaches a module to entities whose dimensions match.
type ModuleTrigger struct {
	Module     string      `json:"module"`
	When       TriggerWhen `json:"when"`
	Conditions []Condition `json:"conditions,omitempty"`
}

// TriggerWhen fires when the named dimension contains any of Values.
type TriggerWhen struct {
	Dimension string   `json:"dimension"`
	Values    []string `json:"values"`
}

// Condition is a structural predicate over an extraction in progress.
type Condition struct {
	Kind   string   `json:"kind"`
	Field  string   `json:"field,omitempty"`
	Fields []string `json:"fields,omitempty"`
}

// DedupePolicy carries the thresholds the dedup stage reads. Zero values are
// replaced with defaults at load.
type DedupePolicy struct {
	NameSimilarity float64 `json:"name_similarity,omitempty"`
	MaxDistanceM   float64 `json:"max_distance_m,omitempty"`
}

// Fixture is the embedded smoke-test payload every lens must carry. Applying
// the lens to the fixture must reproduce the declared expectations, which
// catches vocabulary drift before a lens reaches production.
type Fixture struct {
	Source      string         `json:"source"`
	EntityClass string         `json:"entity_class"`
	Payload     map[string]any `json:"payload"`
	Expect      FixtureExpect  `json:"expect"`
}

// FixtureExpect lists the minimum outcomes the fixture must produce.
type FixtureExpect struct {
	Dimensions map[string][]string `json:"dimensions,omitempty"`
	Modules    []string            `json:"modules,omitempty"`
}

// Rule returns the connector rule for name, or nil.
func (c *Contract) Rule(name string) *ConnectorRule {
	return c.ConnectorRules[name]
}

// TriggersFor returns the triggers targeting the named module.
func (c *Contract) TriggersFor(module string) []*ModuleTrigger {
	var out []*ModuleTrigger
	for _, t := range c.ModuleTriggers {
		if t.Module == module {
			out = append(out, t)
		}
	}
	return out
}

// HasCanonicalValue reports whether value is legal for dimension.
func (c *Contract) HasCanonicalValue(dimension, value string) bool {
	for _, cv := range c.CanonicalValues[dimension] {
		if cv.Value == value {
			return true
		}
	}
	return false
}
