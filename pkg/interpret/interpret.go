// Package interpret applies a lens contract to extracted entities. It is
// the only stage that reads lens semantics: dimension mapping, module
// attachment, field rules, and the structured-extraction pass all happen
// here, and none of it knows any vertical by name.
package interpret

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/facetdata/facet/pkg/entity"
	"github.com/facetdata/facet/pkg/lens"
	"github.com/facetdata/facet/pkg/llm"
)

// Stage names recorded on rule failures.
const (
	StageMapping = "mapping"
	StageField   = "field"
	StageLLM     = "llm"
)

// RuleFailure describes one rule that failed during lens application. A
// failed rule never aborts the record; later rules still run.
type RuleFailure struct {
	RuleID  string `json:"rule_id,omitempty"`
	Source  string `json:"source"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

func (f RuleFailure) String() string {
	return fmt.Sprintf("%s/%s rule %s: %s", f.Source, f.Stage, f.RuleID, f.Message)
}

// Engine interprets lens contracts. It is stateless across records and safe
// for concurrent use.
type Engine struct {
	llm    llm.StructuredExtractor
	logger *slog.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLLM wires the structured-extraction backend used by llm_structured
// rules. Without one, those rules are skipped and modules keep their
// deterministic fields.
func WithLLM(backend llm.StructuredExtractor) Option {
	return func(e *Engine) { e.llm = backend }
}

// WithLogger sets the logger for rule-failure events.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New builds an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply runs the full lens pass over one record in place: mapping rules fill
// dimensions, triggers attach modules, field rules populate them, and the
// structured-extraction pass fills whatever deterministic rules left empty.
// The returned failures are report material, never fatal.
func (e *Engine) Apply(ctx context.Context, c *lens.Contract, rec *entity.Extracted) []RuleFailure {
	var failures []RuleFailure

	failures = append(failures, e.applyMappings(c, rec)...)
	rec.Dimensions.Normalize()

	for _, moduleName := range e.attachedModules(c, rec) {
		if rec.Modules == nil {
			rec.Modules = map[string]map[string]any{}
		}
		if rec.Modules[moduleName] == nil {
			rec.Modules[moduleName] = map[string]any{}
		}
		failures = append(failures, e.applyModule(ctx, c, rec, moduleName)...)
	}

	for _, f := range failures {
		e.logger.Warn("lens rule failed",
			"rule_id", f.RuleID, "source", f.Source, "stage", f.Stage, "cause", f.Message)
	}
	return failures
}

// applyMappings runs every mapping rule whose scope matches the record. A
// rule contributes its value on the first source field whose stringified
// observation matches the pattern.
func (e *Engine) applyMappings(c *lens.Contract, rec *entity.Extracted) []RuleFailure {
	var failures []RuleFailure
	for _, rule := range c.MappingRules {
		if rule.Source != "" && rule.Source != rec.Source {
			continue
		}
		if len(rule.EntityClasses) > 0 && !containsString(rule.EntityClasses, string(rec.Class)) {
			continue
		}

		re := rule.Regexp()
		if re == nil {
			failures = append(failures, RuleFailure{
				RuleID: rule.RuleID, Source: rec.Source, Stage: StageMapping,
				Message: "pattern not compiled",
			})
			continue
		}

		matched := false
		for _, field := range rule.SourceFields {
			for _, s := range observationStrings(rec, field) {
				if re.MatchString(s) {
					matched = true
					break
				}
			}
			if matched {
				break
			}
		}
		if !matched {
			continue
		}

		if !rec.Dimensions.Add(rule.Dimension, rule.Value) {
			failures = append(failures, RuleFailure{
				RuleID: rule.RuleID, Source: rec.Source, Stage: StageMapping,
				Message: fmt.Sprintf("unknown dimension %q", rule.Dimension),
			})
			continue
		}
		if rule.Confidence > rec.Confidence[rule.Dimension] {
			rec.Confidence[rule.Dimension] = rule.Confidence
		}
	}
	return failures
}

// attachedModules returns the modules whose triggers fire for rec, sorted
// for deterministic application order.
func (e *Engine) attachedModules(c *lens.Contract, rec *entity.Extracted) []string {
	attached := map[string]bool{}
	for _, trig := range c.ModuleTriggers {
		if attached[trig.Module] {
			continue
		}
		if !triggerFires(trig, rec) {
			continue
		}
		if _, ok := c.Modules[trig.Module]; !ok {
			continue
		}
		attached[trig.Module] = true
	}

	names := make([]string, 0, len(attached))
	for name := range attached {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func triggerFires(trig *lens.ModuleTrigger, rec *entity.Extracted) bool {
	dimValues := rec.Dimensions.Get(trig.When.Dimension)
	hit := false
	for _, want := range trig.When.Values {
		if containsString(dimValues, want) {
			hit = true
			break
		}
	}
	if !hit {
		return false
	}
	for _, cond := range trig.Conditions {
		if !evalCondition(cond, rec, "") {
			return false
		}
	}
	return true
}

// applyModule executes the module's field rules: the deterministic pass in
// declared order with first-match-wins per target path, then one batched
// structured-extraction call for the llm rules that remain eligible.
func (e *Engine) applyModule(ctx context.Context, c *lens.Contract, rec *entity.Extracted, moduleName string) []RuleFailure {
	mod := c.Modules[moduleName]
	var failures []RuleFailure
	written := map[string]bool{}
	var llmRules []*lens.FieldRule

	for _, rule := range mod.FieldRules {
		if rule.Extractor.Kind == lens.ExtractLLM {
			llmRules = append(llmRules, rule)
			continue
		}
		if written[rule.TargetPath] {
			continue
		}
		if !ruleApplies(rule, rec, moduleName) {
			continue
		}

		value, err := runExtractor(rule, rec)
		if err != nil {
			failures = append(failures, RuleFailure{
				RuleID: rule.RuleID, Source: rec.Source, Stage: StageField,
				Message: err.Error(),
			})
			continue
		}
		if value == nil {
			continue
		}

		value, err = applyNormalizers(value, rule.Normalizers)
		if err != nil {
			failures = append(failures, RuleFailure{
				RuleID: rule.RuleID, Source: rec.Source, Stage: StageField,
				Message: err.Error(),
			})
			continue
		}

		setModulePath(rec.Modules[moduleName], rule.TargetPath, value)
		written[rule.TargetPath] = true
		rec.Confidence[moduleName+"."+rule.TargetPath] = rule.Confidence
	}

	failures = append(failures, e.applyLLMRules(ctx, rec, moduleName, llmRules, written)...)
	return failures
}

// ruleApplies checks a field rule's source scope and conditions against the
// record, with condition fields resolved module-first.
func ruleApplies(rule *lens.FieldRule, rec *entity.Extracted, moduleName string) bool {
	if rule.Source != "" && rule.Source != rec.Source {
		return false
	}
	for _, cond := range rule.Conditions {
		if !evalCondition(cond, rec, moduleName) {
			return false
		}
	}
	return true
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
