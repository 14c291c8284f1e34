package interpret

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/facetdata/facet/pkg/entity"
	"github.com/facetdata/facet/pkg/lens"
	"github.com/facetdata/facet/pkg/llm"
)

// applyLLMRules runs the module's llm_structured rules as one batched call.
// Only rules whose deterministic conditions hold and whose source fields
// carry evidence participate; the model never sees a rule it cannot ground.
func (e *Engine) applyLLMRules(ctx context.Context, rec *entity.Extracted, moduleName string, rules []*lens.FieldRule, written map[string]bool) []RuleFailure {
	if len(rules) == 0 {
		return nil
	}

	evidence := map[string]any{}
	var eligible []*lens.FieldRule
	for _, rule := range rules {
		if written[rule.TargetPath] {
			continue
		}
		if !ruleApplies(rule, rec, moduleName) {
			continue
		}
		grounded := false
		for _, field := range rule.SourceFields {
			if v, ok := observationValue(rec, field); present(v, ok) {
				evidence[field] = v
				grounded = true
			}
		}
		if grounded {
			eligible = append(eligible, rule)
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	if e.llm == nil {
		e.logger.Debug("structured extraction skipped, no backend configured",
			"module", moduleName, "rules", len(eligible))
		return nil
	}

	resp, err := e.llm.ExtractStructured(ctx, llm.Request{
		Schema:      combinedSchema(eligible),
		Instruction: combinedInstruction(moduleName, eligible),
		Input:       evidence,
	})
	if err != nil {
		if errors.Is(err, llm.ErrDisabled) {
			return nil
		}
		failures := make([]RuleFailure, 0, len(eligible))
		for _, rule := range eligible {
			failures = append(failures, RuleFailure{
				RuleID: rule.RuleID, Source: rec.Source, Stage: StageLLM,
				Message: err.Error(),
			})
		}
		return failures
	}

	var failures []RuleFailure
	for _, rule := range eligible {
		v, ok := resp.Fields[rule.TargetPath]
		if !ok || v == nil {
			continue
		}
		if schema := rule.Extractor.CompiledSchema(); schema != nil {
			if err := schema.Validate(v); err != nil {
				failures = append(failures, RuleFailure{
					RuleID: rule.RuleID, Source: rec.Source, Stage: StageLLM,
					Message: fmt.Sprintf("response failed field schema: %v", err),
				})
				continue
			}
		}
		setModulePath(rec.Modules[moduleName], rule.TargetPath, v)
		written[rule.TargetPath] = true
		rec.Confidence[moduleName+"."+rule.TargetPath] = rule.Confidence
	}
	return failures
}

// combinedSchema merges every eligible rule's field schema into one response
// object keyed by target path.
func combinedSchema(rules []*lens.FieldRule) map[string]any {
	props := map[string]any{}
	for _, rule := range rules {
		props[rule.TargetPath] = rule.Extractor.Schema
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
}

func combinedInstruction(moduleName string, rules []*lens.FieldRule) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Extract the following %s fields from the observations. Omit any field the observations do not support.\n", moduleName)
	for _, rule := range rules {
		fmt.Fprintf(&b, "- %s: %s\n", rule.TargetPath, rule.Extractor.Instruction)
	}
	return b.String()
}
