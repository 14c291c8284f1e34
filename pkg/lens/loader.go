package lens

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/facetdata/facet/pkg/canonicalize"
)

//go:embed lens.schema.json
var schemaJSON string

const schemaURL = "https://facetdata.io/schemas/lens.schema.json"

var knownNormalizers = map[string]struct{}{
	"trim":       {},
	"lowercase":  {},
	"uppercase":  {},
	"title_case": {},
	"to_int":     {},
	"to_float":   {},
	"to_bool":    {},
	"to_string":  {},
}

// KnownNormalizer reports whether name is an implemented normalizer.
func KnownNormalizer(name string) bool {
	_, ok := knownNormalizers[name]
	return ok
}

// Loader loads and validates lens documents from a directory. Loaded
// contracts are cached by id and must be treated as immutable by callers.
type Loader struct {
	dir    string
	schema *jsonschema.Schema
	env    *cel.Env
	logger *slog.Logger

	// connectorNames enables the connector-reference gate when non-nil.
	connectorNames map[string]struct{}
	// smoke runs the fixture gate when non-nil. It is injected by the
	// composition layer to avoid a dependency on the interpreter here.
	smoke func(*Contract) error

	mu    sync.RWMutex
	cache map[string]*Contract
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithConnectorNames enables the connector-reference gate against the given
// registry names.
func WithConnectorNames(names []string) LoaderOption {
	return func(l *Loader) {
		l.connectorNames = make(map[string]struct{}, len(names))
		for _, n := range names {
			l.connectorNames[n] = struct{}{}
		}
	}
}

// WithSmoke enables the fixture gate using fn, which applies a contract to
// its embedded fixture and returns an error when expectations are not met.
func WithSmoke(fn func(*Contract) error) LoaderOption {
	return func(l *Loader) { l.smoke = fn }
}

// WithLogger sets the loader's logger.
func WithLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) { l.logger = logger }
}

// NewLoader compiles the embedded lens schema and returns a loader rooted at
// dir.
func NewLoader(dir string, opts ...LoaderOption) (*Loader, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("lens: add schema resource: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("lens: compile schema: %w", err)
	}

	env, err := cel.NewEnv(
		cel.Variable("mode", cel.StringType),
		cel.Variable("query_kind", cel.StringType),
		cel.Variable("keyword_hits", cel.IntType),
		cel.Variable("location_hits", cel.IntType),
		cel.Variable("dims", cel.MapType(cel.StringType, cel.IntType)),
	)
	if err != nil {
		return nil, fmt.Errorf("lens: build cel env: %w", err)
	}

	l := &Loader{
		dir:    dir,
		schema: schema,
		env:    env,
		logger: slog.Default(),
		cache:  map[string]*Contract{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Load returns the contract with the given id, reading <dir>/<id>.lens.json
// on first use.
func (l *Loader) Load(id string) (*Contract, error) {
	l.mu.RLock()
	c, ok := l.cache[id]
	l.mu.RUnlock()
	if ok {
		return c, nil
	}

	c, err := l.LoadFile(filepath.Join(l.dir, id+".lens.json"))
	if err != nil {
		return nil, err
	}
	if c.Lens.ID != id {
		return nil, validationErrorf(CodeSchema, "lens id %q does not match requested id %q", c.Lens.ID, id)
	}

	l.mu.Lock()
	l.cache[id] = c
	l.mu.Unlock()
	return c, nil
}

// LoadFile loads and validates the lens document at path.
func (l *Loader) LoadFile(path string) (*Contract, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("lens: read %s: %w", path, err)
	}
	c, err := l.Parse(raw)
	if err != nil {
		return nil, err
	}
	l.logger.Debug("lens loaded",
		"id", c.Lens.ID,
		"version", c.Lens.Version,
		"hash", c.Hash,
		"mapping_rules", len(c.MappingRules),
		"modules", len(c.Modules),
	)
	return c, nil
}

// Parse validates raw against every gate in order and returns the compiled
// contract. The first failing gate aborts with a ValidationError.
func (l *Loader) Parse(raw []byte) (*Contract, error) {
	// Gate 1: structural schema.
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, validationErrorf(CodeSchema, "not valid JSON: %v", err)
	}
	if err := l.schema.Validate(doc); err != nil {
		return nil, validationErrorf(CodeSchema, "%v", err)
	}

	var c Contract
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, validationErrorf(CodeSchema, "decode: %v", err)
	}

	// Gate 2: engine compatibility.
	if c.Lens.Engine != "" {
		constraint, err := semver.NewConstraint(c.Lens.Engine)
		if err != nil {
			return nil, validationErrorf(CodeEngine, "bad engine constraint %q: %v", c.Lens.Engine, err)
		}
		if !constraint.Check(semver.MustParse(EngineVersion)) {
			return nil, validationErrorf(CodeEngine,
				"lens %s requires engine %q, running %s", c.Lens.ID, c.Lens.Engine, EngineVersion)
		}
	}

	if err := l.checkCanonicalRefs(&c); err != nil {
		return nil, err
	}
	if err := l.checkConnectorRefs(&c); err != nil {
		return nil, err
	}
	if err := checkRuleIDs(&c); err != nil {
		return nil, err
	}
	if err := l.compileRules(&c); err != nil {
		return nil, err
	}

	if c.Dedupe.NameSimilarity == 0 {
		c.Dedupe.NameSimilarity = DefaultNameSimilarity
	}
	if c.Dedupe.MaxDistanceM == 0 {
		c.Dedupe.MaxDistanceM = DefaultMaxDistanceM
	}

	hash, err := canonicalize.HashRaw(raw)
	if err != nil {
		return nil, fmt.Errorf("lens: hash document: %w", err)
	}
	c.Hash = hash

	// Gate 7: fixture smoke run, when wired.
	if l.smoke != nil && c.Validation != nil {
		if err := l.smoke(&c); err != nil {
			return nil, validationErrorf(CodeSmoke, "%v", err)
		}
	}

	return &c, nil
}

// Gate 3: every dimension value referenced anywhere must exist in
// canonical_values.
func (l *Loader) checkCanonicalRefs(c *Contract) error {
	for _, term := range c.Vocabulary.Terms {
		if !c.HasCanonicalValue(term.Dimension, term.Value) {
			return validationErrorf(CodeCanonicalRef,
				"vocabulary term %q references unknown %s value %q", strings.Join(term.Keywords, ","), term.Dimension, term.Value)
		}
	}
	for _, r := range c.MappingRules {
		if !c.HasCanonicalValue(r.Dimension, r.Value) {
			return validationErrorf(CodeCanonicalRef,
				"mapping rule %q references unknown %s value %q", r.RuleID, r.Dimension, r.Value)
		}
	}
	for i, t := range c.ModuleTriggers {
		if _, ok := c.Modules[t.Module]; !ok {
			return validationErrorf(CodeCanonicalRef,
				"module trigger %d references unknown module %q", i, t.Module)
		}
		for _, v := range t.When.Values {
			if !c.HasCanonicalValue(t.When.Dimension, v) {
				return validationErrorf(CodeCanonicalRef,
					"module trigger %d references unknown %s value %q", i, t.When.Dimension, v)
			}
		}
	}
	if c.Validation != nil {
		for dim, values := range c.Validation.Expect.Dimensions {
			for _, v := range values {
				if !c.HasCanonicalValue(dim, v) {
					return validationErrorf(CodeCanonicalRef,
						"validation fixture expects unknown %s value %q", dim, v)
				}
			}
		}
		for _, m := range c.Validation.Expect.Modules {
			if _, ok := c.Modules[m]; !ok {
				return validationErrorf(CodeCanonicalRef,
					"validation fixture expects unknown module %q", m)
			}
		}
	}
	return nil
}

// Gate 4: every connector name referenced must exist in the registry. The
// gate is skipped when the loader was built without registry names.
func (l *Loader) checkConnectorRefs(c *Contract) error {
	if l.connectorNames == nil {
		return nil
	}
	known := func(name string) bool {
		_, ok := l.connectorNames[name]
		return ok
	}
	for name := range c.ConnectorRules {
		if !known(name) {
			return validationErrorf(CodeConnectorRef, "connector rule references unknown connector %q", name)
		}
	}
	for _, r := range c.MappingRules {
		if r.Source != "" && !known(r.Source) {
			return validationErrorf(CodeConnectorRef,
				"mapping rule %q references unknown connector %q", r.RuleID, r.Source)
		}
	}
	for modName, mod := range c.Modules {
		for _, fr := range mod.FieldRules {
			if fr.Source != "" && !known(fr.Source) {
				return validationErrorf(CodeConnectorRef,
					"field rule %q in module %q references unknown connector %q", fr.RuleID, modName, fr.Source)
			}
		}
	}
	if c.Validation != nil && !known(c.Validation.Source) {
		return validationErrorf(CodeConnectorRef,
			"validation fixture references unknown connector %q", c.Validation.Source)
	}
	return nil
}

// Gate 5: rule_id values are unique across mapping rules and all module
// field rules.
func checkRuleIDs(c *Contract) error {
	seen := map[string]string{}
	claim := func(id, where string) error {
		if prev, ok := seen[id]; ok {
			return validationErrorf(CodeRuleID, "rule_id %q declared in both %s and %s", id, prev, where)
		}
		seen[id] = where
		return nil
	}
	for _, r := range c.MappingRules {
		if err := claim(r.RuleID, "mapping_rules"); err != nil {
			return err
		}
	}
	for modName, mod := range c.Modules {
		for _, fr := range mod.FieldRules {
			if err := claim(fr.RuleID, "module "+modName); err != nil {
				return err
			}
		}
	}
	return nil
}

// Gate 6: everything that compiles, compiles: mapping patterns, capture
// patterns, CEL expressions, llm response schemas, normalizer names.
func (l *Loader) compileRules(c *Contract) error {
	for _, r := range c.MappingRules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return validationErrorf(CodePattern, "mapping rule %q: %v", r.RuleID, err)
		}
		r.re = re
	}

	for name, rule := range c.ConnectorRules {
		if rule.When == "" {
			continue
		}
		ast, iss := l.env.Compile(rule.When)
		if iss != nil && iss.Err() != nil {
			return validationErrorf(CodePattern, "connector rule %q when: %v", name, iss.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return validationErrorf(CodePattern, "connector rule %q when: expression must yield bool", name)
		}
		prg, err := l.env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
		if err != nil {
			return validationErrorf(CodePattern, "connector rule %q when: %v", name, err)
		}
		rule.prg = prg
	}

	for modName, mod := range c.Modules {
		for _, fr := range mod.FieldRules {
			if fr.Extractor.Kind == ExtractRegex {
				re, err := regexp.Compile(fr.Extractor.Pattern)
				if err != nil {
					return validationErrorf(CodePattern, "field rule %q: %v", fr.RuleID, err)
				}
				fr.Extractor.re = re
			}
			if fr.Extractor.Kind == ExtractLLM {
				if err := compileLLMSchema(&fr.Extractor, fr.RuleID); err != nil {
					return err
				}
			}
			for _, n := range fr.Normalizers {
				if !KnownNormalizer(n) {
					return validationErrorf(CodePattern,
						"field rule %q in module %q uses unknown normalizer %q", fr.RuleID, modName, n)
				}
			}
		}
	}
	return nil
}

func compileLLMSchema(e *Extractor, ruleID string) error {
	raw, err := json.Marshal(e.Schema)
	if err != nil {
		return validationErrorf(CodePattern, "field rule %q schema: %v", ruleID, err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	url := "inline://rules/" + ruleID + ".json"
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return validationErrorf(CodePattern, "field rule %q schema: %v", ruleID, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return validationErrorf(CodePattern, "field rule %q schema: %v", ruleID, err)
	}
	e.llmSchema = compiled
	return nil
}
