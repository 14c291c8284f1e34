package planner

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/facetdata/facet/pkg/connector"
	"github.com/facetdata/facet/pkg/execution"
	"github.com/facetdata/facet/pkg/lens"
)

// Drop reasons surfaced in the run report.
const (
	ReasonNoRule      = "no_connector_rule"
	ReasonNotEligible = "rule_not_matched"
	ReasonRuleError   = "rule_error"
	ReasonBudget      = "budget_gated"
)

// Invocation is one planned connector call.
type Invocation struct {
	Source   string
	Phase    connector.Phase
	Trust    connector.Trust
	Priority int
	Params   connector.Params

	// Calls is the planner's expected-call estimate; CostUSD is the cost of
	// that many calls, used for budget gating and runtime reservation.
	Calls   int
	CostUSD float64
}

// Drop records a connector excluded from the plan.
type Drop struct {
	Source  string
	Reason  string
	CostUSD float64
}

// PhaseGroup is the plan slice for one phase, in execution order.
type PhaseGroup struct {
	Phase       connector.Phase
	Invocations []Invocation
}

// Plan is the ordered, budget-fitted set of connector invocations for one
// run. Given the same lens, request, and registry, the plan is identical
// byte for byte.
type Plan struct {
	Features    *Features
	Invocations []Invocation
	Dropped     []Drop
}

// Planner builds plans from a connector registry.
type Planner struct {
	registry *connector.Registry
	logger   *slog.Logger
}

// New builds a Planner.
func New(reg *connector.Registry, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{registry: reg, logger: logger}
}

// resolveOneTrustBias promotes higher-trust enrichment connectors to the
// front of their phase when the run wants a single answer.
const resolveOneTrustBias = 1000

// Build produces the plan for a request under a lens. Connector rules decide
// participation; the budget decides which paid calls survive.
func (p *Planner) Build(c *lens.Contract, req execution.Request) *Plan {
	feats := Analyze(c, req)
	plan := &Plan{Features: feats}
	celVars := feats.CELVars()

	for _, spec := range p.registry.Specs() {
		rule := c.Rule(spec.Name)
		if rule == nil {
			plan.Dropped = append(plan.Dropped, Drop{Source: spec.Name, Reason: ReasonNoRule})
			continue
		}

		switch eligible, err := p.ruleMatches(spec.Name, rule, feats, celVars); {
		case err != nil:
			plan.Dropped = append(plan.Dropped, Drop{Source: spec.Name, Reason: ReasonRuleError})
			continue
		case !eligible:
			plan.Dropped = append(plan.Dropped, Drop{Source: spec.Name, Reason: ReasonNotEligible})
			continue
		}

		plan.Invocations = append(plan.Invocations, p.invocation(spec, rule, feats))
	}

	sortInvocations(plan.Invocations)
	p.gateBudget(plan, req)
	sort.Slice(plan.Dropped, func(i, j int) bool { return plan.Dropped[i].Source < plan.Dropped[j].Source })
	return plan
}

// ruleMatches evaluates every participation filter on a connector rule.
func (p *Planner) ruleMatches(name string, rule *lens.ConnectorRule, feats *Features, celVars map[string]any) (bool, error) {
	if len(rule.Modes) > 0 && !contains(rule.Modes, string(feats.Mode)) {
		return false, nil
	}
	if len(rule.QueryKinds) > 0 && !contains(rule.QueryKinds, feats.QueryKind) {
		return false, nil
	}
	for _, dim := range rule.RequiresVocab {
		if feats.DimHits[dim] == 0 {
			return false, nil
		}
	}
	ok, err := rule.EvalWhen(celVars)
	if err != nil {
		p.logger.Warn("connector rule when expression failed", "connector", name, "error", err)
		return false, err
	}
	return ok, nil
}

func (p *Planner) invocation(spec connector.Spec, rule *lens.ConnectorRule, feats *Features) Invocation {
	priority := spec.DefaultPriority
	if rule.Priority != nil {
		priority = *rule.Priority
	}
	if feats.Mode == execution.ModeResolveOne && spec.Phase == connector.PhaseEnrichment {
		priority -= resolveOneTrustBias * spec.Trust.Rank()
	}

	calls := rule.MaxCalls
	if calls <= 0 {
		calls = 1
	}

	query := feats.Query
	if rule.QueryTemplate != "" {
		query = strings.ReplaceAll(rule.QueryTemplate, "{query}", feats.Query)
		query = strings.ReplaceAll(query, "{locality}", feats.Locality)
		query = strings.TrimSpace(query)
	}

	return Invocation{
		Source:   spec.Name,
		Phase:    spec.Phase,
		Trust:    spec.Trust,
		Priority: priority,
		Calls:    calls,
		CostUSD:  spec.CostPerCallUSD * float64(calls),
		Params: connector.Params{
			Query:    query,
			Locality: feats.Locality,
			Mode:     string(feats.Mode),
		},
	}
}

// gateBudget drops paid invocations in descending cost order until the plan
// fits the request budget. Free connectors are never dropped.
func (p *Planner) gateBudget(plan *Plan, req execution.Request) {
	if req.BudgetUSD == nil {
		return
	}
	budget := *req.BudgetUSD

	total := 0.0
	for _, inv := range plan.Invocations {
		total += inv.CostUSD
	}
	if total <= budget {
		return
	}

	// Most expensive first; names break ties so the order never depends on
	// registry iteration.
	byCost := make([]Invocation, len(plan.Invocations))
	copy(byCost, plan.Invocations)
	sort.Slice(byCost, func(i, j int) bool {
		if byCost[i].CostUSD != byCost[j].CostUSD {
			return byCost[i].CostUSD > byCost[j].CostUSD
		}
		return byCost[i].Source < byCost[j].Source
	})

	dropped := map[string]bool{}
	for _, inv := range byCost {
		if total <= budget {
			break
		}
		if inv.CostUSD == 0 {
			continue
		}
		dropped[inv.Source] = true
		total -= inv.CostUSD
		plan.Dropped = append(plan.Dropped, Drop{Source: inv.Source, Reason: ReasonBudget, CostUSD: inv.CostUSD})
		p.logger.Debug("connector dropped by budget gate",
			"connector", inv.Source, "cost_usd", inv.CostUSD, "budget_usd", budget)
	}

	kept := plan.Invocations[:0]
	for _, inv := range plan.Invocations {
		if !dropped[inv.Source] {
			kept = append(kept, inv)
		}
	}
	plan.Invocations = kept
}

func sortInvocations(invs []Invocation) {
	sort.Slice(invs, func(i, j int) bool {
		if invs[i].Phase != invs[j].Phase {
			return phaseRank(invs[i].Phase) < phaseRank(invs[j].Phase)
		}
		if invs[i].Priority != invs[j].Priority {
			return invs[i].Priority < invs[j].Priority
		}
		return invs[i].Source < invs[j].Source
	})
}

func phaseRank(ph connector.Phase) int {
	if ph == connector.PhaseDiscovery {
		return 0
	}
	return 1
}

// Phases groups the invocations by phase in execution order.
func (p *Plan) Phases() []PhaseGroup {
	var groups []PhaseGroup
	for _, inv := range p.Invocations {
		if n := len(groups); n == 0 || groups[n-1].Phase != inv.Phase {
			groups = append(groups, PhaseGroup{Phase: inv.Phase})
		}
		last := &groups[len(groups)-1]
		last.Invocations = append(last.Invocations, inv)
	}
	return groups
}

// TotalCostUSD sums the expected cost of the planned invocations.
func (p *Plan) TotalCostUSD() float64 {
	total := 0.0
	for _, inv := range p.Invocations {
		total += inv.CostUSD
	}
	return total
}

// Planned renders the plan rows for the run report.
func (p *Plan) Planned() []execution.PlannedConnector {
	out := make([]execution.PlannedConnector, 0, len(p.Invocations))
	for _, inv := range p.Invocations {
		out = append(out, execution.PlannedConnector{
			Source:   inv.Source,
			Phase:    string(inv.Phase),
			Priority: inv.Priority,
			Calls:    inv.Calls,
			CostUSD:  inv.CostUSD,
		})
	}
	return out
}

// DroppedReport renders the dropped rows for the run report.
func (p *Plan) DroppedReport() []execution.DroppedConnector {
	out := make([]execution.DroppedConnector, 0, len(p.Dropped))
	for _, d := range p.Dropped {
		out = append(out, execution.DroppedConnector{Source: d.Source, Reason: d.Reason, CostUSD: d.CostUSD})
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
