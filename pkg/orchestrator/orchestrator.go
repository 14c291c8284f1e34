// Package orchestrator executes a plan. Within a phase a bounded worker
// pool drains invocations through the connector adapter and the structural
// extractors; a barrier separates phases, and early-stop conditions are
// checked at every phase boundary. Connector failures are isolated: they
// land in the run's error list and metrics, never abort the run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/facetdata/facet/pkg/connector"
	"github.com/facetdata/facet/pkg/entity"
	"github.com/facetdata/facet/pkg/execution"
	"github.com/facetdata/facet/pkg/extract"
	"github.com/facetdata/facet/pkg/observability"
	"github.com/facetdata/facet/pkg/planner"
	"github.com/facetdata/facet/pkg/rawstore"
)

// ErrAllConnectorsFailed reports that every invocation that ran failed.
// Partial failure is normal; total failure aborts the run.
var ErrAllConnectorsFailed = errors.New("orchestrator: all connectors failed")

// DefaultWorkers bounds in-flight invocations per phase.
const DefaultWorkers = 4

// resolveConfidence is the entity_name confidence at which a resolve_one
// run stops scheduling further phases, provided the record came from a
// high-trust source.
const resolveConfidence = 0.9

// Early-stop reasons surfaced in the run report.
const (
	StopBudget    = "budget_exhausted"
	StopResolved  = "high_confidence_match"
	StopCancelled = "cancelled"
	StopDeadline  = "deadline"
)

// Result is everything the fetch-and-extract stage produced.
type Result struct {
	// Candidates are the structural extraction outputs in arrival order.
	Candidates []*entity.Extracted
	// Ingestions are the archived raw payloads behind the candidates,
	// including payloads whose extraction failed.
	Ingestions []*rawstore.Ingestion
	// EarlyStop names the phase-boundary condition that ended the run
	// early, or is empty.
	EarlyStop string
}

// Orchestrator drives one plan at a time; instances are stateless between
// runs and safe for concurrent use.
type Orchestrator struct {
	registry     *connector.Registry
	adapter      *connector.Adapter
	extractors   *extract.Registry
	workers      int
	phaseTimeout time.Duration
	logger       *slog.Logger
	obs          *observability.Provider
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithWorkers sets the per-phase worker count.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithPhaseTimeout bounds each phase's wall-clock time.
func WithPhaseTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.phaseTimeout = d
		}
	}
}

// WithLogger sets the logger for worker-level events.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithObservability sets the telemetry provider for phase spans and
// per-call instruments.
func WithObservability(p *observability.Provider) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.obs = p
		}
	}
}

// New builds an Orchestrator over a registry, its adapter, and the
// structural extractor set.
func New(reg *connector.Registry, adapter *connector.Adapter, extractors *extract.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:     reg,
		adapter:      adapter,
		extractors:   extractors,
		workers:      DefaultWorkers,
		phaseTimeout: execution.DefaultPhaseTimeout,
		logger:       slog.Default(),
		obs:          observability.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// counters track run-level outcomes across workers.
type counters struct {
	executed atomic.Int64 // invocations that reached the adapter
	fetched  atomic.Int64 // calls that returned a payload
}

// Run executes the plan phase by phase. ectx accumulates metrics and
// errors; the returned Result carries candidates and archived payloads.
// The error is non-nil only when the run as a whole failed: the context
// ended, or every connector that ran failed.
func (o *Orchestrator) Run(ctx context.Context, ectx *execution.Context, plan *planner.Plan) (*Result, error) {
	res := &Result{}
	if len(plan.Invocations) == 0 {
		return res, nil
	}

	var counts counters

	groups := plan.Phases()
	for i, group := range groups {
		if reason := o.earlyStop(ctx, ectx, remaining(groups[i:]), res.Candidates); reason != "" {
			res.EarlyStop = reason
			recordCancelled(ectx, groups[i:])
			o.logger.Info("run stopped early",
				"run_id", ectx.RunID, "reason", reason, "phase", string(group.Phase))
			break
		}

		phaseCtx, cancel := context.WithTimeout(ctx, o.phaseTimeout)
		phaseCtx, endPhase := o.obs.TrackPhase(phaseCtx, string(group.Phase), len(group.Invocations))
		o.runPhase(phaseCtx, ectx, group, res, &counts)
		endPhase()
		cancel()
	}

	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("orchestrator: run interrupted: %w", err)
	}
	if counts.executed.Load() > 0 && counts.fetched.Load() == 0 {
		return res, ErrAllConnectorsFailed
	}
	return res, nil
}

// earlyStop reports the phase-boundary condition that should end the run,
// or "" to continue.
func (o *Orchestrator) earlyStop(ctx context.Context, ectx *execution.Context, pending []planner.Invocation, candidates []*entity.Extracted) string {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return StopDeadline
		}
		return StopCancelled
	}
	if ectx.Budget.Limited() && !anyAffordable(ectx, pending) {
		return StopBudget
	}
	if ectx.Request.Mode == execution.ModeResolveOne && o.resolved(candidates) {
		return StopResolved
	}
	return ""
}

// anyAffordable reports whether at least one pending invocation still fits
// the budget. Free invocations always fit, so a zero budget never stops
// free phases.
func anyAffordable(ectx *execution.Context, pending []planner.Invocation) bool {
	for _, inv := range pending {
		if ectx.Budget.CanAfford(inv.CostUSD) {
			return true
		}
	}
	return false
}

// resolved reports whether a high-trust source already produced a
// confidently named record.
func (o *Orchestrator) resolved(candidates []*entity.Extracted) bool {
	for _, rec := range candidates {
		if rec.EntityName == "" || rec.Confidence["entity_name"] < resolveConfidence {
			continue
		}
		if spec, ok := o.registry.Spec(rec.Source); ok && spec.Trust == connector.TrustHigh {
			return true
		}
	}
	return false
}

// batch is one invocation call's output moving from a worker to the
// collector.
type batch struct {
	recs []*entity.Extracted
	ing  *rawstore.Ingestion
}

// runPhase drains one phase group through the worker pool. It returns only
// after every worker has finished and the collector has drained, which is
// the phase barrier.
func (o *Orchestrator) runPhase(ctx context.Context, ectx *execution.Context, group planner.PhaseGroup, res *Result, counts *counters) {
	// Snapshot hints before the collector starts mutating res.
	var hints []connector.CandidateHint
	if group.Phase == connector.PhaseEnrichment {
		hints = candidateHints(res.Candidates)
	}

	jobs := make(chan planner.Invocation)
	results := make(chan batch)

	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for b := range results {
			if b.ing != nil {
				res.Ingestions = append(res.Ingestions, b.ing)
			}
			res.Candidates = append(res.Candidates, b.recs...)
		}
	}()

	var g errgroup.Group
	for w := 0; w < o.workers; w++ {
		g.Go(func() error {
			for inv := range jobs {
				o.invoke(ctx, ectx, inv, hints, results, counts)
			}
			return nil
		})
	}

	for _, inv := range group.Invocations {
		jobs <- inv
	}
	close(jobs)
	_ = g.Wait()
	close(results)
	<-collectorDone
}

// invoke performs one invocation: up to inv.Calls adapter calls, each
// budget-reserved, fetched, and structurally extracted. Failures are
// recorded and isolated.
func (o *Orchestrator) invoke(ctx context.Context, ectx *execution.Context, inv planner.Invocation, hints []connector.CandidateHint, results chan<- batch, counts *counters) {
	spec, ok := o.registry.Spec(inv.Source)
	if !ok {
		ectx.Errors.Add(execution.RunError{
			Kind: "unknown_connector", Source: inv.Source,
			Message: "planned connector is not registered",
		})
		return
	}

	params := inv.Params
	if inv.Phase == connector.PhaseEnrichment {
		params.Candidates = hints
	}

	for call := 1; call <= inv.Calls; call++ {
		if err := ctx.Err(); err != nil {
			ectx.Metrics.Record(inv.Source, execution.Sample{Status: execution.StatusCancelled})
			return
		}
		if err := ectx.Budget.Reserve(spec.CostPerCallUSD); err != nil {
			ectx.Metrics.Record(inv.Source, execution.Sample{Status: execution.StatusBudgetExhausted})
			ectx.Errors.Add(execution.RunError{
				Kind: execution.StatusBudgetExhausted, Source: inv.Source,
				Message: fmt.Sprintf("call %d skipped: %v", call, err),
			})
			return
		}
		params.Page = call

		start := time.Now()
		callCtx, finish := o.obs.TrackCall(ctx, inv.Source, string(inv.Phase), call)
		ing, err := o.adapter.Fetch(callCtx, inv.Source, params)
		latency := time.Since(start)
		if call == 1 {
			counts.executed.Add(1)
		}
		if err != nil {
			finish(err, 0)
			ectx.Budget.Refund(spec.CostPerCallUSD)
			o.recordFailure(ectx, inv.Source, err, latency)
			return
		}
		counts.fetched.Add(1)

		recs, err := o.extractors.Extract(ing)
		if err != nil {
			// The payload is archived and charged for; only its parse failed.
			finish(err, spec.CostPerCallUSD)
			ectx.Metrics.Record(inv.Source, execution.Sample{
				Status:  string(connector.KindMalformed),
				Latency: latency,
				CostUSD: spec.CostPerCallUSD,
			})
			ectx.Errors.Add(execution.RunError{
				Kind: "extract_error", Source: inv.Source, Message: err.Error(),
			})
			results <- batch{ing: ing}
			return
		}
		finish(nil, spec.CostPerCallUSD)

		ectx.Metrics.Record(inv.Source, execution.Sample{
			Status:     execution.StatusOK,
			Latency:    latency,
			CostUSD:    spec.CostPerCallUSD,
			Candidates: len(recs),
		})
		results <- batch{recs: recs, ing: ing}

		// An empty or repeated page means the source has nothing further.
		if len(recs) == 0 || ing.Duplicate {
			return
		}
	}
}

func (o *Orchestrator) recordFailure(ectx *execution.Context, source string, err error, latency time.Duration) {
	srcErr := connector.Classify(source, err)
	ectx.Metrics.Record(source, execution.Sample{Status: string(srcErr.Kind), Latency: latency})
	ectx.Errors.Add(execution.RunError{
		Kind: string(srcErr.Kind), Source: source, Message: srcErr.Error(),
	})
	if srcErr.Kind.Fatal() {
		o.logger.Warn("connector failed fatally, no further calls this run",
			"source", source, "kind", string(srcErr.Kind))
	} else {
		o.logger.Debug("connector invocation failed",
			"source", source, "kind", string(srcErr.Kind), "error", err)
	}
}

// recordCancelled marks every invocation in the given groups as cancelled
// so the report accounts for work that never ran.
func recordCancelled(ectx *execution.Context, groups []planner.PhaseGroup) {
	for _, g := range groups {
		for _, inv := range g.Invocations {
			ectx.Metrics.Record(inv.Source, execution.Sample{Status: execution.StatusCancelled})
		}
	}
}

func remaining(groups []planner.PhaseGroup) []planner.Invocation {
	var out []planner.Invocation
	for _, g := range groups {
		out = append(out, g.Invocations...)
	}
	return out
}

// candidateHints projects discovery results into the minimal identity an
// enrichment connector needs, one hint per distinct name.
func candidateHints(candidates []*entity.Extracted) []connector.CandidateHint {
	seen := map[string]bool{}
	var hints []connector.CandidateHint
	for _, rec := range candidates {
		if rec.EntityName == "" {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(rec.EntityName))
		if seen[key] {
			continue
		}
		seen[key] = true

		hint := connector.CandidateHint{
			Name:      rec.EntityName,
			Website:   rec.WebsiteURL,
			Latitude:  rec.Latitude,
			Longitude: rec.Longitude,
		}
		if len(rec.ExternalIDs) > 0 {
			hint.ExternalIDs = make(map[string]string, len(rec.ExternalIDs))
			for k, v := range rec.ExternalIDs {
				hint.ExternalIDs[k] = v
			}
		}
		hints = append(hints, hint)
	}
	return hints
}
