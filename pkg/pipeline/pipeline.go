// Package pipeline composes the engine stages into one run: lens load,
// plan, orchestrate, interpret, dedupe, merge, persist, report. It owns no
// vertical policy of its own; everything stage-specific arrives through
// the lens, the registry, and the request.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/facetdata/facet/pkg/connector"
	"github.com/facetdata/facet/pkg/dedupe"
	"github.com/facetdata/facet/pkg/entity"
	"github.com/facetdata/facet/pkg/execution"
	"github.com/facetdata/facet/pkg/extract"
	"github.com/facetdata/facet/pkg/interpret"
	"github.com/facetdata/facet/pkg/lens"
	"github.com/facetdata/facet/pkg/merge"
	"github.com/facetdata/facet/pkg/observability"
	"github.com/facetdata/facet/pkg/orchestrator"
	"github.com/facetdata/facet/pkg/planner"
	"github.com/facetdata/facet/pkg/store"
)

// ErrPersistence classifies store failures during the persist stage.
var ErrPersistence = errors.New("pipeline: persistence failed")

// Deps are the composed components a pipeline runs on. Store may be nil
// when no run will ask to persist.
type Deps struct {
	Lenses      *lens.Loader
	Registry    *connector.Registry
	Adapter     *connector.Adapter
	Extractors  *extract.Registry
	Interpreter *interpret.Engine

	Store store.Store
	// StoreBackend labels the persistence section of the report.
	StoreBackend string

	Obs     *observability.Provider
	Logger  *slog.Logger
	Workers int

	// Clock stamps merged entities; nil means wall clock.
	Clock func() time.Time
}

// Pipeline executes requests against one fixed dependency set. Instances
// are safe for concurrent use.
type Pipeline struct {
	deps    Deps
	planner *planner.Planner
	orch    *orchestrator.Orchestrator
	merger  *merge.Merger
}

// New validates deps and builds a Pipeline.
func New(deps Deps) (*Pipeline, error) {
	switch {
	case deps.Lenses == nil:
		return nil, errors.New("pipeline: lens loader is required")
	case deps.Registry == nil:
		return nil, errors.New("pipeline: connector registry is required")
	case deps.Adapter == nil:
		return nil, errors.New("pipeline: connector adapter is required")
	case deps.Extractors == nil:
		return nil, errors.New("pipeline: extractor registry is required")
	case deps.Interpreter == nil:
		return nil, errors.New("pipeline: interpreter is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Obs == nil {
		deps.Obs = observability.Nop()
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithLogger(deps.Logger),
		orchestrator.WithObservability(deps.Obs),
	}
	if deps.Workers > 0 {
		orchOpts = append(orchOpts, orchestrator.WithWorkers(deps.Workers))
	}

	var mergeOpts []merge.Option
	if deps.Clock != nil {
		mergeOpts = append(mergeOpts, merge.WithClock(deps.Clock))
	}

	return &Pipeline{
		deps:    deps,
		planner: planner.New(deps.Registry, deps.Logger),
		orch:    orchestrator.New(deps.Registry, deps.Adapter, deps.Extractors, orchOpts...),
		merger:  merge.New(deps.Registry.Spec, mergeOpts...),
	}, nil
}

// ruleFailure ties an interpretation failure back to the payload it came
// from so persistence can reference the raw ingestion row.
type ruleFailure struct {
	interpret.RuleFailure
	sha string
}

// Run executes one request end to end. The report is non-nil whenever the
// run got as far as loading a lens; the error classifies whole-run
// failures: invalid request, lens validation, cancellation, every
// connector failing, or persistence.
func (p *Pipeline) Run(ctx context.Context, req execution.Request) (*execution.Report, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.LensID == "" {
		return nil, errors.New("pipeline: request selects no lens")
	}
	if req.Persist && p.deps.Store == nil {
		return nil, fmt.Errorf("%w: no store configured", ErrPersistence)
	}

	contract, err := p.deps.Lenses.Load(req.LensID)
	if err != nil {
		return nil, err
	}

	ectx := execution.NewContext(req, contract.Lens.ID, contract.Hash)
	report := &execution.Report{
		RunID:     ectx.RunID,
		Query:     req.Query,
		Mode:      req.Mode,
		LensID:    contract.Lens.ID,
		LensHash:  contract.Hash,
		StartedAt: ectx.StartedAt,
	}

	p.deps.Logger.Info("run started",
		"run_id", ectx.RunID, "lens", contract.Lens.ID, "mode", string(req.Mode), "query", req.Query)

	runCtx, cancel := context.WithTimeout(ctx, req.RunTimeout())
	defer cancel()
	runCtx, finish := p.deps.Obs.TrackRun(runCtx, ectx.RunID, contract.Lens.ID, string(req.Mode))

	plan := p.planner.Build(contract, req)
	report.Planned = plan.Planned()
	report.Dropped = plan.DroppedReport()

	res, runErr := p.orch.Run(runCtx, ectx, plan)
	if res.EarlyStop != "" {
		observability.RecordEarlyStop(runCtx, res.EarlyStop)
	}
	if runErr != nil {
		// Partial results are discarded; the report keeps counts only.
		report.Candidates = len(res.Candidates)
		outcome := execution.OutcomeFailed
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			outcome = execution.OutcomeCancelled
		}
		p.conclude(report, ectx, finish, outcome, runErr)
		return report, runErr
	}

	failures := p.interpretAll(runCtx, ectx, contract, res.Candidates)
	if err := runCtx.Err(); err != nil {
		report.Candidates = len(res.Candidates)
		p.conclude(report, ectx, finish, execution.OutcomeCancelled, err)
		return report, fmt.Errorf("pipeline: run interrupted: %w", err)
	}

	groups := dedupe.New(contract.Dedupe).Group(res.Candidates)
	entities := p.merger.MergeAll(groups)

	report.Candidates = len(res.Candidates)
	report.DedupGroups = len(groups)
	report.Entities = summarize(entities)

	if req.Persist {
		if err := p.persist(runCtx, ectx, res, entities, failures, &report.Persistence); err != nil {
			wrapped := fmt.Errorf("%w: %w", ErrPersistence, err)
			p.conclude(report, ectx, finish, execution.OutcomeFailed, wrapped)
			return report, wrapped
		}
	}

	outcome := execution.OutcomeCompleted
	if len(entities) == 0 {
		outcome = execution.OutcomeNoResults
	}
	p.conclude(report, ectx, finish, outcome, nil)

	p.deps.Logger.Info("run finished",
		"run_id", ectx.RunID, "outcome", outcome, "entities", len(entities),
		"spent_usd", report.SpentUSD, "took", report.Duration)
	return report, nil
}

// interpretAll runs the lens pass over every candidate in place. Failures
// land in the run error list and come back tied to their payload hash.
func (p *Pipeline) interpretAll(ctx context.Context, ectx *execution.Context, c *lens.Contract, recs []*entity.Extracted) []ruleFailure {
	var out []ruleFailure
	for _, rec := range recs {
		if ctx.Err() != nil {
			return out
		}
		for _, f := range p.deps.Interpreter.Apply(ctx, c, rec) {
			out = append(out, ruleFailure{RuleFailure: f, sha: rec.IngestionSHA})
			ectx.Errors.Add(execution.RunError{
				Kind: failureKind(f.Stage), Source: f.Source, RuleID: f.RuleID, Message: f.Message,
			})
		}
	}
	return out
}

// persist writes the run's output through the store. Raw payloads,
// extraction snapshots, and failure rows are archival: their errors are
// recorded and skipped. Entity upserts are the product: the first upsert
// error fails the stage after the remaining entities are attempted.
func (p *Pipeline) persist(ctx context.Context, ectx *execution.Context, res *orchestrator.Result, ents []*entity.Entity, failures []ruleFailure, out *execution.PersistOutcome) error {
	st := p.deps.Store
	out.Enabled = true
	out.Backend = p.deps.StoreBackend

	rawIDs := make(map[string]int64, len(res.Ingestions))
	for _, ing := range res.Ingestions {
		id, err := st.InsertRawIngestion(ctx, ing)
		if err != nil {
			out.Failed++
			ectx.Errors.Add(execution.RunError{
				Kind: "persist_error", Source: ing.Source,
				Message: fmt.Sprintf("raw ingestion: %v", err),
			})
			continue
		}
		rawIDs[ing.SHA256] = id
		out.RawIngestions++
	}

	for _, rec := range res.Candidates {
		rawID, ok := rawIDs[rec.IngestionSHA]
		if !ok {
			out.Failed++
			continue
		}
		if err := st.InsertExtracted(ctx, rawID, rec); err != nil {
			out.Failed++
			ectx.Errors.Add(execution.RunError{
				Kind: "persist_error", Source: rec.Source,
				Message: fmt.Sprintf("extracted row: %v", err),
			})
			continue
		}
		out.Extracted++
	}

	now := time.Now().UTC()
	for _, f := range failures {
		fe := store.FailedExtraction{
			RawIngestionID: rawIDs[f.sha],
			RuleID:         f.RuleID,
			Kind:           failureKind(f.Stage),
			Message:        f.Message,
			OccurredAt:     now,
		}
		if err := st.InsertFailedExtraction(ctx, fe); err != nil {
			out.Failed++
			ectx.Errors.Add(execution.RunError{
				Kind: "persist_error", Source: f.Source,
				Message: fmt.Sprintf("failed extraction row: %v", err),
			})
		}
	}

	var upsertErr error
	for _, e := range ents {
		if err := st.UpsertEntity(ctx, e); err != nil {
			out.Failed++
			ectx.Errors.Add(execution.RunError{
				Kind:    "persist_error",
				Message: fmt.Sprintf("upsert %s: %v", e.Slug, err),
			})
			if upsertErr == nil {
				upsertErr = fmt.Errorf("upsert %s: %w", e.Slug, err)
			}
			continue
		}
		out.Upserted++
	}
	return upsertErr
}

// conclude fills the run-level report fields and closes the root span.
func (p *Pipeline) conclude(report *execution.Report, ectx *execution.Context, finish func(string, int, float64, error), outcome string, err error) {
	report.Outcome = outcome
	report.Connectors = ectx.Metrics.Snapshot()
	report.Errors = ectx.Errors.All()
	report.SpentUSD = ectx.Budget.Spent()
	report.Duration = time.Since(ectx.StartedAt)
	finish(outcome, len(report.Entities), report.SpentUSD, err)
}

// failureKind maps an interpretation stage to the persisted failure kind.
func failureKind(stage string) string {
	if stage == interpret.StageLLM {
		return "llm_error"
	}
	return "rule_error"
}

func summarize(ents []*entity.Entity) []execution.EntitySummary {
	out := make([]execution.EntitySummary, 0, len(ents))
	for _, e := range ents {
		out = append(out, execution.EntitySummary{
			Slug:    e.Slug,
			Name:    e.EntityName,
			Class:   string(e.Class),
			Sources: e.DiscoveredBy,
		})
	}
	return out
}
