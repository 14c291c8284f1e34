package execution

import (
	"fmt"
	"io"
	"time"
)

// Run outcomes. A run that produced no entities on a well-formed query is
// still a success.
const (
	OutcomeCompleted = "completed"
	OutcomeNoResults = "no_results"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// PlannedConnector is one scheduled invocation as the planner emitted it.
type PlannedConnector struct {
	Source   string  `json:"source"`
	Phase    string  `json:"phase"`
	Priority int     `json:"priority"`
	Calls    int     `json:"expected_calls"`
	CostUSD  float64 `json:"cost_usd"`
}

// DroppedConnector records a connector the planner excluded and why.
type DroppedConnector struct {
	Source  string  `json:"source"`
	Reason  string  `json:"reason"`
	CostUSD float64 `json:"cost_usd,omitempty"`
}

// EntitySummary is the report view of one persisted (or would-be persisted)
// entity.
type EntitySummary struct {
	Slug    string   `json:"slug"`
	Name    string   `json:"name"`
	Class   string   `json:"entity_class"`
	Sources []string `json:"sources"`
}

// PersistOutcome summarizes the persistence stage.
type PersistOutcome struct {
	Enabled       bool   `json:"enabled"`
	Backend       string `json:"backend,omitempty"`
	RawIngestions int    `json:"raw_ingestions"`
	Extracted     int    `json:"extracted"`
	Upserted      int    `json:"upserted"`
	Failed        int    `json:"failed"`
}

// Report is the structured result of one run, rendered for humans by the
// CLI and emitted verbatim with --json. It never carries stack traces.
type Report struct {
	RunID    string `json:"run_id"`
	Query    string `json:"query"`
	Mode     Mode   `json:"mode"`
	LensID   string `json:"lens_id"`
	LensHash string `json:"lens_hash"`

	Outcome string `json:"outcome"`

	Planned []PlannedConnector `json:"planned"`
	Dropped []DroppedConnector `json:"dropped,omitempty"`

	Connectors []ConnectorReport `json:"connectors"`

	Candidates  int             `json:"candidates"`
	DedupGroups int             `json:"dedup_groups"`
	Entities    []EntitySummary `json:"entities"`

	Persistence PersistOutcome `json:"persistence"`

	Errors []RunError `json:"errors,omitempty"`

	SpentUSD  float64       `json:"spent_usd"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
}

// Succeeded reports whether the run counts as a success for exit-code
// purposes.
func (r *Report) Succeeded() bool {
	return r.Outcome == OutcomeCompleted || r.Outcome == OutcomeNoResults
}

// Render writes the human-readable report.
func (r *Report) Render(w io.Writer) {
	fmt.Fprintf(w, "run %s  lens=%s (%.12s)  mode=%s\n", r.RunID, r.LensID, r.LensHash, r.Mode)
	fmt.Fprintf(w, "query: %q\n", r.Query)
	fmt.Fprintf(w, "outcome: %s  candidates=%d  entities=%d  spent=$%.4f  took=%s\n",
		r.Outcome, r.Candidates, len(r.Entities), r.SpentUSD, r.Duration.Round(time.Millisecond))

	if len(r.Planned) > 0 {
		fmt.Fprintln(w, "\nconnectors:")
		for _, c := range r.Connectors {
			fmt.Fprintf(w, "  %-16s %-10s calls=%d candidates=%d cost=$%.4f avg=%s\n",
				c.Source, c.Status, c.Calls, c.Candidates, c.CostUSD, c.AvgLatency.Round(time.Millisecond))
		}
	}
	for _, d := range r.Dropped {
		fmt.Fprintf(w, "  %-16s dropped (%s)\n", d.Source, d.Reason)
	}

	if len(r.Entities) > 0 {
		fmt.Fprintln(w, "\nentities:")
		for _, e := range r.Entities {
			fmt.Fprintf(w, "  %-40s %-13s %s  via %v\n", e.Slug, e.Class, e.Name, e.Sources)
		}
	}

	if r.Persistence.Enabled {
		fmt.Fprintf(w, "\npersisted: %d entities, %d raw payloads, %d extraction rows (%s)\n",
			r.Persistence.Upserted, r.Persistence.RawIngestions, r.Persistence.Extracted, r.Persistence.Backend)
		if r.Persistence.Failed > 0 {
			fmt.Fprintf(w, "persistence failures: %d\n", r.Persistence.Failed)
		}
	}

	if len(r.Errors) > 0 {
		fmt.Fprintln(w, "\nerrors:")
		for _, e := range r.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}
}
