// Package execution carries per-run state: the request, the shared run
// context, per-connector metrics with per-key locking, and the structured
// report returned to callers.
package execution

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/facetdata/facet/pkg/budget"
)

// Mode selects what a run is trying to do.
type Mode string

const (
	// ModeResolveOne resolves the query to a single best entity.
	ModeResolveOne Mode = "resolve_one"
	// ModeDiscoverMany finds every entity matching the query.
	ModeDiscoverMany Mode = "discover_many"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeResolveOne || m == ModeDiscoverMany
}

// MaxRunTimeout caps any user-supplied run timeout.
const MaxRunTimeout = 300 * time.Second

// DefaultPhaseTimeout bounds each orchestration phase.
const DefaultPhaseTimeout = 60 * time.Second

// Request is one discovery-or-resolve job as submitted by a caller. A nil
// BudgetUSD means the run is not budget-constrained; an explicit zero budget
// admits only free connectors.
type Request struct {
	Query     string        `json:"query"`
	Mode      Mode          `json:"mode"`
	BudgetUSD *float64      `json:"budget_usd,omitempty"`
	LensID    string        `json:"lens_id,omitempty"`
	Persist   bool          `json:"persist"`
	Timeout   time.Duration `json:"timeout,omitempty"`
}

// Validate rejects requests the pipeline cannot run.
func (r *Request) Validate() error {
	if r.Query == "" {
		return errors.New("execution: query must not be empty")
	}
	if !r.Mode.Valid() {
		return fmt.Errorf("execution: unknown mode %q", r.Mode)
	}
	if r.BudgetUSD != nil && *r.BudgetUSD < 0 {
		return errors.New("execution: budget must not be negative")
	}
	if r.Timeout < 0 {
		return errors.New("execution: timeout must not be negative")
	}
	return nil
}

// RunTimeout returns the effective global deadline for the run.
func (r *Request) RunTimeout() time.Duration {
	if r.Timeout <= 0 || r.Timeout > MaxRunTimeout {
		return MaxRunTimeout
	}
	return r.Timeout
}

// Context is the per-run carrier of shared mutable state. Metrics mutate
// under per-connector locks, errors append under a single lock, and
// everything else is read-only after construction.
type Context struct {
	RunID    string
	Request  Request
	LensID   string
	LensHash string

	Metrics *MetricsSet
	Errors  *ErrorList
	Budget  *budget.Ledger

	StartedAt time.Time
}

// NewContext builds the run context for a validated request.
func NewContext(req Request, lensID, lensHash string) *Context {
	return &Context{
		RunID:     uuid.NewString(),
		Request:   req,
		LensID:    lensID,
		LensHash:  lensHash,
		Metrics:   NewMetricsSet(),
		Errors:    &ErrorList{},
		Budget:    budget.NewLedger(req.BudgetUSD),
		StartedAt: time.Now().UTC(),
	}
}
