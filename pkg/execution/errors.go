package execution

import (
	"fmt"
	"sync"
)

// RunError is one recoverable failure surfaced in the run report. Source
// failures, rule failures, and persistence warnings all land here; none of
// them abort the run.
type RunError struct {
	Kind    string `json:"kind"`
	Source  string `json:"source,omitempty"`
	RuleID  string `json:"rule_id,omitempty"`
	Message string `json:"message"`
}

func (e RunError) String() string {
	if e.Source == "" {
		return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Source, e.Message)
}

// ErrorList is the run's append-only error collection, safe for concurrent
// appends from orchestrator workers.
type ErrorList struct {
	mu   sync.Mutex
	errs []RunError
}

// Add appends one error.
func (l *ErrorList) Add(e RunError) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, e)
}

// Len reports how many errors were recorded.
func (l *ErrorList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errs)
}

// All returns a copy of the recorded errors in append order.
func (l *ErrorList) All() []RunError {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]RunError, len(l.errs))
	copy(out, l.errs)
	return out
}
