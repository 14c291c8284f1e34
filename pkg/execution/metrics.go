package execution

import (
	"sort"
	"sync"
	"time"
)

// Invocation statuses recorded in metrics. Failure statuses mirror the
// connector failure kinds; the rest are orchestration outcomes.
const (
	StatusOK              = "ok"
	StatusCancelled       = "cancelled"
	StatusBudgetExhausted = "budget_exhausted"
)

// Sample is one connector invocation outcome.
type Sample struct {
	Status     string
	Latency    time.Duration
	CostUSD    float64
	Candidates int
}

// ConnectorMetrics accumulates outcomes for one connector. Each instance has
// its own lock, so concurrent workers hitting different connectors never
// contend.
type ConnectorMetrics struct {
	mu sync.Mutex

	calls      int
	candidates int
	costUSD    float64
	latency    time.Duration
	maxLatency time.Duration
	statuses   map[string]int
	lastStatus string
}

func (m *ConnectorMetrics) record(s Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	m.candidates += s.Candidates
	m.costUSD += s.CostUSD
	m.latency += s.Latency
	if s.Latency > m.maxLatency {
		m.maxLatency = s.Latency
	}
	if m.statuses == nil {
		m.statuses = map[string]int{}
	}
	m.statuses[s.Status]++
	m.lastStatus = s.Status
}

func (m *ConnectorMetrics) snapshot(source string) ConnectorReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	rep := ConnectorReport{
		Source:     source,
		Calls:      m.calls,
		Candidates: m.candidates,
		CostUSD:    m.costUSD,
		MaxLatency: m.maxLatency,
		Status:     m.lastStatus,
		Statuses:   make(map[string]int, len(m.statuses)),
	}
	if m.calls > 0 {
		rep.AvgLatency = m.latency / time.Duration(m.calls)
	}
	for k, v := range m.statuses {
		rep.Statuses[k] = v
	}
	return rep
}

// MetricsSet holds per-connector metrics for one run. The outer map is
// guarded separately from the per-connector locks.
type MetricsSet struct {
	mu  sync.RWMutex
	per map[string]*ConnectorMetrics
}

// NewMetricsSet returns an empty metrics set.
func NewMetricsSet() *MetricsSet {
	return &MetricsSet{per: map[string]*ConnectorMetrics{}}
}

func (s *MetricsSet) connector(source string) *ConnectorMetrics {
	s.mu.RLock()
	m, ok := s.per[source]
	s.mu.RUnlock()
	if ok {
		return m
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.per[source]; ok {
		return m
	}
	m = &ConnectorMetrics{}
	s.per[source] = m
	return m
}

// Record adds one invocation outcome for source.
func (s *MetricsSet) Record(source string, sample Sample) {
	s.connector(source).record(sample)
}

// TotalCostUSD sums cost across all connectors.
func (s *MetricsSet) TotalCostUSD() float64 {
	var total float64
	for _, rep := range s.Snapshot() {
		total += rep.CostUSD
	}
	return total
}

// Snapshot returns per-connector reports sorted by source name.
func (s *MetricsSet) Snapshot() []ConnectorReport {
	s.mu.RLock()
	names := make([]string, 0, len(s.per))
	for name := range s.per {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	out := make([]ConnectorReport, 0, len(names))
	for _, name := range names {
		s.mu.RLock()
		m := s.per[name]
		s.mu.RUnlock()
		out = append(out, m.snapshot(name))
	}
	return out
}

// ConnectorReport is the immutable, report-ready view of one connector's
// metrics.
type ConnectorReport struct {
	Source     string         `json:"source"`
	Calls      int            `json:"calls"`
	Candidates int            `json:"candidates"`
	CostUSD    float64        `json:"cost_usd"`
	AvgLatency time.Duration  `json:"avg_latency_ns"`
	MaxLatency time.Duration  `json:"max_latency_ns"`
	Status     string         `json:"status"`
	Statuses   map[string]int `json:"statuses,omitempty"`
}
