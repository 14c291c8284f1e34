// Package llmtest provides a deterministic StructuredExtractor for tests.
package llmtest

import (
	"context"
	"sync"

	"github.com/facetdata/facet/pkg/llm"
)

// Mock replays queued responses in order and records every request. It is
// safe for concurrent use. When the queue is exhausted the last response is
// repeated.
type Mock struct {
	mu        sync.Mutex
	Responses []map[string]any
	Err       error
	calls     []llm.Request
}

// ExtractStructured pops the next queued response or returns Err.
func (m *Mock) ExtractStructured(_ context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, req)
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Responses) == 0 {
		return &llm.Response{Fields: map[string]any{}, Model: "mock"}, nil
	}

	idx := len(m.calls) - 1
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	return &llm.Response{Fields: m.Responses[idx], Model: "mock"}, nil
}

// CallCount returns how many requests the mock has served.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Calls returns a copy of the recorded requests.
func (m *Mock) Calls() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]llm.Request, len(m.calls))
	copy(out, m.calls)
	return out
}
