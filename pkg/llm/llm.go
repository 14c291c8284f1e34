// Package llm provides the structured-extraction capability used by lens
// field rules. The engine depends only on the StructuredExtractor interface;
// backends are injected, and tests run against the deterministic mock in
// llmtest.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrDisabled is returned by the Disabled backend. Rules that need a model
// fail in isolation while deterministic rules keep working.
var ErrDisabled = errors.New("llm: no backend configured")

// ErrNoJSON is returned when a model response contains no parseable JSON
// object.
var ErrNoJSON = errors.New("llm: response contained no JSON object")

// Request asks for one structured extraction over a bundle of source fields.
type Request struct {
	// Schema is the JSON Schema the response object must satisfy.
	Schema map[string]any
	// Instruction is the lens-authored task description.
	Instruction string
	// Input carries the source fields the model may draw evidence from.
	Input map[string]any
}

// Response is a parsed structured extraction.
type Response struct {
	// Fields is the JSON object produced by the model.
	Fields map[string]any
	// Model identifies the backend model that produced the response.
	Model string
	Usage Usage
}

// Usage reports token consumption for cost accounting.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// StructuredExtractor is the single capability the interpreter needs from a
// model backend.
type StructuredExtractor interface {
	ExtractStructured(ctx context.Context, req Request) (*Response, error)
}

// Disabled is the backend used when no API key is configured.
type Disabled struct{}

// ExtractStructured always fails with ErrDisabled.
func (Disabled) ExtractStructured(context.Context, Request) (*Response, error) {
	return nil, ErrDisabled
}

// APIError is an HTTP-level backend failure.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm: api error %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether the request may succeed on retry.
func (e *APIError) Transient() bool {
	if e.StatusCode == 429 || e.StatusCode == 408 {
		return true
	}
	return e.StatusCode >= 500 && e.StatusCode < 600
}
