package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicVersion  = "2023-06-01"
	defaultModel      = "claude-sonnet-4-20250514"
	defaultMaxTokens  = 2048
	defaultHTTPExpiry = 60 * time.Second
)

// AnthropicConfig configures the Anthropic messages backend.
type AnthropicConfig struct {
	APIKey    string
	BaseURL   string // defaults to https://api.anthropic.com
	Model     string
	MaxTokens int
	Retry     RetryConfig
	Client    *http.Client
	Logger    *slog.Logger
}

// Anthropic is a StructuredExtractor over the Anthropic messages API. The
// schema is embedded in the system prompt and the JSON object is parsed out
// of the text response.
type Anthropic struct {
	cfg    AnthropicConfig
	client *http.Client
	logger *slog.Logger
}

// NewAnthropic builds the backend, filling config defaults.
func NewAnthropic(cfg AnthropicConfig) *Anthropic {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPExpiry}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Anthropic{cfg: cfg, client: client, logger: logger}
}

func (a *Anthropic) endpoint() string {
	base := a.cfg.BaseURL
	if base == "" {
		base = "https://api.anthropic.com"
	}
	return strings.TrimSuffix(base, "/") + "/v1/messages"
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// ExtractStructured sends one structured-extraction request, retrying
// transient failures with exponential backoff.
func (a *Anthropic) ExtractStructured(ctx context.Context, req Request) (*Response, error) {
	body, err := a.buildBody(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < a.cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := a.cfg.Retry.backoff(attempt - 1)
			a.logger.Debug("llm retry", "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := a.send(ctx, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.Transient() {
			return nil, err
		}
	}
	return nil, fmt.Errorf("llm: retries exhausted: %w", lastErr)
}

func (a *Anthropic) buildBody(req Request) ([]byte, error) {
	schemaJSON, err := json.Marshal(req.Schema)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal schema: %w", err)
	}
	inputJSON, err := json.Marshal(req.Input)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal input: %w", err)
	}

	system := req.Instruction +
		"\n\nRespond with a single JSON object that satisfies this JSON Schema. " +
		"Use null for anything the input does not support. No prose.\n" + string(schemaJSON)

	return json.Marshal(anthropicRequest{
		Model:     a.cfg.Model,
		MaxTokens: a.cfg.MaxTokens,
		System:    system,
		Messages: []anthropicMessage{
			{Role: "user", Content: string(inputJSON)},
		},
	})
}

func (a *Anthropic) send(ctx context.Context, body []byte) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	if a.cfg.APIKey != "" {
		httpReq.Header.Set("x-api-key", a.cfg.APIKey)
	}

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("llm: read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: httpResp.StatusCode, Body: truncate(string(respBody), 512)}
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("llm: decode response: %w", err)
	}

	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	extracted := ExtractJSON(text.String())
	if extracted == "" {
		return nil, ErrNoJSON
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(extracted), &fields); err != nil {
		return nil, fmt.Errorf("llm: parse extracted object: %w", err)
	}

	return &Response{
		Fields: fields,
		Model:  parsed.Model,
		Usage: Usage{
			InputTokens:  parsed.Usage.InputTokens,
			OutputTokens: parsed.Usage.OutputTokens,
		},
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
