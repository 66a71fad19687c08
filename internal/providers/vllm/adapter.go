// Package vllm implements the Adapter Contract (§4.7) against one or more
// self-hosted vLLM instances, round-robining across them.
package vllm

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jordanhubbard/modelgate/internal/adapter"
	"github.com/jordanhubbard/modelgate/internal/providers"
)

// Adapter implements adapter.Sender for vLLM instances, round-robining
// across multiple endpoints.
type Adapter struct {
	id        string
	endpoints []string
	counter   atomic.Uint64
	client    *http.Client
	retry     providers.RetryConfig
}

// New creates a new vLLM adapter with one endpoint; WithEndpoints adds more.
// The HTTP client timeout is 30s unless WithTimeout overrides it.
func New(id string, endpoint string, opts ...Option) *Adapter {
	a := &Adapter{
		id:        id,
		endpoints: []string{endpoint},
		client:    &http.Client{Timeout: 30 * time.Second},
		retry:     providers.DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		a.client.Timeout = d
	}
}

// WithEndpoints adds additional endpoints for round-robin balancing.
func WithEndpoints(endpoints ...string) Option {
	return func(a *Adapter) {
		a.endpoints = append(a.endpoints, endpoints...)
	}
}

func (a *Adapter) ID() string { return a.id }

// nextEndpoint returns the next endpoint in round-robin order.
func (a *Adapter) nextEndpoint() string {
	idx := a.counter.Add(1) - 1
	return a.endpoints[idx%uint64(len(a.endpoints))]
}

func (a *Adapter) Call(ctx context.Context, model string, query adapter.Query, opts adapter.Options) (adapter.Outcome, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	messages := make([]map[string]string, 0, len(query.Context)+2)
	if opts.SystemMessage != "" {
		messages = append(messages, map[string]string{"role": "system", "content": opts.SystemMessage})
	}
	for _, m := range query.Context {
		messages = append(messages, map[string]string{"role": m.Role, "content": m.Content})
	}
	messages = append(messages, map[string]string{"role": "user", "content": query.Text})

	payload := map[string]any{"model": model, "messages": messages}
	if opts.MaxTokens > 0 {
		payload["max_tokens"] = opts.MaxTokens
	}
	if opts.Temperature > 0 {
		payload["temperature"] = opts.Temperature
	}

	start := time.Now()
	body, err := providers.WithRetry(ctx, a.retry, func() ([]byte, error) {
		url := a.nextEndpoint() + "/v1/chat/completions"
		return providers.DoRequest(ctx, a.client, url, payload, nil)
	}, classify)
	elapsed := time.Since(start)
	if err != nil {
		return adapter.Outcome{}, err
	}

	text, usage := parseResponse(body)
	return adapter.Outcome{
		Text:           text,
		TokenUsage:     usage,
		Provider:       a.id,
		Model:          model,
		ProcessingTime: elapsed,
		RawResponse:    body,
	}, nil
}

// classify has no context-overflow detection for vLLM: the source's
// OpenAI-compatible error bodies vary by backend and don't reliably carry a
// distinguishable code.
func classify(err error) providers.ErrorClass {
	return providers.Classify(err, nil)
}

func parseResponse(body []byte) (string, adapter.TokenUsage) {
	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Choices) == 0 {
		return "", adapter.TokenUsage{}
	}
	return resp.Choices[0].Message.Content, adapter.TokenUsage{
		Input:  resp.Usage.PromptTokens,
		Output: resp.Usage.CompletionTokens,
		Total:  resp.Usage.TotalTokens,
	}
}
