// Package openai implements the Adapter Contract (§4.7) against an
// OpenAI-compatible chat completions endpoint.
package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/jordanhubbard/modelgate/internal/adapter"
	"github.com/jordanhubbard/modelgate/internal/providers"
)

// Adapter implements adapter.Sender for OpenAI-compatible backends.
type Adapter struct {
	id      string
	apiKey  string
	baseURL string
	client  *http.Client
	retry   providers.RetryConfig
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.client.Timeout = d }
}

// New creates a new OpenAI adapter. Default timeout is 60s.
func New(id, apiKey, baseURL string, opts ...Option) *Adapter {
	a := &Adapter{
		id:      id,
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
		retry:   providers.DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) ID() string { return a.id }

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
	if opts.TopP > 0 {
		payload["top_p"] = opts.TopP
	}
	if len(opts.StopSequences) > 0 {
		payload["stop"] = opts.StopSequences
	}

	headers := map[string]string{"Authorization": "Bearer " + a.apiKey}

	start := time.Now()
	body, err := providers.WithRetry(ctx, a.retry, func() ([]byte, error) {
		return providers.DoRequest(ctx, a.client, a.baseURL+"/v1/chat/completions", payload, headers)
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

func classify(err error) providers.ErrorClass {
	return providers.Classify(err, func(se *providers.StatusError) bool {
		return strings.Contains(se.Body, "context_length_exceeded")
	})
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
