// Package anthropic implements the Adapter Contract (§4.7) against the
// Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/jordanhubbard/modelgate/internal/adapter"
	"github.com/jordanhubbard/modelgate/internal/providers"
)

// Adapter implements adapter.Sender for Anthropic.
type Adapter struct {
	id      string
	apiKey  string
	baseURL string
	client  *http.Client
	retry   providers.RetryConfig
}

// New creates a new Anthropic adapter. The HTTP client timeout is 30s unless
// WithTimeout overrides it.
func New(id, apiKey, baseURL string, opts ...Option) *Adapter {
	a := &Adapter{
		id:      id,
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		retry:   providers.DefaultRetryConfig(),
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

func (a *Adapter) ID() string { return a.id }

// HealthEndpoint returns a URL for health probing. A GET to the messages
// endpoint returns 405 (Method Not Allowed), which proves reachability.
func (a *Adapter) HealthEndpoint() string {
	return a.baseURL + "/v1/messages"
}

func (a *Adapter) Call(ctx context.Context, model string, query adapter.Query, opts adapter.Options) (adapter.Outcome, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	messages := make([]map[string]string, 0, len(query.Context)+1)
	for _, m := range query.Context {
		messages = append(messages, map[string]string{"role": m.Role, "content": m.Content})
	}
	messages = append(messages, map[string]string{"role": "user", "content": query.Text})

	maxTokens := 4096
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}
	payload := map[string]any{
		"model":      model,
		"messages":   messages,
		"max_tokens": maxTokens,
	}
	if opts.SystemMessage != "" {
		payload["system"] = opts.SystemMessage
	}
	if opts.Temperature > 0 {
		payload["temperature"] = opts.Temperature
	}
	if len(opts.StopSequences) > 0 {
		payload["stop_sequences"] = opts.StopSequences
	}

	headers := map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": "2023-06-01",
	}

	start := time.Now()
	body, err := providers.WithRetry(ctx, a.retry, func() ([]byte, error) {
		return providers.DoRequest(ctx, a.client, a.baseURL+"/v1/messages", payload, headers)
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
		return strings.Contains(se.Body, "prompt is too long") || strings.Contains(se.Body, "prompt_too_long")
	})
}

func parseResponse(body []byte) (string, adapter.TokenUsage) {
	var resp struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Content) == 0 {
		return "", adapter.TokenUsage{}
	}
	usage := adapter.TokenUsage{
		Input:  resp.Usage.InputTokens,
		Output: resp.Usage.OutputTokens,
		Total:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}
	return resp.Content[0].Text, usage
}
