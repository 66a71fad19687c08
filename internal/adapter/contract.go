// Package adapter defines the uniform contract every provider backend
// implements (§4.7): call(model, query, opts) -> outcome. Adapters are
// shallow request-formatters; the dispatcher is the only caller.
package adapter

import (
	"context"
	"encoding/json"
	"time"
)

// Message is one turn of conversational context.
type Message struct {
	Role    string
	Content string
}

// Query is the content handed to an adapter: the query text, optional prior
// context, and the complexity score the dispatcher computed for it.
type Query struct {
	Text    string
	Context []Message
	Score   float64
}

// Options carries the recognized per-call knobs (§6 metadata table) plus
// provider-specific extensions via Extra.
type Options struct {
	MaxTokens     int
	Temperature   float64
	TopP          float64
	SystemMessage string
	StopSequences []string
	Budget        float64
	Timeout       time.Duration
	Extra         map[string]string
}

// TokenUsage is the input/output/total token accounting for one call.
type TokenUsage struct {
	Input  int
	Output int
	Total  int
}

// Outcome is what a successful adapter call returns (§4.7).
type Outcome struct {
	Text           string
	TokenUsage     TokenUsage
	Cost           float64
	Provider       string
	Model          string
	ProcessingTime time.Duration
	RawResponse    json.RawMessage
}

// Sender is the single capability every provider backend implements. Shared
// behavior (retry loop, cost accounting) lives in free functions/small helper
// structs reused by each implementation (§9) rather than a class hierarchy.
type Sender interface {
	ID() string
	Call(ctx context.Context, model string, query Query, opts Options) (Outcome, error)
}
