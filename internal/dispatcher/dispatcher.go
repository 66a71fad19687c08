// Package dispatcher implements the per-request state machine (§4.6):
// validate -> evaluate -> route -> admit -> call -> fallback -> finalize -> reply.
package dispatcher

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/jordanhubbard/modelgate/internal/adapter"
	"github.com/jordanhubbard/modelgate/internal/complexity"
	"github.com/jordanhubbard/modelgate/internal/gwerr"
	"github.com/jordanhubbard/modelgate/internal/loadtracker"
	"github.com/jordanhubbard/modelgate/internal/router"
	"github.com/jordanhubbard/modelgate/internal/validator"
)

// Request is a single ProcessQuery call (§6).
type Request struct {
	RequestID string
	QueryText string
	Metadata  map[string]string
}

// Response is the success shape of ProcessQuery (§6).
type Response struct {
	RequestID         string
	ResponseText      string
	ComplexityScore   float64
	ComplexityFactors []string
	ModelUsed         string
	ActualCost        float64
	TokenUsage        adapter.TokenUsage
	ProcessingTimeMs  int64
	IsBackup          bool
}

// Event is the single terminal-event schema every dispatch emits exactly
// once (§4.8, §9 "choose a single event schema and document it"). It is
// intentionally identical on success and failure paths: FailureKind is
// empty on success.
type Event struct {
	RequestID      string
	Provider       string
	Success        bool
	LatencyMs      float64
	ModelLatencyMs float64
	Cost           float64
	Tokens         int
	Complexity     float64
	FailureKind    string
}

// EventRecorder receives the dispatcher's terminal event. Implementations
// must not block the dispatcher (§9 "never blocked on metrics processing").
type EventRecorder interface {
	Record(Event)
}

// noopRecorder discards events when the dispatcher is built without one.
type noopRecorder struct{}

func (noopRecorder) Record(Event) {}

// Dispatcher wires the Validator, Evaluator, Router, Tracker and per-provider
// Adapters into the §4.6 state machine. The Tracker is the sole authoritative
// owner of provider runtime state (§9); the Dispatcher only reads router
// decisions and writes begin/end pairs through it.
type Dispatcher struct {
	router   *router.Router
	tracker  *loadtracker.Tracker
	senders  map[string]adapter.Sender
	recorder EventRecorder
}

// New builds a Dispatcher. senders must contain one entry per provider name
// known to the registry passed to router.New; recorder may be nil.
func New(r *router.Router, tracker *loadtracker.Tracker, senders map[string]adapter.Sender, recorder EventRecorder) *Dispatcher {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Dispatcher{router: r, tracker: tracker, senders: senders, recorder: recorder}
}

// ProcessQuery runs one end-to-end dispatch (§4.6).
func (d *Dispatcher) ProcessQuery(ctx context.Context, req Request) (Response, error) {
	start := time.Now()

	norm, err := validator.ValidateAndNormalize(validator.Request{
		RequestID: req.RequestID,
		QueryText: req.QueryText,
		Metadata:  req.Metadata,
	})
	if err != nil {
		d.emitFailure("", req.RequestID, 0, gwerr.InvalidRequest, start)
		return Response{}, err
	}

	result := complexity.Evaluate(norm.QueryText)

	decision, err := d.router.Route(result.Score, result.Factors, norm.Metadata)
	if err != nil {
		code := gwerr.ModelUnavailable
		if ge, ok := gwerr.As(err); ok {
			code = ge.Code
		}
		d.emitFailure("", norm.RequestID, result.Score, code, start)
		return Response{}, err
	}

	opts := buildOptions(norm.Metadata)
	outcome, used, callErr := d.callWithFallback(ctx, decision, norm, result, opts)
	if callErr != nil {
		d.emitFailure(decision.Provider, norm.RequestID, result.Score, gwerr.ModelUnavailable, start)
		return Response{}, callErr
	}

	cost := outcome.Cost
	if cost <= 0 {
		cost = used.EstimatedCost
	}
	usage := outcome.TokenUsage
	if usage.Total == 0 {
		usage = estimateTokenUsage(norm.QueryText, outcome.Text)
	}

	elapsed := time.Since(start)
	d.recorder.Record(Event{
		RequestID:      norm.RequestID,
		Provider:       used.Provider,
		Success:        true,
		LatencyMs:      float64(elapsed.Milliseconds()),
		ModelLatencyMs: float64(outcome.ProcessingTime.Milliseconds()),
		Cost:           cost,
		Tokens:         usage.Total,
		Complexity:     result.Score,
	})

	return Response{
		RequestID:         norm.RequestID,
		ResponseText:      outcome.Text,
		ComplexityScore:   result.Score,
		ComplexityFactors: result.Factors,
		ModelUsed:         used.Provider,
		ActualCost:        cost,
		TokenUsage:        usage,
		ProcessingTimeMs:  elapsed.Milliseconds(),
		IsBackup:          used.IsBackup,
	}, nil
}

// callWithFallback implements steps 4-6: admit, call, and the one-shot
// backup fallback on admission or call failure.
func (d *Dispatcher) callWithFallback(ctx context.Context, decision router.Decision, norm validator.Normalized, eval complexity.Result, opts adapter.Options) (adapter.Outcome, router.Decision, error) {
	outcome, err := d.attempt(ctx, decision, norm, eval, opts)
	if err == nil {
		return outcome, decision, nil
	}

	backup, ok := d.router.BackupFor(decision.Provider, decision.ModelType)
	if !ok {
		return adapter.Outcome{}, decision, gwerr.New(gwerr.ModelUnavailable, "primary failed and no backup available")
	}
	outcome, err = d.attempt(ctx, backup, norm, eval, opts)
	if err != nil {
		return adapter.Outcome{}, backup, gwerr.New(gwerr.ModelUnavailable, "backup %s also failed", backup.Provider)
	}
	return outcome, backup, nil
}

// attempt performs one admit+call+end cycle against a single decision's
// provider. Tracker.end is always called exactly once per successful begin,
// on every exit path, per §4.6 step 7.
func (d *Dispatcher) attempt(ctx context.Context, decision router.Decision, norm validator.Normalized, eval complexity.Result, opts adapter.Options) (adapter.Outcome, error) {
	if err := d.tracker.Begin(decision.Provider); err != nil {
		return adapter.Outcome{}, err
	}

	sender, ok := d.senders[decision.Provider]
	if !ok {
		d.tracker.End(decision.Provider, nil)
		return adapter.Outcome{}, gwerr.New(gwerr.ModelUnavailable, "no adapter registered for provider %s", decision.Provider)
	}

	query := adapter.Query{Text: norm.QueryText, Score: eval.Score}
	callStart := time.Now()
	outcome, err := sender.Call(ctx, decision.Provider, query, opts)
	latency := time.Since(callStart)

	if err != nil {
		d.tracker.End(decision.Provider, &loadtracker.Sample{LatencyMs: float64(latency.Milliseconds()), Success: false})
		return adapter.Outcome{}, err
	}

	d.tracker.End(decision.Provider, &loadtracker.Sample{LatencyMs: float64(latency.Milliseconds()), Success: true})
	return outcome, nil
}

func (d *Dispatcher) emitFailure(provider, requestID string, score float64, code gwerr.Code, start time.Time) {
	d.recorder.Record(Event{
		RequestID:   requestID,
		Provider:    provider,
		Success:     false,
		LatencyMs:   float64(time.Since(start).Milliseconds()),
		Complexity:  score,
		FailureKind: code.String(),
	})
}

// buildOptions maps recognized metadata keys (§6) onto adapter.Options.
func buildOptions(metadata map[string]string) adapter.Options {
	opts := adapter.Options{}
	if v, ok := metadata["maxTokens"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			opts.MaxTokens = n
		}
	}
	if v, ok := metadata["temperature"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			opts.Temperature = f
		}
	}
	if v, ok := metadata["topP"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			opts.TopP = f
		}
	}
	if v, ok := metadata["systemMessage"]; ok {
		opts.SystemMessage = v
	}
	if v, ok := metadata["budget"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			opts.Budget = f
		}
	}
	if v, ok := metadata["timeout"]; ok {
		if ms, err := strconv.Atoi(v); err == nil {
			opts.Timeout = time.Duration(ms) * time.Millisecond
		}
	}
	return opts
}

// estimateTokenUsage is the ceil(len/4)-per-side fallback (§4.6 step 5) used
// when an adapter's outcome omits token accounting.
func estimateTokenUsage(queryText, responseText string) adapter.TokenUsage {
	in := int(math.Ceil(float64(len(queryText)) / 4))
	out := int(math.Ceil(float64(len(responseText)) / 4))
	return adapter.TokenUsage{Input: in, Output: out, Total: in + out}
}
