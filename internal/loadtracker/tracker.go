// Package loadtracker is the gateway's concurrency bookkeeper: it tracks
// per-provider inflight load and exponential-moving-average performance
// stats. It is the sole owner of provider runtime state (§9 "cyclic
// reference" note) — the router and metrics layers only ever read through it.
package loadtracker

import (
	"sync"

	"github.com/jordanhubbard/modelgate/internal/gwerr"
)

// Defaults used for a provider with no recorded history yet (§4.4).
const (
	DefaultLatencyMs    = 500.0
	DefaultSuccessRate  = 0.95
	DefaultCostEfficiency = 0.8
)

// Sample is the outcome fed into End to update a provider's EMAs.
type Sample struct {
	LatencyMs      float64
	Success        bool
	CostEfficiency float64
}

// State is a snapshot of a provider's runtime state (§3 Provider Runtime
// State). It is a value type; callers get a consistent point-in-time copy.
type State struct {
	Inflight           int
	EMALatencyMs       float64
	EMASuccessRate     float64
	EMACostEfficiency  float64
	TotalCalls         int64
}

type entry struct {
	mu    sync.Mutex
	state State
}

// Tracker is the per-provider concurrency + EMA bookkeeper. Every provider
// gets its own lock so that contention on one provider never blocks another.
type Tracker struct {
	maxConcurrent func(provider string) int

	mu       sync.RWMutex
	entries  map[string]*entry
}

// New creates a Tracker. maxConcurrent resolves a provider's concurrency cap
// (normally backed by the provider registry); it is consulted on every Begin.
func New(maxConcurrent func(provider string) int) *Tracker {
	return &Tracker{
		maxConcurrent: maxConcurrent,
		entries:       make(map[string]*entry),
	}
}

func (t *Tracker) getOrCreate(provider string) *entry {
	t.mu.RLock()
	e, ok := t.entries[provider]
	t.mu.RUnlock()
	if ok {
		return e
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[provider]; ok {
		return e
	}
	e = &entry{state: State{
		EMALatencyMs:      DefaultLatencyMs,
		EMASuccessRate:    DefaultSuccessRate,
		EMACostEfficiency: DefaultCostEfficiency,
	}}
	t.entries[provider] = e
	return e
}

// Begin admits a new inflight call to provider, refusing it if the provider
// is already at its concurrency cap. The check and increment happen under
// the same per-provider lock so inflight never exceeds max_concurrent under
// contention.
func (t *Tracker) Begin(provider string) error {
	e := t.getOrCreate(provider)
	max := t.maxConcurrent(provider)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Inflight >= max {
		return gwerr.New(gwerr.ModelUnavailable, "provider %s over concurrency limit", provider)
	}
	e.state.Inflight++
	return nil
}

// End decrements provider's inflight count (floored at 0) and, if sample is
// non-nil, folds it into the cumulative EMAs using new = (old*n + x)/(n+1).
// EMAs are updated iff the call actually reached the adapter.
func (t *Tracker) End(provider string, sample *Sample) {
	e := t.getOrCreate(provider)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Inflight > 0 {
		e.state.Inflight--
	}
	if sample == nil {
		return
	}
	n := float64(e.state.TotalCalls)
	successVal := 0.0
	if sample.Success {
		successVal = 1.0
	}
	e.state.EMALatencyMs = (e.state.EMALatencyMs*n + sample.LatencyMs) / (n + 1)
	e.state.EMASuccessRate = (e.state.EMASuccessRate*n + successVal) / (n + 1)
	e.state.EMACostEfficiency = (e.state.EMACostEfficiency*n + sample.CostEfficiency) / (n + 1)
	e.state.TotalCalls++
}

// Snapshot returns a point-in-time copy of provider's runtime state. A
// provider never referenced before returns the documented defaults with
// Inflight=0 and TotalCalls=0, without creating a permanent entry.
func (t *Tracker) Snapshot(provider string) State {
	t.mu.RLock()
	e, ok := t.entries[provider]
	t.mu.RUnlock()
	if !ok {
		return State{
			EMALatencyMs:      DefaultLatencyMs,
			EMASuccessRate:    DefaultSuccessRate,
			EMACostEfficiency: DefaultCostEfficiency,
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Inflight returns the current inflight count for provider (0 if unseen).
func (t *Tracker) Inflight(provider string) int {
	return t.Snapshot(provider).Inflight
}
