// Package router maps a query's complexity score, factors, and metadata to a
// Routing Decision: it picks a model type, filters and scores eligible
// providers, applies the cost-control downgrade chain, and can find a backup
// candidate on primary failure (§4.4).
package router

import (
	"sort"
	"strconv"

	"github.com/jordanhubbard/modelgate/internal/gwerr"
	"github.com/jordanhubbard/modelgate/internal/loadtracker"
	"github.com/jordanhubbard/modelgate/internal/registry"
)

// typeChain is the cost-downgrade / backup-fallback order (§4.4/§9): the
// source's single-step downgrade bug is fixed here — the chain always walks
// all the way down to local.
var typeChain = []registry.ModelType{registry.Remote, registry.Hybrid, registry.Local}

// Decision is the router's output (§3 Routing Decision).
type Decision struct {
	Provider          string
	ModelType         registry.ModelType
	EstimatedCost     float64
	IsBackup          bool
	WasCostDowngraded bool
}

// Router implements §4.4 against a provider registry and the load tracker
// that owns runtime state.
type Router struct {
	registry *registry.Registry
	tracker  *loadtracker.Tracker
	lo, hi   float64
}

// New creates a Router with the given type-band thresholds. Defaults 0.3/0.7
// are used when lo/hi are both zero; it panics on lo > hi, since that can
// only come from misconfiguration, never request data.
func New(reg *registry.Registry, tracker *loadtracker.Tracker, lo, hi float64) *Router {
	if lo == 0 && hi == 0 {
		lo, hi = 0.3, 0.7
	}
	if lo > hi {
		panic("router: lo must be <= hi")
	}
	return &Router{registry: reg, tracker: tracker, lo: lo, hi: hi}
}

// TypeForScore implements the type-band thresholds: score<lo -> local,
// lo<=score<hi -> hybrid, score>=hi -> remote.
func (r *Router) TypeForScore(score float64) registry.ModelType {
	switch {
	case score < r.lo:
		return registry.Local
	case score < r.hi:
		return registry.Hybrid
	default:
		return registry.Remote
	}
}

// candidates returns providers eligible for modelType: not offline, of the
// right type, and with inflight capacity remaining.
func (r *Router) candidates(modelType registry.ModelType) []registry.Descriptor {
	var out []registry.Descriptor
	for _, d := range r.registry.ListByType(modelType) {
		if d.Status == registry.StatusOffline {
			continue
		}
		if r.tracker.Inflight(d.Name) >= d.MaxConcurrent {
			continue
		}
		out = append(out, d)
	}
	return out
}

// scoreProvider computes score_p for a candidate (§4.4 scoring formula).
func (r *Router) scoreProvider(d registry.Descriptor) float64 {
	s := r.tracker.Snapshot(d.Name)
	var load float64
	if d.MaxConcurrent > 0 {
		load = 1 - float64(s.Inflight)/float64(d.MaxConcurrent)
	} else {
		load = 1
	}
	cost := d.CostEfficiency
	perf := s.EMASuccessRate * 1000 / (s.EMALatencyMs + 100)
	return 0.4*load + 0.3*cost + 0.3*perf
}

// best picks the highest-scoring candidate, breaking ties lexicographically
// by provider name for determinism (§4.4, §9).
func (r *Router) best(candidates []registry.Descriptor) (registry.Descriptor, bool) {
	if len(candidates) == 0 {
		return registry.Descriptor{}, false
	}
	sorted := make([]registry.Descriptor, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	bestIdx := 0
	bestScore := r.scoreProvider(sorted[0])
	for i := 1; i < len(sorted); i++ {
		s := r.scoreProvider(sorted[i])
		if s > bestScore {
			bestScore = s
			bestIdx = i
		}
	}
	return sorted[bestIdx], true
}

// EstimateCost implements the §4.4 cost estimation formula, clamped to the
// provider's max_cost.
func EstimateCost(d registry.Descriptor, score float64, queryLength int) float64 {
	cost := d.BaseCost * (1 + score) * (1 + float64(queryLength)/1000)
	if d.MaxCost > 0 && cost > d.MaxCost {
		return d.MaxCost
	}
	return cost
}

// preferredCandidate honors metadata.preferredProvider (§6) when it names a
// viable candidate; otherwise the caller falls back to scoring.
func preferredCandidate(cands []registry.Descriptor, preferred string) (registry.Descriptor, bool) {
	if preferred == "" {
		return registry.Descriptor{}, false
	}
	for _, d := range cands {
		if d.Name == preferred {
			return d, true
		}
	}
	return registry.Descriptor{}, false
}

func chainIndex(t registry.ModelType) int {
	for i, ct := range typeChain {
		if ct == t {
			return i
		}
	}
	return -1
}

// Route maps (score, factors, metadata) to a Routing Decision, applying the
// cost-control downgrade chain when metadata carries a parsable budget.
func (r *Router) Route(score float64, factors []string, metadata map[string]string) (Decision, error) {
	modelType := r.TypeForScore(score)

	cands := r.candidates(modelType)
	if len(cands) == 0 {
		return Decision{}, gwerr.New(gwerr.ModelUnavailable, "no eligible providers for type %s", modelType)
	}
	primary, ok := preferredCandidate(cands, metadata["preferredProvider"])
	if !ok {
		primary, _ = r.best(cands)
	}

	queryLength := parseQueryLength(metadata)
	estCost := EstimateCost(primary, score, queryLength)

	decision := Decision{
		Provider:      primary.Name,
		ModelType:     modelType,
		EstimatedCost: estCost,
	}

	budget, hasBudget := parseBudget(metadata)
	if !hasBudget || estCost <= budget {
		return decision, nil
	}

	// Cost-control strategy: chain remote -> hybrid -> local, starting
	// immediately below the chosen type, until one fits the budget.
	start := chainIndex(modelType)
	if start < 0 {
		start = 0
	}
	for i := start + 1; i < len(typeChain); i++ {
		downgradedType := typeChain[i]
		dCands := r.candidates(downgradedType)
		if len(dCands) == 0 {
			continue
		}
		cand, _ := r.best(dCands)
		dCost := EstimateCost(cand, 0.5, queryLength)
		if dCost <= budget {
			return Decision{
				Provider:          cand.Name,
				ModelType:         downgradedType,
				EstimatedCost:     dCost,
				WasCostDowngraded: true,
			}, nil
		}
	}

	return Decision{}, gwerr.New(gwerr.CostLimitExceeded, "no provider fits budget %.4f", budget)
}

// BackupFor returns the best candidate of the same type excluding primary; if
// none exists it recurses on progressively lower types along the
// remote->hybrid->local chain. Returns found=false once the chain is
// exhausted.
func (r *Router) BackupFor(primary string, modelType registry.ModelType) (Decision, bool) {
	start := chainIndex(modelType)
	if start < 0 {
		start = 0
	}
	for i := start; i < len(typeChain); i++ {
		t := typeChain[i]
		var filtered []registry.Descriptor
		for _, d := range r.candidates(t) {
			if d.Name != primary {
				filtered = append(filtered, d)
			}
		}
		if len(filtered) == 0 {
			continue
		}
		cand, _ := r.best(filtered)
		return Decision{
			Provider:  cand.Name,
			ModelType: t,
			IsBackup:  true,
		}, true
	}
	return Decision{}, false
}

func parseBudget(metadata map[string]string) (float64, bool) {
	raw, ok := metadata["budget"]
	if !ok {
		return 0, false
	}
	b, err := strconv.ParseFloat(raw, 64)
	if err != nil || b < 0 {
		return 0, false
	}
	return b, true
}

func parseQueryLength(metadata map[string]string) int {
	raw, ok := metadata["queryLength"]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}
