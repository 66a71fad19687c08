// Package alerts implements the rolling metrics windows and alert rules of
// §4.8: request-rate, per-provider counters, and cost history feed six
// threshold-based rules whose breaches are surfaced as deduplicated alerts.
//
// The dispatcher writes into Manager through the dispatcher.EventRecorder
// interface; ingestion runs on a background goroutine fed by a buffered
// channel so the dispatcher is never blocked on metrics processing (§9
// "event emitter coupling").
package alerts

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jordanhubbard/modelgate/internal/dispatcher"
)

// Severity is an alert's urgency.
type Severity string

const (
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Status is an alert's lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusResolved Status = "resolved"
)

// Alert is a single threshold breach (§4.8).
type Alert struct {
	ID        string
	Kind      string
	Severity  Severity
	Message   string
	Data      map[string]any
	Timestamp time.Time
	Status    Status
}

// Thresholds holds the configurable alert-rule bounds. A Manager starts from
// DefaultThresholds; UpdateThresholds overrides individual fields.
type Thresholds struct {
	ErrorRate   float64 // errors/total fraction, e.g. 0.1
	LatencyMs   float64
	MemoryFrac  float64
	CPUFrac     float64
	CostDaily   float64
	CostMonthly float64
}

// DefaultThresholds matches the §4.8 table.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ErrorRate:   0.1,
		LatencyMs:   2000,
		MemoryFrac:  0.9,
		CPUFrac:     0.8,
		CostDaily:   1000,
		CostMonthly: 20000,
	}
}

// ThresholdsPatch carries only the fields to override; nil fields leave the
// running threshold untouched. Merging happens atomically under the
// Manager's lock (§6 "threshold updates are merged atomically").
type ThresholdsPatch struct {
	ErrorRate   *float64
	LatencyMs   *float64
	MemoryFrac  *float64
	CPUFrac     *float64
	CostDaily   *float64
	CostMonthly *float64
}

const (
	requestRateWindow   = 60 * time.Second
	costHistoryRetention = 30 * 24 * time.Hour
	latencyHistoryCap   = 1000
)

type providerStats struct {
	count      int
	errorCount int
	sumLatency float64
	latencies  []float64
}

type costPoint struct {
	t    time.Time
	cost float64
}

// Sampler supplies process-level resource fractions for the memory/cpu
// rules. Production wiring reads real values (see NewProcSampler); tests can
// substitute a fake.
type Sampler interface {
	MemoryFraction() (float64, error)
	CPUFraction() (float64, error)
}

// Manager aggregates dispatch events into rolling windows and evaluates the
// six alert rules against them.
type Manager struct {
	mu sync.Mutex

	thresholds Thresholds

	requestTimes []time.Time
	providers    map[string]*providerStats
	costHistory  []costPoint

	active map[string]*Alert

	sampler Sampler

	events chan dispatcher.Event
	done   chan struct{}
}

// NewManager starts a Manager with a background ingestion goroutine.
// sampler may be nil, in which case the memory/cpu rules never fire.
func NewManager(sampler Sampler) *Manager {
	m := &Manager{
		thresholds: DefaultThresholds(),
		providers:  make(map[string]*providerStats),
		active:     make(map[string]*Alert),
		sampler:    sampler,
		events:     make(chan dispatcher.Event, 1024),
		done:       make(chan struct{}),
	}
	go m.run()
	return m
}

// Record implements dispatcher.EventRecorder. It never blocks: under extreme
// backpressure the event is dropped rather than stalling the request path.
func (m *Manager) Record(e dispatcher.Event) {
	select {
	case m.events <- e:
	default:
	}
}

// Close stops the ingestion goroutine.
func (m *Manager) Close() {
	close(m.events)
	<-m.done
}

func (m *Manager) run() {
	defer close(m.done)
	for e := range m.events {
		m.ingest(e)
	}
}

func (m *Manager) ingest(e dispatcher.Event) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requestTimes = append(m.requestTimes, now)
	m.pruneRequestTimesLocked(now)

	if e.Provider != "" {
		p := m.providers[e.Provider]
		if p == nil {
			p = &providerStats{}
			m.providers[e.Provider] = p
		}
		p.count++
		if !e.Success {
			p.errorCount++
		}
		p.sumLatency += e.LatencyMs
		p.latencies = append(p.latencies, e.LatencyMs)
		if len(p.latencies) > latencyHistoryCap {
			p.latencies = p.latencies[len(p.latencies)-latencyHistoryCap:]
		}
	}

	if e.Success && e.Cost > 0 {
		m.costHistory = append(m.costHistory, costPoint{t: now, cost: e.Cost})
		m.pruneCostHistoryLocked(now)
	}
}

func (m *Manager) pruneRequestTimesLocked(now time.Time) {
	cutoff := now.Add(-requestRateWindow)
	i := 0
	for i < len(m.requestTimes) && m.requestTimes[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		m.requestTimes = m.requestTimes[i:]
	}
}

// pruneCostHistoryLocked drops entries older than the retention horizon on
// every insert, fixing the source's unbounded cost-history growth (§9).
func (m *Manager) pruneCostHistoryLocked(now time.Time) {
	cutoff := now.Add(-costHistoryRetention)
	i := 0
	for i < len(m.costHistory) && m.costHistory[i].t.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.costHistory = m.costHistory[i:]
	}
}

// UpdateThresholds merges patch into the running thresholds atomically.
func (m *Manager) UpdateThresholds(patch ThresholdsPatch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if patch.ErrorRate != nil {
		m.thresholds.ErrorRate = *patch.ErrorRate
	}
	if patch.LatencyMs != nil {
		m.thresholds.LatencyMs = *patch.LatencyMs
	}
	if patch.MemoryFrac != nil {
		m.thresholds.MemoryFrac = *patch.MemoryFrac
	}
	if patch.CPUFrac != nil {
		m.thresholds.CPUFrac = *patch.CPUFrac
	}
	if patch.CostDaily != nil {
		m.thresholds.CostDaily = *patch.CostDaily
	}
	if patch.CostMonthly != nil {
		m.thresholds.CostMonthly = *patch.CostMonthly
	}
}

// Thresholds returns a copy of the currently running thresholds.
func (m *Manager) Thresholds() Thresholds {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.thresholds
}

// RequestRate returns the request count over the trailing 60s window.
func (m *Manager) RequestRate() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneRequestTimesLocked(time.Now())
	return len(m.requestTimes)
}

// Evaluate recomputes all six alert rules against the current windows and
// returns the full current alert set (active and resolved). Alerts are
// deduplicated by kind: each kind has at most one alert, and a repeated
// breach refreshes it in place (re-activating it if it was resolved) rather
// than producing a duplicate (§4.8).
func (m *Manager) Evaluate() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.pruneRequestTimesLocked(now)
	m.pruneCostHistoryLocked(now)

	m.evalErrorRateLocked(now)
	m.evalLatencyLocked(now)
	m.evalResourceLocked(now)
	m.evalCostLocked(now)

	out := make([]Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

func (m *Manager) setLocked(kind string, severity Severity, message string, data map[string]any, now time.Time) {
	if a, ok := m.active[kind]; ok {
		a.Severity = severity
		a.Message = message
		a.Data = data
		a.Timestamp = now
		a.Status = StatusActive
		return
	}
	m.active[kind] = &Alert{
		ID:        fmt.Sprintf("%s-%d", kind, now.UnixNano()),
		Kind:      kind,
		Severity:  severity,
		Message:   message,
		Data:      data,
		Timestamp: now,
		Status:    StatusActive,
	}
}

func (m *Manager) resolveLocked(kind string, now time.Time) {
	if a, ok := m.active[kind]; ok && a.Status == StatusActive {
		a.Status = StatusResolved
		a.Timestamp = now
	}
}

func (m *Manager) evalErrorRateLocked(now time.Time) {
	for provider, p := range m.providers {
		if p.count == 0 {
			continue
		}
		rate := float64(p.errorCount) / float64(p.count)
		kind := "error_rate:" + provider
		if rate > m.thresholds.ErrorRate {
			m.setLocked(kind, SeverityHigh,
				fmt.Sprintf("provider %s error rate %.2f exceeds threshold %.2f", provider, rate, m.thresholds.ErrorRate),
				map[string]any{"provider": provider, "error_rate": rate, "count": p.count, "error_count": p.errorCount}, now)
		} else {
			m.resolveLocked(kind, now)
		}
	}
}

func (m *Manager) evalLatencyLocked(now time.Time) {
	for provider, p := range m.providers {
		if p.count == 0 {
			continue
		}
		avg := p.sumLatency / float64(p.count)
		kind := "latency:" + provider
		if avg > m.thresholds.LatencyMs {
			m.setLocked(kind, SeverityMedium,
				fmt.Sprintf("provider %s avg latency %.0fms exceeds threshold %.0fms", provider, avg, m.thresholds.LatencyMs),
				map[string]any{"provider": provider, "avg_latency_ms": avg}, now)
		} else {
			m.resolveLocked(kind, now)
		}
	}
}

func (m *Manager) evalResourceLocked(now time.Time) {
	if m.sampler == nil {
		return
	}
	if frac, err := m.sampler.MemoryFraction(); err == nil {
		if frac > m.thresholds.MemoryFrac {
			m.setLocked("memory", SeverityHigh,
				fmt.Sprintf("process memory %.1f%% of system total exceeds threshold %.1f%%", frac*100, m.thresholds.MemoryFrac*100),
				map[string]any{"fraction": frac}, now)
		} else {
			m.resolveLocked("memory", now)
		}
	}
	if frac, err := m.sampler.CPUFraction(); err == nil {
		if frac > m.thresholds.CPUFrac {
			m.setLocked("cpu", SeverityMedium,
				fmt.Sprintf("process cpu fraction %.1f%% exceeds threshold %.1f%%", frac*100, m.thresholds.CPUFrac*100),
				map[string]any{"fraction": frac}, now)
		} else {
			m.resolveLocked("cpu", now)
		}
	}
}

func (m *Manager) evalCostLocked(now time.Time) {
	var daily, monthly float64
	dayCutoff := now.Add(-24 * time.Hour)
	for _, c := range m.costHistory {
		monthly += c.cost
		if c.t.After(dayCutoff) {
			daily += c.cost
		}
	}

	if daily > m.thresholds.CostDaily {
		m.setLocked("cost_daily", SeverityHigh,
			fmt.Sprintf("trailing 24h cost $%.2f exceeds threshold $%.2f", daily, m.thresholds.CostDaily),
			map[string]any{"cost_24h": daily}, now)
	} else {
		m.resolveLocked("cost_daily", now)
	}

	if monthly > m.thresholds.CostMonthly {
		m.setLocked("cost_monthly", SeverityCritical,
			fmt.Sprintf("trailing 30d cost $%.2f exceeds threshold $%.2f", monthly, m.thresholds.CostMonthly),
			map[string]any{"cost_30d": monthly}, now)
	} else {
		m.resolveLocked("cost_monthly", now)
	}
}
