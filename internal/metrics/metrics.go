package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the Prometheus collectors the dispatcher's terminal events
// (dispatcher.Event, §4.6) are projected onto.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestLatency   *prometheus.HistogramVec
	CostUSD          *prometheus.CounterVec
	RateLimitedTotal prometheus.Counter
	ProviderHealth   *prometheus.GaugeVec // 0=down, 1=degraded, 2=healthy
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelgate_requests_total",
			Help: "Total requests dispatched through the gateway",
		}, []string{"provider", "status"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modelgate_request_latency_ms",
			Help:    "End-to-end request latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"provider"}),
		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelgate_cost_usd_total",
			Help: "Estimated USD cost accrued per provider",
		}, []string{"provider"}),
		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelgate_rate_limited_total",
			Help: "Total requests rejected by the rate limiter",
		}),
		ProviderHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modelgate_provider_health",
			Help: "Provider health state (0=down, 1=degraded, 2=healthy)",
		}, []string{"provider"}),
	}
	reg.MustRegister(m.RequestsTotal, m.RequestLatency, m.CostUSD, m.RateLimitedTotal, m.ProviderHealth)
	return m
}

// Record projects a dispatcher terminal event onto the Prometheus
// collectors. It never blocks (§9): all operations here are lock-free
// Prometheus counter/histogram updates.
func (m *Registry) Record(provider string, success bool, latencyMs, cost float64) {
	status := "error"
	if success {
		status = "success"
	}
	m.RequestsTotal.WithLabelValues(provider, status).Inc()
	m.RequestLatency.WithLabelValues(provider).Observe(latencyMs)
	if cost > 0 {
		m.CostUSD.WithLabelValues(provider).Add(cost)
	}
}

// SetHealth projects a health.State transition onto the provider health gauge.
func (m *Registry) SetHealth(provider string, value float64) {
	m.ProviderHealth.WithLabelValues(provider).Set(value)
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
