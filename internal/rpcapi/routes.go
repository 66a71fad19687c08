package rpcapi

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jordanhubbard/modelgate/internal/alerts"
	"github.com/jordanhubbard/modelgate/internal/events"
	"github.com/jordanhubbard/modelgate/internal/health"
	"github.com/jordanhubbard/modelgate/internal/metrics"
	"github.com/jordanhubbard/modelgate/internal/ratelimit"
	"github.com/jordanhubbard/modelgate/internal/registry"
)

// maxRequestBodySize bounds POST bodies on the RPC surface (10 MB).
const maxRequestBodySize = 10 << 20

// ServerDependencies are the full set of components MountRoutes wires into
// the HTTP surface: the three RPC methods plus ambient operational routes
// (healthz, metrics, admin alerts/events).
type ServerDependencies struct {
	Dependencies

	Health      *health.Tracker
	Alerts      *alerts.Manager
	Metrics     *metrics.Registry
	EventBus    *events.Bus
	RateLimiter *ratelimit.Limiter

	// AdminToken protects /admin/v1/*; empty disables auth (local/dev only).
	AdminToken string
}

func bodySizeLimit(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// adminAuthMiddleware requires a Bearer token matching AdminToken.
func adminAuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, "missing admin token", http.StatusUnauthorized)
				return
			}
			provided := strings.TrimPrefix(auth, "Bearer ")
			if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
				http.Error(w, "invalid admin token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MountRoutes wires the RPC surface plus ambient admin routes onto r.
func MountRoutes(r chi.Router, d ServerDependencies) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		online := 0
		for _, desc := range d.Registry.List() {
			if desc.Status == registry.StatusOnline {
				online++
			}
		}
		status := http.StatusOK
		body := map[string]any{"status": "ok", "providers_online": online}
		if online == 0 {
			status = http.StatusServiceUnavailable
			body["status"] = "unhealthy"
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(bodySizeLimit(maxRequestBodySize))
		if d.RateLimiter != nil {
			r.Use(d.RateLimiter.Middleware)
		}
		r.Post("/query", ProcessQueryHandler(d.Dependencies))
		r.Get("/capabilities", GetModelCapabilitiesHandler(d.Dependencies))
		r.Post("/complexity", EvaluateComplexityHandler())
	})

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}

	r.Route("/admin/v1", func(r chi.Router) {
		if d.AdminToken != "" {
			r.Use(adminAuthMiddleware(d.AdminToken))
		}
		r.Get("/alerts", alertsHandler(d.Alerts))
		r.Get("/providers", providersHandler(d.Registry, d.Health))
		if d.EventBus != nil {
			r.Get("/events", sseHandler(d.EventBus))
		}
	})
}

func alertsHandler(m *alerts.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"alerts":       m.Evaluate(),
			"request_rate": m.RequestRate(),
			"thresholds":   m.Thresholds(),
		})
	}
}

type providerStatus struct {
	Name          string  `json:"name"`
	Status        string  `json:"status"`
	Inflight      int     `json:"inflight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	ErrorRate     float64 `json:"error_rate"`
}

func providersHandler(reg *registry.Registry, tracker *health.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		var out []providerStatus
		for _, desc := range reg.List() {
			ps := providerStatus{Name: desc.Name, Status: string(desc.Status)}
			if tracker != nil {
				ps.AvgLatencyMs = tracker.GetAvgLatencyMs(desc.Name)
				ps.ErrorRate = tracker.GetErrorRate(desc.Name)
			}
			out = append(out, ps)
		}
		writeJSON(w, http.StatusOK, map[string]any{"providers": out})
	}
}

// sseHandler streams bus events to the client using Server-Sent Events.
func sseHandler(bus *events.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		sub := bus.Subscribe(64)
		defer bus.Unsubscribe(sub)

		_, _ = fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case e := <-sub.C:
				_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, e.JSON())
				flusher.Flush()
			}
		}
	}
}
