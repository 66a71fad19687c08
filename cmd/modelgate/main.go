package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jordanhubbard/modelgate/internal/adapter"
	"github.com/jordanhubbard/modelgate/internal/alerts"
	"github.com/jordanhubbard/modelgate/internal/dispatcher"
	"github.com/jordanhubbard/modelgate/internal/events"
	"github.com/jordanhubbard/modelgate/internal/gwconfig"
	"github.com/jordanhubbard/modelgate/internal/health"
	"github.com/jordanhubbard/modelgate/internal/loadtracker"
	"github.com/jordanhubbard/modelgate/internal/logging"
	"github.com/jordanhubbard/modelgate/internal/metrics"
	"github.com/jordanhubbard/modelgate/internal/providers/anthropic"
	"github.com/jordanhubbard/modelgate/internal/providers/openai"
	"github.com/jordanhubbard/modelgate/internal/providers/vllm"
	"github.com/jordanhubbard/modelgate/internal/ratelimit"
	"github.com/jordanhubbard/modelgate/internal/registry"
	"github.com/jordanhubbard/modelgate/internal/router"
	"github.com/jordanhubbard/modelgate/internal/rpcapi"
	"github.com/jordanhubbard/modelgate/internal/tracing"
)

// version is set at build time via -ldflags.
var version = "dev"

// runHealthCheck performs an HTTP health check against the given address.
func runHealthCheck(addr string) error {
	resp, err := http.Get(fmt.Sprintf("http://localhost%s/healthz", addr))
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

func main() {
	// Built-in health check mode for Docker HEALTHCHECK (distroless has no curl).
	if len(os.Args) > 1 && os.Args[1] == "-healthcheck" {
		addr := os.Getenv("MODELGATE_LISTEN_ADDR")
		if addr == "" {
			addr = ":8080"
		}
		if err := runHealthCheck(addr); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}

	log.Printf("modelgate version %s", version)
	cfg, err := gwconfig.LoadConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := logging.Setup(cfg.LogLevel)

	shutdownTracing, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.OTelServiceName,
	})
	if err != nil {
		log.Fatalf("tracing init error: %v", err)
	}

	reg, senders := buildProviders(cfg)

	tracker := loadtracker.New(func(providerID string) int {
		d, ok := reg.Get(providerID)
		if !ok {
			return 0
		}
		return d.MaxConcurrent
	})

	rt := router.New(reg, tracker, cfg.ComplexityLow, cfg.ComplexityHigh)

	bus := events.NewBus()

	metricsReg := metrics.New()
	syncRegistry := health.SyncToRegistry(reg)
	healthTracker := health.NewTracker(health.DefaultConfig(),
		health.WithEventBus(bus),
		health.WithOnUpdate(func(providerID string, state health.State) {
			syncRegistry(providerID, state)
			metricsReg.SetHealth(providerID, healthGaugeValue(state))
		}),
	)

	var sampler alerts.Sampler
	if s, err := alerts.NewProcSampler(); err != nil {
		logger.Warn("resource sampler unavailable; CPU/memory alerts disabled", slog.String("error", err.Error()))
	} else {
		sampler = s
	}
	alertMgr := alerts.NewManager(sampler)
	alertMgr.UpdateThresholds(alerts.ThresholdsPatch{
		ErrorRate:   &cfg.AlertErrorRate,
		LatencyMs:   &cfg.AlertLatencyMs,
		MemoryFrac:  &cfg.AlertMemoryFrac,
		CPUFrac:     &cfg.AlertCPUFrac,
		CostDaily:   &cfg.AlertCostDaily,
		CostMonthly: &cfg.AlertCostMonthly,
	})

	recorder := &fanoutRecorder{alerts: alertMgr, metrics: metricsReg, health: healthTracker}
	disp := dispatcher.New(rt, tracker, senders, recorder)

	prober := buildProber(senders, healthTracker, logger)
	prober.Start()

	rateLimiter := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, time.Second,
		ratelimit.WithCounter(metricsReg.RateLimitedTotal))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(tracing.Middleware())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins(cfg.CORSOrigins),
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	rpcapi.MountRoutes(r, rpcapi.ServerDependencies{
		Dependencies: rpcapi.Dependencies{Dispatcher: disp, Registry: reg},
		Health:       healthTracker,
		Alerts:       alertMgr,
		Metrics:      metricsReg,
		EventBus:     bus,
		RateLimiter:  rateLimiter,
		AdminToken:   cfg.AdminToken,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		WriteTimeout:      time.Duration(cfg.DefaultMaxLatencyMs*3) * time.Millisecond,
	}

	go func() {
		log.Printf("modelgate listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen error: %v", err)
		}
	}()

	// Graceful shutdown: drain in-flight requests, then close resources.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Printf("shutting down (draining in-flight requests)...")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownDrainSecs)*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	prober.Stop()
	rateLimiter.Stop()
	alertMgr.Close()
	if err := shutdownTracing(ctx); err != nil {
		log.Printf("tracing shutdown error: %v", err)
	}
	log.Printf("shutdown complete")
}

// fanoutRecorder is the single dispatcher.EventRecorder wired at startup; it
// fans each terminal event out to the three independent consumers that care
// about it (§9: none of them may block the dispatcher).
type fanoutRecorder struct {
	alerts  *alerts.Manager
	metrics *metrics.Registry
	health  *health.Tracker
}

func (f *fanoutRecorder) Record(e dispatcher.Event) {
	f.alerts.Record(e)
	f.metrics.Record(e.Provider, e.Success, e.LatencyMs, e.Cost)
	if e.Provider == "" {
		return
	}
	if e.Success {
		f.health.RecordSuccess(e.Provider, e.LatencyMs)
	} else {
		f.health.RecordError(e.Provider, e.FailureKind)
	}
}

// healthGaugeValue maps a health.State to the modelgate_provider_health gauge.
func healthGaugeValue(state health.State) float64 {
	switch state {
	case health.StateHealthy:
		return 2
	case health.StateDegraded:
		return 1
	default:
		return 0
	}
}

// buildProviders constructs the registry and adapter set from environment
// credentials. Each provider is opt-in: it's wired only when its API key (or,
// for vllm, its endpoint) is present in the environment.
func buildProviders(cfg gwconfig.Config) (*registry.Registry, map[string]adapter.Sender) {
	reg := registry.New()
	senders := make(map[string]adapter.Sender)
	timeout := time.Duration(cfg.ProviderTimeoutSecs) * time.Second

	if key := os.Getenv("MODELGATE_OPENAI_API_KEY"); key != "" {
		base := os.Getenv("MODELGATE_OPENAI_BASE_URL")
		if base == "" {
			base = "https://api.openai.com/v1"
		}
		senders["openai"] = openai.New("openai", key, base, openai.WithTimeout(timeout))
		reg.Load(registry.Descriptor{
			Name:           "openai",
			Status:         registry.StatusOnline,
			SupportedTypes: []registry.ModelType{registry.Hybrid, registry.Remote},
			Capabilities:   []string{"chat", "summarize", "code"},
			MaxConcurrent:  envInt("MODELGATE_OPENAI_MAX_CONCURRENT", 50),
			BaseCost:       0.002,
			MaxCost:        0.06,
			CostEfficiency: 0.7,
		})
	}

	if key := os.Getenv("MODELGATE_ANTHROPIC_API_KEY"); key != "" {
		base := os.Getenv("MODELGATE_ANTHROPIC_BASE_URL")
		if base == "" {
			base = "https://api.anthropic.com"
		}
		senders["anthropic"] = anthropic.New("anthropic", key, base, anthropic.WithTimeout(timeout))
		reg.Load(registry.Descriptor{
			Name:           "anthropic",
			Status:         registry.StatusOnline,
			SupportedTypes: []registry.ModelType{registry.Hybrid, registry.Remote},
			Capabilities:   []string{"chat", "summarize", "code", "reasoning"},
			MaxConcurrent:  envInt("MODELGATE_ANTHROPIC_MAX_CONCURRENT", 50),
			BaseCost:       0.003,
			MaxCost:        0.08,
			CostEfficiency: 0.75,
		})
	}

	if endpoint := os.Getenv("MODELGATE_VLLM_ENDPOINT"); endpoint != "" {
		senders["vllm"] = vllm.New("vllm", endpoint, vllm.WithTimeout(timeout))
		reg.Load(registry.Descriptor{
			Name:           "vllm",
			Status:         registry.StatusOnline,
			SupportedTypes: []registry.ModelType{registry.Local},
			Capabilities:   []string{"chat", "code"},
			MaxConcurrent:  envInt("MODELGATE_VLLM_MAX_CONCURRENT", 20),
			BaseCost:       0,
			MaxCost:        0,
			CostEfficiency: 1.0,
		})
	}

	return reg, senders
}

// buildProber wires a health.Prober against every sender that exposes an
// HealthEndpoint (the Probeable interface, §9); senders that don't (vllm,
// openai today) are monitored purely through dispatcher-reported
// success/error via fanoutRecorder instead.
func buildProber(senders map[string]adapter.Sender, tracker *health.Tracker, logger *slog.Logger) *health.Prober {
	var targets []health.Probeable
	for _, s := range senders {
		if p, ok := s.(health.Probeable); ok {
			targets = append(targets, p)
		}
	}
	return health.NewProber(health.DefaultProberConfig(), tracker, targets, logger)
}

func corsOrigins(configured []string) []string {
	if len(configured) == 0 {
		return []string{"*"}
	}
	return configured
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(strings.TrimSpace(v), "%d", &n); err != nil {
		return def
	}
	return n
}
