// Package gwconfig loads the gateway's runtime configuration from the
// environment, the same getenv-with-default pattern the teacher used in
// internal/app/config.go.
package gwconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the gateway's full runtime configuration.
type Config struct {
	ListenAddr string
	LogLevel   string

	DefaultMaxLatencyMs int

	ProviderTimeoutSecs int

	// Router thresholds (§4.3).
	ComplexityLow  float64
	ComplexityHigh float64

	// Security & hardening.
	AdminToken     string   // required for /admin/v1 access in production
	CORSOrigins    []string // allowed CORS origins; empty = ["*"]
	RateLimitRPS   int      // requests per second per IP
	RateLimitBurst int      // burst capacity per IP

	// OpenTelemetry tracing (opt-in).
	OTelEnabled     bool
	OTelEndpoint    string
	OTelServiceName string

	// Alert thresholds (§4.8); the defaults match alerts.DefaultThresholds, and
	// every field (zero included) is applied to the alert manager as-is.
	AlertErrorRate    float64
	AlertLatencyMs    float64
	AlertMemoryFrac   float64
	AlertCPUFrac      float64
	AlertCostDaily    float64
	AlertCostMonthly  float64

	ShutdownDrainSecs int
}

const envPrefix = "MODELGATE_"

// LoadConfig reads Config from the environment, applying the teacher's
// defaults-with-override pattern.
func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),

		DefaultMaxLatencyMs: getEnvInt("DEFAULT_MAX_LATENCY_MS", 20000),

		ProviderTimeoutSecs: getEnvInt("PROVIDER_TIMEOUT_SECS", 30),

		ComplexityLow:  getEnvFloat("COMPLEXITY_LOW", 0.3),
		ComplexityHigh: getEnvFloat("COMPLEXITY_HIGH", 0.7),

		AdminToken:     getEnv("ADMIN_TOKEN", ""),
		CORSOrigins:    getEnvStringSlice("CORS_ORIGINS", nil),
		RateLimitRPS:   getEnvInt("RATE_LIMIT_RPS", 60),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 120),

		OTelEnabled:     getEnvBool("OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("OTEL_ENDPOINT", "localhost:4318"),
		OTelServiceName: getEnv("OTEL_SERVICE_NAME", "modelgate"),

		AlertErrorRate:   getEnvFloat("ALERT_ERROR_RATE", 0.1),
		AlertLatencyMs:   getEnvFloat("ALERT_LATENCY_MS", 2000),
		AlertMemoryFrac:  getEnvFloat("ALERT_MEMORY_FRAC", 0.9),
		AlertCPUFrac:     getEnvFloat("ALERT_CPU_FRAC", 0.8),
		AlertCostDaily:   getEnvFloat("ALERT_COST_DAILY_USD", 1000),
		AlertCostMonthly: getEnvFloat("ALERT_COST_MONTHLY_USD", 20000),

		ShutdownDrainSecs: getEnvInt("SHUTDOWN_DRAIN_SECS", 30),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("%sRATE_LIMIT_RPS must be > 0, got %d", envPrefix, c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("%sRATE_LIMIT_BURST must be > 0, got %d", envPrefix, c.RateLimitBurst)
	}
	if c.ProviderTimeoutSecs <= 0 {
		return fmt.Errorf("%sPROVIDER_TIMEOUT_SECS must be > 0, got %d", envPrefix, c.ProviderTimeoutSecs)
	}
	if c.DefaultMaxLatencyMs <= 0 {
		return fmt.Errorf("%sDEFAULT_MAX_LATENCY_MS must be > 0, got %d", envPrefix, c.DefaultMaxLatencyMs)
	}
	if c.ComplexityLow < 0 || c.ComplexityHigh > 1 || c.ComplexityLow > c.ComplexityHigh {
		return fmt.Errorf("%sCOMPLEXITY_LOW/%sCOMPLEXITY_HIGH must satisfy 0 <= low <= high <= 1, got %f/%f", envPrefix, envPrefix, c.ComplexityLow, c.ComplexityHigh)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(envPrefix + key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(envPrefix + key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(envPrefix + key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(envPrefix + key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
