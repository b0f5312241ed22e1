package main

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/orbitcore/orbit/internal/adapters/breaker"
	"github.com/orbitcore/orbit/internal/adapters/ratelimit"
	"github.com/orbitcore/orbit/pkg/protect"
)

func getenv(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}

func intFromEnv(k string, def int) int {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func msDuration(k string, defMS int) time.Duration {
	return time.Duration(intFromEnv(k, defMS)) * time.Millisecond
}

func boolFromEnv(k string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func floatFromEnv(k string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return def
	}
	return f
}

// serverConfig mirrors the env-driven cfg struct in the teacher's
// cmd/orchestrator/main.go, trimmed and renamed to Orbit's own knobs.
type serverConfig struct {
	Addr            string
	Env             string
	LogLevel        string
	ShutdownTimeout time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	RequestIDHeader string

	DownstreamURL       string
	DownstreamTimeoutMS int

	ProtectEnabled          bool
	RateLimitPerSecond      float64
	RateLimitBurst          int
	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerOpenTimeoutMS    int
	BreakerWindowMS         int
	BulkheadLimit           int
}

func loadServerConfig() serverConfig {
	return serverConfig{
		Addr:                getenv("ORBITD_ADDR", ":8080"),
		Env:                 getenv("ORBITD_ENV", "local"),
		LogLevel:            getenv("ORBITD_LOG_LEVEL", "info"),
		ShutdownTimeout:     msDuration("ORBITD_SHUTDOWN_TIMEOUT_MS", 10000),
		ReadTimeout:         msDuration("ORBITD_READ_TIMEOUT_MS", 5000),
		WriteTimeout:        msDuration("ORBITD_WRITE_TIMEOUT_MS", 10000),
		IdleTimeout:         msDuration("ORBITD_IDLE_TIMEOUT_MS", 60000),
		RequestIDHeader:     getenv("ORBITD_REQUEST_ID_HEADER", "X-Request-Id"),
		DownstreamURL:       getenv("ORBITD_DOWNSTREAM_URL", "http://localhost:9090/actions"),
		DownstreamTimeoutMS: intFromEnv("ORBITD_DOWNSTREAM_TIMEOUT_MS", 10000),

		ProtectEnabled:          boolFromEnv("ORBITD_PROTECT_ENABLED", true),
		RateLimitPerSecond:      floatFromEnv("ORBITD_RATE_LIMIT_PER_SECOND", 100),
		RateLimitBurst:          intFromEnv("ORBITD_RATE_LIMIT_BURST", 100),
		BreakerFailureThreshold: intFromEnv("ORBITD_BREAKER_FAILURE_THRESHOLD", 5),
		BreakerSuccessThreshold: intFromEnv("ORBITD_BREAKER_SUCCESS_THRESHOLD", 2),
		BreakerOpenTimeoutMS:    intFromEnv("ORBITD_BREAKER_OPEN_TIMEOUT_MS", 30000),
		BreakerWindowMS:         intFromEnv("ORBITD_BREAKER_WINDOW_MS", 60000),
		BulkheadLimit:           intFromEnv("ORBITD_BULKHEAD_LIMIT", 64),
	}
}

// buildProtectChain wires the real RateLimiter/CircuitBreaker/Bulkhead adapters
// behind cfg.ProtectEnabled, matching C6's ordering (spec.md §4.5). When disabled,
// NewChain's NoOp defaults apply, as before.
func buildProtectChain(cfg serverConfig) protect.Chain {
	if !cfg.ProtectEnabled {
		return protect.NewChain(protect.Chain{})
	}
	return protect.NewChain(protect.Chain{
		RateLimiter: ratelimit.New(cfg.RateLimitPerSecond, cfg.RateLimitBurst),
		CircuitBreaker: breaker.New(breaker.Config{
			Name:             "orbitd",
			FailureThreshold: uint32(cfg.BreakerFailureThreshold),
			SuccessThreshold: uint32(cfg.BreakerSuccessThreshold),
			OpenTimeout:      time.Duration(cfg.BreakerOpenTimeoutMS) * time.Millisecond,
			Window:           time.Duration(cfg.BreakerWindowMS) * time.Millisecond,
		}),
		Bulkhead: protect.NewLocalBulkhead(cfg.BulkheadLimit),
	})
}
