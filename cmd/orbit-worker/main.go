// Command orbit-worker drains the bus: it polls for due (OpId, Command) redeliveries
// and re-drives them through the executor, in the teacher's pkg/queue.Runner style
// (bounded concurrency, empty-poll backoff, a consecutive-error breaker on the runner
// loop itself distinct from the executor's own protection chain).
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/orbitcore/orbit/internal/adapters/breaker"
	"github.com/orbitcore/orbit/internal/adapters/httpaction"
	"github.com/orbitcore/orbit/internal/adapters/idgen"
	"github.com/orbitcore/orbit/internal/adapters/inmem"
	"github.com/orbitcore/orbit/internal/adapters/logging"
	"github.com/orbitcore/orbit/internal/adapters/metrics"
	"github.com/orbitcore/orbit/internal/adapters/ratelimit"
	"github.com/orbitcore/orbit/pkg/bus"
	"github.com/orbitcore/orbit/pkg/executor"
	"github.com/orbitcore/orbit/pkg/idempotency"
	"github.com/orbitcore/orbit/pkg/protect"
	"github.com/orbitcore/orbit/pkg/telemetry"
	"github.com/prometheus/client_golang/prometheus"
)

type workerConfig struct {
	Concurrency       int
	VisibilityTimeout time.Duration
	EmptyPollBackoff  time.Duration
	MaxEmptyBackoff   time.Duration
	DownstreamURL     string
	DownstreamTimeout time.Duration
	LogLevel          string

	ProtectEnabled          bool
	RateLimitPerSecond      float64
	RateLimitBurst          int
	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerOpenTimeoutMS    int
	BreakerWindowMS         int
	BulkheadLimit           int
}

func loadWorkerConfig() workerConfig {
	return workerConfig{
		Concurrency:       intFromEnv("ORBIT_WORKER_CONCURRENCY", 4),
		VisibilityTimeout: msDuration("ORBIT_WORKER_VISIBILITY_MS", 30000),
		EmptyPollBackoff:  msDuration("ORBIT_WORKER_EMPTY_BACKOFF_MS", 250),
		MaxEmptyBackoff:   msDuration("ORBIT_WORKER_MAX_BACKOFF_MS", 5000),
		DownstreamURL:     getenv("ORBIT_WORKER_DOWNSTREAM_URL", "http://localhost:9090/actions"),
		DownstreamTimeout: msDuration("ORBIT_WORKER_DOWNSTREAM_TIMEOUT_MS", 10000),
		LogLevel:          getenv("ORBIT_WORKER_LOG_LEVEL", "info"),

		ProtectEnabled:          boolFromEnv("ORBIT_WORKER_PROTECT_ENABLED", true),
		RateLimitPerSecond:      floatFromEnv("ORBIT_WORKER_RATE_LIMIT_PER_SECOND", 100),
		RateLimitBurst:          intFromEnv("ORBIT_WORKER_RATE_LIMIT_BURST", 100),
		BreakerFailureThreshold: intFromEnv("ORBIT_WORKER_BREAKER_FAILURE_THRESHOLD", 5),
		BreakerSuccessThreshold: intFromEnv("ORBIT_WORKER_BREAKER_SUCCESS_THRESHOLD", 2),
		BreakerOpenTimeoutMS:    intFromEnv("ORBIT_WORKER_BREAKER_OPEN_TIMEOUT_MS", 30000),
		BreakerWindowMS:         intFromEnv("ORBIT_WORKER_BREAKER_WINDOW_MS", 60000),
		BulkheadLimit:           intFromEnv("ORBIT_WORKER_BULKHEAD_LIMIT", 64),
	}
}

// buildProtectChain wires the real RateLimiter/CircuitBreaker/Bulkhead adapters
// behind cfg.ProtectEnabled, mirroring cmd/orbitd's construction so both entry points
// actually engage C6 instead of leaving it permanently NoOp.
func buildProtectChain(cfg workerConfig) protect.Chain {
	if !cfg.ProtectEnabled {
		return protect.NewChain(protect.Chain{})
	}
	return protect.NewChain(protect.Chain{
		RateLimiter: ratelimit.New(cfg.RateLimitPerSecond, cfg.RateLimitBurst),
		CircuitBreaker: breaker.New(breaker.Config{
			Name:             "orbit-worker",
			FailureThreshold: uint32(cfg.BreakerFailureThreshold),
			SuccessThreshold: uint32(cfg.BreakerSuccessThreshold),
			OpenTimeout:      time.Duration(cfg.BreakerOpenTimeoutMS) * time.Millisecond,
			Window:           time.Duration(cfg.BreakerWindowMS) * time.Millisecond,
		}),
		Bulkhead: protect.NewLocalBulkhead(cfg.BulkheadLimit),
	})
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func intFromEnv(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func msDuration(k string, defMS int) time.Duration {
	return time.Duration(intFromEnv(k, defMS)) * time.Millisecond
}

func boolFromEnv(k string, def bool) bool {
	v := os.Getenv(k)
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
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return def
	}
	return f
}

// consecutiveErrorBreaker backs off the runner's own poll loop after repeated infra
// failures (500ms per consecutive failure, capped at threshold failures), separate from the executor's protection chain which only guards the
// business action. Grounded on the teacher's queue.Runner backoff-on-error pattern.
type consecutiveErrorBreaker struct {
	mu        sync.Mutex
	fails     int
	threshold int
}

func (c *consecutiveErrorBreaker) recordError() (backoff time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fails++
	if c.fails > c.threshold {
		c.fails = c.threshold
	}
	return time.Duration(c.fails) * 500 * time.Millisecond
}

func (c *consecutiveErrorBreaker) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fails = 0
}

func main() {
	cfg := loadWorkerConfig()

	sink, err := logging.NewZapSink()
	if err != nil {
		panic("orbit-worker: failed to build logger: " + err.Error())
	}
	defer func() { _ = sink.Sync() }()
	log := telemetry.New(sink, "orbit-worker", telemetry.Level(cfg.LogLevel))

	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)

	st := inmem.NewStore()
	b := inmem.NewBus()
	idem := idempotency.NewInMemoryManager(idgen.UUIDGenerator{})
	chain := buildProtectChain(cfg)

	ex, err := executor.New(idem, st, b, chain, executor.DefaultConfig())
	if err != nil {
		log.Error(context.Background(), "executor_init_failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	ex = ex.WithLogger(log.AsExecutorLogger())

	action := httpaction.New(cfg.DownstreamURL, cfg.DownstreamTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info(context.Background(), "orbit_worker_shutting_down", nil)
		cancel()
	}()

	var wg sync.WaitGroup
	for i := 0; i < cfg.Concurrency; i++ {
		wg.Add(1)
		go runPoller(ctx, &wg, b, ex, action, rec, log, cfg)
	}
	wg.Wait()
}

func runPoller(ctx context.Context, wg *sync.WaitGroup, b bus.Bus, ex *executor.Executor, action executor.Action, rec *metrics.Recorder, log *telemetry.Logger, cfg workerConfig) {
	defer wg.Done()
	errBreaker := &consecutiveErrorBreaker{threshold: 10}
	backoff := cfg.EmptyPollBackoff

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		delivery, err := b.Poll(ctx, cfg.VisibilityTimeout)
		if err != nil {
			if errors.Is(err, bus.ErrEmpty) {
				sleep(ctx, backoff)
				if backoff *= 2; backoff > cfg.MaxEmptyBackoff {
					backoff = cfg.MaxEmptyBackoff
				}
				continue
			}
			wait := errBreaker.recordError()
			log.Warn(ctx, "poll_failed", map[string]any{"error": err.Error(), "backoff_ms": wait.Milliseconds()})
			sleep(ctx, wait)
			continue
		}
		backoff = cfg.EmptyPollBackoff
		errBreaker.recordSuccess()

		start := time.Now()
		outcome, err := ex.Retry(ctx, delivery.Message.OpId, delivery.Message.Command, delivery.Message.Attempt, action)
		domain, eventType := metrics.LabelsFor(delivery.Message.Command)
		rec.ObserveAttempt(domain, eventType, time.Since(start))

		if err != nil {
			log.Error(ctx, "retry_failed", map[string]any{
				"op_id": string(delivery.Message.OpId), "error": err.Error(),
			})
			_ = b.Nack(ctx, delivery.Receipt, cfg.EmptyPollBackoff)
			continue
		}

		if outcome.IsTerminal() {
			rec.RecordFinalize(domain, eventType, outcome.Kind.String())
		} else {
			rec.RecordRetry(domain, eventType)
		}

		if outcome.Code == executor.MaxAttemptsCode && ex.DLQOnMaxAttempts() {
			if err := b.DeadLetter(ctx, delivery.Receipt, outcome.Code); err != nil {
				log.Error(ctx, "dead_letter_failed", map[string]any{"op_id": string(delivery.Message.OpId), "error": err.Error()})
			} else {
				rec.RecordDeadLetter(domain, eventType)
			}
			continue
		}

		if err := b.Ack(ctx, delivery.Receipt); err != nil {
			log.Error(ctx, "ack_failed", map[string]any{"op_id": string(delivery.Message.OpId), "error": err.Error()})
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
