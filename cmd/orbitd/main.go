// Command orbitd is Orbit's HTTP facade: it exposes the executor's Accept/QueryStatus
// operations over a gorilla/mux router, the shape adapted from the teacher's
// cmd/orchestrator/main.go (env-driven config, request-id/recovery/access-log
// middleware chain, graceful shutdown) and services/control-plane/coordinator/main.go
// (mux.Router wiring, a ticker-driven sweeper goroutine).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orbitcore/orbit/internal/adapters/idgen"
	"github.com/orbitcore/orbit/internal/adapters/inmem"
	"github.com/orbitcore/orbit/internal/adapters/logging"
	"github.com/orbitcore/orbit/internal/adapters/metrics"
	"github.com/orbitcore/orbit/pkg/executor"
	"github.com/orbitcore/orbit/pkg/idempotency"
	"github.com/orbitcore/orbit/pkg/sweeper"
	"github.com/orbitcore/orbit/pkg/telemetry"
)

func main() {
	cfg := loadServerConfig()

	sink, err := logging.NewZapSink()
	if err != nil {
		panic("orbitd: failed to build logger: " + err.Error())
	}
	defer func() { _ = sink.Sync() }()
	log := telemetry.New(sink, "orbitd", telemetry.Level(cfg.LogLevel))

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

	sw := sweeper.New(st, b, sweeper.Config{}).WithLogger(log.AsExecutorLogger())
	sweeperInterval := executor.DefaultConfig().SweeperInterval

	action := defaultAction(cfg)
	api := &apiServer{ex: ex, action: action, metrics: rec, log: log}

	router := mux.NewRouter()
	router.HandleFunc("/v1/operations", api.handlePostOperation).Methods(http.MethodPost)
	router.HandleFunc("/v1/operations/{opId}", api.handleGetOperation).Methods(http.MethodGet)
	router.HandleFunc("/health", api.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ready", api.handleReady).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	var handler http.Handler = router
	handler = withAccessLog(handler, log)
	handler = withRecovery(handler, log)
	handler = withRequestID(handler, cfg.RequestIDHeader)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	sweeperCtx, stopSweeper := context.WithCancel(context.Background())
	go runSweeper(sweeperCtx, sw, rec, sweeperInterval, log)

	go func() {
		log.Info(context.Background(), "orbitd_listening", map[string]any{"addr": cfg.Addr, "env": cfg.Env})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(context.Background(), "listen_failed", map[string]any{"error": err.Error()})
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info(context.Background(), "orbitd_shutting_down", nil)
	stopSweeper()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error(context.Background(), "shutdown_failed", map[string]any{"error": err.Error()})
	}
}

func runSweeper(ctx context.Context, sw *sweeper.Sweeper, rec *metrics.Recorder, interval time.Duration, log *telemetry.Logger) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := sw.Sweep(ctx)
			rec.ObserveSweep(res)
			if len(res.Errors) > 0 {
				log.Warn(ctx, "sweep_errors", map[string]any{"count": len(res.Errors)})
			}
		}
	}
}
