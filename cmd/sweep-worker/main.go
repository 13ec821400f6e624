// Package main provides the sweep worker entry point.
// Consumes sweep requests and recipe events and runs the daily proactive sweep.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/magistral/rxcycle/internal/config"
	"github.com/magistral/rxcycle/internal/domain/proactive"
	"github.com/magistral/rxcycle/internal/domain/recipe"
	"github.com/magistral/rxcycle/internal/infrastructure/postgres"
	"github.com/magistral/rxcycle/internal/infrastructure/redpanda"
	"github.com/magistral/rxcycle/internal/observability/metrics"
	"github.com/magistral/rxcycle/internal/observability/tracing"
	"github.com/magistral/rxcycle/internal/sweep"
	"github.com/magistral/rxcycle/pkg/circuitbreaker"
	"github.com/magistral/rxcycle/pkg/idempotency"
)

const serviceName = "sweep-worker"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := cfg.RequireDatabase(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	traceCfg := tracing.DefaultConfig(serviceName)
	traceCfg.Environment = cfg.Env
	traceCfg.OTLPEndpoint = cfg.OTLPEndpoint
	traceCfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	// Connect to database
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	m := metrics.New(nil)

	breakerCfg := circuitbreaker.DefaultConfig("recipe-store")
	breakerCfg.Permanent = sweep.NotFound
	breaker, err := circuitbreaker.New(breakerCfg, logger)
	if err != nil {
		logger.Fatal("circuit breaker creation failed", zap.Error(err))
	}
	breaker.OnStateChange(func(name string, to circuitbreaker.State) {
		m.SetBreakerState(name, string(to))
	})

	evaluator, err := proactive.New(cfg.Evaluation())
	if err != nil {
		logger.Fatal("evaluator creation failed", zap.Error(err))
	}

	sweeper := sweep.New(
		sweep.NewGuardedSource(recipe.NewRepository(pool, logger), breaker),
		evaluator,
		sweep.Config{Workers: cfg.SweepWorkers, QueueSize: cfg.SweepQueueSize},
		logger,
		sweep.WithRecorder(postgres.NewSnapshotStore(pool, redpanda.TopicProactiveAlerts, logger)),
		sweep.WithMetrics(m),
	)

	inboxCfg := idempotency.DefaultConfig()
	inboxCfg.Terminal = sweep.Terminal
	inbox := idempotency.NewInbox(pool, inboxCfg, logger)
	if n, err := inbox.RecoverStale(ctx); err != nil {
		logger.Warn("recover stale inbox entries failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("recovered stale inbox entries", zap.Int64("count", n))
	}
	inbox.StartCleanup(ctx)
	defer inbox.Stop()

	worker := sweep.NewWorker(sweeper, inbox, m, logger)

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.Brokers()
	consumerCfg.GroupID = serviceName
	consumerCfg.Topics = []string{redpanda.TopicSweepRequests, redpanda.TopicRecipeEvents}

	consumer, err := redpanda.NewConsumer(consumerCfg, worker.Handle, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start(ctx)

	go worker.Schedule(ctx, cfg.SweepInterval)

	admin, err := redpanda.NewAdmin(cfg.Brokers(), logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	defer admin.Close()

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		consumed, failed := consumer.Counts()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","service":%q,"consumed":%d,"failed":%d,"breaker":%q}`,
			serviceName, consumed, failed, breaker.State())
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "database not ready", http.StatusServiceUnavailable)
			return
		}
		if err := redpanda.HealthCheck(r.Context(), cfg.Brokers()); err != nil {
			http.Error(w, "brokers not ready", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ready"))
	})
	r.Get("/lag", func(w http.ResponseWriter, r *http.Request) {
		lag, err := admin.ConsumerLag(r.Context(), consumerCfg.GroupID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(lag)
	})
	r.Handle("/metrics", m.Handler())
	server := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("status server error", zap.Error(err))
		}
	}()

	logger.Info("sweep worker started",
		zap.Strings("topics", consumerCfg.Topics),
		zap.Duration("sweep_interval", cfg.SweepInterval),
		zap.Int("workers", cfg.SweepWorkers))

	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	server.Shutdown(shutdownCtx)
	consumer.Stop()
	logger.Info("sweep worker stopped")
}
