// Package main provides the outbox relay service entry point.
// Publishes recipe events and proactive alerts committed to the outbox table.
package main

import (
	"context"
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
	"github.com/magistral/rxcycle/internal/infrastructure/postgres"
	"github.com/magistral/rxcycle/internal/infrastructure/redpanda"
	"github.com/magistral/rxcycle/internal/observability/metrics"
	"github.com/magistral/rxcycle/internal/observability/tracing"
)

const (
	serviceName = "outbox-relay"
	// publishedRetention is how long published rows stay for inspection
	publishedRetention = 72 * time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
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

	logger.Info("connected to database")

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Brokers()
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.Brokers()))

	m := metrics.New(nil)

	relay := postgres.NewRelay(pool, producer, postgres.DefaultRelayConfig(), logger)
	relay.OnPending(func(n int64) {
		m.OutboxPending.Set(float64(n))
	})
	relay.Start(ctx)
	logger.Info("outbox relay started")

	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := relay.Cleanup(ctx, publishedRetention); err != nil && ctx.Err() == nil {
					logger.Error("outbox cleanup failed", zap.Error(err))
				}
			}
		}
	}()

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		stats := producer.Stats()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","service":%q,"sent":%d,"failed":%d}`, serviceName, stats.Sent, stats.Failed)
	})
	r.Handle("/metrics", m.Handler())
	server := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	server.Shutdown(shutdownCtx)
	relay.Stop()
	logger.Info("outbox relay stopped")
}
