// Package main provides the proactive API service entry point.
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
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/magistral/rxcycle/internal/api/handlers"
	"github.com/magistral/rxcycle/internal/api/middleware"
	"github.com/magistral/rxcycle/internal/config"
	"github.com/magistral/rxcycle/internal/domain/proactive"
	"github.com/magistral/rxcycle/internal/domain/recipe"
	"github.com/magistral/rxcycle/internal/infrastructure/postgres"
	"github.com/magistral/rxcycle/internal/infrastructure/redpanda"
	"github.com/magistral/rxcycle/internal/observability/metrics"
	"github.com/magistral/rxcycle/internal/observability/tracing"
	"github.com/magistral/rxcycle/internal/sweep"
	"github.com/magistral/rxcycle/pkg/circuitbreaker"
)

const serviceName = "proactive-api"

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

	ctx := context.Background()

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
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("database ping failed", zap.Error(err))
	}
	logger.Info("connected to database")

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

	repo := recipe.NewRepository(pool, logger)
	snapshots := postgres.NewSnapshotStore(pool, redpanda.TopicProactiveAlerts, logger)
	sweeper := sweep.New(
		sweep.NewGuardedSource(repo, breaker),
		evaluator,
		sweep.Config{Workers: cfg.SweepWorkers, QueueSize: cfg.SweepQueueSize},
		logger,
		sweep.WithRecorder(snapshots),
		sweep.WithMetrics(m),
	)

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Brokers()
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	proactiveHandler, err := handlers.NewProactiveHandler(cfg.Evaluation(), sweeper, producer, logger,
		handlers.WithSnapshots(snapshots))
	if err != nil {
		logger.Fatal("handler creation failed", zap.Error(err))
	}
	recipeHandler := handlers.NewRecipeHandler(repo, logger)

	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	// Setup router
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))
	r.Use(middleware.Metrics(m))

	// Health and metrics (no auth)
	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		if breaker.State() == circuitbreaker.StateOpen {
			http.Error(w, "recipe store circuit open", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", m.Handler())

	clients := cfg.Clients()
	r.Route("/api/v1", func(r chi.Router) {
		if len(clients) > 0 {
			r.Use(middleware.APIKeyAuth(clients))
		} else if cfg.IsDev() {
			logger.Warn("API_KEYS is empty; API authentication disabled in development")
		} else {
			logger.Fatal("API_KEYS is required outside development")
		}
		r.Use(limiter.Middleware)
		r.Mount("/recipes", recipeHandler.Routes())
		r.Mount("/", proactiveHandler.Routes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	pruneCtx, stopPrune := context.WithCancel(ctx)
	defer stopPrune()
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-pruneCtx.Done():
				return
			case now := <-ticker.C:
				limiter.Prune(now)
			}
		}
	}()

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting proactive API",
		zap.String("port", cfg.Port),
		zap.Int("max_cycles", cfg.MaxCycles),
		zap.String("timezone", cfg.EvaluationTimezone),
		zap.Bool("tracing_export", tp.Enabled()))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":%q}`, serviceName)
}
