// Package circuitbreaker guards calls to backing stores with sony/gobreaker
// and a bounded retry loop.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State is the breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ErrOpen is returned while the breaker rejects calls
var ErrOpen = errors.New("circuit open")

// Config holds breaker configuration
type Config struct {
	Name string
	// MaxRequests is the number of trial calls allowed while half-open
	MaxRequests uint32
	// Interval clears the closed-state counts
	Interval time.Duration
	// Timeout is how long the breaker stays open
	Timeout time.Duration
	// FailureThreshold opens the breaker after this many consecutive failures
	FailureThreshold uint32
	// FailureRatio opens the breaker once MinRequests calls were seen
	FailureRatio float64
	MinRequests  uint32
	// MaxRetries is the number of extra attempts after a failed call
	MaxRetries int
	// RetryDelay is the base delay, multiplied by the attempt number
	RetryDelay time.Duration
	// Permanent reports errors that are answers rather than outages, such
	// as a missing row. They are returned at once and do not trip the breaker.
	Permanent func(error) bool
}

// DefaultConfig returns defaults for database fetches
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          15 * time.Second,
		FailureThreshold: 5,
		FailureRatio:     0.6,
		MinRequests:      20,
		MaxRetries:       2,
		RetryDelay:       100 * time.Millisecond,
	}
}

// Breaker wraps gobreaker with retries, logging and OpenTelemetry metrics
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	config Config
	logger *zap.Logger
	tracer trace.Tracer

	requests metric.Int64Counter
	failures metric.Int64Counter
	rejected metric.Int64Counter
	retries  metric.Int64Counter

	mu       sync.RWMutex
	state    State
	onChange func(name string, to State)
}

// New creates a breaker
func New(cfg Config, logger *zap.Logger) (*Breaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	b := &Breaker{
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("circuit-breaker"),
		state:  StateClosed,
	}

	meter := otel.Meter("circuit-breaker")
	var err error
	if b.requests, err = meter.Int64Counter("circuit_breaker_requests_total",
		metric.WithDescription("Calls attempted through the breaker")); err != nil {
		return nil, fmt.Errorf("create request counter: %w", err)
	}
	if b.failures, err = meter.Int64Counter("circuit_breaker_failures_total",
		metric.WithDescription("Calls that failed")); err != nil {
		return nil, fmt.Errorf("create failure counter: %w", err)
	}
	if b.rejected, err = meter.Int64Counter("circuit_breaker_rejected_total",
		metric.WithDescription("Calls rejected by an open breaker")); err != nil {
		return nil, fmt.Errorf("create rejected counter: %w", err)
	}
	if b.retries, err = meter.Int64Counter("circuit_breaker_retries_total",
		metric.WithDescription("Retried calls")); err != nil {
		return nil, fmt.Errorf("create retry counter: %w", err)
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if cfg.FailureThreshold > 0 && c.ConsecutiveFailures >= cfg.FailureThreshold {
				return true
			}
			if cfg.MinRequests == 0 || c.Requests < cfg.MinRequests {
				return false
			}
			return float64(c.TotalFailures)/float64(c.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.changed(from, to)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || b.permanent(err)
		},
	})

	return b, nil
}

// OnStateChange registers a callback invoked after each transition
func (b *Breaker) OnStateChange(fn func(name string, to State)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Do runs fn through the breaker, retrying transient failures
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Call runs fn through b and returns its value
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, span := b.tracer.Start(ctx, "circuit_breaker_call",
		trace.WithAttributes(attribute.String("breaker", b.config.Name)))
	defer span.End()

	name := metric.WithAttributes(attribute.String("name", b.config.Name))
	var zero T
	var lastErr error

	for attempt := 0; attempt <= b.config.MaxRetries; attempt++ {
		if attempt > 0 {
			b.retries.Add(ctx, 1, name)
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(b.config.RetryDelay * time.Duration(attempt)):
			}
		}

		b.requests.Add(ctx, 1, name)
		out, err := b.cb.Execute(func() (interface{}, error) {
			return fn(ctx)
		})
		if err == nil {
			v, _ := out.(T)
			return v, nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			b.rejected.Add(ctx, 1, name)
			span.SetAttributes(attribute.Bool("circuit_open", true))
			return zero, fmt.Errorf("%s: %w", b.config.Name, ErrOpen)
		}
		if b.permanent(err) || ctx.Err() != nil {
			return zero, err
		}

		b.failures.Add(ctx, 1, name)
		span.RecordError(err)
		lastErr = err
	}

	return zero, fmt.Errorf("%s failed after %d attempts: %w", b.config.Name, b.config.MaxRetries+1, lastErr)
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Name returns the breaker name
func (b *Breaker) Name() string {
	return b.config.Name
}

func (b *Breaker) permanent(err error) bool {
	return b.config.Permanent != nil && b.config.Permanent(err)
}

func (b *Breaker) changed(from, to gobreaker.State) {
	next := mapState(to)

	b.mu.Lock()
	b.state = next
	fn := b.onChange
	b.mu.Unlock()

	b.logger.Warn("circuit breaker state changed",
		zap.String("breaker", b.config.Name),
		zap.String("from", string(mapState(from))),
		zap.String("to", string(next)))

	if fn != nil {
		fn(b.config.Name, next)
	}
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
