// Package idempotency implements an inbox so consumed messages are handled
// at most once to completion, plus the deterministic keys used to dedupe
// proactive evaluations.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status is the processing state of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

var (
	// ErrDuplicateMessage means another handler claimed the key first
	ErrDuplicateMessage = errors.New("duplicate message: already processed")
	// ErrMessageInProgress means the key is held by a live handler
	ErrMessageInProgress = errors.New("message in progress by another handler")
	// ErrPreviouslyFailed means the key failed permanently before
	ErrPreviouslyFailed = errors.New("message previously failed permanently")
)

// Entry is one inbox row
type Entry struct {
	Key       string
	Handler   string
	Status    Status
	Payload   json.RawMessage
	Result    json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt *time.Time
}

// Config holds inbox configuration
type Config struct {
	// TTL is how long finished entries are kept
	TTL time.Duration
	// CleanupInterval is how often expired entries are removed
	CleanupInterval time.Duration
	// RecoveryTimeout is the age after which a STARTED entry is considered abandoned
	RecoveryTimeout time.Duration
	// Terminal reports whether a handler error must not be retried.
	// Nil treats every error as recoverable.
	Terminal func(error) bool
}

// DefaultConfig returns defaults sized for daily sweeps
func DefaultConfig() Config {
	return Config{
		TTL:             7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// Result describes how Process handled a key
type Result struct {
	IsNew        bool
	WasRecovered bool
	Output       json.RawMessage
}

// Func is an idempotent handler
type Func func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Inbox tracks processed message keys in Postgres
type Inbox struct {
	pool   *pgxpool.Pool
	config Config
	logger *zap.Logger
	tracer trace.Tracer

	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates an inbox
func NewInbox(pool *pgxpool.Pool, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
	}
}

// Process runs fn once per key. A finished key returns its stored output
// without calling fn again.
func (i *Inbox) Process(ctx context.Context, key, handler string, payload json.RawMessage, fn Func) (*Result, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handler),
		))
	defer span.End()

	entry, err := i.get(ctx, key)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check inbox: %w", err)
	}

	if entry != nil {
		switch entry.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &Result{Output: entry.Result}, nil
		case StatusFailed:
			return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)
		case StatusStarted:
			if time.Since(entry.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrMessageInProgress
			}
			if err := i.setStatus(ctx, key, StatusRecoverable, nil); err != nil {
				return nil, fmt.Errorf("mark recoverable: %w", err)
			}
			entry.Status = StatusRecoverable
		}
	}

	if err := i.claim(ctx, key, handler, payload); err != nil {
		return nil, err
	}

	out, herr := fn(ctx, payload)
	if herr != nil {
		status := StatusRecoverable
		if i.config.Terminal != nil && i.config.Terminal(herr) {
			status = StatusFailed
		}
		detail, _ := json.Marshal(map[string]string{"error": herr.Error()})
		if err := i.setStatus(ctx, key, status, detail); err != nil {
			i.logger.Error("record handler failure", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(herr)
		return nil, herr
	}

	if err := i.setStatus(ctx, key, StatusFinished, out); err != nil {
		i.logger.Error("mark finished", zap.String("key", key), zap.Error(err))
	}

	return &Result{
		IsNew:        entry == nil,
		WasRecovered: entry != nil && entry.Status == StatusRecoverable,
		Output:       out,
	}, nil
}

func (i *Inbox) get(ctx context.Context, key string) (*Entry, error) {
	e := &Entry{}
	err := i.pool.QueryRow(ctx, `
		SELECT idempotency_key, handler_name, status, payload, result, created_at, updated_at, expires_at
		FROM inbox
		WHERE idempotency_key = $1
	`, key).Scan(&e.Key, &e.Handler, &e.Status, &e.Payload, &e.Result, &e.CreatedAt, &e.UpdatedAt, &e.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// claim inserts the key as STARTED, or takes over a RECOVERABLE one
func (i *Inbox) claim(ctx context.Context, key, handler string, payload json.RawMessage) error {
	var returned string
	err := i.pool.QueryRow(ctx, `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = $3, updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE'
		RETURNING idempotency_key
	`, key, handler, StatusStarted, payload, time.Now().Add(i.config.TTL)).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicateMessage
	}
	if err != nil {
		return fmt.Errorf("claim inbox key: %w", err)
	}
	return nil
}

func (i *Inbox) setStatus(ctx context.Context, key string, status Status, result json.RawMessage) error {
	_, err := i.pool.Exec(ctx, `
		UPDATE inbox SET status = $1, result = $2, updated_at = NOW()
		WHERE idempotency_key = $3
	`, status, result, key)
	return err
}

// StartCleanup removes expired entries on an interval until Stop
func (i *Inbox) StartCleanup(ctx context.Context) {
	ctx, i.cancel = context.WithCancel(ctx)
	i.done = make(chan struct{})
	go func() {
		defer close(i.done)
		ticker := time.NewTicker(i.config.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := i.Cleanup(ctx); err != nil && ctx.Err() == nil {
					i.logger.Error("inbox cleanup failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop ends the cleanup loop
func (i *Inbox) Stop() {
	if i.cancel == nil {
		return
	}
	i.cancel()
	<-i.done
}

// Cleanup deletes expired entries
func (i *Inbox) Cleanup(ctx context.Context) (int64, error) {
	tag, err := i.pool.Exec(ctx, `DELETE FROM inbox WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("cleanup inbox: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		i.logger.Info("inbox cleanup completed", zap.Int64("deleted", n))
	}
	return tag.RowsAffected(), nil
}

// RecoverStale marks abandoned STARTED entries as RECOVERABLE
func (i *Inbox) RecoverStale(ctx context.Context) (int64, error) {
	tag, err := i.pool.Exec(ctx, `
		UPDATE inbox
		SET status = 'RECOVERABLE', updated_at = NOW()
		WHERE status = 'STARTED'
		  AND updated_at < NOW() - $1 * INTERVAL '1 second'
	`, i.config.RecoveryTimeout.Seconds())
	if err != nil {
		return 0, fmt.Errorf("recover stale: %w", err)
	}
	return tag.RowsAffected(), nil
}

// EvaluationKey identifies one proactive evaluation: the same patient,
// reference recipe and calendar day always produce the same key.
// An empty referenceID stands for "no reference recipe".
func EvaluationKey(patientID, referenceID string, day time.Time) string {
	data := strings.Join([]string{
		patientID,
		referenceID,
		day.Format(time.DateOnly),
	}, "|")
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// MessageKey derives an inbox key from a topic and message identifier
func MessageKey(topic, id string) string {
	sum := sha256.Sum256([]byte(topic + "|" + id))
	return hex.EncodeToString(sum[:])
}
