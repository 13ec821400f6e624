// Package postgres provides PostgreSQL infrastructure components.
// Recipe events and proactive alerts reach Redpanda through a transactional outbox.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// relayLockID is the advisory lock held by the active relay instance.
const relayLockID int64 = 0x72786379 // "rxcy"

// OutboxEntry is one message waiting to be published
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	KafkaTopic    string
	KafkaKey      string
	CreatedAt     time.Time
	RetryCount    int
	LastError     *string
}

// RelayConfig holds configuration for the outbox relay
type RelayConfig struct {
	// BatchSize is the number of entries published per poll
	BatchSize int
	// PollInterval is how often the outbox table is polled
	PollInterval time.Duration
	// MaxRetries is the number of publish attempts before dead-lettering
	MaxRetries int
	// DeadLetterTopic receives entries that exhausted their retries
	DeadLetterTopic string
}

// DefaultRelayConfig returns sensible defaults
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:       100,
		PollInterval:    250 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: "dead.letter",
	}
}

// Publisher sends one message to a topic
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// WriteEntry inserts an outbox entry inside the caller's transaction, so the
// message is published if and only if the domain change commits.
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	query := `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	err := tx.QueryRow(ctx, query,
		entry.AggregateID,
		entry.AggregateType,
		entry.EventType,
		entry.Payload,
		entry.KafkaTopic,
		entry.KafkaKey,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// Relay polls the outbox table and publishes pending entries
type Relay struct {
	pool      *pgxpool.Pool
	config    RelayConfig
	publisher Publisher
	logger    *zap.Logger
	tracer    trace.Tracer
	onPending func(n int64)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay creates a new outbox relay
func NewRelay(pool *pgxpool.Pool, publisher Publisher, cfg RelayConfig, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultRelayConfig().BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultRelayConfig().PollInterval
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = DefaultRelayConfig().DeadLetterTopic
	}
	return &Relay{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("outbox-relay"),
	}
}

// OnPending registers a callback receiving the pending count after each poll
func (r *Relay) OnPending(fn func(n int64)) {
	r.onPending = fn
}

// Start begins polling until ctx is cancelled or Stop is called
func (r *Relay) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.loop(ctx)
	r.logger.Info("outbox relay started",
		zap.Int("batch_size", r.config.BatchSize),
		zap.Duration("poll_interval", r.config.PollInterval))
}

// Stop stops polling and waits for the current batch
func (r *Relay) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.logger.Info("outbox relay stopped")
}

func (r *Relay) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("outbox poll failed", zap.Error(err))
			}
		}
	}
}

// RunOnce publishes one batch, dead-letters exhausted entries and reports
// the remaining backlog.
func (r *Relay) RunOnce(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "outbox_run_once")
	defer span.End()

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", relayLockID).Scan(&acquired); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	if !acquired {
		return nil
	}
	defer conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", relayLockID)

	entries, err := r.fetchPending(ctx, conn.Conn())
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	for _, entry := range entries {
		if err := r.publish(ctx, conn.Conn(), entry); err != nil {
			r.logger.Warn("outbox publish failed",
				zap.Int64("id", entry.ID),
				zap.String("event_type", entry.EventType),
				zap.Int("retry_count", entry.RetryCount+1),
				zap.Error(err))
		}
	}

	if _, err := r.deadLetter(ctx, conn.Conn()); err != nil {
		r.logger.Error("dead-letter pass failed", zap.Error(err))
	}

	if r.onPending != nil {
		var pending int64
		if err := conn.QueryRow(ctx, "SELECT COUNT(*) FROM outbox WHERE processed_at IS NULL").Scan(&pending); err == nil {
			r.onPending(pending)
		}
	}
	return nil
}

func (r *Relay) fetchPending(ctx context.Context, conn *pgx.Conn) ([]*OutboxEntry, error) {
	query := `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count < $1
		ORDER BY id ASC
		LIMIT $2
	`

	rows, err := conn.Query(ctx, query, r.config.MaxRetries, r.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("fetch outbox: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.Payload,
			&e.KafkaTopic, &e.KafkaKey, &e.CreatedAt, &e.RetryCount, &e.LastError); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *Relay) publish(ctx context.Context, conn *pgx.Conn, entry *OutboxEntry) error {
	ctx, span := r.tracer.Start(ctx, "outbox_publish",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("topic", entry.KafkaTopic),
		))
	defer span.End()

	if err := r.publisher.Publish(ctx, entry.KafkaTopic, entry.KafkaKey, entry.Payload); err != nil {
		span.RecordError(err)
		if _, uerr := conn.Exec(ctx, `
			UPDATE outbox SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
			WHERE id = $2
		`, err.Error(), entry.ID); uerr != nil {
			r.logger.Error("record publish failure", zap.Error(uerr))
		}
		return err
	}

	if _, err := conn.Exec(ctx, `UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, entry.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// deadLetter moves entries that exhausted their retries to the dead-letter topic
func (r *Relay) deadLetter(ctx context.Context, conn *pgx.Conn) (int, error) {
	query := `
		SELECT id, aggregate_id, event_type, payload, kafka_topic, kafka_key, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count >= $1
		ORDER BY id ASC
		LIMIT $2
	`
	rows, err := conn.Query(ctx, query, r.config.MaxRetries, r.config.BatchSize)
	if err != nil {
		return 0, err
	}
	var exhausted []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.EventType, &e.Payload,
			&e.KafkaTopic, &e.KafkaKey, &e.RetryCount, &e.LastError); err != nil {
			rows.Close()
			return 0, err
		}
		exhausted = append(exhausted, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	moved := 0
	for _, e := range exhausted {
		payload, _ := json.Marshal(map[string]interface{}{
			"original_topic": e.KafkaTopic,
			"event_type":     e.EventType,
			"aggregate_id":   e.AggregateID,
			"payload":        e.Payload,
			"retry_count":    e.RetryCount,
			"last_error":     e.LastError,
		})
		if err := r.publisher.Publish(ctx, r.config.DeadLetterTopic, e.KafkaKey, payload); err != nil {
			r.logger.Error("dead-letter publish failed", zap.Int64("id", e.ID), zap.Error(err))
			continue
		}
		if _, err := conn.Exec(ctx, `UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, e.ID); err != nil {
			r.logger.Error("mark dead-lettered", zap.Int64("id", e.ID), zap.Error(err))
			continue
		}
		moved++
	}
	return moved, nil
}

// Cleanup removes processed entries older than the given age
func (r *Relay) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < NOW() - $1 * INTERVAL '1 second'
	`, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}
