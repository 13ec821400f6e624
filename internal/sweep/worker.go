package sweep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/magistral/rxcycle/internal/domain/proactive"
	"github.com/magistral/rxcycle/internal/domain/recipe"
	"github.com/magistral/rxcycle/internal/infrastructure/redpanda"
	"github.com/magistral/rxcycle/internal/observability/metrics"
	"github.com/magistral/rxcycle/pkg/idempotency"
)

const scheduledBy = "scheduler"

var (
	errInvalid   = errors.New("invalid message")
	errDuplicate = errors.New("already processed")
)

// Inbox runs a handler at most once to completion per key
type Inbox interface {
	Process(ctx context.Context, key, handler string, payload json.RawMessage, fn idempotency.Func) (*idempotency.Result, error)
}

// Terminal reports handler errors that retrying cannot fix
func Terminal(err error) bool {
	return errors.Is(err, recipe.ErrNotFound) || errors.Is(err, proactive.ErrValidation)
}

// Worker reacts to sweep requests and recipe events, and runs the
// scheduled daily sweep
type Worker struct {
	sweeper *Sweeper
	inbox   Inbox
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewWorker creates a worker. metrics may be nil.
func NewWorker(s *Sweeper, inbox Inbox, m *metrics.Metrics, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{sweeper: s, inbox: inbox, metrics: m, logger: logger}
}

// Handle is the consumer handler. Returning nil commits the record, so
// messages that can never succeed are logged and dropped.
func (w *Worker) Handle(ctx context.Context, msg *redpanda.Message) error {
	var err error
	switch msg.Topic {
	case redpanda.TopicSweepRequests:
		err = w.handleSweepRequest(ctx, msg)
	case redpanda.TopicRecipeEvents:
		err = w.handleRecipeEvent(ctx, msg)
	default:
		w.logger.Warn("message on unexpected topic", zap.String("topic", msg.Topic))
		w.count(msg.Topic, "ignored")
		return nil
	}
	return w.settle(msg.Topic, err)
}

func (w *Worker) handleSweepRequest(ctx context.Context, msg *redpanda.Message) error {
	var req Request
	if err := json.Unmarshal(msg.Value, &req); err != nil || req.ID == "" {
		return fmt.Errorf("%w: undecodable sweep request at offset %d", errInvalid, msg.Offset)
	}

	return w.once(ctx, idempotency.MessageKey(msg.Topic, req.ID), "sweep_request", msg.Value,
		func(ctx context.Context) (any, error) {
			return w.sweeper.Run(ctx, req)
		})
}

func (w *Worker) handleRecipeEvent(ctx context.Context, msg *redpanda.Message) error {
	var ev recipe.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil || ev.ID == "" || ev.PatientID == "" {
		return fmt.Errorf("%w: undecodable recipe event at offset %d", errInvalid, msg.Offset)
	}

	return w.once(ctx, idempotency.MessageKey(msg.Topic, ev.ID), "recipe_event", msg.Value,
		func(ctx context.Context) (any, error) {
			res, err := w.sweeper.Refresh(ctx, ev.PatientID)
			if err != nil {
				return nil, err
			}
			if res.Changed {
				w.logger.Info("proactive status changed",
					zap.String("patient_id", res.PatientID),
					zap.String("recipe_id", ev.AggregateID),
					zap.String("event", string(ev.EventType)),
					zap.String("status", string(res.Outcome.Status)))
			}
			return res, nil
		})
}

// RunScheduled runs today's sweep unless another worker already did
func (w *Worker) RunScheduled(ctx context.Context) error {
	day, err := w.sweeper.Day("")
	if err != nil {
		return err
	}
	date := day.Format(time.DateOnly)
	req := NewRequest(date, scheduledBy, w.sweeper.now())
	payload, _ := json.Marshal(req)

	err = w.once(ctx, idempotency.MessageKey("scheduled-sweep", date), "scheduled_sweep", payload,
		func(ctx context.Context) (any, error) {
			return w.sweeper.Run(ctx, req)
		})
	if errors.Is(err, errDuplicate) ||
		errors.Is(err, idempotency.ErrDuplicateMessage) ||
		errors.Is(err, idempotency.ErrMessageInProgress) {
		return nil
	}
	return err
}

// Schedule calls RunScheduled immediately and then every interval until
// ctx is cancelled
func (w *Worker) Schedule(ctx context.Context, interval time.Duration) {
	run := func() {
		if err := w.RunScheduled(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("scheduled sweep failed", zap.Error(err))
		}
	}

	run()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

func (w *Worker) once(ctx context.Context, key, handler string, payload []byte, fn func(ctx context.Context) (any, error)) error {
	if w.inbox == nil {
		_, err := fn(ctx)
		return err
	}
	res, err := w.inbox.Process(ctx, key, handler, payload, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		out, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	})
	if err != nil {
		return err
	}
	if !res.IsNew && !res.WasRecovered {
		return errDuplicate
	}
	return nil
}

// settle decides whether a record is committed. Only transient failures
// are returned to the consumer.
func (w *Worker) settle(topic string, err error) error {
	switch {
	case err == nil:
		w.count(topic, "ok")
		return nil
	case errors.Is(err, errDuplicate),
		errors.Is(err, idempotency.ErrDuplicateMessage),
		errors.Is(err, idempotency.ErrPreviouslyFailed):
		w.count(topic, "duplicate")
		w.logger.Debug("skipping processed message", zap.String("topic", topic), zap.Error(err))
		return nil
	case errors.Is(err, errInvalid), Terminal(err):
		w.count(topic, "dropped")
		w.logger.Warn("dropping message", zap.String("topic", topic), zap.Error(err))
		return nil
	default:
		w.count(topic, "error")
		return err
	}
}

func (w *Worker) count(topic, result string) {
	if w.metrics != nil {
		w.metrics.MessagesConsumed.WithLabelValues(topic, result).Inc()
	}
}
