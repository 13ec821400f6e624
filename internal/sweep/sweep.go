// Package sweep evaluates the proactive status of chronic patients, either
// as a scheduled batch over the whole roster or on demand for one patient.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/magistral/rxcycle/internal/domain/proactive"
	"github.com/magistral/rxcycle/internal/domain/recipe"
	"github.com/magistral/rxcycle/internal/infrastructure/postgres"
	"github.com/magistral/rxcycle/internal/observability/metrics"
	"github.com/magistral/rxcycle/pkg/idempotency"
	"github.com/magistral/rxcycle/pkg/workerpool"
)

// Request asks for a sweep. It is also the sweep.requests message body.
type Request struct {
	ID string `json:"id"`
	// Date is the evaluation day (YYYY-MM-DD). Empty means today.
	Date string `json:"date,omitempty"`
	// PatientIDs limits the sweep. Empty means every chronic patient.
	PatientIDs  []string  `json:"patientIds,omitempty"`
	HaltOnError bool      `json:"haltOnError,omitempty"`
	RequestedBy string    `json:"requestedBy,omitempty"`
	RequestedAt time.Time `json:"requestedAt"`
}

// NewRequest returns a request with a fresh ID
func NewRequest(date string, requestedBy string, at time.Time) Request {
	return Request{
		ID:          uuid.New().String(),
		Date:        date,
		RequestedBy: requestedBy,
		RequestedAt: at.UTC(),
	}
}

// Result is one patient's evaluation
type Result struct {
	PatientID         string            `json:"patientId"`
	ReferenceRecipeID string            `json:"referenceRecipeId,omitempty"`
	Date              string            `json:"date"`
	Outcome           proactive.Outcome `json:"outcome"`
	Facts             proactive.Facts   `json:"-"`
	// Changed is true when the outcome differs from the stored snapshot
	Changed bool `json:"changed"`
	// Cached is true when the same outcome was already recorded today
	Cached bool `json:"cached"`
}

// Failure is a patient the sweep could not evaluate
type Failure struct {
	PatientID string `json:"patientId"`
	Error     string `json:"error"`
}

// Report summarises a sweep
type Report struct {
	ID        string                   `json:"id"`
	Date      string                   `json:"date"`
	Patients  int                      `json:"patients"`
	Evaluated int                      `json:"evaluated"`
	Changed   int                      `json:"changed"`
	Cached    int                      `json:"cached"`
	Skipped   int                      `json:"skipped"`
	Failed    int                      `json:"failed"`
	ByStatus  map[proactive.Status]int `json:"byStatus"`
	Failures  []Failure                `json:"failures,omitempty"`
	Duration  time.Duration            `json:"duration"`
	Cancelled bool                     `json:"cancelled"`
}

// Config holds sweep configuration
type Config struct {
	Workers   int
	QueueSize int
}

// Sweeper runs proactive evaluations
type Sweeper struct {
	source    PatientSource
	recorder  SnapshotRecorder
	evaluator *proactive.Evaluator
	metrics   *metrics.Metrics
	config    Config
	logger    *zap.Logger
	tracer    trace.Tracer
	cache     *cache
	now       func() time.Time
}

// Option configures a Sweeper
type Option func(*Sweeper)

// WithRecorder persists outcomes. Without one, results are computed only.
func WithRecorder(r SnapshotRecorder) Option {
	return func(s *Sweeper) { s.recorder = r }
}

// WithMetrics records evaluation metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// WithClock replaces the clock used to resolve "today"
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// New creates a Sweeper
func New(source PatientSource, evaluator *proactive.Evaluator, cfg Config, logger *zap.Logger, opts ...Option) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sweeper{
		source:    source,
		evaluator: evaluator,
		config:    cfg,
		logger:    logger,
		tracer:    otel.Tracer("sweep"),
		cache:     newCache(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Day resolves a YYYY-MM-DD string to midnight in the evaluation zone.
// An empty string is today.
func (s *Sweeper) Day(date string) (time.Time, error) {
	loc := s.evaluator.Location()
	if date == "" {
		t := s.now().In(loc)
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc), nil
	}
	d, err := time.ParseInLocation(time.DateOnly, date, loc)
	if err != nil {
		return time.Time{}, &proactive.ValidationError{Field: "date", Value: date, Reason: "expected YYYY-MM-DD"}
	}
	return d, nil
}

// EvaluatePatient loads one patient and evaluates them as of date
func (s *Sweeper) EvaluatePatient(ctx context.Context, patientID, date string) (Result, error) {
	day, err := s.Day(date)
	if err != nil {
		return Result{}, err
	}
	patient, err := s.source.LoadPatient(ctx, patientID)
	if err != nil {
		s.countError("fetch")
		return Result{}, fmt.Errorf("load patient %s: %w", patientID, err)
	}
	return s.evaluate(ctx, patient, day)
}

// Refresh drops the cached outcome for a patient and evaluates them for
// today. It is the reaction to a recipe change.
func (s *Sweeper) Refresh(ctx context.Context, patientID string) (Result, error) {
	s.cache.invalidate(patientID)
	return s.EvaluatePatient(ctx, patientID, "")
}

func (s *Sweeper) evaluate(ctx context.Context, patient recipe.Patient, day time.Time) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "evaluate_patient",
		trace.WithAttributes(attribute.String("patient_id", patient.ID)))
	defer span.End()

	start := time.Now()
	res := Result{PatientID: patient.ID, Date: day.Format(time.DateOnly)}

	if !patient.IsChronic {
		res.Outcome = s.evaluator.UpToDate(patient)
		return res, nil
	}

	recipes, err := s.source.ListRecipes(ctx, patient.ID)
	if err != nil {
		s.countError("fetch")
		span.RecordError(err)
		return res, fmt.Errorf("list recipes for %s: %w", patient.ID, err)
	}

	outcome, facts, err := s.evaluator.Explain(patient, recipes, day)
	if err != nil {
		s.countError(errorKind(err))
		span.RecordError(err)
		return res, err
	}
	res.Outcome = outcome
	res.Facts = facts
	res.ReferenceRecipeID = facts.ReferenceID()
	span.SetAttributes(
		attribute.String("status", string(outcome.Status)),
		attribute.Int("rule", int(outcome.Rule)))

	if s.metrics != nil {
		s.metrics.ObserveEvaluation(string(outcome.Status), int(outcome.Rule), time.Since(start))
	}

	// only today's outcome is the patient's current status; other days
	// are replays and are neither cached nor persisted
	if !s.isToday(day) {
		return res, nil
	}

	key := idempotency.EvaluationKey(patient.ID, res.ReferenceRecipeID, day)
	if s.cache.seen(patient.ID, key, outcome) {
		res.Cached = true
		if s.metrics != nil {
			s.metrics.CacheHits.Inc()
		}
		return res, nil
	}

	if s.recorder != nil {
		changed, err := s.recorder.Record(ctx, postgres.Snapshot{
			PatientID:         patient.ID,
			ReferenceRecipeID: res.ReferenceRecipeID,
			Status:            string(outcome.Status),
			Action:            string(outcome.Action),
			Message:           outcome.Message,
			Rule:              int(outcome.Rule),
			EvaluatedOn:       res.Date,
		})
		if err != nil {
			s.countError("store")
			span.RecordError(err)
			return res, fmt.Errorf("record snapshot for %s: %w", patient.ID, err)
		}
		res.Changed = changed
		if changed && s.metrics != nil {
			s.metrics.StatusChanges.Inc()
		}
	}

	s.cache.put(patient.ID, key, outcome)
	return res, nil
}

// Run evaluates every patient the request covers on a bounded worker
// pool. Per-patient failures are collected in the report. With
// HaltOnError the first failure cancels the remaining work and is
// returned. Cancelling ctx stops issuing evaluations.
func (s *Sweeper) Run(ctx context.Context, req Request) (*Report, error) {
	ctx, span := s.tracer.Start(ctx, "sweep_run",
		trace.WithAttributes(attribute.String("sweep_id", req.ID)))
	defer span.End()

	start := time.Now()
	report := &Report{ID: req.ID, ByStatus: make(map[proactive.Status]int)}

	day, err := s.Day(req.Date)
	if err != nil {
		return nil, err
	}
	report.Date = day.Format(time.DateOnly)

	targets, err := s.roster(ctx, req)
	if err != nil {
		return nil, err
	}
	report.Patients = len(targets)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	var halted error

	pool := workerpool.New(workerpool.Config{Workers: s.config.Workers, QueueSize: s.config.QueueSize}, s.logger)
	pool.OnError(func(task workerpool.Task, err error) {
		mu.Lock()
		defer mu.Unlock()
		report.Failed++
		report.Failures = append(report.Failures, Failure{PatientID: task.ID, Error: err.Error()})
		if req.HaltOnError && halted == nil {
			halted = fmt.Errorf("sweep halted at patient %s: %w", task.ID, err)
			cancel()
		}
	})
	pool.Start(runCtx)

	submitted := 0
	for _, t := range targets {
		err := pool.Submit(runCtx, workerpool.Task{
			ID: t.id,
			Run: func(ctx context.Context) error {
				patient, err := s.resolve(ctx, t)
				if err != nil {
					return err
				}
				res, err := s.evaluate(ctx, patient, day)
				if err != nil {
					return err
				}
				mu.Lock()
				report.Evaluated++
				report.ByStatus[res.Outcome.Status]++
				if res.Changed {
					report.Changed++
				}
				if res.Cached {
					report.Cached++
				}
				mu.Unlock()
				return nil
			},
		})
		if err != nil {
			break
		}
		submitted++
	}
	pool.Wait()

	report.Skipped = (len(targets) - submitted) + int(pool.Stats().Skipped)
	report.Duration = time.Since(start)
	report.Cancelled = ctx.Err() != nil

	s.observeSweep(report)
	span.SetAttributes(
		attribute.Int("patients", report.Patients),
		attribute.Int("failed", report.Failed),
		attribute.Int("changed", report.Changed))

	s.logger.Info("sweep finished",
		zap.String("sweep_id", report.ID),
		zap.String("date", report.Date),
		zap.Int("patients", report.Patients),
		zap.Int("evaluated", report.Evaluated),
		zap.Int("changed", report.Changed),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Duration("duration", report.Duration))

	if halted != nil {
		return report, halted
	}
	if report.Cancelled {
		return report, ctx.Err()
	}
	return report, nil
}

// target is a patient to evaluate. Requests naming explicit IDs carry
// no record yet; the worker loads it.
type target struct {
	id      string
	patient *recipe.Patient
}

func (s *Sweeper) roster(ctx context.Context, req Request) ([]target, error) {
	if len(req.PatientIDs) > 0 {
		targets := make([]target, 0, len(req.PatientIDs))
		for _, id := range req.PatientIDs {
			targets = append(targets, target{id: id})
		}
		return targets, nil
	}
	patients, err := s.source.ListChronicPatients(ctx)
	if err != nil {
		s.countError("fetch")
		return nil, fmt.Errorf("list chronic patients: %w", err)
	}
	targets := make([]target, len(patients))
	for i := range patients {
		targets[i] = target{id: patients[i].ID, patient: &patients[i]}
	}
	return targets, nil
}

func (s *Sweeper) resolve(ctx context.Context, t target) (recipe.Patient, error) {
	if t.patient != nil {
		return *t.patient, nil
	}
	p, err := s.source.LoadPatient(ctx, t.id)
	if err != nil {
		s.countError("fetch")
		return recipe.Patient{}, fmt.Errorf("load patient %s: %w", t.id, err)
	}
	return p, nil
}

func (s *Sweeper) isToday(day time.Time) bool {
	today, _ := s.Day("")
	return today.Equal(day)
}

func (s *Sweeper) observeSweep(r *Report) {
	if s.metrics == nil {
		return
	}
	s.metrics.SweepDuration.Observe(r.Duration.Seconds())
	s.metrics.SweepPatients.WithLabelValues("evaluated").Add(float64(r.Evaluated))
	s.metrics.SweepPatients.WithLabelValues("failed").Add(float64(r.Failed))
	s.metrics.SweepPatients.WithLabelValues("skipped").Add(float64(r.Skipped))
}

func (s *Sweeper) countError(kind string) {
	if s.metrics != nil {
		s.metrics.EvaluationErrors.WithLabelValues(kind).Inc()
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, proactive.ErrValidation):
		return "validation"
	case errors.Is(err, proactive.ErrConfiguration):
		return "configuration"
	default:
		return "other"
	}
}
