// Package handlers provides HTTP handlers for the proactive API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/magistral/rxcycle/internal/api/middleware"
	"github.com/magistral/rxcycle/internal/domain/proactive"
	"github.com/magistral/rxcycle/internal/domain/recipe"
	"github.com/magistral/rxcycle/internal/infrastructure/postgres"
	"github.com/magistral/rxcycle/internal/infrastructure/redpanda"
	"github.com/magistral/rxcycle/internal/sweep"
	"github.com/magistral/rxcycle/pkg/circuitbreaker"
)

// StatusReader evaluates a stored patient on demand
type StatusReader interface {
	EvaluatePatient(ctx context.Context, patientID, date string) (sweep.Result, error)
}

// Publisher sends a message to a topic
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// SnapshotReader returns the last recorded outcome for a patient, nil if
// none was recorded yet
type SnapshotReader interface {
	Latest(ctx context.Context, patientID string) (*postgres.Snapshot, error)
}

// ProactiveHandler handles proactive status endpoints
type ProactiveHandler struct {
	config    proactive.Config
	evaluator *proactive.Evaluator
	status    StatusReader
	publisher Publisher
	snapshots SnapshotReader
	logger    *zap.Logger
	now       func() time.Time
}

// HandlerOption configures a ProactiveHandler
type HandlerOption func(*ProactiveHandler)

// WithSnapshots serves stored outcomes on the latest-status route
func WithSnapshots(s SnapshotReader) HandlerOption {
	return func(h *ProactiveHandler) { h.snapshots = s }
}

// NewProactiveHandler creates a new handler. status and publisher may be
// nil, in which case the routes that need them answer 503.
func NewProactiveHandler(cfg proactive.Config, status StatusReader, publisher Publisher, logger *zap.Logger, opts ...HandlerOption) (*ProactiveHandler, error) {
	evaluator, err := proactive.New(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &ProactiveHandler{
		config:    cfg,
		evaluator: evaluator,
		status:    status,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Routes mounts under /api/v1
func (h *ProactiveHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/proactive/evaluate", h.Evaluate)
	r.Get("/patients/{id}/proactive-status", h.Status)
	r.Get("/patients/{id}/proactive-status/latest", h.Latest)
	r.Post("/sweeps", h.RequestSweep)
	return r
}

// EvaluateRequest is the body of POST /proactive/evaluate
type EvaluateRequest struct {
	Patient recipe.Patient  `json:"patient"`
	Recipes []recipe.Recipe `json:"recipes"`
	// CurrentDate is YYYY-MM-DD or an RFC 3339 timestamp. Required.
	CurrentDate string `json:"currentDate"`
	MaxCycles   *int   `json:"maxCycles,omitempty"`
}

// StatusResponse is an outcome plus the fields the UI derives from it
type StatusResponse struct {
	PatientID         string            `json:"patientId"`
	Date              string            `json:"date"`
	Outcome           proactive.Outcome `json:"outcome"`
	Badge             string            `json:"badge"`
	NeedsNotification bool              `json:"needsNotification"`
	Facts             *FactsView        `json:"facts,omitempty"`
	Changed           bool              `json:"changed,omitempty"`
	// ReferenceRecipeID and RecordedAt are set on stored outcomes
	ReferenceRecipeID string     `json:"referenceRecipeId,omitempty"`
	RecordedAt        *time.Time `json:"recordedAt,omitempty"`
}

// FactsView exposes the derived counts behind an outcome
type FactsView struct {
	ReferenceRecipeID         string `json:"referenceRecipeId,omitempty"`
	DispensationCount         int    `json:"dispensationCount"`
	DaysUntilDue              *int   `json:"daysUntilDue,omitempty"`
	DaysSinceLastDispensation *int   `json:"daysSinceLastDispensation,omitempty"`
}

func factsView(f proactive.Facts) *FactsView {
	v := &FactsView{
		ReferenceRecipeID:         f.ReferenceID(),
		DispensationCount:         f.DispensationCount,
		DaysSinceLastDispensation: f.DaysSinceLastDispensation,
	}
	if f.Reference != nil {
		d := f.DaysUntilDue
		v.DaysUntilDue = &d
	}
	return v
}

func respond(patientID, date string, o proactive.Outcome, f *FactsView) StatusResponse {
	return StatusResponse{
		PatientID:         patientID,
		Date:              date,
		Outcome:           o,
		Badge:             o.Badge(),
		NeedsNotification: o.NeedsNotification(),
		Facts:             f,
	}
}

// Evaluate handles POST /proactive/evaluate. Nothing is read or stored.
func (h *ProactiveHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	_, span := otel.Tracer("proactive-handler").Start(r.Context(), "evaluate")
	defer span.End()

	var req EvaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	evaluator := h.evaluator
	if req.MaxCycles != nil && *req.MaxCycles != evaluator.MaxCycles() {
		cfg := h.config
		cfg.MaxCycles = *req.MaxCycles
		e, err := proactive.New(cfg)
		if err != nil {
			h.writeErr(w, r, err)
			return
		}
		evaluator = e
	}

	current, err := h.currentDate(req.CurrentDate, evaluator.Location())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	date := current.In(evaluator.Location()).Format(time.DateOnly)
	span.SetAttributes(attribute.String("patient_id", req.Patient.ID))

	// non-chronic patients are outside the proactive program
	if !req.Patient.IsChronic {
		h.jsonOK(w, respond(req.Patient.ID, date, evaluator.UpToDate(req.Patient), nil))
		return
	}

	outcome, facts, err := evaluator.Explain(req.Patient, req.Recipes, current)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("proactive.status", string(outcome.Status)))

	h.jsonOK(w, respond(req.Patient.ID, date, outcome, factsView(facts)))
}

func (h *ProactiveHandler) currentDate(s string, loc *time.Location) (time.Time, error) {
	if s == "" {
		return time.Time{}, &proactive.ValidationError{Field: "currentDate", Reason: "required"}
	}
	if t, err := time.ParseInLocation(time.DateOnly, s, loc); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Time{}, &proactive.ValidationError{Field: "currentDate", Value: s, Reason: "expected YYYY-MM-DD or RFC 3339"}
}

// Status handles GET /patients/{id}/proactive-status
func (h *ProactiveHandler) Status(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		h.jsonError(w, "patient store unavailable", http.StatusServiceUnavailable)
		return
	}
	id := chi.URLParam(r, "id")

	res, err := h.status.EvaluatePatient(r.Context(), id, r.URL.Query().Get("date"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	resp := respond(res.PatientID, res.Date, res.Outcome, factsView(res.Facts))
	resp.Changed = res.Changed
	h.jsonOK(w, resp)
}

// Latest handles GET /patients/{id}/proactive-status/latest. It returns
// the outcome last recorded by a sweep or a recipe change without
// evaluating again.
func (h *ProactiveHandler) Latest(w http.ResponseWriter, r *http.Request) {
	if h.snapshots == nil {
		h.jsonError(w, "snapshot store unavailable", http.StatusServiceUnavailable)
		return
	}
	id := chi.URLParam(r, "id")

	snap, err := h.snapshots.Latest(r.Context(), id)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if snap == nil {
		h.jsonError(w, "no recorded status for patient", http.StatusNotFound)
		return
	}

	outcome := proactive.Outcome{
		Status:  proactive.Status(snap.Status),
		Action:  proactive.Action(snap.Action),
		Message: snap.Message,
		Rule:    proactive.RuleID(snap.Rule),
	}
	resp := respond(snap.PatientID, snap.EvaluatedOn, outcome, nil)
	resp.ReferenceRecipeID = snap.ReferenceRecipeID
	recorded := snap.RecordedAt
	resp.RecordedAt = &recorded
	h.jsonOK(w, resp)
}

// SweepRequest is the body of POST /sweeps
type SweepRequest struct {
	Date        string   `json:"date,omitempty"`
	PatientIDs  []string `json:"patientIds,omitempty"`
	HaltOnError bool     `json:"haltOnError,omitempty"`
}

// RequestSweep handles POST /sweeps by queueing the sweep for the worker
func (h *ProactiveHandler) RequestSweep(w http.ResponseWriter, r *http.Request) {
	if h.publisher == nil {
		h.jsonError(w, "sweep queue unavailable", http.StatusServiceUnavailable)
		return
	}
	ctx := r.Context()

	var body SweepRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			h.jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	if body.Date != "" {
		if _, err := time.ParseInLocation(time.DateOnly, body.Date, h.evaluator.Location()); err != nil {
			h.writeErr(w, r, &proactive.ValidationError{Field: "date", Value: body.Date, Reason: "expected YYYY-MM-DD"})
			return
		}
	}

	req := sweep.NewRequest(body.Date, middleware.GetClientID(ctx), h.now())
	req.PatientIDs = body.PatientIDs
	req.HaltOnError = body.HaltOnError

	payload, err := json.Marshal(req)
	if err != nil {
		h.jsonError(w, "failed to encode sweep request", http.StatusInternalServerError)
		return
	}
	if err := h.publisher.Publish(ctx, redpanda.TopicSweepRequests, req.ID, payload); err != nil {
		h.logger.Error("publish sweep request failed", zap.Error(err))
		h.jsonError(w, "failed to queue sweep", http.StatusServiceUnavailable)
		return
	}

	h.logger.Info("sweep requested",
		zap.String("sweep_id", req.ID),
		zap.String("date", req.Date),
		zap.Int("patients", len(req.PatientIDs)),
		zap.String("request_id", middleware.GetRequestID(ctx)),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(req)
}

// writeErr maps domain errors to status codes
func (h *ProactiveHandler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, proactive.ErrValidation):
		h.jsonError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, proactive.ErrConfiguration):
		h.jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, recipe.ErrNotFound):
		h.jsonError(w, "patient not found", http.StatusNotFound)
	case errors.Is(err, circuitbreaker.ErrOpen):
		w.Header().Set("Retry-After", "5")
		h.jsonError(w, "patient store unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.jsonError(w, "request cancelled", http.StatusGatewayTimeout)
	default:
		h.logger.Error("proactive request failed",
			zap.Error(err),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
		)
		h.jsonError(w, "internal error", http.StatusInternalServerError)
	}
}

func (h *ProactiveHandler) jsonOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (h *ProactiveHandler) jsonError(w http.ResponseWriter, message string, code int) {
	middleware.WriteError(w, code, message)
}
