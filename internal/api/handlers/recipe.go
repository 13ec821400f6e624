package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/magistral/rxcycle/internal/api/middleware"
	"github.com/magistral/rxcycle/internal/domain/recipe"
)

// RecipeStore loads and saves recipe aggregates. Save writes the recipe
// events to the outbox, which feeds recipe.events.
type RecipeStore interface {
	Load(ctx context.Context, recipeID string) (*recipe.Aggregate, error)
	Save(ctx context.Context, agg *recipe.Aggregate) error
}

// RecipeHandler handles recipe lifecycle endpoints
type RecipeHandler struct {
	store  RecipeStore
	logger *zap.Logger
	now    func() time.Time
}

// NewRecipeHandler creates a new handler
func NewRecipeHandler(store RecipeStore, logger *zap.Logger) *RecipeHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecipeHandler{store: store, logger: logger, now: time.Now}
}

// Routes mounts under /api/v1/recipes
func (h *RecipeHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Post("/{id}/transitions", h.Transition)
	return r
}

// CreateRecipeRequest is the body of POST /recipes
type CreateRecipeRequest struct {
	ID         string        `json:"id,omitempty"`
	PatientID  string        `json:"patientId"`
	Magistral  bool          `json:"isMagistral"`
	DueDate    string        `json:"dueDate"`
	Items      []recipe.Item `json:"items"`
	FromPortal bool          `json:"fromPortal,omitempty"`
}

// TransitionRequest is the body of POST /recipes/{id}/transitions
type TransitionRequest struct {
	Status recipe.Status `json:"status"`
	Note   string        `json:"notes,omitempty"`
}

// RecipeResponse is the recipe after a change
type RecipeResponse struct {
	recipe.Recipe
	Dispensations int `json:"dispensations"`
}

// Create handles POST /recipes
func (h *RecipeHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("recipe-handler").Start(r.Context(), "create_recipe")
	defer span.End()

	var req CreateRecipeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	agg := recipe.NewAggregate(recipe.Recipe{
		ID:        req.ID,
		PatientID: req.PatientID,
		Magistral: req.Magistral,
		DueDate:   req.DueDate,
		Items:     req.Items,
	})
	if err := agg.Create(req.FromPortal, h.now()); err != nil {
		middleware.WriteError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err := h.store.Save(ctx, agg); err != nil {
		h.writeErr(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("recipe_id", req.ID))

	h.logger.Info("recipe created",
		zap.String("recipe_id", req.ID),
		zap.String("patient_id", req.PatientID),
		zap.String("status", string(agg.Status())),
		zap.String("request_id", middleware.GetRequestID(ctx)),
	)
	h.respond(w, http.StatusCreated, agg)
}

// Transition handles POST /recipes/{id}/transitions
func (h *RecipeHandler) Transition(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("recipe-handler").Start(r.Context(), "transition_recipe")
	defer span.End()

	id := chi.URLParam(r, "id")
	var req TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.Status.Valid() {
		middleware.WriteError(w, http.StatusUnprocessableEntity, "unknown status "+string(req.Status))
		return
	}

	agg, err := h.store.Load(ctx, id)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	from := agg.Status()
	if err := agg.Transition(req.Status, h.now(), req.Note); err != nil {
		h.writeErr(w, r, err)
		return
	}
	if err := h.store.Save(ctx, agg); err != nil {
		h.writeErr(w, r, err)
		return
	}
	span.SetAttributes(
		attribute.String("recipe_id", id),
		attribute.String("recipe.status", string(req.Status)),
	)

	h.logger.Info("recipe status changed",
		zap.String("recipe_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(req.Status)),
		zap.String("request_id", middleware.GetRequestID(ctx)),
	)
	h.respond(w, http.StatusOK, agg)
}

func (h *RecipeHandler) respond(w http.ResponseWriter, code int, agg *recipe.Aggregate) {
	rec := agg.Recipe()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(RecipeResponse{
		Recipe:        rec,
		Dispensations: rec.DispensedCount(),
	})
}

func (h *RecipeHandler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, recipe.ErrNotFound):
		middleware.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, recipe.ErrInvalidTransition), errors.Is(err, recipe.ErrConflict):
		middleware.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		middleware.WriteError(w, http.StatusGatewayTimeout, "request cancelled")
	default:
		h.logger.Error("recipe request failed",
			zap.Error(err),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
		)
		middleware.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}
