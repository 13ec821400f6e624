package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/magistral/rxcycle/internal/domain/recipe"
)

// memRecipes stores recipes in memory and keeps the events each save wrote
type memRecipes struct {
	recipes map[string]recipe.Recipe
	events  []*recipe.Event
	saveErr error
}

func newMemRecipes(rs ...recipe.Recipe) *memRecipes {
	m := &memRecipes{recipes: make(map[string]recipe.Recipe)}
	for _, r := range rs {
		m.recipes[r.ID] = r
	}
	return m
}

func (m *memRecipes) Load(_ context.Context, id string) (*recipe.Aggregate, error) {
	r, ok := m.recipes[id]
	if !ok {
		return nil, fmt.Errorf("recipe %s: %w", id, recipe.ErrNotFound)
	}
	return recipe.NewAggregate(r), nil
}

func (m *memRecipes) Save(_ context.Context, agg *recipe.Aggregate) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.recipes[agg.ID()] = agg.Recipe()
	m.events = append(m.events, agg.Changes()...)
	agg.ClearChanges()
	return nil
}

func newRecipeRouter(store RecipeStore) http.Handler {
	h := NewRecipeHandler(store, nil)
	h.now = func() time.Time { return time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC) }
	r := chi.NewRouter()
	r.Mount("/api/v1/recipes", h.Routes())
	return r
}

func TestCreateRecipe(t *testing.T) {
	store := newMemRecipes()
	h := newRecipeRouter(store)

	rec := post(t, h, "/api/v1/recipes", CreateRecipeRequest{
		ID:        "rx-9",
		PatientID: "pt-1",
		Magistral: true,
		DueDate:   "2027-04-01",
		Items:     []recipe.Item{{ActiveIngredient: "Minoxidil", Concentration: "5%"}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp RecipeResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID != "rx-9" || resp.Status != recipe.StatusPendingValidation || resp.Dispensations != 0 {
		t.Errorf("resp = %+v", resp)
	}
	if _, ok := store.recipes["rx-9"]; !ok {
		t.Error("recipe not stored")
	}
	if len(store.events) != 1 || store.events[0].EventType != recipe.EventRecipeCreated {
		t.Errorf("events = %+v", store.events)
	}

	rec = post(t, h, "/api/v1/recipes", CreateRecipeRequest{PatientID: "pt-1", DueDate: "01/04/2027"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("bad due date: status = %d", rec.Code)
	}

	store.saveErr = fmt.Errorf("recipe rx-9 already exists: %w", recipe.ErrConflict)
	rec = post(t, h, "/api/v1/recipes", CreateRecipeRequest{ID: "rx-9", PatientID: "pt-1", DueDate: "2027-04-01"})
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate: status = %d", rec.Code)
	}

	store.saveErr = fmt.Errorf("patient pt-404: %w", recipe.ErrNotFound)
	rec = post(t, h, "/api/v1/recipes", CreateRecipeRequest{PatientID: "pt-404", DueDate: "2027-04-01"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown patient: status = %d", rec.Code)
	}
}

func TestTransitionRecipe(t *testing.T) {
	store := newMemRecipes(recipe.Recipe{
		ID:        "rx-1",
		PatientID: "pt-1",
		Status:    recipe.StatusReadyForDispatch,
		Magistral: true,
		DueDate:   "2027-03-01",
		AuditTrail: []recipe.AuditEntry{
			{Date: "2026-09-10T10:00:00Z", Status: recipe.StatusDispensed},
			{Date: "2026-10-10T10:00:00Z", Status: recipe.StatusPreparation},
			{Date: "2026-10-12T10:00:00Z", Status: recipe.StatusReadyForDispatch},
		},
	})
	h := newRecipeRouter(store)

	rec := post(t, h, "/api/v1/recipes/rx-1/transitions", TransitionRequest{Status: recipe.StatusDispensed, Note: "picked up"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp RecipeResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != recipe.StatusDispensed || resp.Dispensations != 2 {
		t.Errorf("resp status %s dispensations %d", resp.Status, resp.Dispensations)
	}
	last := store.recipes["rx-1"].AuditTrail[3]
	if last.Date != "2026-10-16T12:00:00Z" || last.Note != "picked up" {
		t.Errorf("audit entry = %+v", last)
	}
	if len(store.events) != 1 || store.events[0].EventType != recipe.EventRecipeStatusChanged || store.events[0].PatientID != "pt-1" {
		t.Errorf("events = %+v", store.events)
	}

	tests := []struct {
		name string
		path string
		body TransitionRequest
		code int
	}{
		{"forbidden transition", "/api/v1/recipes/rx-1/transitions", TransitionRequest{Status: recipe.StatusValidated}, http.StatusConflict},
		{"unknown status", "/api/v1/recipes/rx-1/transitions", TransitionRequest{Status: "Shipped"}, http.StatusUnprocessableEntity},
		{"unknown recipe", "/api/v1/recipes/rx-404/transitions", TransitionRequest{Status: recipe.StatusArchived}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(t, h, tt.path, tt.body)
			if rec.Code != tt.code {
				t.Errorf("status = %d, want %d", rec.Code, tt.code)
			}
		})
	}
	if len(store.events) != 1 {
		t.Errorf("failed transitions wrote events: %d", len(store.events))
	}

	store.saveErr = fmt.Errorf("recipe rx-1 is no longer Dispensed: %w", recipe.ErrConflict)
	rec = post(t, h, "/api/v1/recipes/rx-1/transitions", TransitionRequest{Status: recipe.StatusArchived})
	if rec.Code != http.StatusConflict {
		t.Errorf("concurrent change: status = %d", rec.Code)
	}
}
