package sweep

import (
	"context"
	"errors"

	"github.com/magistral/rxcycle/internal/domain/recipe"
	"github.com/magistral/rxcycle/internal/infrastructure/postgres"
	"github.com/magistral/rxcycle/pkg/circuitbreaker"
)

// PatientSource reads patients and their recipes
type PatientSource interface {
	ListChronicPatients(ctx context.Context) ([]recipe.Patient, error)
	LoadPatient(ctx context.Context, id string) (recipe.Patient, error)
	ListRecipes(ctx context.Context, patientID string) ([]recipe.Recipe, error)
}

// SnapshotRecorder stores the latest outcome per patient and reports
// whether it changed
type SnapshotRecorder interface {
	Record(ctx context.Context, snap postgres.Snapshot) (bool, error)
}

// GuardedSource routes every read through a circuit breaker, so transient
// store failures are retried a bounded number of times and a failing
// store is shed instead of hammered.
type GuardedSource struct {
	source  PatientSource
	breaker *circuitbreaker.Breaker
}

// NewGuardedSource wraps source with b
func NewGuardedSource(source PatientSource, b *circuitbreaker.Breaker) *GuardedSource {
	return &GuardedSource{source: source, breaker: b}
}

// NotFound is the breaker's Permanent predicate for recipe stores
func NotFound(err error) bool {
	return errors.Is(err, recipe.ErrNotFound)
}

func (g *GuardedSource) ListChronicPatients(ctx context.Context) ([]recipe.Patient, error) {
	return circuitbreaker.Call(ctx, g.breaker, g.source.ListChronicPatients)
}

func (g *GuardedSource) LoadPatient(ctx context.Context, id string) (recipe.Patient, error) {
	return circuitbreaker.Call(ctx, g.breaker, func(ctx context.Context) (recipe.Patient, error) {
		return g.source.LoadPatient(ctx, id)
	})
}

func (g *GuardedSource) ListRecipes(ctx context.Context, patientID string) ([]recipe.Recipe, error) {
	return circuitbreaker.Call(ctx, g.breaker, func(ctx context.Context) ([]recipe.Recipe, error) {
		return g.source.ListRecipes(ctx, patientID)
	})
}
