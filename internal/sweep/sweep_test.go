package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/magistral/rxcycle/internal/domain/proactive"
	"github.com/magistral/rxcycle/internal/domain/recipe"
	"github.com/magistral/rxcycle/internal/infrastructure/postgres"
	"github.com/magistral/rxcycle/internal/observability/metrics"
	"github.com/magistral/rxcycle/pkg/circuitbreaker"
)

var now = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu       sync.Mutex
	patients map[string]recipe.Patient
	recipes  map[string][]recipe.Recipe
	failures map[string]error
	listErr  error
	calls    int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		patients: make(map[string]recipe.Patient),
		recipes:  make(map[string][]recipe.Recipe),
		failures: make(map[string]error),
	}
}

func (f *fakeSource) add(p recipe.Patient, recipes ...recipe.Recipe) {
	f.patients[p.ID] = p
	f.recipes[p.ID] = recipes
}

func (f *fakeSource) ListChronicPatients(context.Context) ([]recipe.Patient, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []recipe.Patient
	for _, id := range []string{"pt-1", "pt-2", "pt-3", "pt-4", "pt-5"} {
		if p, ok := f.patients[id]; ok && p.IsChronic {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeSource) LoadPatient(_ context.Context, id string) (recipe.Patient, error) {
	p, ok := f.patients[id]
	if !ok {
		return recipe.Patient{}, fmt.Errorf("patient %s: %w", id, recipe.ErrNotFound)
	}
	return p, nil
}

func (f *fakeSource) ListRecipes(_ context.Context, patientID string) ([]recipe.Recipe, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if err := f.failures[patientID]; err != nil {
		return nil, err
	}
	return f.recipes[patientID], nil
}

type fakeRecorder struct {
	mu    sync.Mutex
	last  map[string]postgres.Snapshot
	calls int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{last: make(map[string]postgres.Snapshot)}
}

func (r *fakeRecorder) Record(_ context.Context, snap postgres.Snapshot) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	prev, ok := r.last[snap.PatientID]
	r.last[snap.PatientID] = snap
	return !ok || prev.Status != snap.Status || prev.Action != snap.Action || prev.ReferenceRecipeID != snap.ReferenceRecipeID, nil
}

// active builds a magistral recipe due in dueIn days, dispensed the given
// number of times with the last dispensation lastAgo days ago.
func active(id, patientID string, dueIn, dispensed, lastAgo int) recipe.Recipe {
	r := recipe.Recipe{
		ID:        id,
		PatientID: patientID,
		Status:    recipe.StatusValidated,
		Magistral: true,
		DueDate:   now.AddDate(0, 0, dueIn).Format(time.DateOnly),
		CreatedAt: now.AddDate(0, -3, 0),
	}
	for i := dispensed - 1; i >= 0; i-- {
		r.Status = recipe.StatusDispensed
		r.AuditTrail = append(r.AuditTrail, recipe.AuditEntry{
			Date:   now.AddDate(0, 0, -(lastAgo + 30*i)).Format(time.RFC3339),
			Status: recipe.StatusDispensed,
		})
	}
	return r
}

func newSweeper(t *testing.T, src PatientSource, opts ...Option) *Sweeper {
	t.Helper()
	ev, err := proactive.New(proactive.Config{MaxCycles: 6, Timezone: "UTC", DefaultLocale: "en"})
	if err != nil {
		t.Fatal(err)
	}
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	return New(src, ev, Config{Workers: 3, QueueSize: 2}, nil, opts...)
}

func roster() *fakeSource {
	src := newFakeSource()
	src.add(recipe.Patient{ID: "pt-1", Name: "Ana", IsChronic: true}, active("rx-1", "pt-1", 10, 1, 5))
	src.add(recipe.Patient{ID: "pt-2", Name: "Bea", IsChronic: true}, active("rx-2", "pt-2", 45, 2, 5))
	src.add(recipe.Patient{ID: "pt-3", Name: "Cris", IsChronic: true}, active("rx-3", "pt-3", 120, 1, 5))
	src.add(recipe.Patient{ID: "pt-4", Name: "Dani", IsChronic: true})
	return src
}

func TestRunEvaluatesEveryChronicPatient(t *testing.T) {
	src := roster()
	rec := newFakeRecorder()
	m := metrics.New(nil)
	s := newSweeper(t, src, WithRecorder(rec), WithMetrics(m))

	report, err := s.Run(context.Background(), Request{ID: "sw-1"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if report.Date != "2026-10-16" {
		t.Errorf("date = %s", report.Date)
	}
	if report.Patients != 4 || report.Evaluated != 4 || report.Failed != 0 {
		t.Errorf("unexpected report %+v", report)
	}
	if report.ByStatus[proactive.StatusUrgent] != 2 {
		t.Errorf("urgent = %d, want 2 (expiring + no recipe)", report.ByStatus[proactive.StatusUrgent])
	}
	if report.ByStatus[proactive.StatusAttention] != 1 || report.ByStatus[proactive.StatusOK] != 1 {
		t.Errorf("by status = %v", report.ByStatus)
	}
	if report.Changed != 4 || rec.calls != 4 {
		t.Errorf("changed = %d, recorder calls = %d, want 4/4", report.Changed, rec.calls)
	}
	if rec.last["pt-4"].Rule != int(proactive.RuleNoActiveRecipe) {
		t.Errorf("pt-4 rule = %d", rec.last["pt-4"].Rule)
	}
	if got := testutil.ToFloat64(m.SweepPatients.WithLabelValues("evaluated")); got != 4 {
		t.Errorf("evaluated metric = %v", got)
	}
}

func TestRunSameDayIsServedFromCache(t *testing.T) {
	src := roster()
	rec := newFakeRecorder()
	s := newSweeper(t, src, WithRecorder(rec))

	if _, err := s.Run(context.Background(), Request{ID: "first"}); err != nil {
		t.Fatal(err)
	}
	report, err := s.Run(context.Background(), Request{ID: "second"})
	if err != nil {
		t.Fatal(err)
	}

	if report.Cached != 4 || report.Changed != 0 {
		t.Errorf("cached = %d changed = %d, want 4/0", report.Cached, report.Changed)
	}
	if rec.calls != 4 {
		t.Errorf("recorder calls = %d, unchanged outcomes must not be re-recorded", rec.calls)
	}
}

func TestRunIsolatesPatientFailures(t *testing.T) {
	src := roster()
	broken := active("rx-bad", "pt-2", 45, 1, 5)
	broken.DueDate = "16/10/2026"
	src.recipes["pt-2"] = []recipe.Recipe{broken}
	src.failures["pt-3"] = errors.New("connection reset")

	m := metrics.New(nil)
	s := newSweeper(t, src, WithMetrics(m))

	report, err := s.Run(context.Background(), Request{ID: "sw"})
	if err != nil {
		t.Fatalf("a failing patient must not fail the sweep: %v", err)
	}
	if report.Evaluated != 2 || report.Failed != 2 {
		t.Errorf("evaluated = %d failed = %d, want 2/2", report.Evaluated, report.Failed)
	}
	if got := testutil.ToFloat64(m.EvaluationErrors.WithLabelValues("validation")); got != 1 {
		t.Errorf("validation errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.EvaluationErrors.WithLabelValues("fetch")); got != 1 {
		t.Errorf("fetch errors = %v, want 1", got)
	}
}

func TestRunHaltOnError(t *testing.T) {
	src := roster()
	broken := active("rx-bad", "pt-1", 45, 1, 5)
	broken.DueDate = ""
	src.recipes["pt-1"] = []recipe.Recipe{broken}

	s := newSweeper(t, src)
	report, err := s.Run(context.Background(), Request{ID: "sw", HaltOnError: true})
	if !errors.Is(err, proactive.ErrValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if report == nil || report.Failed < 1 {
		t.Fatalf("report should record the failure: %+v", report)
	}
	var ve *proactive.ValidationError
	if !errors.As(err, &ve) || ve.Field != "dueDate" {
		t.Errorf("expected dueDate validation error, got %v", err)
	}
}

func TestRunCancelledContextStopsEvaluations(t *testing.T) {
	src := roster()
	s := newSweeper(t, src)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := s.Run(ctx, Request{ID: "sw"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if !report.Cancelled || report.Evaluated != 0 {
		t.Errorf("unexpected report %+v", report)
	}
	if report.Skipped != report.Patients {
		t.Errorf("skipped = %d, want %d", report.Skipped, report.Patients)
	}
}

func TestRunExplicitPatients(t *testing.T) {
	src := roster()
	src.add(recipe.Patient{ID: "pt-9", Name: "Eva"})

	s := newSweeper(t, src)
	report, err := s.Run(context.Background(), Request{ID: "sw", PatientIDs: []string{"pt-3", "pt-9", "missing"}})
	if err != nil {
		t.Fatal(err)
	}
	if report.Evaluated != 2 || report.Failed != 1 {
		t.Errorf("evaluated = %d failed = %d", report.Evaluated, report.Failed)
	}
	if report.Failures[0].PatientID != "missing" {
		t.Errorf("failure = %+v", report.Failures[0])
	}
}

func TestRunRosterError(t *testing.T) {
	src := roster()
	src.listErr = errors.New("db down")

	s := newSweeper(t, src)
	if _, err := s.Run(context.Background(), Request{ID: "sw"}); err == nil {
		t.Fatal("expected roster error")
	}
}

func TestEvaluatePatient(t *testing.T) {
	src := roster()
	rec := newFakeRecorder()
	s := newSweeper(t, src, WithRecorder(rec))

	res, err := s.EvaluatePatient(context.Background(), "pt-2", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome.Rule != proactive.RulePreventiveWindow || res.ReferenceRecipeID != "rx-2" {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Facts.DaysUntilDue != 45 {
		t.Errorf("days until due = %d", res.Facts.DaysUntilDue)
	}
	if !res.Changed {
		t.Error("first evaluation should be recorded as a change")
	}
}

func TestEvaluatePatientBackdatedIsNotPersisted(t *testing.T) {
	src := roster()
	rec := newFakeRecorder()
	s := newSweeper(t, src, WithRecorder(rec))

	res, err := s.EvaluatePatient(context.Background(), "pt-3", "2026-06-01")
	if err != nil {
		t.Fatal(err)
	}
	if res.Date != "2026-06-01" {
		t.Errorf("date = %s", res.Date)
	}
	if res.Facts.DaysUntilDue != 120+137 {
		t.Errorf("days until due = %d, want %d", res.Facts.DaysUntilDue, 120+137)
	}
	if rec.calls != 0 {
		t.Error("replayed days must not overwrite the current snapshot")
	}
}

func TestEvaluatePatientNonChronic(t *testing.T) {
	src := roster()
	src.add(recipe.Patient{ID: "pt-9", Name: "Eva"}, active("rx-9", "pt-9", 5, 6, 1))
	rec := newFakeRecorder()
	s := newSweeper(t, src, WithRecorder(rec))

	res, err := s.EvaluatePatient(context.Background(), "pt-9", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome.Status != proactive.StatusOK || res.Outcome.Action != proactive.ActionNone {
		t.Errorf("non-chronic patient should be up to date, got %+v", res.Outcome)
	}
	if src.calls != 0 {
		t.Error("recipes should not be read for non-chronic patients")
	}
	if rec.calls != 0 {
		t.Error("non-chronic patients have no snapshot")
	}
}

func TestEvaluatePatientErrors(t *testing.T) {
	s := newSweeper(t, roster())

	if _, err := s.EvaluatePatient(context.Background(), "nobody", ""); !errors.Is(err, recipe.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := s.EvaluatePatient(context.Background(), "pt-1", "tomorrow"); !errors.Is(err, proactive.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestRefreshReevaluatesAfterRecipeChange(t *testing.T) {
	src := roster()
	rec := newFakeRecorder()
	s := newSweeper(t, src, WithRecorder(rec))

	if _, err := s.EvaluatePatient(context.Background(), "pt-3", ""); err != nil {
		t.Fatal(err)
	}

	// a dispensation lands on the same recipe: the evaluation key is
	// unchanged but the outcome is not
	src.recipes["pt-3"] = []recipe.Recipe{active("rx-3", "pt-3", 120, 6, 0)}

	res, err := s.Refresh(context.Background(), "pt-3")
	if err != nil {
		t.Fatal(err)
	}
	if res.Cached {
		t.Error("refresh must bypass the cache")
	}
	if res.Outcome.Rule != proactive.RuleCycleLimit || !res.Changed {
		t.Errorf("unexpected result %+v", res)
	}
	if rec.calls != 2 {
		t.Errorf("recorder calls = %d, want 2", rec.calls)
	}
}

func TestGuardedSourcePassesNotFoundThrough(t *testing.T) {
	cfg := circuitbreaker.DefaultConfig("recipes")
	cfg.FailureThreshold = 1
	cfg.MaxRetries = 0
	cfg.Permanent = NotFound
	b, err := circuitbreaker.New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}

	g := NewGuardedSource(roster(), b)
	for i := 0; i < 3; i++ {
		if _, err := g.LoadPatient(context.Background(), "nobody"); !errors.Is(err, recipe.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	}
	if b.State() != circuitbreaker.StateClosed {
		t.Error("missing patients must not open the breaker")
	}

	p, err := g.LoadPatient(context.Background(), "pt-1")
	if err != nil || p.Name != "Ana" {
		t.Errorf("got %+v, %v", p, err)
	}
	recipes, err := g.ListRecipes(context.Background(), "pt-1")
	if err != nil || len(recipes) != 1 {
		t.Errorf("got %d recipes, %v", len(recipes), err)
	}
}
