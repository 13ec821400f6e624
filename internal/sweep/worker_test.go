package sweep

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/magistral/rxcycle/internal/domain/recipe"
	"github.com/magistral/rxcycle/internal/infrastructure/redpanda"
	"github.com/magistral/rxcycle/internal/observability/metrics"
	"github.com/magistral/rxcycle/pkg/idempotency"
)

// memInbox keeps finished keys in memory and marks terminal failures
type memInbox struct {
	finished map[string]json.RawMessage
	failed   map[string]bool
	runs     int
}

func newMemInbox() *memInbox {
	return &memInbox{finished: make(map[string]json.RawMessage), failed: make(map[string]bool)}
}

func (m *memInbox) Process(ctx context.Context, key, _ string, payload json.RawMessage, fn idempotency.Func) (*idempotency.Result, error) {
	if out, ok := m.finished[key]; ok {
		return &idempotency.Result{Output: out}, nil
	}
	if m.failed[key] {
		return nil, idempotency.ErrPreviouslyFailed
	}
	m.runs++
	out, err := fn(ctx, payload)
	if err != nil {
		if Terminal(err) {
			m.failed[key] = true
		}
		return nil, err
	}
	m.finished[key] = out
	return &idempotency.Result{IsNew: true, Output: out}, nil
}

func sweepMessage(t *testing.T, req Request) *redpanda.Message {
	t.Helper()
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	return &redpanda.Message{Topic: redpanda.TopicSweepRequests, Key: []byte(req.ID), Value: b}
}

func recipeMessage(t *testing.T, patientID string) *redpanda.Message {
	t.Helper()
	ev, err := recipe.NewEvent("rx-1", patientID, recipe.EventRecipeStatusChanged, recipe.StatusChangedData{RecipeID: "rx-1", PatientID: patientID}, now)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := json.Marshal(ev)
	return &redpanda.Message{Topic: redpanda.TopicRecipeEvents, Key: []byte(patientID), Value: b}
}

func TestWorkerSweepRequestRunsOnce(t *testing.T) {
	src := roster()
	rec := newFakeRecorder()
	m := metrics.New(nil)
	inbox := newMemInbox()
	w := NewWorker(newSweeper(t, src, WithRecorder(rec)), inbox, m, nil)

	msg := sweepMessage(t, Request{ID: "sw-1"})
	if err := w.Handle(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if err := w.Handle(context.Background(), msg); err != nil {
		t.Fatal(err)
	}

	if inbox.runs != 1 {
		t.Errorf("runs = %d, want 1", inbox.runs)
	}
	if rec.calls != 4 {
		t.Errorf("snapshots recorded = %d, want 4", rec.calls)
	}
	if got := testutil.ToFloat64(m.MessagesConsumed.WithLabelValues(redpanda.TopicSweepRequests, "duplicate")); got != 1 {
		t.Errorf("duplicates = %v", got)
	}

	var report Report
	if err := json.Unmarshal(inbox.finished[idempotency.MessageKey(redpanda.TopicSweepRequests, "sw-1")], &report); err != nil {
		t.Fatal(err)
	}
	if report.Evaluated != 4 {
		t.Errorf("stored report evaluated = %d", report.Evaluated)
	}
}

func TestWorkerDropsUndecodableMessages(t *testing.T) {
	m := metrics.New(nil)
	w := NewWorker(newSweeper(t, roster()), newMemInbox(), m, nil)

	for _, msg := range []*redpanda.Message{
		{Topic: redpanda.TopicSweepRequests, Value: []byte("not json")},
		{Topic: redpanda.TopicRecipeEvents, Value: []byte(`{"id":"e1"}`)},
	} {
		if err := w.Handle(context.Background(), msg); err != nil {
			t.Errorf("%s: err = %v, want nil", msg.Topic, err)
		}
	}
	if got := testutil.ToFloat64(m.MessagesConsumed.WithLabelValues(redpanda.TopicRecipeEvents, "dropped")); got != 1 {
		t.Errorf("dropped recipe events = %v", got)
	}
}

func TestWorkerRecipeEventRefreshesPatient(t *testing.T) {
	src := roster()
	rec := newFakeRecorder()
	s := newSweeper(t, src, WithRecorder(rec))
	w := NewWorker(s, newMemInbox(), nil, nil)

	if _, err := s.Run(context.Background(), Request{ID: "sw-1"}); err != nil {
		t.Fatal(err)
	}
	calls := rec.calls

	src.recipes["pt-3"] = []recipe.Recipe{active("rx-3", "pt-3", 120, 1, 40)}
	if err := w.Handle(context.Background(), recipeMessage(t, "pt-3")); err != nil {
		t.Fatal(err)
	}

	if rec.calls != calls+1 {
		t.Errorf("recorded %d new snapshots, want 1", rec.calls-calls)
	}
	if got := rec.last["pt-3"].Action; got != "REPREPARE_CYCLE" {
		t.Errorf("pt-3 action = %s", got)
	}
}

func TestWorkerUnknownPatientIsDropped(t *testing.T) {
	w := NewWorker(newSweeper(t, roster()), newMemInbox(), nil, nil)
	if err := w.Handle(context.Background(), recipeMessage(t, "pt-404")); err != nil {
		t.Errorf("err = %v, want nil", err)
	}
}

func TestWorkerTransientFailureIsReturned(t *testing.T) {
	src := roster()
	src.failures["pt-1"] = errors.New("connection reset")
	w := NewWorker(newSweeper(t, src), newMemInbox(), nil, nil)

	if err := w.Handle(context.Background(), recipeMessage(t, "pt-1")); err == nil {
		t.Error("expected transient error to be returned for redelivery")
	}
}

func TestRunScheduledOncePerDay(t *testing.T) {
	src := roster()
	rec := newFakeRecorder()
	inbox := newMemInbox()
	w := NewWorker(newSweeper(t, src, WithRecorder(rec)), inbox, nil, nil)

	for i := 0; i < 2; i++ {
		if err := w.RunScheduled(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if inbox.runs != 1 {
		t.Errorf("scheduled runs = %d, want 1", inbox.runs)
	}
	key := idempotency.MessageKey("scheduled-sweep", now.Format(time.DateOnly))
	if _, ok := inbox.finished[key]; !ok {
		t.Error("scheduled sweep not recorded under the day key")
	}
}
