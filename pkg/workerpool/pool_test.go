package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

func TestPoolRunsEveryTask(t *testing.T) {
	p := New(Config{Workers: 4, QueueSize: 2}, nil)
	p.Start(context.Background())

	var ran atomic.Int64
	for i := 0; i < 50; i++ {
		err := p.Submit(context.Background(), Task{
			ID: fmt.Sprintf("t-%d", i),
			Run: func(context.Context) error {
				ran.Add(1)
				return nil
			},
		})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	p.Wait()

	if ran.Load() != 50 {
		t.Errorf("ran %d tasks, want 50", ran.Load())
	}
	stats := p.Stats()
	if stats.Submitted != 50 || stats.Completed != 50 || stats.Failed != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestPoolReportsFailuresWithoutStopping(t *testing.T) {
	p := New(Config{Workers: 2, QueueSize: 10}, nil)

	var mu sync.Mutex
	var failedIDs []string
	p.OnError(func(task Task, err error) {
		mu.Lock()
		failedIDs = append(failedIDs, task.ID)
		mu.Unlock()
	})
	p.Start(context.Background())

	boom := errors.New("boom")
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("t-%d", i)
		fail := i%2 == 0
		_ = p.Submit(context.Background(), Task{ID: id, Run: func(context.Context) error {
			if fail {
				return boom
			}
			return nil
		}})
	}
	p.Wait()

	stats := p.Stats()
	if stats.Failed != 3 || stats.Completed != 3 {
		t.Errorf("failed=%d completed=%d, want 3/3", stats.Failed, stats.Completed)
	}
	if len(failedIDs) != 3 {
		t.Errorf("error callback called %d times, want 3", len(failedIDs))
	}
}

func TestPoolSkipsQueuedTasksAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := New(Config{Workers: 1, QueueSize: 10}, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	var ran atomic.Int64

	_ = p.Submit(ctx, Task{ID: "first", Run: func(context.Context) error {
		close(started)
		<-release
		ran.Add(1)
		return nil
	}})
	for i := 0; i < 5; i++ {
		_ = p.Submit(ctx, Task{ID: fmt.Sprintf("later-%d", i), Run: func(context.Context) error {
			ran.Add(1)
			return nil
		}})
	}

	p.Start(ctx)
	<-started
	cancel()
	close(release)
	p.Wait()

	if ran.Load() != 1 {
		t.Errorf("ran %d tasks after cancellation, want 1", ran.Load())
	}
	if p.Stats().Skipped != 5 {
		t.Errorf("skipped = %d, want 5", p.Stats().Skipped)
	}
}

func TestSubmitAfterWait(t *testing.T) {
	p := New(DefaultConfig(), nil)
	p.Start(context.Background())
	p.Wait()

	err := p.Submit(context.Background(), Task{ID: "late", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestSubmitRequiresFunction(t *testing.T) {
	p := New(DefaultConfig(), nil)
	if err := p.Submit(context.Background(), Task{ID: "empty"}); err == nil {
		t.Error("expected error for task without function")
	}
}
