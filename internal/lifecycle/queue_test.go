package lifecycle

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestQueueRunsTasksAndDrainsOnShutdown(t *testing.T) {
	q := NewQueue(16, 2, nil)
	q.Start()

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		accepted := q.Submit(Task{Kind: "test", Run: func(context.Context) error {
			ran.Add(1)
			return nil
		}})
		if !accepted {
			t.Fatalf("expected task %d to be accepted", i)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if ran.Load() != 10 {
		t.Fatalf("expected 10 tasks run, got %d", ran.Load())
	}
	if q.Submit(Task{Kind: "late", Run: func(context.Context) error { return nil }}) {
		t.Fatalf("expected submit after shutdown to be rejected")
	}
}

func TestQueueDropsWhenFull(t *testing.T) {
	q := NewQueue(1, 1, nil)
	noop := func(context.Context) error { return nil }
	if !q.Submit(Task{Kind: "first", Run: noop}) {
		t.Fatalf("expected first task accepted")
	}
	if q.Submit(Task{Kind: "second", Run: noop}) {
		t.Fatalf("expected second task dropped while workers are stopped")
	}
	if q.Len() != 1 {
		t.Fatalf("expected one pending task, got %d", q.Len())
	}
	if err := q.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestQueueSurvivesFailuresAndPanics(t *testing.T) {
	q := NewQueue(4, 1, nil)
	q.Start()
	var after atomic.Bool
	q.Submit(Task{Kind: "panic", Run: func(context.Context) error { panic("boom") }})
	q.Submit(Task{Kind: "error", Run: func(context.Context) error { return errors.New("nope") }})
	q.Submit(Task{Kind: "after", Run: func(context.Context) error {
		after.Store(true)
		return nil
	}})
	if err := q.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !after.Load() {
		t.Fatalf("expected worker to keep running after failures")
	}
}

func TestQueueSubmitRejectsNilRun(t *testing.T) {
	q := NewQueue(1, 1, nil)
	if q.Submit(Task{Kind: "nil"}) {
		t.Fatalf("expected nil task rejected")
	}
}
