package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSchedulerRunsAndShutsDownTasks(t *testing.T) {
	s := NewScheduler()
	started := make(chan struct{})
	stopped := make(chan struct{})
	s.Go(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(stopped)
		return nil
	})

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatalf("task did not start in time")
	}

	if err := s.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case <-stopped:
	default:
		t.Fatalf("expected task to observe ctx cancellation before Shutdown returned")
	}
}

func TestSchedulerPropagatesTaskError(t *testing.T) {
	s := NewScheduler()
	wantErr := errors.New("task failed")
	s.Go(func(ctx context.Context) error { return wantErr })

	if err := s.Wait(); !errors.Is(err, wantErr) {
		t.Fatalf("expected Wait to surface the task's error, got %v", err)
	}
}
