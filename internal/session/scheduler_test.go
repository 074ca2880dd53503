package session

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

func TestSchedulerOrderingPerSession(t *testing.T) {
	s := NewScheduler(quietLogger(), 16)
	defer s.Close()
	if err := s.Open("s1"); err != nil {
		t.Fatalf("open: %v", err)
	}

	got := make([]string, 0, 3)
	var mu sync.Mutex
	done := make(chan struct{}, 3)
	for _, id := range []string{"e1", "e2", "e3"} {
		id := id
		err := s.Enqueue(context.Background(), "s1", func(context.Context) {
			mu.Lock()
			got = append(got, id)
			mu.Unlock()
			done <- struct{}{}
		})
		if err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for scheduled jobs")
		}
	}

	want := []string{"e1", "e2", "e3"}
	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(want, got) {
		t.Fatalf("unexpected order: want=%v got=%v", want, got)
	}
}

func TestSchedulerQueueFull(t *testing.T) {
	s := NewScheduler(quietLogger(), 1)
	defer s.Close()
	if err := s.Open("s1"); err != nil {
		t.Fatalf("open: %v", err)
	}

	block := make(chan struct{})
	started := make(chan struct{}, 1)
	blocking := func(context.Context) {
		started <- struct{}{}
		<-block
	}
	noop := func(context.Context) {}

	if err := s.TryEnqueue("s1", blocking); err != nil {
		t.Fatalf("enqueue first failed: %v", err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for worker start")
	}
	if err := s.TryEnqueue("s1", noop); err != nil {
		t.Fatalf("enqueue second failed: %v", err)
	}
	if err := s.TryEnqueue("s1", noop); !errors.Is(err, ErrSessionQueueFull) {
		t.Fatalf("expected ErrSessionQueueFull, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Enqueue(ctx, "s1", noop); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected blocking enqueue to honour ctx, got %v", err)
	}

	close(block)
}

func TestSchedulerSessionsRunIndependently(t *testing.T) {
	s := NewScheduler(quietLogger(), 4)
	defer s.Close()
	for _, key := range []string{"s1", "s2"} {
		if err := s.Open(key); err != nil {
			t.Fatalf("open %s: %v", key, err)
		}
	}

	block := make(chan struct{})
	defer close(block)
	if err := s.TryEnqueue("s1", func(context.Context) { <-block }); err != nil {
		t.Fatalf("enqueue s1: %v", err)
	}

	ran := make(chan struct{})
	if err := s.TryEnqueue("s2", func(context.Context) { close(ran) }); err != nil {
		t.Fatalf("enqueue s2: %v", err)
	}
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatalf("blocked session stalled another session")
	}
}

func TestSchedulerReleaseDrainsQueuedJobs(t *testing.T) {
	s := NewScheduler(quietLogger(), 4)
	if err := s.Open("s1"); err != nil {
		t.Fatalf("open: %v", err)
	}

	var mu sync.Mutex
	count := 0
	for i := 0; i < 3; i++ {
		if err := s.TryEnqueue("s1", func(context.Context) {
			mu.Lock()
			count++
			mu.Unlock()
		}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	s.Release("s1")

	if err := s.TryEnqueue("s1", func(context.Context) {}); !errors.Is(err, ErrSessionReleased) {
		t.Fatalf("expected ErrSessionReleased after release, got %v", err)
	}

	s.Close()
	mu.Lock()
	defer mu.Unlock()
	if count != 3 {
		t.Fatalf("expected queued jobs to drain, ran %d", count)
	}
}

func TestSchedulerRejectsUnopenedKeys(t *testing.T) {
	s := NewScheduler(quietLogger(), 4)
	defer s.Close()

	if err := s.TryEnqueue("missing", func(context.Context) {}); !errors.Is(err, ErrSessionReleased) {
		t.Fatalf("expected ErrSessionReleased for unknown key, got %v", err)
	}
}
