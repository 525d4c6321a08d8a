package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"cadence/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("task did not finish")
		return Result{}
	}
}

func TestEnqueueRunsTask(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 2})
	done := make(chan Result, 1)
	id, err := s.Enqueue(Task{Name: "hello", Run: func(context.Context) error { return nil }, OnDone: func(r Result) { done <- r }})
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	r := waitResult(t, done)
	if r.Err != nil || r.ID != id || r.Attempts != 1 {
		t.Fatalf("unexpected result %+v", r)
	}
	if h := s.Snapshot().History; len(h) != 1 || h[0].Name != "hello" {
		t.Fatalf("history = %+v", h)
	}
}

func TestRetryThenNoRetry(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, RetryMax: 3})
	var calls atomic.Int32
	done := make(chan Result, 1)
	permanent := errors.New("permanent")
	_, err := s.Enqueue(Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond},
		Run: func(context.Context) error {
			if calls.Add(1) == 1 {
				return errors.New("transient")
			}
			return NoRetry(permanent)
		},
		OnDone: func(r Result) { done <- r },
	})
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	r := waitResult(t, done)
	if !errors.Is(r.Err, permanent) || r.Attempts != 2 || calls.Load() != 2 {
		t.Fatalf("unexpected result %+v (calls %d)", r, calls.Load())
	}
}

func TestCancelRunningTask(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})
	started := make(chan struct{})
	done := make(chan Result, 1)
	id, err := s.Enqueue(Task{
		Name: "sleepy",
		Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
		OnDone: func(r Result) { done <- r },
	})
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	<-started
	if !s.Cancel(id) {
		t.Fatal("Cancel reported unknown task")
	}
	if r := waitResult(t, done); !errors.Is(r.Err, ErrCancelled) {
		t.Fatalf("Err = %v, want ErrCancelled", r.Err)
	}
}

func TestQueueFull(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 1})
	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})
	run := func(context.Context) error { <-block; return nil }

	if _, err := s.Enqueue(Task{Name: "a", Run: func(ctx context.Context) error { close(started); return run(ctx) }}); err != nil {
		t.Fatalf("Enqueue a: %v", err)
	}
	<-started
	if _, err := s.Enqueue(Task{Name: "b", Run: run}); err != nil {
		t.Fatalf("Enqueue b: %v", err)
	}
	if _, err := s.Enqueue(Task{Name: "c", Run: run}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue c error = %v, want ErrQueueFull", err)
	}
	if got := s.Snapshot().DroppedQueueFull; got != 1 {
		t.Fatalf("DroppedQueueFull = %d, want 1", got)
	}
}

func TestStopFinishesQueuedTasks(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1, QueueSize: 4}, logx.Nop(), nil)
	s.Start(context.Background())

	started := make(chan struct{})
	first := make(chan Result, 1)
	second := make(chan Result, 1)
	if _, err := s.Enqueue(Task{Name: "running", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, OnDone: func(r Result) { first <- r }}); err != nil {
		t.Fatal(err)
	}
	<-started
	if _, err := s.Enqueue(Task{Name: "queued", Run: func(context.Context) error { return nil }, OnDone: func(r Result) { second <- r }}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)

	if r := waitResult(t, first); !errors.Is(r.Err, ErrStopped) {
		t.Fatalf("running task Err = %v, want ErrStopped", r.Err)
	}
	if r := waitResult(t, second); !errors.Is(r.Err, ErrStopped) {
		t.Fatalf("queued task Err = %v, want ErrStopped", r.Err)
	}
	if _, err := s.Enqueue(Task{Name: "late", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue after stop error = %v, want ErrStopped", err)
	}
}

func TestRetryDelayHonoursHint(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{RetryBase: time.Second, RetryMaxDelay: 10 * time.Second}
	if got := RetryDelay(opt, 3, errors.New("x"), nil); got != 4*time.Second {
		t.Fatalf("RetryDelay = %s, want 4s", got)
	}
	if got := RetryDelay(opt, 1, RetryAfter(errors.New("x"), 7*time.Second), nil); got != 7*time.Second {
		t.Fatalf("RetryDelay with hint = %s, want 7s", got)
	}
	if got := RetryDelay(opt, 10, errors.New("x"), nil); got != 10*time.Second {
		t.Fatalf("RetryDelay capped = %s, want 10s", got)
	}
}
