package workerpool

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestPool(t *testing.T, cfg Config, fn WorkerFunc) *Pool {
	t.Helper()
	pool, err := New(cfg, fn, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pool.Start()
	t.Cleanup(func() { pool.Stop() })
	return pool
}

func TestNewRequiresWorkerFunc(t *testing.T) {
	if _, err := New(Config{}, nil, nil); err == nil {
		t.Fatal("expected an error for a nil worker function")
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	pool, err := New(Config{}, func(ctx context.Context, task *Task) *Result {
		return &Result{TaskID: task.ID, Success: true}
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stats := pool.Stats()
	if stats.Workers != 8 || stats.QueueCapacity != 256 {
		t.Errorf("defaults not applied: workers = %d, capacity = %d", stats.Workers, stats.QueueCapacity)
	}
}

func TestSubmitWait(t *testing.T) {
	pool := newTestPool(t, Config{Workers: 2, QueueSize: 4}, func(ctx context.Context, task *Task) *Result {
		return &Result{TaskID: task.ID, Success: true, Data: task.Payload}
	})

	result, err := pool.SubmitWait(context.Background(), &Task{ID: "job-1", Payload: "expand"})
	if err != nil {
		t.Fatalf("SubmitWait: %v", err)
	}
	if !result.Success || result.TaskID != "job-1" {
		t.Errorf("result = %+v", result)
	}
	if result.Data != "expand" {
		t.Errorf("data = %v", result.Data)
	}
	if stats := pool.Stats(); stats.TasksSubmitted != 1 || stats.TasksCompleted != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestTransientFailureRetried(t *testing.T) {
	errUnavailable := errors.New("terminology server unavailable")
	var calls int64
	pool := newTestPool(t, Config{Workers: 1, QueueSize: 4, MaxRetries: 3, RetryDelay: time.Millisecond}, func(ctx context.Context, task *Task) *Result {
		if atomic.AddInt64(&calls, 1) < 3 {
			return &Result{TaskID: task.ID, Error: errUnavailable}
		}
		return &Result{TaskID: task.ID, Success: true}
	})

	result, err := pool.SubmitWait(context.Background(), &Task{ID: "job-2"})
	if err != nil {
		t.Fatalf("SubmitWait: %v", err)
	}
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	if got := atomic.LoadInt64(&calls); got != 3 {
		t.Errorf("worker invoked %d times, want 3", got)
	}
	if stats := pool.Stats(); stats.TasksRetried != 2 || stats.TasksCompleted != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestPermanentFailureNotRetried(t *testing.T) {
	errInvalid := errors.New("invalid specification")
	var calls int64
	pool := newTestPool(t, Config{Workers: 1, QueueSize: 4, MaxRetries: 3, RetryDelay: time.Millisecond}, func(ctx context.Context, task *Task) *Result {
		atomic.AddInt64(&calls, 1)
		return &Result{TaskID: task.ID, Permanent: true, Error: errInvalid}
	})

	result, err := pool.SubmitWait(context.Background(), &Task{ID: "job-3"})
	if err != nil {
		t.Fatalf("SubmitWait: %v", err)
	}
	if result.Success || !result.Permanent {
		t.Errorf("result = %+v", result)
	}
	if !errors.Is(result.Error, errInvalid) {
		t.Errorf("error = %v", result.Error)
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Errorf("worker invoked %d times, want 1", got)
	}
	if stats := pool.Stats(); stats.TasksRetried != 0 || stats.TasksFailed != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRetriesExhausted(t *testing.T) {
	errUnavailable := errors.New("terminology server unavailable")
	var calls int64
	pool := newTestPool(t, Config{Workers: 1, QueueSize: 4, MaxRetries: 2, RetryDelay: time.Millisecond}, func(ctx context.Context, task *Task) *Result {
		atomic.AddInt64(&calls, 1)
		return &Result{TaskID: task.ID, Error: errUnavailable}
	})

	result, err := pool.SubmitWait(context.Background(), &Task{ID: "job-4"})
	if err != nil {
		t.Fatalf("SubmitWait: %v", err)
	}
	if result.Success {
		t.Fatalf("result = %+v", result)
	}
	if got := atomic.LoadInt64(&calls); got != 3 {
		t.Errorf("worker invoked %d times, want 3", got)
	}
	if !strings.Contains(result.Error.Error(), "after 2 retries") {
		t.Errorf("error = %v", result.Error)
	}
	if !errors.Is(result.Error, errUnavailable) {
		t.Errorf("cause not preserved: %v", result.Error)
	}
}

func TestCancelledTaskContext(t *testing.T) {
	var calls int64
	pool := newTestPool(t, Config{Workers: 1, QueueSize: 4}, func(ctx context.Context, task *Task) *Result {
		atomic.AddInt64(&calls, 1)
		return &Result{TaskID: task.ID, Success: true}
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := pool.SubmitWait(context.Background(), &Task{ID: "job-5", Context: ctx})
	if err != nil {
		t.Fatalf("SubmitWait: %v", err)
	}
	if result.Success || !errors.Is(result.Error, context.Canceled) {
		t.Errorf("result = %+v", result)
	}
	if got := atomic.LoadInt64(&calls); got != 0 {
		t.Errorf("worker invoked %d times for a cancelled task", got)
	}
}

func TestResultsChannel(t *testing.T) {
	pool := newTestPool(t, Config{Workers: 1, QueueSize: 4}, func(ctx context.Context, task *Task) *Result {
		return &Result{TaskID: task.ID, Success: true, Data: "done"}
	})

	if err := pool.Submit(&Task{ID: "job-6"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case result := <-pool.Results():
		if result.TaskID != "job-6" || !result.Success || result.Data != "done" {
			t.Errorf("result = %+v", result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a result")
	}
}

func TestSubmitAfterStop(t *testing.T) {
	pool, err := New(Config{Workers: 1, QueueSize: 1}, func(ctx context.Context, task *Task) *Result {
		return &Result{TaskID: task.ID, Success: true}
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pool.Start()
	if err := pool.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := pool.Submit(&Task{ID: "job-7"}); err == nil || err.Error() != "pool is shutting down" {
		t.Errorf("Submit after Stop = %v", err)
	}
}

func TestQueueFull(t *testing.T) {
	// The pool is never started, so the first task stays queued.
	pool, err := New(Config{Workers: 1, QueueSize: 1}, func(ctx context.Context, task *Task) *Result {
		return &Result{TaskID: task.ID, Success: true}
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := pool.Submit(&Task{ID: "job-8"}); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if err := pool.Submit(&Task{ID: "job-9"}); err == nil || err.Error() != "task queue is full" {
		t.Errorf("second Submit = %v", err)
	}
	if pool.IsHealthy() {
		t.Error("pool reports healthy with a saturated queue")
	}
}
