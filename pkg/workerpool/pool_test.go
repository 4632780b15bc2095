package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.QueueSize = 8
	cfg.MaxRetries = 2
	cfg.RetryDelay = time.Millisecond
	cfg.ShutdownTimeout = time.Second
	return cfg
}

func TestPoolProcessesAllJobs(t *testing.T) {
	var processed int64
	pool, err := New(testConfig(), func(ctx context.Context, job *Job) error {
		atomic.AddInt64(&processed, 1)
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pool.Start()

	for i := 0; i < 5; i++ {
		if err := pool.Submit(&Job{ID: "job"}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	pool.Stop()

	if got := atomic.LoadInt64(&processed); got != 5 {
		t.Fatalf("processed = %d, want 5", got)
	}
	if stats := pool.Stats(); stats.Completed != 5 || stats.Failed != 0 {
		t.Fatalf("stats = %+v, want 5 completed", stats)
	}
}

func TestPoolRetriesUntilSuccess(t *testing.T) {
	var attempts int64
	pool, err := New(testConfig(), func(ctx context.Context, job *Job) error {
		if atomic.AddInt64(&attempts, 1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pool.Start()

	if err := pool.Submit(&Job{ID: "flaky"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	pool.Stop()

	if got := atomic.LoadInt64(&attempts); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	stats := pool.Stats()
	if stats.Completed != 1 || stats.Failed != 0 || stats.Retried != 2 {
		t.Fatalf("stats = %+v, want 1 completed with 2 retries", stats)
	}
}

func TestPoolCountsExhaustedJobAsFailed(t *testing.T) {
	pool, err := New(testConfig(), func(ctx context.Context, job *Job) error {
		return errors.New("permanent")
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pool.Start()

	if err := pool.Submit(&Job{ID: "doomed"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	pool.Stop()

	if stats := pool.Stats(); stats.Failed != 1 || stats.Completed != 0 {
		t.Fatalf("stats = %+v, want 1 failed", stats)
	}
}

func TestSubmitFailsWhenQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1

	block := make(chan struct{})
	pool, err := New(cfg, func(ctx context.Context, job *Job) error {
		<-block
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pool.Start()
	defer func() {
		close(block)
		pool.Stop()
	}()

	// First job occupies the worker, second fills the queue.
	if err := pool.Submit(&Job{ID: "a"}); err != nil {
		t.Fatalf("Submit a: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for {
		if err := pool.Submit(&Job{ID: "b"}); err == nil {
			if time.Now().After(deadline) {
				t.Fatal("queue never filled")
			}
			continue
		} else if !errors.Is(err, ErrQueueFull) {
			t.Fatalf("Submit = %v, want ErrQueueFull", err)
		}
		break
	}
}

func TestSubmitFailsAfterStop(t *testing.T) {
	pool, err := New(testConfig(), func(ctx context.Context, job *Job) error {
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pool.Start()
	pool.Stop()

	if err := pool.Submit(&Job{ID: "late"}); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("Submit = %v, want ErrShuttingDown", err)
	}
}

func TestSubmitRacingStopFailsCleanly(t *testing.T) {
	pool, err := New(testConfig(), func(ctx context.Context, job *Job) error {
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pool.Start()

	// Submitters keep pushing until they observe the stop; none of them may
	// hit the closed queue.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				err := pool.Submit(&Job{ID: "racer"})
				if errors.Is(err, ErrShuttingDown) {
					return
				}
				if err != nil && !errors.Is(err, ErrQueueFull) {
					t.Errorf("Submit = %v", err)
					return
				}
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	pool.Stop()
	wg.Wait()

	// A second Stop is a no-op.
	pool.Stop()
}

func TestNewRequiresJobFunc(t *testing.T) {
	if _, err := New(testConfig(), nil, nil); err == nil {
		t.Fatal("New accepted a nil job function")
	}
}
