// XamOps - Cloud Cost, Security and Operations Dashboard
// Copyright 2026 Xammer Cloud
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xammer/xamops

package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitAndWait(t *testing.T) {
	r := NewRunner("test", 2, 8)
	defer r.Close()

	f := Submit(r, context.Background(), "double", func(ctx context.Context) (int, error) {
		return 21 * 2, nil
	})

	v, err := f.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if v != 42 {
		t.Errorf("expected 42, got %d", v)
	}
}

func TestSubmitError(t *testing.T) {
	r := NewRunner("test", 1, 4)
	defer r.Close()

	wantErr := errors.New("throttled")
	f := Submit(r, context.Background(), "fail", func(ctx context.Context) (int, error) {
		return 0, wantErr
	})

	_, err := f.Wait(context.Background())
	if !errors.Is(err, wantErr) {
		t.Errorf("expected %v, got %v", wantErr, err)
	}
}

func TestSubmitPanicBecomesError(t *testing.T) {
	r := NewRunner("test", 1, 4)
	defer r.Close()

	f := Submit(r, context.Background(), "boom", func(ctx context.Context) (int, error) {
		panic("unexpected nil region")
	})

	_, err := f.Wait(context.Background())
	if err == nil {
		t.Fatal("expected error from panicking task")
	}

	// The pool must survive the panic.
	f2 := Submit(r, context.Background(), "after", func(ctx context.Context) (int, error) {
		return 7, nil
	})
	if v, err := f2.Wait(context.Background()); err != nil || v != 7 {
		t.Errorf("pool did not survive panic: v=%d err=%v", v, err)
	}
}

func TestAwaitAllFailureIsolation(t *testing.T) {
	r := NewRunner("test", 4, 16)
	defer r.Close()
	ctx := context.Background()

	futures := []*Future[int]{
		Submit(r, ctx, "us-east-1", func(ctx context.Context) (int, error) { return 10, nil }),
		Submit(r, ctx, "eu-west-1", func(ctx context.Context) (int, error) { return 0, errors.New("access denied") }),
		Submit(r, ctx, "ap-south-1", func(ctx context.Context) (int, error) { return 5, nil }),
	}

	results, defaulted := AwaitAll(ctx, 0, futures)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if defaulted != 1 {
		t.Errorf("expected 1 defaulted entry, got %d", defaulted)
	}
	if results[0] != 10 || results[1] != 0 || results[2] != 5 {
		t.Errorf("unexpected results: %v", results)
	}

	sum := 0
	for _, v := range results {
		sum += v
	}
	if sum != 15 {
		t.Errorf("aggregate should include surviving branches, got %d", sum)
	}
}

func TestAwaitAllPreservesOrder(t *testing.T) {
	r := NewRunner("test", 4, 16)
	defer r.Close()
	ctx := context.Background()

	// Later tasks finish first; ordering must follow submission order.
	futures := []*Future[string]{
		Submit(r, ctx, "slow", func(ctx context.Context) (string, error) {
			time.Sleep(50 * time.Millisecond)
			return "first", nil
		}),
		Submit(r, ctx, "fast", func(ctx context.Context) (string, error) {
			return "second", nil
		}),
	}

	results, _ := AwaitAll(ctx, "", futures)
	if results[0] != "first" || results[1] != "second" {
		t.Errorf("order not preserved: %v", results)
	}
}

func TestThenComposition(t *testing.T) {
	r := NewRunner("test", 2, 8)
	defer r.Close()
	ctx := context.Background()

	usage := Submit(r, ctx, "usage", func(ctx context.Context) (int, error) {
		return 3, nil
	})
	quotas := Then(r, ctx, usage, "quotas", func(ctx context.Context, n int) (int, error) {
		return n * 100, nil
	})

	v, err := quotas.Wait(ctx)
	if err != nil {
		t.Fatalf("Then chain failed: %v", err)
	}
	if v != 300 {
		t.Errorf("expected 300, got %d", v)
	}
}

func TestThenShortCircuitsOnError(t *testing.T) {
	r := NewRunner("test", 2, 8)
	defer r.Close()
	ctx := context.Background()

	var ran atomic.Bool
	failed := Submit(r, ctx, "resolve", func(ctx context.Context) (int, error) {
		return 0, errors.New("account not found")
	})
	chained := Then(r, ctx, failed, "dependent", func(ctx context.Context, n int) (int, error) {
		ran.Store(true)
		return n, nil
	})

	if _, err := chained.Wait(ctx); err == nil {
		t.Fatal("expected propagated error")
	}
	if ran.Load() {
		t.Error("dependent step ran despite upstream failure")
	}
}

func TestSubmitAfterClose(t *testing.T) {
	r := NewRunner("test", 1, 4)
	r.Close()

	f := Submit(r, context.Background(), "late", func(ctx context.Context) (int, error) {
		return 1, nil
	})
	_, err := f.Wait(context.Background())
	if !errors.Is(err, ErrRunnerClosed) {
		t.Errorf("expected ErrRunnerClosed, got %v", err)
	}
}

func TestWaitRespectsContext(t *testing.T) {
	r := NewRunner("test", 1, 4)
	defer r.Close()

	block := make(chan struct{})
	defer close(block)
	f := Submit(r, context.Background(), "stuck", func(ctx context.Context) (int, error) {
		<-block
		return 0, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := f.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestConcurrentFanOut(t *testing.T) {
	r := NewRunner("test", 8, 64)
	defer r.Close()
	ctx := context.Background()

	const n = 50
	futures := make([]*Future[int], n)
	for i := 0; i < n; i++ {
		i := i
		futures[i] = Submit(r, ctx, "fan", func(ctx context.Context) (int, error) {
			return i, nil
		})
	}

	results, defaulted := AwaitAll(ctx, -1, futures)
	if defaulted != 0 {
		t.Fatalf("expected no defaults, got %d", defaulted)
	}
	for i, v := range results {
		if v != i {
			t.Errorf("result %d = %d", i, v)
		}
	}
}

func TestGoRunsOffPool(t *testing.T) {
	// One worker deliberately kept busy: coordinating work started via
	// Go must still make progress because it does not occupy the pool.
	r := NewRunner("test", 1, 1)
	defer r.Close()

	block := make(chan struct{})
	Submit(r, context.Background(), "blocker", func(ctx context.Context) (int, error) {
		<-block
		return 0, nil
	})

	f := Go(context.Background(), "coordinator", func(ctx context.Context) (string, error) {
		return "done", nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := f.Wait(ctx)
	if err != nil {
		t.Fatalf("Go future failed: %v", err)
	}
	if v != "done" {
		t.Errorf("got %q, want %q", v, "done")
	}
	close(block)
}

func TestGoPanicBecomesError(t *testing.T) {
	f := Go(context.Background(), "exploder", func(ctx context.Context) (int, error) {
		panic("boom")
	})

	_, err := f.Wait(context.Background())
	if err == nil {
		t.Fatal("expected error from panicking task")
	}
}

func TestCloseWaitsForParkedSubmitter(t *testing.T) {
	r := NewRunner("close-race", 1, 1)

	release := make(chan struct{})
	blocker := Submit(r, context.Background(), "blocker", func(ctx context.Context) (int, error) {
		<-release
		return 0, nil
	})
	filler := Submit(r, context.Background(), "filler", func(ctx context.Context) (int, error) {
		return 1, nil
	})

	// With the worker occupied and the queue full, this submitter
	// parks on the queue send.
	type parkedResult struct {
		future   *Future[int]
		panicked interface{}
	}
	parked := make(chan parkedResult, 1)
	go func() {
		var res parkedResult
		defer func() {
			res.panicked = recover()
			parked <- res
		}()
		res.future = Submit(r, context.Background(), "parked", func(ctx context.Context) (int, error) {
			return 2, nil
		})
	}()
	time.Sleep(50 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		r.Close()
		close(closed)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	res := <-parked
	if res.panicked != nil {
		t.Fatalf("Submit panicked during Close: %v", res.panicked)
	}

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}

	for _, f := range []*Future[int]{blocker, filler, res.future} {
		if _, err := f.Wait(context.Background()); err != nil {
			t.Errorf("queued task failed during shutdown: %v", err)
		}
	}

	f := Submit(r, context.Background(), "late", func(ctx context.Context) (int, error) {
		return 3, nil
	})
	if _, err := f.Wait(context.Background()); !errors.Is(err, ErrRunnerClosed) {
		t.Errorf("post-close Submit error = %v, want ErrRunnerClosed", err)
	}
}
