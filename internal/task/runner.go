// XamOps - Cloud Cost, Security and Operations Dashboard
// Copyright 2026 Xammer Cloud
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xammer/xamops

// Package task provides the bounded async task runner used for report
// fan-out. Work runs on a fixed worker pool separate from the HTTP
// request path, so a burst of per-region sub-queries cannot exhaust
// process resources. Results are delivered through futures; fan-in with
// per-task failure isolation is provided by AwaitAll.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xammer/xamops/internal/logging"
	"github.com/xammer/xamops/internal/metrics"
)

// ErrRunnerClosed is returned by futures submitted after Close.
var ErrRunnerClosed = errors.New("task runner closed")

// Runner executes submitted work on a bounded worker pool.
type Runner struct {
	name    string
	queue   chan func()
	wg      sync.WaitGroup
	closed  atomic.Bool
	stopped chan struct{}

	// mu fences Submit's queue send against Close: Close takes the
	// write side before closing the queue, so a submitter parked on a
	// full queue can never hit a closed channel.
	mu sync.RWMutex
}

// NewRunner starts a pool named name with the given worker count and
// queue depth. Submit blocks once the queue is full, which back-
// pressures callers instead of growing unbounded.
func NewRunner(name string, workers, queueDepth int) *Runner {
	if workers <= 0 {
		workers = 1
	}
	if queueDepth <= 0 {
		queueDepth = 1
	}

	r := &Runner{
		name:    name,
		queue:   make(chan func(), queueDepth),
		stopped: make(chan struct{}),
	}
	r.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go r.worker()
	}

	logging.Info().Str("pool", name).Int("workers", workers).Int("queue_depth", queueDepth).
		Msg("task runner started")
	return r
}

func (r *Runner) worker() {
	defer r.wg.Done()
	for fn := range r.queue {
		metrics.TaskQueueDepth.WithLabelValues(r.name).Set(float64(len(r.queue)))
		fn()
	}
}

// Close drains the queue and stops the workers. Futures already queued
// still complete; later submissions fail with ErrRunnerClosed. Waits
// for submitters parked on a full queue before closing it.
func (r *Runner) Close() {
	r.mu.Lock()
	first := r.closed.CompareAndSwap(false, true)
	r.mu.Unlock()
	if first {
		close(r.queue)
		r.wg.Wait()
		close(r.stopped)
		logging.Info().Str("pool", r.name).Msg("task runner stopped")
	}
}

// Name returns the pool name used in logs and metrics.
func (r *Runner) Name() string {
	return r.name
}

// Future holds the eventual result of a submitted task.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) resolve(v T, err error) {
	f.value = v
	f.err = err
	close(f.done)
}

// Done returns a channel closed when the future resolves.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or ctx is canceled.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// resolved builds an already-resolved future. Used for error paths.
func resolved[T any](v T, err error) *Future[T] {
	f := newFuture[T]()
	f.resolve(v, err)
	return f
}

// Submit schedules fn on the runner's pool and returns its future. The
// task inherits ctx; a panic inside fn resolves the future with an
// error instead of crashing the worker.
func Submit[T any](r *Runner, ctx context.Context, name string, fn func(ctx context.Context) (T, error)) *Future[T] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed.Load() {
		var zero T
		return resolved(zero, ErrRunnerClosed)
	}

	metrics.TasksSubmitted.WithLabelValues(r.name).Inc()
	f := newFuture[T]()

	r.queue <- func() {
		start := time.Now()
		defer metrics.ObserveTaskDuration(r.name, start)

		var (
			value T
			err   error
		)
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					err = fmt.Errorf("task %s panicked: %v", name, rec)
				}
			}()
			value, err = fn(ctx)
		}()

		if err != nil {
			metrics.TasksFailed.WithLabelValues(r.name).Inc()
			logging.Ctx(ctx).Debug().Str("pool", r.name).Str("task", name).Err(err).
				Msg("task failed")
		}
		f.resolve(value, err)
	}
	return f
}

// Go runs fn on its own goroutine rather than the pool and returns its
// future. Used for coordinating work that itself submits pool tasks and
// waits on them; running such work on the pool could exhaust every
// worker with waiters.
func Go[T any](ctx context.Context, name string, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := newFuture[T]()
	go func() {
		var (
			value T
			err   error
		)
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					err = fmt.Errorf("task %s panicked: %v", name, rec)
				}
			}()
			value, err = fn(ctx)
		}()
		if err != nil {
			logging.Ctx(ctx).Debug().Str("task", name).Err(err).Msg("task failed")
		}
		f.resolve(value, err)
	}()
	return f
}

// AwaitAll resolves every future, substituting def for any task that
// failed or could not resolve before ctx expired. This is the fan-in
// failure-isolation policy: one failed region or service never voids
// the rest of the aggregation. The returned slice preserves submission
// order; the second return value counts defaulted entries.
func AwaitAll[T any](ctx context.Context, def T, futures []*Future[T]) ([]T, int) {
	results := make([]T, len(futures))
	defaulted := 0
	for i, f := range futures {
		v, err := f.Wait(ctx)
		if err != nil {
			results[i] = def
			defaulted++
			continue
		}
		results[i] = v
	}
	return results, defaulted
}

// Then chains a dependent computation: once prev resolves successfully,
// fn runs on the pool with its result. Errors from prev short-circuit
// without occupying a worker.
func Then[A, B any](r *Runner, ctx context.Context, prev *Future[A], name string, fn func(ctx context.Context, in A) (B, error)) *Future[B] {
	out := newFuture[B]()
	go func() {
		in, err := prev.Wait(ctx)
		if err != nil {
			var zero B
			out.resolve(zero, err)
			return
		}
		v, err := Submit(r, ctx, name, func(ctx context.Context) (B, error) {
			return fn(ctx, in)
		}).Wait(ctx)
		out.resolve(v, err)
	}()
	return out
}
