// XamOps - Cloud Cost, Security and Operations Dashboard
// Copyright 2026 Xammer Cloud
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xammer/xamops

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xammer/xamops/internal/logging"
	"github.com/xammer/xamops/internal/metrics"
)

// Schedule computes the next run time after a given instant.
type Schedule interface {
	Next(after time.Time) time.Time
}

// every is a fixed-interval schedule.
type every time.Duration

func (e every) Next(after time.Time) time.Time {
	return after.Add(time.Duration(e))
}

// Every returns a schedule that fires at a fixed interval.
func Every(d time.Duration) Schedule {
	return every(d)
}

// Cron returns a schedule driven by a 5-field cron expression.
func Cron(expr string) (Schedule, error) {
	return ParseCron(expr)
}

// Job outcome values recorded after each run.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

// Job is one registered background job. A job never overlaps itself:
// when a run is due while the previous one is still going, the new run
// is skipped outright, not queued.
type Job struct {
	Name     string
	Schedule Schedule
	Action   func(ctx context.Context) error

	mu         sync.Mutex
	running    bool
	nextRun    time.Time
	lastRunAt  time.Time
	lastStatus string
}

// NewJob creates a job with the given name, schedule and action.
func NewJob(name string, schedule Schedule, action func(ctx context.Context) error) *Job {
	return &Job{Name: name, Schedule: schedule, Action: action}
}

// Running reports whether the job is mid-run.
func (j *Job) Running() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

// LastRun returns the start time and outcome of the most recent run.
// The zero time means the job has not run yet.
func (j *Job) LastRun() (time.Time, string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastRunAt, j.lastStatus
}

// Runner drives a set of jobs from a single polling loop. Due jobs run
// on their own goroutines so a slow job never delays the others.
type Runner struct {
	poll time.Duration
	now  func() time.Time

	mu   sync.Mutex
	jobs []*Job
	wg   sync.WaitGroup
}

// NewRunner creates a Runner that checks for due jobs every poll
// interval. The interval defaults to fifteen seconds, well under the
// one-minute cron granularity.
func NewRunner(poll time.Duration) *Runner {
	if poll <= 0 {
		poll = 15 * time.Second
	}
	return &Runner{poll: poll, now: time.Now}
}

// Add registers a job. Must be called before Serve.
func (r *Runner) Add(job *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
}

// Jobs returns the registered jobs.
func (r *Runner) Jobs() []*Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Job, len(r.jobs))
	copy(out, r.jobs)
	return out
}

// Serve runs the polling loop until ctx is canceled, then waits for
// in-flight job runs to finish. Compatible with supervisor trees.
func (r *Runner) Serve(ctx context.Context) error {
	now := r.now()
	r.mu.Lock()
	for _, j := range r.jobs {
		j.mu.Lock()
		j.nextRun = j.Schedule.Next(now)
		j.mu.Unlock()
		logging.Info().Str("job", j.Name).Time("next_run", j.nextRun).Msg("job scheduled")
	}
	n := len(r.jobs)
	r.mu.Unlock()

	logging.Info().Int("jobs", n).Dur("poll", r.poll).Msg("scheduler started")

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("scheduler stopping, waiting for running jobs")
			r.wg.Wait()
			logging.Info().Msg("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			r.dispatchDue(ctx, r.now())
		}
	}
}

// dispatchDue starts every job whose next run time has passed.
func (r *Runner) dispatchDue(ctx context.Context, now time.Time) {
	r.mu.Lock()
	jobs := r.jobs
	r.mu.Unlock()

	for _, job := range jobs {
		job.mu.Lock()
		if job.nextRun.IsZero() || now.Before(job.nextRun) {
			job.mu.Unlock()
			continue
		}
		job.nextRun = job.Schedule.Next(now)

		if job.running {
			// The previous run is still going. Drop this one.
			job.mu.Unlock()
			metrics.JobRuns.WithLabelValues(job.Name, OutcomeSkipped).Inc()
			logging.Ctx(ctx).Warn().Str("job", job.Name).
				Msg("previous run still in progress, skipping")
			continue
		}
		job.running = true
		job.lastRunAt = now
		job.mu.Unlock()

		r.wg.Add(1)
		go r.runJob(ctx, job)
	}
}

func (r *Runner) runJob(ctx context.Context, job *Job) {
	defer r.wg.Done()

	start := time.Now()
	err := invoke(ctx, job)

	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
		logging.Ctx(ctx).Error().Str("job", job.Name).Err(err).
			Dur("duration", time.Since(start)).Msg("job run failed")
	} else {
		logging.Ctx(ctx).Info().Str("job", job.Name).
			Dur("duration", time.Since(start)).Msg("job run completed")
	}
	metrics.JobRuns.WithLabelValues(job.Name, outcome).Inc()
	metrics.ObserveJobDuration(job.Name, start)

	job.mu.Lock()
	job.running = false
	job.lastStatus = outcome
	job.mu.Unlock()
}

// invoke runs the job's action with panic recovery.
func invoke(ctx context.Context, job *Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job %s: panic: %v", job.Name, rec)
		}
	}()
	return job.Action(ctx)
}
