// Package scheduler runs the periodic merge-and-reload job against the
// persisted schedule and records every run in the schedule history.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/clashctl/clashctl/internal/cmn/jobguard"
	"github.com/clashctl/clashctl/internal/cmn/logger/tag"
	"github.com/clashctl/clashctl/internal/core"
	"github.com/clashctl/clashctl/internal/metrics"
	"github.com/clashctl/clashctl/internal/persis/fileschedule"
)

// actionMergeReload labels merge-and-reload runs in the history.
const actionMergeReload = "merge_and_reload"

// Clock returns the current time. Replaceable for tests.
type Clock func() time.Time

// JobRunner is the unit of work a tick executes.
type JobRunner interface {
	Run(ctx context.Context) (string, error)
}

// Scheduler polls the persisted schedule and fires the merge job when
// next_run is due. The schedule file is the single source of truth; operator
// edits take effect on the next tick without restart.
type Scheduler struct {
	store   *fileschedule.Store
	guard   *jobguard.Guard
	job     JobRunner
	tick    time.Duration
	clock   Clock
	metrics *metrics.Metrics

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Option is a functional option for configuring the Scheduler.
type Option func(*Scheduler)

// WithClock replaces the time source.
func WithClock(clock Clock) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithMetrics records run outcomes and busy rejections.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New creates a scheduler ticking at the given interval.
func New(store *fileschedule.Store, guard *jobguard.Guard, job JobRunner, tick time.Duration, opts ...Option) *Scheduler {
	s := &Scheduler{
		store: store,
		guard: guard,
		job:   job,
		tick:  tick,
		clock: time.Now,
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the tick loop. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Stop terminates the tick loop and waits for it to exit. A run already in
// flight finishes first.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.quit) })
	<-s.done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tickOnce(ctx)
		}
	}
}

// tickOnce checks the schedule and runs the job when due. Exported through
// tests only via the tick loop.
func (s *Scheduler) tickOnce(ctx context.Context) {
	cfg := s.store.Load()
	if !cfg.Enabled {
		return
	}
	now := s.clock()

	if cfg.NextRun == nil {
		// Freshly enabled schedule: anchor the first run one interval out.
		next := now.Add(cfg.Interval())
		if _, err := s.store.Update(func(c core.ScheduleConfig) core.ScheduleConfig {
			if c.Enabled && c.NextRun == nil {
				c.NextRun = &next
			}
			return c
		}); err != nil {
			slog.Warn("failed to anchor schedule", tag.Error(err))
		}
		return
	}

	if now.Before(*cfg.NextRun) {
		return
	}
	s.runScheduled(ctx, now)
}

func (s *Scheduler) runScheduled(ctx context.Context, now time.Time) {
	if !s.guard.TryAcquire(core.JobMergeReload, core.TriggerScheduler) {
		// The overdue run is not queued and next_run stays put: the slot is
		// re-attempted on the next tick until the running job finishes.
		entry := core.NewScheduleHistoryEntry(
			core.TriggerScheduler, actionMergeReload, core.ScheduleStatusSkippedBusy,
			"previous merge_reload job still running", now, s.clock())
		if err := s.store.AppendHistory(entry); err != nil {
			slog.Warn("failed to append schedule history", tag.Error(err))
		}
		s.metrics.IncBusy(core.JobMergeReload, core.TriggerScheduler)
		slog.Info("scheduled merge skipped, job busy", tag.Job(string(core.JobMergeReload)))
		return
	}
	defer s.guard.Release(core.JobMergeReload)

	slog.Info("scheduled merge started", tag.Job(string(core.JobMergeReload)))
	entry := s.runAndRecord(ctx, core.TriggerScheduler, now)

	// next_run anchors to the tick that claimed the slot, not the run's end,
	// so the cadence does not drift by each run's duration.
	if _, err := s.store.Update(func(c core.ScheduleConfig) core.ScheduleConfig {
		c.LastRun = &now
		c.LastStatus = string(entry.Status)
		next := now.Add(c.Interval())
		c.NextRun = &next
		return c
	}); err != nil {
		slog.Warn("failed to advance schedule", tag.Error(err))
	}
}

// RunManual executes the merge job outside the schedule. next_run is not
// touched; manual runs do not shift the periodic cadence.
func (s *Scheduler) RunManual(ctx context.Context) (core.ScheduleHistoryEntry, error) {
	if !s.guard.TryAcquire(core.JobMergeReload, core.TriggerManual) {
		return core.ScheduleHistoryEntry{}, core.ErrBusy
	}
	defer s.guard.Release(core.JobMergeReload)

	started := s.clock()
	entry := s.runAndRecord(ctx, core.TriggerManual, started)

	if _, err := s.store.Update(func(c core.ScheduleConfig) core.ScheduleConfig {
		c.LastRun = &started
		c.LastStatus = string(entry.Status)
		return c
	}); err != nil {
		slog.Warn("failed to record manual run", tag.Error(err))
	}
	return entry, nil
}

// runAndRecord runs the job and appends its history entry. Caller holds the
// merge_reload lock.
func (s *Scheduler) runAndRecord(ctx context.Context, trigger core.Trigger, started time.Time) core.ScheduleHistoryEntry {
	message, err := s.job.Run(ctx)
	ended := s.clock()

	status := core.ScheduleStatusSuccess
	if err != nil {
		status = core.ScheduleStatusFailed
		message = err.Error()
		slog.Error("merge job failed", tag.Trigger(string(trigger)), tag.Error(err))
	} else {
		slog.Info("merge job finished", tag.Trigger(string(trigger)), tag.Status(message))
	}

	entry := core.NewScheduleHistoryEntry(trigger, actionMergeReload, status, message, started, ended)
	if appendErr := s.store.AppendHistory(entry); appendErr != nil {
		slog.Warn("failed to append schedule history", tag.Error(appendErr))
	}
	s.metrics.ObserveJob(core.JobMergeReload, trigger, string(status), ended.Sub(started))
	return entry
}
