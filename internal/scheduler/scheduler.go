// Package scheduler implements C13: periodic jobs with startup delay and
// exponential backoff, daily-time-of-day jobs, and a shared shutdown signal,
// in the graceful-lifecycle style the collector's processors use for their
// own background loops.
package scheduler

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
)

// FeatureGate reports whether a named job should run its body this tick.
// When it reports false the job still sleeps its normal interval; it is
// not paused or rescheduled.
type FeatureGate interface {
	IsEnabled(name string) bool
}

// BackoffRules controls how a periodic job slows down after consecutive failures.
type BackoffRules struct {
	BaseBackoff        time.Duration
	MaxBackoff         time.Duration
	MaxConsecutiveFailures int
}

func (r BackoffRules) delay(consecutiveFailures int) time.Duration {
	if consecutiveFailures <= 0 {
		return 0
	}
	d := time.Duration(float64(r.BaseBackoff) * math.Pow(2, float64(consecutiveFailures-1)))
	if r.MaxBackoff > 0 && d > r.MaxBackoff {
		return r.MaxBackoff
	}
	return d
}

// PeriodicJob is a named, interval-driven task gated by a feature flag.
type PeriodicJob struct {
	Name         string
	StartupDelay time.Duration
	Interval     time.Duration
	Backoff      BackoffRules
	Run          func(ctx context.Context) error
}

// DailyJob runs once per day at a fixed UTC time-of-day.
type DailyJob struct {
	Name       string
	TimeOfDay  TimeOfDay
	Run        func(ctx context.Context) error
}

// TimeOfDay is a UTC wall-clock time, hour/minute resolution.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// nextOccurrence returns the next time t occurs at or after now, today if
// still in the future, tomorrow otherwise.
func (t TimeOfDay) nextOccurrence(now time.Time) time.Time {
	candidate := time.Date(now.Year(), now.Month(), now.Day(), t.Hour, t.Minute, 0, 0, time.UTC)
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

// Scheduler runs PeriodicJobs and DailyJobs until Shutdown is called.
type Scheduler struct {
	flags  FeatureGate
	logger *zap.Logger

	shutdownCh chan struct{}
	doneCh     chan struct{}
	jobCount   int
}

// New constructs a Scheduler gated by flags.
func New(flags FeatureGate, logger *zap.Logger) *Scheduler {
	return &Scheduler{flags: flags, logger: logger, shutdownCh: make(chan struct{})}
}

// RunPeriodic starts job's loop in a goroutine and returns immediately. The
// loop honors job.StartupDelay, runs job.Run every job.Interval, and
// applies exponential backoff on consecutive failures. Cancellation during
// sleep unwinds promptly via the shared shutdown channel.
func (s *Scheduler) RunPeriodic(ctx context.Context, job PeriodicJob, doneWg chan<- struct{}) {
	go func() {
		if doneWg != nil {
			defer func() { doneWg <- struct{}{} }()
		}

		if !s.sleepOrShutdown(job.StartupDelay) {
			return
		}

		var consecutiveFailures int
		for {
			if s.flags == nil || s.flags.IsEnabled(job.Name) {
				if err := job.Run(ctx); err != nil {
					consecutiveFailures++
					s.logger.Warn("periodic job failed", zap.String("job", job.Name), zap.Int("consecutiveFailures", consecutiveFailures), zap.Error(err))
					if job.Backoff.MaxConsecutiveFailures > 0 && consecutiveFailures >= job.Backoff.MaxConsecutiveFailures {
						s.logger.Error("periodic job exceeded max consecutive failures, giving up",
							zap.String("job", job.Name), zap.Int("consecutiveFailures", consecutiveFailures))
						return
					}
				} else {
					consecutiveFailures = 0
				}
			}

			sleep := job.Interval
			if consecutiveFailures > 0 {
				sleep = job.Backoff.delay(consecutiveFailures)
			}
			if !s.sleepOrShutdown(sleep) {
				return
			}
		}
	}()
}

// RunDaily starts job's sleep-until-next-target loop in a goroutine.
func (s *Scheduler) RunDaily(ctx context.Context, job DailyJob, doneWg chan<- struct{}) {
	go func() {
		if doneWg != nil {
			defer func() { doneWg <- struct{}{} }()
		}

		for {
			next := job.TimeOfDay.nextOccurrence(time.Now().UTC())
			if !s.sleepOrShutdown(time.Until(next)) {
				return
			}
			if s.flags == nil || s.flags.IsEnabled(job.Name) {
				if err := job.Run(ctx); err != nil {
					s.logger.Warn("daily job failed", zap.String("job", job.Name), zap.Error(err))
				}
			}
		}
	}()
}

// sleepOrShutdown sleeps for d, returning false if shutdown fires first.
func (s *Scheduler) sleepOrShutdown(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-s.shutdownCh:
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.shutdownCh:
		return false
	}
}

// Shutdown signals every running job loop to stop at its next cancellation
// point. Safe to call once.
func (s *Scheduler) Shutdown() {
	close(s.shutdownCh)
}
