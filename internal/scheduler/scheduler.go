// internal/scheduler/scheduler.go

// Package scheduler runs the bot's periodic maintenance jobs.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
	"github.com/robfig/cron/v3"
)

// Purger deletes durable contexts untouched for longer than olderThan.
type Purger interface {
	PurgeStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Reaper leaves voice sessions idle for longer than idle.
type Reaper interface {
	ReapIdle(ctx context.Context, idle time.Duration) int
}

type Scheduler struct {
	cron       *cron.Cron
	jobTimeout time.Duration
	logger     *slog.Logger
}

func New(jobTimeout time.Duration, logger *slog.Logger) *Scheduler {
	if jobTimeout <= 0 {
		jobTimeout = time.Minute
	}
	return &Scheduler{
		cron:       cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		jobTimeout: jobTimeout,
		logger:     logger,
	}
}

// AddPurge schedules the durable context purge.
func (s *Scheduler) AddPurge(schedule string, p Purger, olderThan time.Duration) error {
	return s.add("context_purge", schedule, func(ctx context.Context) {
		n, err := p.PurgeStale(ctx, olderThan)
		if err != nil {
			s.logger.WarnContext(ctx, "context purge failed", tint.Err(err))
			return
		}
		if n > 0 {
			s.logger.InfoContext(ctx, "purged stale contexts", "count", n)
		}
	})
}

// AddVoiceReap schedules the idle voice session check.
func (s *Scheduler) AddVoiceReap(schedule string, r Reaper, idle time.Duration) error {
	return s.add("voice_reap", schedule, func(ctx context.Context) {
		if n := r.ReapIdle(ctx, idle); n > 0 {
			s.logger.InfoContext(ctx, "left idle voice sessions", "count", n)
		}
	})
}

func (s *Scheduler) add(name, schedule string, fn func(ctx context.Context)) error {
	_, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.jobTimeout)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				s.logger.ErrorContext(ctx, "panic in scheduled job", "job", name, tint.Err(fmt.Errorf("%v", r)))
			}
		}()
		s.logger.DebugContext(ctx, "running scheduled job", "job", name)
		fn(ctx)
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", schedule, name, err)
	}
	return nil
}

// Run starts the jobs and blocks until ctx is done, then waits for running
// jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

// Jobs is the number of scheduled jobs.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}
