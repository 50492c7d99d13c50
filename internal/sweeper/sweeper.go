// internal/sweeper/sweeper.go
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/deskstream/internal/types"
)

const staleReason = "job timed out"

// StaleFinder lists non-terminal jobs not updated since before.
type StaleFinder interface {
	Stale(ctx context.Context, before time.Time) ([]*types.Job, error)
}

// JobFailer marks a job failed and records why in its event log.
type JobFailer interface {
	FailJob(ctx context.Context, id types.JobID, reason string) error
}

// Sweeper periodically fails jobs that stopped making progress, so that
// clients watching them reach a terminal status instead of waiting forever.
type Sweeper struct {
	jobs     StaleFinder
	failer   JobFailer
	maxAge   time.Duration
	schedule string
	logger   *slog.Logger
	cron     *cron.Cron
	now      func() time.Time
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a Sweeper that fails jobs idle for longer than maxAge each
// time schedule fires.
func New(jobs StaleFinder, failer JobFailer, schedule string, maxAge time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		jobs:     jobs,
		failer:   failer,
		maxAge:   maxAge,
		schedule: schedule,
		logger:   logger,
		cron:     cron.New(cron.WithParser(cronParser)),
		now:      time.Now,
	}
}

// Start registers the sweep and starts the cron ticker.
func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.logger.Info("stale job sweeper started", "schedule", s.schedule, "max_age", s.maxAge)
	return nil
}

// Stop stops the cron ticker and waits for a running sweep.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep fails every stale job once and returns how many it failed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	stale, err := s.jobs.Stale(ctx, s.now().Add(-s.maxAge))
	if err != nil {
		return 0, fmt.Errorf("list stale jobs: %w", err)
	}

	failed := 0
	for _, job := range stale {
		if err := s.failer.FailJob(ctx, job.ID, staleReason); err != nil {
			s.logger.Warn("fail stale job", "job_id", job.ID, "error", err)
			continue
		}
		s.logger.Info("failed stale job", "job_id", job.ID, "conversation_id", job.ConversationID, "status", job.Status)
		failed++
	}
	return failed, nil
}
