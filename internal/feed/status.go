package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/deskstream/internal/types"
)

const defaultMaxFailures = 5

// StatusPoller watches a job's status by polling a JobGetter.
type StatusPoller struct {
	jobs        types.JobGetter
	interval    time.Duration
	maxFailures int
	logger      *slog.Logger
}

func NewStatusPoller(jobs types.JobGetter, interval time.Duration, logger *slog.Logger) *StatusPoller {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusPoller{jobs: jobs, interval: interval, maxFailures: defaultMaxFailures, logger: logger}
}

// WatchJobStatus fetches the job once so an unknown job fails fast, then
// emits the current status and every change. The watch closes after a
// terminal status or after maxFailures consecutive failed polls.
func (p *StatusPoller) WatchJobStatus(ctx context.Context, jobID types.JobID) (types.StatusSubscription, error) {
	job, err := p.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &statusWatch{
		ch:     make(chan types.JobStatus, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.loop(ctx, w, jobID, job.Status)
	return w, nil
}

func (p *StatusPoller) loop(ctx context.Context, w *statusWatch, jobID types.JobID, current types.JobStatus) {
	defer close(w.done)
	defer close(w.ch)

	emit := func(st types.JobStatus) bool {
		select {
		case w.ch <- st:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !emit(current) || current.IsTerminal() {
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		job, err := p.jobs.GetJob(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			p.logger.Debug("job status poll failed", "job_id", jobID, "failures", failures, "error", err)
			if failures >= p.maxFailures {
				p.logger.Warn("giving up on job status", "job_id", jobID, "error", err)
				return
			}
			continue
		}
		failures = 0

		if job.Status == current {
			continue
		}
		current = job.Status
		if !emit(current) || current.IsTerminal() {
			return
		}
	}
}

type statusWatch struct {
	ch     chan types.JobStatus
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (w *statusWatch) Updates() <-chan types.JobStatus { return w.ch }

func (w *statusWatch) Close() error {
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
	return nil
}
