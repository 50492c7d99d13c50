package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/deskstream/internal/types"
)

// EventSource reads a job's events after a sequence number. The gateway and
// the remote API client both implement it.
type EventSource interface {
	JobEvents(ctx context.Context, id types.JobID, after int64) ([]*types.StreamEvent, error)
}

// PollFeed tails a job's event log by polling an EventSource. It is the
// event transport of remote clients that cannot watch the log directly.
type PollFeed struct {
	source      EventSource
	interval    time.Duration
	maxFailures int
	logger      *slog.Logger
}

func NewPollFeed(source EventSource, interval time.Duration, logger *slog.Logger) *PollFeed {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PollFeed{source: source, interval: interval, maxFailures: defaultMaxFailures, logger: logger}
}

// SubscribeEvents reads the backlog once so an unknown job fails fast, then
// polls for newer events until closed. The subscription fails after
// maxFailures consecutive failed polls.
func (p *PollFeed) SubscribeEvents(ctx context.Context, jobID types.JobID) (types.EventSubscription, error) {
	backlog, err := p.source.JobEvents(ctx, jobID, 0)
	if err != nil {
		return nil, fmt.Errorf("read backlog: %w", err)
	}

	sub := newSubscription(ctx)
	go p.pump(sub, jobID, backlog)
	return sub, nil
}

func (p *PollFeed) pump(sub *subscription, jobID types.JobID, backlog []*types.StreamEvent) {
	defer sub.finish()

	var last int64
	deliver := func(events []*types.StreamEvent) bool {
		for _, ev := range events {
			if ev.Seq <= last {
				continue
			}
			if !sub.send(ev) {
				return false
			}
			last = ev.Seq
		}
		return true
	}

	if !deliver(backlog) {
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-sub.ctx.Done():
			return
		case <-ticker.C:
		}

		events, err := p.source.JobEvents(sub.ctx, jobID, last)
		if err != nil {
			if sub.ctx.Err() != nil {
				return
			}
			failures++
			p.logger.Debug("event poll failed", "job_id", jobID, "failures", failures, "error", err)
			if failures >= p.maxFailures {
				sub.fail(fmt.Errorf("poll events: %w", err))
				return
			}
			continue
		}
		failures = 0
		if !deliver(events) {
			return
		}
	}
}
