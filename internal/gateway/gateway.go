package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/user/deskstream/internal/types"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

var ErrEmptyTurn = errors.New("turn text is empty")

// Gateway is the job backend's front door. SubmitTurn records the user's
// message, creates a queued job and hands it to the conversation's lane; the
// read side serves the message pages, job records and event logs the stream
// session coordinator consumes.
type Gateway struct {
	jobs      types.JobStore
	messages  types.MessageStore
	events    types.EventLog
	sink      types.EventSink
	artifacts types.ArtifactStore
	Queue     *Queue
	retry     *RetryPolicy
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

type Option func(*Gateway)

// WithConcurrency limits how many jobs run at once across conversations.
func WithConcurrency(n int64) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.Queue = NewQueue(n)
		}
	}
}

// WithEventSink routes event writes (failure events) through sink instead of
// the event log, so live transports see them.
func WithEventSink(sink types.EventSink) Option {
	return func(g *Gateway) { g.sink = sink }
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// New creates a Gateway wired to the provided stores.
func New(jobs types.JobStore, messages types.MessageStore, events types.EventLog, artifacts types.ArtifactStore, opts ...Option) *Gateway {
	g := &Gateway{
		jobs:      jobs,
		messages:  messages,
		events:    events,
		sink:      events,
		artifacts: artifacts,
		Queue:     NewQueue(2),
		retry:     DefaultRetryPolicy(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Start initialises the gateway's context and starts the internal queue.
func (g *Gateway) Start(ctx context.Context) {
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.Queue.Start(g.ctx)
}

// Stop cancels the gateway context, stops the queue, and waits for any
// outstanding work to finish.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.Queue.Stop()
}

// SubmitTurn creates a queued job, persists the user's message for it and
// enqueues the job. The returned job id is valid as soon as SubmitTurn
// returns; its events may not exist yet.
func (g *Gateway) SubmitTurn(ctx context.Context, conv types.ConversationID, turn types.Turn) (types.JobID, error) {
	if strings.TrimSpace(turn.Text) == "" {
		return "", ErrEmptyTurn
	}
	if conv == "" {
		return "", fmt.Errorf("conversation id is required")
	}

	job := &types.Job{
		ID:             types.NewJobID(),
		ConversationID: conv,
		Status:         types.JobQueued,
	}

	msg := &types.Message{
		ConversationID: conv,
		JobID:          job.ID,
		Role:           types.RoleUser,
		Text:           turn.Text,
	}
	// The job exists before the message so a message never points at a
	// job that was not recorded.
	if err := g.jobs.Create(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	if err := g.messages.Append(ctx, msg); err != nil {
		if ferr := g.FailJob(ctx, job.ID, "user message could not be saved"); ferr != nil {
			g.logger.Error("fail job", "job_id", job.ID, "error", ferr)
		}
		return "", fmt.Errorf("save user message: %w", err)
	}

	if err := g.Queue.Enqueue(NewRun(job, turn, msg.ID)); err != nil {
		g.logger.Warn("enqueue failed", "job_id", job.ID, "conversation_id", conv, "error", err)
		if ferr := g.FailJob(ctx, job.ID, "job could not be scheduled"); ferr != nil {
			g.logger.Error("fail job", "job_id", job.ID, "error", ferr)
		}
		return "", fmt.Errorf("enqueue job: %w", err)
	}

	g.logger.Info("job queued", "job_id", job.ID, "conversation_id", conv, "user_id", turn.UserID)
	return job.ID, nil
}

// FetchMessagesPage returns one page of durable messages, oldest first within
// the page. Page 1 is the newest.
func (g *Gateway) FetchMessagesPage(ctx context.Context, conv types.ConversationID, page, pageSize int) ([]*types.Message, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return g.messages.Page(ctx, conv, page, pageSize)
}

// FetchActiveJob reports the conversation's newest non-terminal job.
func (g *Gateway) FetchActiveJob(ctx context.Context, conv types.ConversationID) (types.JobID, bool, error) {
	job, err := g.jobs.Active(ctx, conv)
	if errors.Is(err, types.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("find active job: %w", err)
	}
	return job.ID, true, nil
}

func (g *Gateway) GetJob(ctx context.Context, id types.JobID) (*types.Job, error) {
	return g.jobs.Get(ctx, id)
}

func (g *Gateway) ListJobs(ctx context.Context) ([]*types.Job, error) {
	return g.jobs.List(ctx)
}

func (g *Gateway) Conversations(ctx context.Context) ([]*types.ConversationSummary, error) {
	return g.messages.Conversations(ctx)
}

// JobEvents returns the events of a job with Seq greater than after. Unknown
// jobs are an error so callers can tell them from jobs with no events yet.
func (g *Gateway) JobEvents(ctx context.Context, id types.JobID, after int64) ([]*types.StreamEvent, error) {
	if _, err := g.jobs.Get(ctx, id); err != nil {
		return nil, err
	}
	return g.events.Since(ctx, id, after)
}

func (g *Gateway) Artifact(ctx context.Context, id types.ArtifactID) (json.RawMessage, error) {
	return g.artifacts.Get(ctx, id)
}

// FailJob appends an error event and moves the job to failed. Jobs already
// terminal are left alone.
func (g *Gateway) FailJob(ctx context.Context, id types.JobID, reason string) error {
	job, err := g.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}

	ev, err := types.NewStreamEvent(id, types.EventError, types.ErrorPayload{Message: reason})
	if err != nil {
		return err
	}
	if err := g.sink.Append(ctx, ev); err != nil {
		return fmt.Errorf("append error event: %w", err)
	}
	if _, err := g.jobs.SetStatus(ctx, id, types.JobFailed, reason); err != nil {
		return fmt.Errorf("set job failed: %w", err)
	}
	return nil
}

// Retry returns the policy used for transient provider failures.
func (g *Gateway) Retry() *RetryPolicy {
	return g.retry
}

// WaitIdle waits for running jobs to drain, used on shutdown.
func (g *Gateway) WaitIdle(timeout time.Duration) bool {
	return g.Queue.WaitIdle(timeout)
}
