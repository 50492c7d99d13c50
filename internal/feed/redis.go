package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/user/deskstream/internal/types"
)

const (
	defaultKeyPrefix  = "deskstream:job:"
	defaultMaxEntries = 10000
	defaultTTL        = 24 * time.Hour
)

type RedisOptions struct {
	KeyPrefix  string
	MaxEntries int64
	TTL        time.Duration
}

// RedisFeed publishes job events over Redis pub/sub and keeps a capped
// backlog list per job for replay.
type RedisFeed struct {
	client     redis.UniversalClient
	prefix     string
	maxEntries int64
	ttl        time.Duration
	logger     *slog.Logger
}

func NewRedisFeed(client redis.UniversalClient, opts *RedisOptions, logger *slog.Logger) *RedisFeed {
	f := &RedisFeed{
		client:     client,
		prefix:     defaultKeyPrefix,
		maxEntries: defaultMaxEntries,
		ttl:        defaultTTL,
		logger:     logger,
	}
	if opts != nil {
		if opts.KeyPrefix != "" {
			f.prefix = opts.KeyPrefix
		}
		if opts.MaxEntries > 0 {
			f.maxEntries = opts.MaxEntries
		}
		if opts.TTL > 0 {
			f.ttl = opts.TTL
		}
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	return f
}

func (f *RedisFeed) channel(jobID types.JobID) string { return f.prefix + string(jobID) }
func (f *RedisFeed) logKey(jobID types.JobID) string  { return f.prefix + string(jobID) + ":events" }
func (f *RedisFeed) seqKey(jobID types.JobID) string  { return f.prefix + string(jobID) + ":seq" }

// Append publishes event. A zero Seq is assigned from the job's counter;
// a non-zero Seq is kept, so a mirror of another log stays in step with it.
func (f *RedisFeed) Append(ctx context.Context, event *types.StreamEvent) error {
	if event.Seq == 0 {
		seq, err := f.client.Incr(ctx, f.seqKey(event.JobID)).Result()
		if err != nil {
			return fmt.Errorf("increment seq: %w", err)
		}
		event.Seq = seq
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	logKey := f.logKey(event.JobID)
	pipe := f.client.TxPipeline()
	pipe.RPush(ctx, logKey, payload)
	pipe.LTrim(ctx, logKey, -f.maxEntries, -1)
	pipe.Expire(ctx, logKey, f.ttl)
	pipe.Expire(ctx, f.seqKey(event.JobID), f.ttl)
	pipe.Publish(ctx, f.channel(event.JobID), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// SubscribeEvents confirms the pub/sub subscription before reading the
// backlog; live events already covered by the backlog are skipped by Seq.
func (f *RedisFeed) SubscribeEvents(ctx context.Context, jobID types.JobID) (types.EventSubscription, error) {
	pubsub := f.client.Subscribe(ctx, f.channel(jobID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("confirm subscription: %w", err)
	}

	backlog, err := f.client.LRange(ctx, f.logKey(jobID), 0, -1).Result()
	if err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("read backlog: %w", err)
	}

	sub := newSubscription(ctx)
	sub.closer = pubsub.Close
	go f.pump(sub, pubsub, jobID, backlog)
	return sub, nil
}

func (f *RedisFeed) pump(sub *subscription, pubsub *redis.PubSub, jobID types.JobID, backlog []string) {
	defer sub.finish()

	var last int64
	deliver := func(raw string) bool {
		var ev types.StreamEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			f.logger.Warn("skipping malformed event", "job_id", jobID, "error", err)
			return true
		}
		if ev.Seq <= last {
			return true
		}
		if !sub.send(&ev) {
			return false
		}
		last = ev.Seq
		return true
	}

	for _, raw := range backlog {
		if !deliver(raw) {
			return
		}
	}

	for {
		msg, err := pubsub.Receive(sub.ctx)
		if err != nil {
			if sub.ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			f.logger.Warn("event subscription lost", "job_id", jobID, "error", err)
			sub.fail(fmt.Errorf("receive event: %w", err))
			return
		}
		switch m := msg.(type) {
		case *redis.Message:
			if !deliver(m.Payload) {
				return
			}
		case *redis.Subscription:
			if m.Kind == "unsubscribe" && m.Count == 0 {
				sub.fail(fmt.Errorf("unsubscribed from %s", m.Channel))
				return
			}
		}
	}
}

// Mirror appends to a primary log and copies each event, Seq included, to a
// replica transport. Replica failures are logged; the primary is the record.
type Mirror struct {
	Primary types.EventSink
	Replica types.EventSink
	Logger  *slog.Logger
}

func (m *Mirror) Append(ctx context.Context, event *types.StreamEvent) error {
	if err := m.Primary.Append(ctx, event); err != nil {
		return err
	}
	if m.Replica == nil {
		return nil
	}
	if err := m.Replica.Append(ctx, event); err != nil {
		logger := m.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("mirror event failed", "job_id", event.JobID, "event_id", event.ID, "error", err)
	}
	return nil
}
