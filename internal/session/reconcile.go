package session

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/user/deskstream/internal/types"
)

const minRetryBackoff = 50 * time.Millisecond

// Reconciler fetches the canonical message page once a job is over.
type Reconciler struct {
	pager    types.MessagePager
	pageSize int
	delay    time.Duration
	retries  uint64
}

func NewReconciler(pager types.MessagePager, cfg Config) *Reconciler {
	cfg = cfg.withDefaults()
	return &Reconciler{
		pager:    pager,
		pageSize: cfg.PageSize,
		delay:    cfg.ReconcileDelay,
		retries:  uint64(cfg.ReconcileRetries),
	}
}

// Fetch waits out the reconcile delay, since the backend may still be
// committing its final write, then loads the newest page.
func (r *Reconciler) Fetch(ctx context.Context, conv types.ConversationID) ([]*types.Message, error) {
	if r.delay > 0 {
		timer := time.NewTimer(r.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	var msgs []*types.Message
	backoff := retry.WithMaxRetries(r.retries, retry.NewConstant(max(r.delay, minRetryBackoff)))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		page, err := r.pager.FetchMessagesPage(ctx, conv, 1, r.pageSize)
		if err != nil {
			return retry.RetryableError(err)
		}
		msgs = page
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile %s: %w", conv, err)
	}
	return msgs, nil
}
