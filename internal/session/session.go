// Package session binds running jobs to conversations and keeps the visible
// conversation consistent while those jobs stream, complete, fail or lose
// their transport.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/user/deskstream/internal/stream"
	"github.com/user/deskstream/internal/types"
)

var ErrTurnInFlight = errors.New("a turn is already in flight for this conversation")

// View receives changes for the active conversation. Calls are serialized and
// made while the coordinator holds its lock, so implementations must return
// quickly and must not call back into the Coordinator.
type View interface {
	ItemsChanged(items []types.ConversationItem)
	RespondingChanged(responding bool)
	Error(message string)
}

type Config struct {
	PageSize         int
	ReconcileDelay   time.Duration
	ReconcileRetries int
	PollInterval     time.Duration
	PollMaxAttempts  int
	PollMinAttempts  int
	// StrictCompletion stops the poller from inferring completion from the
	// last message; only a terminal job status ends a polling session.
	StrictCompletion bool
}

func DefaultConfig() Config {
	return Config{
		PageSize:         50,
		ReconcileDelay:   500 * time.Millisecond,
		ReconcileRetries: 1,
		PollInterval:     2 * time.Second,
		PollMaxAttempts:  30,
		PollMinAttempts:  2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PageSize <= 0 {
		c.PageSize = d.PageSize
	}
	if c.ReconcileDelay < 0 {
		c.ReconcileDelay = 0
	}
	c.ReconcileRetries = min(max(c.ReconcileRetries, 0), 1)
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.PollMaxAttempts <= 0 {
		c.PollMaxAttempts = d.PollMaxAttempts
	}
	if c.PollMinAttempts <= 0 {
		c.PollMinAttempts = d.PollMinAttempts
	}
	return c
}

// Session is the runtime binding of one job to one conversation.
type Session struct {
	ConversationID types.ConversationID
	JobID          types.JobID

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// guarded by Coordinator.mu
	state     *stream.State
	overlay   bool
	finished  bool
	stopped   bool
	eventSub  types.EventSubscription
	statusSub types.StatusSubscription

	// owned by the session goroutine
	poller *Poller
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// conversation is the cached visible state of one conversation: the
// canonical items from the last reconciliation plus optimistic user turns.
type conversation struct {
	base       []types.ConversationItem
	responding bool
	submitting bool
	// failure of a job that ended while the conversation was in the
	// background, shown once when it becomes active again
	failure string
}
