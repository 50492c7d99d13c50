package session

import (
	"errors"
	"time"

	"github.com/user/deskstream/internal/stream"
	"github.com/user/deskstream/internal/types"
)

var errStatusLost = errors.New("job status watch closed before a terminal status")

// run is the session goroutine. It opens the event stream and the status
// watch, folds events, and degrades to polling when the stream is gone.
// Streaming and polling never overlap.
func (c *Coordinator) run(s *Session) {
	defer c.wg.Done()
	defer c.release(s)

	var (
		events  types.EventSubscription
		evCh    <-chan *types.StreamEvent
		stCh    <-chan types.JobStatus
		ticker  *time.Ticker
		tickC   <-chan time.Time
		watched = true
	)
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	startPolling := func(reason error) {
		if !s.poller.Start() {
			return
		}
		c.logger.Warn("event stream unavailable, polling for messages",
			"conversation_id", s.ConversationID, "job_id", s.JobID, "reason", reason)
		c.mu.Lock()
		c.closeEventsLocked(s)
		c.mu.Unlock()
		evCh = nil
		ticker = time.NewTicker(c.cfg.PollInterval)
		tickC = ticker.C
	}

	sub, err := c.events.SubscribeEvents(s.ctx, s.JobID)
	if err != nil {
		startPolling(err)
	} else if c.attachEvents(s, sub) {
		events, evCh = sub, sub.Events()
	} else {
		return
	}

	watch, err := c.status.WatchJobStatus(s.ctx, s.JobID)
	if err != nil {
		watched = false
		startPolling(err)
	} else if c.attachStatus(s, watch) {
		stCh = watch.Updates()
	} else {
		return
	}

	for {
		if s.ctx.Err() != nil {
			return
		}
		if evCh == nil && !watched && tickC == nil {
			c.logger.Warn("session has nothing left to watch", "conversation_id", s.ConversationID, "job_id", s.JobID)
			return
		}

		select {
		case <-s.ctx.Done():
			return

		case ev, ok := <-evCh:
			if !ok {
				evCh = nil
				if err := events.Err(); err != nil {
					startPolling(err)
				}
				continue
			}
			if failed, msg := c.handleEvent(s, ev); failed {
				c.finish(s, types.JobFailed, msg, nil)
				return
			}

		case st, ok := <-stCh:
			if !ok {
				stCh, watched = nil, false
				startPolling(errStatusLost)
				continue
			}
			c.logger.Debug("job status", "job_id", s.JobID, "status", st)
			if st.IsTerminal() {
				c.finish(s, st, "", nil)
				return
			}

		case <-tickC:
			msgs, err := c.backend.FetchMessagesPage(s.ctx, s.ConversationID, 1, c.cfg.PageSize)
			if s.ctx.Err() != nil {
				return
			}
			if err != nil {
				c.logger.Warn("poll failed", "conversation_id", s.ConversationID, "attempt", s.poller.Attempts()+1, "error", err)
			} else {
				c.refresh(s, msgs)
			}
			switch s.poller.Observe(msgs, err) {
			case PollStoppedByCompletion:
				c.finish(s, types.JobCompleted, "", msgs)
				return
			case PollStoppedByBudget:
				ticker.Stop()
				tickC = nil
				c.exhausted(s)
			}
		}
	}
}

func (c *Coordinator) attachEvents(s *Session, sub types.EventSubscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.stopped || s.finished {
		_ = sub.Close()
		return false
	}
	s.eventSub = sub
	return true
}

func (c *Coordinator) attachStatus(s *Session, sub types.StatusSubscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.stopped || s.finished {
		_ = sub.Close()
		return false
	}
	s.statusSub = sub
	return true
}

// handleEvent applies ev if s is current. Events of a background session are
// dropped, not buffered.
func (c *Coordinator) handleEvent(s *Session, ev *types.StreamEvent) (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.stopped || s.finished {
		return false, ""
	}
	if !c.isCurrentLocked(s) {
		c.logger.Debug("dropping event for background conversation",
			"conversation_id", s.ConversationID, "job_id", s.JobID, "event_id", ev.ID)
		return false, ""
	}

	res := s.state.Apply(ev)
	if !res.Applied {
		return false, ""
	}
	if res.Diagnostic != "" {
		c.logger.Warn("inconsistent event", "job_id", s.JobID, "event_id", ev.ID, "detail", res.Diagnostic)
	}
	if res.Failed {
		return true, res.Error
	}
	if res.Changed {
		c.emitItemsLocked(s.ConversationID)
	}
	return false, ""
}

// refresh shows a polled page in place of the streamed items.
func (c *Coordinator) refresh(s *Session, msgs []*types.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.stopped || s.finished || !c.isCurrentLocked(s) {
		return
	}
	c.convLocked(s.ConversationID).base = stream.ItemsFromMessages(msgs)
	s.overlay = false
	c.emitItemsLocked(s.ConversationID)
}

// exhausted gives up polling. The status watch, if still open, may yet
// deliver a terminal status and reconcile.
func (c *Coordinator) exhausted(s *Session) {
	c.logger.Warn("polling budget exhausted", "conversation_id", s.ConversationID, "job_id", s.JobID, "attempts", s.poller.Attempts())
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.stopped {
		return
	}
	c.setRespondingLocked(s.ConversationID, false)
}

// finish handles a terminal job: stop the event stream, clear responding,
// report failure, then replace the visible items with the durable page.
// prefetched is used instead of a fresh fetch when the poller already has it.
func (c *Coordinator) finish(s *Session, status types.JobStatus, errMsg string, prefetched []*types.Message) {
	c.mu.Lock()
	if s.stopped || s.finished {
		c.mu.Unlock()
		return
	}
	s.finished = true
	c.closeEventsLocked(s)
	c.setRespondingLocked(s.ConversationID, false)
	if status == types.JobFailed {
		if errMsg == "" {
			errMsg = "the assistant could not complete this response"
		}
		c.logger.Warn("job failed", "conversation_id", s.ConversationID, "job_id", s.JobID, "error", errMsg)
		if c.isCurrentLocked(s) {
			if c.view != nil {
				c.view.Error(errMsg)
			}
		} else {
			c.convLocked(s.ConversationID).failure = errMsg
		}
	}
	c.mu.Unlock()

	msgs := prefetched
	var err error
	if msgs == nil {
		msgs, err = c.reconciler.Fetch(s.ctx, s.ConversationID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s.stopped {
		return
	}
	if err != nil {
		c.logger.Warn("reconciliation failed, keeping streamed state",
			"conversation_id", s.ConversationID, "job_id", s.JobID, "error", err)
		c.stopLocked(s, true)
	} else {
		c.convLocked(s.ConversationID).base = stream.ItemsFromMessages(msgs)
		s.overlay = false
		c.stopLocked(s, false)
		c.logger.Info("job reconciled", "conversation_id", s.ConversationID, "job_id", s.JobID, "status", status, "messages", len(msgs))
	}
	c.emitItemsLocked(s.ConversationID)
}

// release runs when the session goroutine exits for any reason.
func (c *Coordinator) release(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.stopped {
		return
	}
	c.stopLocked(s, true)
	c.setRespondingLocked(s.ConversationID, false)
	c.emitItemsLocked(s.ConversationID)
}
