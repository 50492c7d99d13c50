package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/user/deskstream/internal/stream"
	"github.com/user/deskstream/internal/types"
)

// Coordinator owns every stream session of one UI. At most one session exists
// per conversation, and only the session of the active conversation may
// change what the view shows.
type Coordinator struct {
	backend    types.Backend
	events     types.EventFeed
	status     types.StatusFeed
	view       View
	cfg        Config
	reconciler *Reconciler
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	active   types.ConversationID
	convs    map[types.ConversationID]*conversation
	sessions map[types.ConversationID]*Session
}

type Option func(*Coordinator)

func WithConfig(cfg Config) Option {
	return func(c *Coordinator) { c.cfg = cfg.withDefaults() }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

func New(backend types.Backend, events types.EventFeed, status types.StatusFeed, view View, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		backend:  backend,
		events:   events,
		status:   status,
		view:     view,
		cfg:      DefaultConfig(),
		logger:   slog.Default(),
		ctx:      ctx,
		cancel:   cancel,
		convs:    make(map[types.ConversationID]*conversation),
		sessions: make(map[types.ConversationID]*Session),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.reconciler = NewReconciler(backend, c.cfg)
	return c
}

// Active returns the conversation the view currently shows.
func (c *Coordinator) Active() types.ConversationID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// SetActive switches the view to conv and replays its cached state, including
// a failure that happened while conv was in the background. Sessions of other
// conversations keep running but stop touching the view.
func (c *Coordinator) SetActive(conv types.ConversationID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = conv
	cs := c.convLocked(conv)
	if c.view != nil {
		c.view.ItemsChanged(c.visibleLocked(conv))
		c.view.RespondingChanged(cs.responding)
		if cs.failure != "" {
			c.view.Error(cs.failure)
		}
	}
	cs.failure = ""
}

// IsCurrent reports whether s belongs to the active conversation and is
// still that conversation's session.
func (c *Coordinator) IsCurrent(s *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isCurrentLocked(s)
}

// Items returns the visible items of conv.
func (c *Coordinator) Items(conv types.ConversationID) []types.ConversationItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visibleLocked(conv)
}

func (c *Coordinator) Responding(conv types.ConversationID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.convs[conv]
	return ok && cs.responding
}

// Session returns the live session of conv, if any.
func (c *Coordinator) Session(conv types.ConversationID) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[conv]
}

// Open makes conv active, loads its canonical page and reconnects to its
// in-flight job if the backend reports one.
func (c *Coordinator) Open(ctx context.Context, conv types.ConversationID) error {
	c.SetActive(conv)

	msgs, err := c.backend.FetchMessagesPage(ctx, conv, 1, c.cfg.PageSize)
	if err != nil {
		c.logger.Warn("load conversation failed", "conversation_id", conv, "error", err)
	} else {
		c.mu.Lock()
		c.convLocked(conv).base = stream.ItemsFromMessages(msgs)
		c.emitItemsLocked(conv)
		c.mu.Unlock()
	}

	jobID, ok, err := c.backend.FetchActiveJob(ctx, conv)
	if err != nil {
		return fmt.Errorf("fetch active job: %w", err)
	}
	if !ok {
		c.mu.Lock()
		if s := c.sessions[conv]; s == nil || s.finished {
			c.setRespondingLocked(conv, false)
		}
		c.mu.Unlock()
		return nil
	}

	c.logger.Info("reconnecting to job", "conversation_id", conv, "job_id", jobID)
	c.StartSession(conv, jobID)
	return nil
}

// Submit sends a user turn and starts streaming the job it creates.
func (c *Coordinator) Submit(ctx context.Context, conv types.ConversationID, turn types.Turn) (*Session, error) {
	if strings.TrimSpace(turn.Text) == "" {
		return nil, fmt.Errorf("submit turn: empty text")
	}

	c.mu.Lock()
	cs := c.convLocked(conv)
	if s := c.sessions[conv]; cs.submitting || (s != nil && !s.finished) {
		c.mu.Unlock()
		return nil, ErrTurnInFlight
	}
	cs.submitting = true
	pending := types.NewMessageItem(types.ItemID("local-"+string(types.NewMessageID())), types.RoleUser, turn.Text)
	cs.base = append(cs.base, pending)
	c.emitItemsLocked(conv)
	c.mu.Unlock()

	jobID, err := c.backend.SubmitTurn(ctx, conv, turn)
	if err != nil {
		c.mu.Lock()
		cs.submitting = false
		cs.base = removeItem(cs.base, pending.ID)
		c.emitItemsLocked(conv)
		if conv == c.active && c.view != nil {
			c.view.Error("could not submit turn: " + err.Error())
		}
		c.mu.Unlock()
		return nil, fmt.Errorf("submit turn: %w", err)
	}

	c.logger.Info("turn submitted", "conversation_id", conv, "job_id", jobID)
	return c.StartSession(conv, jobID), nil
}

// StartSession binds jobID to conv, replacing any earlier session of conv.
// A freshly submitted turn and a reconnect both come through here.
func (c *Coordinator) StartSession(conv types.ConversationID, jobID types.JobID) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prior := c.sessions[conv]; prior != nil {
		c.logger.Debug("replacing session", "conversation_id", conv, "job_id", prior.JobID)
		c.stopLocked(prior, false)
	}

	ctx, cancel := context.WithCancel(c.ctx)
	s := &Session{
		ConversationID: conv,
		JobID:          jobID,
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		state:          stream.NewState(),
		overlay:        true,
		poller:         NewPoller(c.cfg),
	}
	c.sessions[conv] = s
	cs := c.convLocked(conv)
	cs.submitting = false
	cs.failure = ""
	c.setRespondingLocked(conv, true)

	c.wg.Add(1)
	go c.run(s)
	return s
}

// Stop tears a session down and unsubscribes both of its watches. The last
// streamed state stays visible.
func (c *Coordinator) Stop(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.stopped {
		return
	}
	mapped := c.sessions[s.ConversationID] == s
	c.stopLocked(s, true)
	if mapped {
		c.setRespondingLocked(s.ConversationID, false)
		c.emitItemsLocked(s.ConversationID)
	}
}

// Forget stops any session of conv and drops its cached state, as when the
// conversation is deleted.
func (c *Coordinator) Forget(conv types.ConversationID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s := c.sessions[conv]; s != nil {
		c.stopLocked(s, false)
	}
	delete(c.convs, conv)
	if conv == c.active && c.view != nil {
		c.view.ItemsChanged(nil)
		c.view.RespondingChanged(false)
	}
}

// Close stops every session and waits for their goroutines.
func (c *Coordinator) Close() {
	c.mu.Lock()
	for _, s := range c.sessions {
		c.stopLocked(s, false)
	}
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) convLocked(conv types.ConversationID) *conversation {
	cs, ok := c.convs[conv]
	if !ok {
		cs = &conversation{}
		c.convs[conv] = cs
	}
	return cs
}

func (c *Coordinator) isCurrentLocked(s *Session) bool {
	return s.ConversationID == c.active && c.sessions[s.ConversationID] == s
}

func (c *Coordinator) visibleLocked(conv types.ConversationID) []types.ConversationItem {
	cs, ok := c.convs[conv]
	if !ok {
		return nil
	}
	items := make([]types.ConversationItem, 0, len(cs.base))
	items = append(items, cs.base...)
	if s := c.sessions[conv]; s != nil && s.overlay {
		items = append(items, s.state.Items()...)
	}
	return items
}

func (c *Coordinator) emitItemsLocked(conv types.ConversationID) {
	if conv != c.active || c.view == nil {
		return
	}
	c.view.ItemsChanged(c.visibleLocked(conv))
}

func (c *Coordinator) setRespondingLocked(conv types.ConversationID, responding bool) {
	cs := c.convLocked(conv)
	if cs.responding == responding {
		return
	}
	cs.responding = responding
	if conv == c.active && c.view != nil {
		c.view.RespondingChanged(responding)
	}
}

// stopLocked cancels s and closes its watches. With freeze set, streamed
// items are folded into the conversation so they stay visible.
func (c *Coordinator) stopLocked(s *Session, freeze bool) {
	if s.stopped {
		return
	}
	s.stopped = true
	s.cancel()
	c.closeEventsLocked(s)
	if s.statusSub != nil {
		_ = s.statusSub.Close()
		s.statusSub = nil
	}
	if c.sessions[s.ConversationID] == s {
		if freeze && s.overlay {
			cs := c.convLocked(s.ConversationID)
			cs.base = append(cs.base, s.state.Items()...)
		}
		delete(c.sessions, s.ConversationID)
	}
	s.overlay = false
	close(s.done)
}

func (c *Coordinator) closeEventsLocked(s *Session) {
	if s.eventSub != nil {
		_ = s.eventSub.Close()
		s.eventSub = nil
	}
}

func removeItem(items []types.ConversationItem, id types.ItemID) []types.ConversationItem {
	out := items[:0]
	for _, it := range items {
		if it.ID != id {
			out = append(out, it)
		}
	}
	return out
}
