package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/user/deskstream/internal/types"
)

type fakeBackend struct {
	mu        sync.Mutex
	messages  map[types.ConversationID][]*types.Message
	active    map[types.ConversationID]types.JobID
	submitErr error
	fetchErrs int
	fetches   int
	submitted []types.Turn
	nextJob   int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		messages: make(map[types.ConversationID][]*types.Message),
		active:   make(map[types.ConversationID]types.JobID),
	}
}

func (b *fakeBackend) SubmitTurn(ctx context.Context, conv types.ConversationID, turn types.Turn) (types.JobID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.submitErr != nil {
		return "", b.submitErr
	}
	b.nextJob++
	b.submitted = append(b.submitted, turn)
	b.messages[conv] = append(b.messages[conv], &types.Message{
		ID:   types.MessageID(fmt.Sprintf("u%d", b.nextJob)),
		Role: types.RoleUser,
		Text: turn.Text,
	})
	id := types.JobID(fmt.Sprintf("job-%d", b.nextJob))
	b.active[conv] = id
	return id, nil
}

func (b *fakeBackend) FetchMessagesPage(ctx context.Context, conv types.ConversationID, page, pageSize int) ([]*types.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetches++
	if b.fetchErrs > 0 {
		b.fetchErrs--
		return nil, errors.New("store unavailable")
	}
	out := make([]*types.Message, len(b.messages[conv]))
	copy(out, b.messages[conv])
	return out, nil
}

func (b *fakeBackend) FetchActiveJob(ctx context.Context, conv types.ConversationID) (types.JobID, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.active[conv]
	return id, ok, nil
}

func (b *fakeBackend) addMessage(conv types.ConversationID, msg *types.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages[conv] = append(b.messages[conv], msg)
}

func (b *fakeBackend) setFetchErrors(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetchErrs = n
}

func (b *fakeBackend) fetchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetches
}

type fakeEventSub struct {
	ch     chan *types.StreamEvent
	mu     sync.Mutex
	err    error
	closed bool
}

func (s *fakeEventSub) Events() <-chan *types.StreamEvent { return s.ch }

func (s *fakeEventSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeEventSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeEventSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeEventSub) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.ch)
}

type fakeEventFeed struct {
	mu   sync.Mutex
	err  error
	subs []*fakeEventSub
}

func (f *fakeEventFeed) SubscribeEvents(ctx context.Context, jobID types.JobID) (types.EventSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	sub := &fakeEventSub{ch: make(chan *types.StreamEvent, 16)}
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeEventFeed) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeEventFeed) sub(t *testing.T, i int) *fakeEventSub {
	t.Helper()
	waitFor(t, fmt.Sprintf("event subscription %d", i), func() bool { return f.count() > i })
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[i]
}

type fakeStatusSub struct {
	ch     chan types.JobStatus
	mu     sync.Mutex
	closed bool
}

func (s *fakeStatusSub) Updates() <-chan types.JobStatus { return s.ch }

func (s *fakeStatusSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStatusSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeStatusFeed struct {
	mu   sync.Mutex
	err  error
	subs []*fakeStatusSub
}

func (f *fakeStatusFeed) WatchJobStatus(ctx context.Context, jobID types.JobID) (types.StatusSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	sub := &fakeStatusSub{ch: make(chan types.JobStatus, 4)}
	sub.ch <- types.JobRunning
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeStatusFeed) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeStatusFeed) sub(t *testing.T, i int) *fakeStatusSub {
	t.Helper()
	waitFor(t, fmt.Sprintf("status subscription %d", i), func() bool { return f.count() > i })
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[i]
}

type recordingView struct {
	mu         sync.Mutex
	items      []types.ConversationItem
	updates    int
	responding bool
	errors     []string
}

func (v *recordingView) ItemsChanged(items []types.ConversationItem) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.items = items
	v.updates++
}

func (v *recordingView) RespondingChanged(responding bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.responding = responding
}

func (v *recordingView) Error(message string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.errors = append(v.errors, message)
}

func (v *recordingView) snapshot() ([]types.ConversationItem, bool, []string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	items := make([]types.ConversationItem, len(v.items))
	copy(items, v.items)
	errs := make([]string, len(v.errors))
	copy(errs, v.errors)
	return items, v.responding, errs
}

func (v *recordingView) text() string {
	items, _, _ := v.snapshot()
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].Kind == types.ItemMessage && items[i].Role == types.RoleAssistant {
			return items[i].Text
		}
	}
	return ""
}

func (v *recordingView) isResponding() bool {
	_, r, _ := v.snapshot()
	return r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type harness struct {
	backend *fakeBackend
	events  *fakeEventFeed
	status  *fakeStatusFeed
	view    *recordingView
	coord   *Coordinator
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		backend: newFakeBackend(),
		events:  &fakeEventFeed{},
		status:  &fakeStatusFeed{},
		view:    &recordingView{},
	}
	h.coord = New(h.backend, h.events, h.status, h.view, WithConfig(cfg))
	t.Cleanup(h.coord.Close)
	return h
}

func testConfig() Config {
	return Config{
		PageSize:         50,
		ReconcileDelay:   0,
		ReconcileRetries: 1,
		PollInterval:     10 * time.Millisecond,
		PollMaxAttempts:  5,
		PollMinAttempts:  2,
	}
}

func mustEvent(t *testing.T, id string, seq int64, typ types.EventType, payload any) *types.StreamEvent {
	t.Helper()
	ev, err := types.NewStreamEvent("job", typ, payload)
	if err != nil {
		t.Fatal(err)
	}
	ev.ID = types.EventID(id)
	ev.Seq = seq
	return ev
}

func textDelta(t *testing.T, id string, seq int64, text string) *types.StreamEvent {
	return mustEvent(t, id, seq, types.EventMessageDelta, types.DeltaPayload{Text: &text})
}
