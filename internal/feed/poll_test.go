package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/user/deskstream/internal/types"
)

type fakeSource struct {
	mu     sync.Mutex
	events []*types.StreamEvent
	err    error
	calls  int
}

func (f *fakeSource) JobEvents(_ context.Context, _ types.JobID, after int64) ([]*types.StreamEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []*types.StreamEvent
	for _, ev := range f.events {
		if ev.Seq > after {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeSource) add(ev *types.StreamEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev.Seq = int64(len(f.events) + 1)
	f.events = append(f.events, ev)
}

func (f *fakeSource) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func TestPollFeedBacklogThenNew(t *testing.T) {
	src := &fakeSource{}
	src.add(deltaEvent(t, "job-1", "a"))
	src.add(deltaEvent(t, "job-1", "ab"))

	feed := NewPollFeed(src, 10*time.Millisecond, nil)
	sub, err := feed.SubscribeEvents(context.Background(), "job-1")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	got := collect(t, sub, 2)
	if got[0].Seq != 1 || got[1].Seq != 2 {
		t.Errorf("expected seq 1,2, got %d,%d", got[0].Seq, got[1].Seq)
	}

	src.add(deltaEvent(t, "job-1", "abc"))
	got = collect(t, sub, 1)
	if got[0].Seq != 3 {
		t.Errorf("expected seq 3, got %d", got[0].Seq)
	}
}

func TestPollFeedUnknownJob(t *testing.T) {
	src := &fakeSource{err: types.ErrNotFound}
	feed := NewPollFeed(src, 10*time.Millisecond, nil)
	if _, err := feed.SubscribeEvents(context.Background(), "nope"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPollFeedFailsAfterRepeatedErrors(t *testing.T) {
	src := &fakeSource{}
	feed := NewPollFeed(src, 5*time.Millisecond, nil)
	sub, err := feed.SubscribeEvents(context.Background(), "job-1")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	src.setErr(errors.New("connection refused"))
	expectClosed(t, sub)
	if sub.Err() == nil {
		t.Error("expected subscription error after repeated poll failures")
	}
}

func TestPollFeedCloseIsClean(t *testing.T) {
	src := &fakeSource{}
	feed := NewPollFeed(src, 5*time.Millisecond, nil)
	sub, err := feed.SubscribeEvents(context.Background(), "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := sub.Close(); err != nil {
		t.Fatal(err)
	}
	if err := sub.Close(); err != nil {
		t.Errorf("expected second close to be a no-op, got %v", err)
	}
	expectClosed(t, sub)
	if sub.Err() != nil {
		t.Errorf("expected no error after close, got %v", sub.Err())
	}
}
