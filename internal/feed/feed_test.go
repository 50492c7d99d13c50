package feed

import (
	"context"
	"testing"
	"time"

	"github.com/user/deskstream/internal/types"
)

func deltaEvent(t *testing.T, jobID types.JobID, text string) *types.StreamEvent {
	t.Helper()
	ev, err := types.NewStreamEvent(jobID, types.EventMessageDelta, types.DeltaPayload{Text: &text, Delta: text})
	if err != nil {
		t.Fatal(err)
	}
	return ev
}

// collect reads n events or fails after a timeout.
func collect(t *testing.T, sub types.EventSubscription, n int) []*types.StreamEvent {
	t.Helper()
	var out []*types.StreamEvent
	timeout := time.After(3 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed after %d events, err=%v", len(out), sub.Err())
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func expectClosed(t *testing.T, sub types.EventSubscription) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("expected subscription to close")
		}
	}
}

type fakeJobs struct {
	statuses chan types.JobStatus
	current  types.JobStatus
	err      error
}

func (f *fakeJobs) GetJob(_ context.Context, id types.JobID) (*types.Job, error) {
	if f.err != nil {
		return nil, f.err
	}
	select {
	case st := <-f.statuses:
		f.current = st
	default:
	}
	return &types.Job{ID: id, Status: f.current}, nil
}
