package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/user/deskstream/internal/types"
)

func TestStatusPollerEmitsChanges(t *testing.T) {
	jobs := &fakeJobs{statuses: make(chan types.JobStatus, 4), current: types.JobQueued}
	poller := NewStatusPoller(jobs, 5*time.Millisecond, nil)

	w, err := poller.WatchJobStatus(context.Background(), "job-1")
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	jobs.statuses <- types.JobRunning
	jobs.statuses <- types.JobCompleted

	var seen []types.JobStatus
	timeout := time.After(3 * time.Second)
	for {
		select {
		case st, ok := <-w.Updates():
			if !ok {
				want := []types.JobStatus{types.JobQueued, types.JobRunning, types.JobCompleted}
				if len(seen) != len(want) {
					t.Fatalf("expected %v, got %v", want, seen)
				}
				for i := range want {
					if seen[i] != want[i] {
						t.Errorf("expected %s at %d, got %s", want[i], i, seen[i])
					}
				}
				return
			}
			seen = append(seen, st)
		case <-timeout:
			t.Fatalf("timed out, saw %v", seen)
		}
	}
}

func TestStatusPollerUnknownJob(t *testing.T) {
	jobs := &fakeJobs{err: types.ErrNotFound}
	_, err := NewStatusPoller(jobs, time.Millisecond, nil).WatchJobStatus(context.Background(), "missing")
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStatusPollerTerminalClosesImmediately(t *testing.T) {
	jobs := &fakeJobs{current: types.JobFailed}
	w, err := NewStatusPoller(jobs, time.Millisecond, nil).WatchJobStatus(context.Background(), "job-1")
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	st, ok := <-w.Updates()
	if !ok || st != types.JobFailed {
		t.Errorf("expected failed, got %s (open=%v)", st, ok)
	}
	if _, ok := <-w.Updates(); ok {
		t.Error("expected watch to close after terminal status")
	}
}

func TestStatusPollerCloseStopsWatch(t *testing.T) {
	jobs := &fakeJobs{current: types.JobRunning}
	w, err := NewStatusPoller(jobs, time.Millisecond, nil).WatchJobStatus(context.Background(), "job-1")
	if err != nil {
		t.Fatal(err)
	}
	<-w.Updates()
	w.Close()
	select {
	case _, ok := <-w.Updates():
		if ok {
			t.Error("expected no further updates")
		}
	case <-time.After(time.Second):
		t.Error("expected updates channel closed")
	}
}
