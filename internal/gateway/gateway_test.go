package gateway

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/user/deskstream/internal/state"
	"github.com/user/deskstream/internal/types"
)

type testGateway struct {
	*Gateway
	jobs     *state.JobStore
	messages *state.MessageStore
	events   *state.EventLog
}

func newTestGateway(t *testing.T, opts ...Option) *testGateway {
	t.Helper()
	dir := t.TempDir()
	db, err := state.OpenDB(context.Background(), filepath.Join(dir, "messages.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	jobs := state.NewJobStore(dir)
	messages := state.NewMessageStore(db)
	events := state.NewEventLog(dir)
	gw := New(jobs, messages, events, state.NewArtifactStore(dir), opts...)
	return &testGateway{Gateway: gw, jobs: jobs, messages: messages, events: events}
}

func TestGatewaySubmitTurn(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	runs := make(chan *Run, 1)
	gw.Queue.SetProcessor(func(run *Run) error {
		runs <- run
		return nil
	})
	gw.Start(ctx)
	defer gw.Stop()

	jobID, err := gw.SubmitTurn(ctx, "conv-1", types.Turn{Text: "where is my refund?", UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}

	job, err := gw.GetJob(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.ConversationID != "conv-1" {
		t.Errorf("expected conv-1, got %s", job.ConversationID)
	}

	active, ok, err := gw.FetchActiveJob(ctx, "conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || active != jobID {
		t.Errorf("expected active job %s, got %s (ok=%v)", jobID, active, ok)
	}

	msgs, err := gw.FetchMessagesPage(ctx, "conv-1", 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Role != types.RoleUser || msgs[0].JobID != jobID {
		t.Errorf("expected the user message tied to the job, got %+v", msgs)
	}

	select {
	case run := <-runs:
		if run.JobID != jobID || run.UserMessageID != msgs[0].ID {
			t.Errorf("expected run for %s, got %+v", jobID, run)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for run")
	}
}

func TestGatewayRejectsEmptyTurn(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()
	gw.Start(ctx)
	defer gw.Stop()

	if _, err := gw.SubmitTurn(ctx, "conv-1", types.Turn{Text: "   "}); !errors.Is(err, ErrEmptyTurn) {
		t.Errorf("expected ErrEmptyTurn, got %v", err)
	}
	jobs, err := gw.ListJobs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Errorf("expected no jobs, got %d", len(jobs))
	}
}

func TestGatewayNoActiveJob(t *testing.T) {
	gw := newTestGateway(t)
	_, ok, err := gw.FetchActiveJob(context.Background(), "conv-empty")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected no active job")
	}
}

func TestGatewayEnqueueFailureFailsJob(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()
	// never started: Enqueue refuses

	if _, err := gw.SubmitTurn(ctx, "conv-1", types.Turn{Text: "hello"}); err == nil {
		t.Fatal("expected enqueue error")
	}

	jobs, err := gw.ListJobs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].Status != types.JobFailed {
		t.Fatalf("expected one failed job, got %+v", jobs)
	}

	events, err := gw.JobEvents(ctx, jobs[0].ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Type != types.EventError {
		t.Errorf("expected a single error event, got %+v", events)
	}
}

func TestGatewayFailJobLeavesTerminalJobs(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()

	job := &types.Job{ID: types.NewJobID(), ConversationID: "conv-1"}
	if err := gw.jobs.Create(ctx, job); err != nil {
		t.Fatal(err)
	}
	if _, err := gw.jobs.SetStatus(ctx, job.ID, types.JobRunning, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := gw.jobs.SetStatus(ctx, job.ID, types.JobCompleted, ""); err != nil {
		t.Fatal(err)
	}

	if err := gw.FailJob(ctx, job.ID, "too late"); err != nil {
		t.Fatal(err)
	}
	got, err := gw.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != types.JobCompleted {
		t.Errorf("expected completed to stay, got %s", got.Status)
	}
	count, err := gw.events.Count(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("expected no events, got %d", count)
	}
}

func TestGatewayJobEventsUnknownJob(t *testing.T) {
	gw := newTestGateway(t)
	if _, err := gw.JobEvents(context.Background(), "nope", 0); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGatewayPageSizeClamped(t *testing.T) {
	gw := newTestGateway(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := gw.messages.Append(ctx, &types.Message{ConversationID: "c", Role: types.RoleUser, Text: "m"}); err != nil {
			t.Fatal(err)
		}
	}
	msgs, err := gw.FetchMessagesPage(ctx, "c", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Errorf("expected defaults to return all 3, got %d", len(msgs))
	}
}

type failingMessages struct {
	types.MessageStore
}

func (f failingMessages) Append(context.Context, *types.Message) error {
	return errors.New("disk full")
}

func TestGatewaySubmitTurnMessageSaveFails(t *testing.T) {
	dir := t.TempDir()
	db, err := state.OpenDB(context.Background(), filepath.Join(dir, "messages.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	jobs := state.NewJobStore(dir)
	events := state.NewEventLog(dir)
	gw := New(jobs, failingMessages{state.NewMessageStore(db)}, events, state.NewArtifactStore(dir))

	ctx := context.Background()
	runs := 0
	gw.Queue.SetProcessor(func(*Run) error { runs++; return nil })
	gw.Start(ctx)
	defer gw.Stop()

	if _, err := gw.SubmitTurn(ctx, "conv-1", types.Turn{Text: "hello"}); err == nil {
		t.Fatal("expected submit to fail")
	}

	if _, ok, _ := gw.FetchActiveJob(ctx, "conv-1"); ok {
		t.Error("expected no active job after a failed submit")
	}
	all, err := jobs.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].Status != types.JobFailed {
		t.Fatalf("expected one failed job, got %+v", all)
	}
	evs, err := events.Since(ctx, all[0].ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 || evs[0].Type != types.EventError {
		t.Errorf("expected one error event, got %+v", evs)
	}
	if !gw.WaitIdle(time.Second) || runs != 0 {
		t.Errorf("expected nothing to run, got %d runs", runs)
	}
}
