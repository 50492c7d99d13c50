package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/user/deskstream/internal/api"
	"github.com/user/deskstream/internal/gateway"
	"github.com/user/deskstream/internal/state"
	"github.com/user/deskstream/internal/types"
)

type testServer struct {
	client *Client
	gw     *gateway.Gateway
	events *state.EventLog
	jobs   *state.JobStore
}

func setup(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()
	db, err := state.OpenDB(ctx, filepath.Join(dir, "messages.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	jobs := state.NewJobStore(dir)
	events := state.NewEventLog(dir)
	gw := gateway.New(jobs, state.NewMessageStore(db), events, state.NewArtifactStore(dir))
	gw.Start(ctx)
	t.Cleanup(gw.Stop)

	srv := httptest.NewServer(api.NewServer(gw, nil))
	t.Cleanup(srv.Close)

	return &testServer{client: New(srv.URL, WithTimeout(5*time.Second)), gw: gw, events: events, jobs: jobs}
}

func TestClientRoundTrip(t *testing.T) {
	ts := setup(t)
	ctx := context.Background()

	if err := ts.client.Health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}

	jobID, err := ts.client.SubmitTurn(ctx, "conv-1", types.Turn{Text: "reset my password"})
	if err != nil {
		t.Fatal(err)
	}

	active, ok, err := ts.client.FetchActiveJob(ctx, "conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || active != jobID {
		t.Errorf("expected active job %s, got %s (ok=%v)", jobID, active, ok)
	}

	msgs, err := ts.client.FetchMessagesPage(ctx, "conv-1", 1, 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Text != "reset my password" {
		t.Errorf("unexpected messages %+v", msgs)
	}

	job, err := ts.client.GetJob(ctx, jobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != types.JobQueued {
		t.Errorf("expected queued, got %s", job.Status)
	}

	convs, err := ts.client.Conversations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 {
		t.Errorf("expected 1 conversation, got %d", len(convs))
	}
}

func TestClientNoActiveJob(t *testing.T) {
	ts := setup(t)
	_, ok, err := ts.client.FetchActiveJob(context.Background(), "empty")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected no active job")
	}
}

func TestClientNotFound(t *testing.T) {
	ts := setup(t)
	_, err := ts.client.GetJob(context.Background(), "missing")
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Errorf("expected APIError 404, got %v", err)
	}
}

func TestClientEmptyTurn(t *testing.T) {
	ts := setup(t)
	_, err := ts.client.SubmitTurn(context.Background(), "conv-1", types.Turn{Text: " "})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusBadRequest || apiErr.Message == "" {
		t.Errorf("expected 400 with message, got %+v", apiErr)
	}
}

func TestClientJobEvents(t *testing.T) {
	ts := setup(t)
	ctx := context.Background()

	if err := ts.jobs.Create(ctx, &types.Job{ID: "job-1", ConversationID: "conv-1"}); err != nil {
		t.Fatal(err)
	}
	for _, text := range []string{"Hel", "Hello"} {
		ev, err := types.NewStreamEvent("job-1", types.EventMessageDelta, types.DeltaPayload{Text: &text})
		if err != nil {
			t.Fatal(err)
		}
		if err := ts.events.Append(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	events, err := ts.client.JobEvents(ctx, "job-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	events, err = ts.client.JobEvents(ctx, "job-1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Seq != 2 {
		t.Errorf("expected only seq 2, got %+v", events)
	}
}

func TestClientServerError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"internal server error"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, WithRetries(2))
	_, err := c.GetJob(context.Background(), "job-1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusInternalServerError {
		t.Fatalf("expected APIError 500, got %v", err)
	}
	if apiErr.Message != "internal server error" {
		t.Errorf("expected decoded message, got %q", apiErr.Message)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestClientSubmitTurnNotRetried(t *testing.T) {
	var posts, gets int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			posts++
		case http.MethodGet:
			gets++
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"boom"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, WithRetries(2))
	if _, err := c.SubmitTurn(context.Background(), "conv-1", types.Turn{Text: "hello"}); err == nil {
		t.Fatal("expected submit to fail")
	}
	if posts != 1 {
		t.Errorf("expected exactly 1 POST, got %d", posts)
	}

	// reads on the same client still retry
	c.FetchMessagesPage(context.Background(), "conv-1", 1, 10)
	if gets != 3 {
		t.Errorf("expected 3 GET attempts, got %d", gets)
	}
}
