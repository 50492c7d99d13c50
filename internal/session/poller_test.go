package session

import (
	"errors"
	"testing"

	"github.com/user/deskstream/internal/types"
)

var (
	userLast      = []*types.Message{{ID: "m1", Role: types.RoleUser}}
	assistantLast = []*types.Message{{ID: "m1", Role: types.RoleUser}, {ID: "m2", Role: types.RoleAssistant}}
)

func TestPollerIgnoresEarlyAssistantMessage(t *testing.T) {
	p := NewPoller(Config{PollMinAttempts: 3, PollMaxAttempts: 10})
	if !p.Start() {
		t.Fatal("expected Start to succeed from idle")
	}
	if p.Start() {
		t.Error("expected second Start to be rejected")
	}

	if st := p.Observe(assistantLast, nil); st != Polling {
		t.Errorf("attempt 1: expected polling, got %s", st)
	}
	if st := p.Observe(assistantLast, nil); st != Polling {
		t.Errorf("attempt 2: expected polling, got %s", st)
	}
	if st := p.Observe(assistantLast, nil); st != PollStoppedByCompletion {
		t.Errorf("attempt 3: expected completion, got %s", st)
	}
}

func TestPollerBudget(t *testing.T) {
	p := NewPoller(Config{PollMinAttempts: 1, PollMaxAttempts: 3})
	p.Start()
	for i := 0; i < 2; i++ {
		if st := p.Observe(userLast, nil); st != Polling {
			t.Fatalf("attempt %d: expected polling, got %s", i+1, st)
		}
	}
	if st := p.Observe(nil, errors.New("boom")); st != PollStoppedByBudget {
		t.Errorf("expected budget stop, got %s", st)
	}
	if st := p.Observe(assistantLast, nil); st != PollStoppedByBudget {
		t.Errorf("expected stopped poller to stay stopped, got %s", st)
	}
	if p.Attempts() != 3 {
		t.Errorf("expected 3 attempts, got %d", p.Attempts())
	}
}

func TestPollerStrictNeverInfersCompletion(t *testing.T) {
	p := NewPoller(Config{PollMinAttempts: 1, PollMaxAttempts: 2, StrictCompletion: true})
	p.Start()
	if st := p.Observe(assistantLast, nil); st != Polling {
		t.Errorf("expected polling, got %s", st)
	}
	if st := p.Observe(assistantLast, nil); st != PollStoppedByBudget {
		t.Errorf("expected budget stop, got %s", st)
	}
}

func TestPollerFetchErrorDoesNotComplete(t *testing.T) {
	p := NewPoller(Config{PollMinAttempts: 1, PollMaxAttempts: 5})
	p.Start()
	if st := p.Observe(assistantLast, errors.New("timeout")); st != Polling {
		t.Errorf("expected polling after failed fetch, got %s", st)
	}
}

func TestPollerIdleObserve(t *testing.T) {
	p := NewPoller(Config{})
	if st := p.Observe(assistantLast, nil); st != PollIdle {
		t.Errorf("expected idle poller to ignore results, got %s", st)
	}
	if p.Attempts() != 0 {
		t.Errorf("expected no attempts, got %d", p.Attempts())
	}
}
