package session

import "github.com/user/deskstream/internal/types"

type PollState int

const (
	PollIdle PollState = iota
	Polling
	PollStoppedByCompletion
	PollStoppedByBudget
)

func (s PollState) String() string {
	switch s {
	case PollIdle:
		return "idle"
	case Polling:
		return "polling"
	case PollStoppedByCompletion:
		return "stopped-by-completion"
	case PollStoppedByBudget:
		return "stopped-by-budget"
	default:
		return "unknown"
	}
}

// Poller is the fallback used once the event stream is gone. It only decides;
// the session goroutine owns the ticker and the fetches.
type Poller struct {
	maxAttempts int
	minAttempts int
	strict      bool
	attempts    int
	state       PollState
}

func NewPoller(cfg Config) *Poller {
	cfg = cfg.withDefaults()
	return &Poller{
		maxAttempts: cfg.PollMaxAttempts,
		minAttempts: cfg.PollMinAttempts,
		strict:      cfg.StrictCompletion,
	}
}

// Start moves idle to polling. It reports false if polling already started.
func (p *Poller) Start() bool {
	if p.state != PollIdle {
		return false
	}
	p.state = Polling
	return true
}

// Observe records one poll result and returns the resulting state.
func (p *Poller) Observe(msgs []*types.Message, err error) PollState {
	if p.state != Polling {
		return p.state
	}
	p.attempts++
	if err == nil && !p.strict && p.attempts >= p.minAttempts && lastIsAssistant(msgs) {
		p.state = PollStoppedByCompletion
		return p.state
	}
	if p.attempts >= p.maxAttempts {
		p.state = PollStoppedByBudget
	}
	return p.state
}

func (p *Poller) State() PollState { return p.state }

func (p *Poller) Attempts() int { return p.attempts }

func lastIsAssistant(msgs []*types.Message) bool {
	return len(msgs) > 0 && msgs[len(msgs)-1].Role == types.RoleAssistant
}
