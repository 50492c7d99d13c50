package stream

import (
	"fmt"

	"github.com/user/deskstream/internal/types"
)

// Result describes what applying one event did.
type Result struct {
	// Applied is false when the event was a duplicate.
	Applied bool
	// Changed is true when the visible items changed.
	Changed bool
	// Failed is set by an error event; Error carries its message.
	Failed bool
	Error  string
	// Diagnostic describes a recoverable inconsistency worth logging.
	Diagnostic string
}

// State is the per-session streaming state: the dedup set, the message
// builder and the speculative items built from events.
type State struct {
	dedup   *Deduplicator
	builder MessageBuilder
	items   []types.ConversationItem
	index   map[types.ItemID]int
	saved   types.MessageID
	// tool calls whose type the backend named explicitly
	typed map[types.ItemID]types.ToolType
}

func NewState() *State {
	return &State{
		dedup: NewDeduplicator(),
		index: make(map[types.ItemID]int),
		typed: make(map[types.ItemID]types.ToolType),
	}
}

// Apply folds one event into the state.
func (s *State) Apply(ev *types.StreamEvent) Result {
	if !s.dedup.Accept(ev) {
		return Result{}
	}

	switch ev.Type {
	case types.EventMessageDelta:
		return s.onDelta(ev)
	case types.EventToolCallStart:
		return s.onToolStart(ev)
	case types.EventToolCallComplete:
		return s.onToolComplete(ev)
	case types.EventAssistantMessageSaved:
		var p types.SavedPayload
		if err := ev.Decode(&p); err != nil {
			return Result{Applied: true, Diagnostic: err.Error()}
		}
		s.saved = p.MessageID
		return Result{Applied: true}
	case types.EventError:
		var p types.ErrorPayload
		_ = ev.Decode(&p)
		if p.Message == "" {
			p.Message = "job failed"
		}
		return Result{Applied: true, Failed: true, Error: p.Message}
	default:
		return Result{Applied: true, Diagnostic: fmt.Sprintf("unknown event type %q", ev.Type)}
	}
}

// Items returns a copy of the speculative items in insertion order.
func (s *State) Items() []types.ConversationItem {
	out := make([]types.ConversationItem, len(s.items))
	copy(out, s.items)
	return out
}

// SavedMessageID is the durable id announced by assistant_message_saved.
func (s *State) SavedMessageID() types.MessageID {
	return s.saved
}

// Text is the cumulative text of the streamed assistant message.
func (s *State) Text() string {
	return s.builder.Text()
}

func (s *State) insert(item types.ConversationItem) {
	s.index[item.ID] = len(s.items)
	s.items = append(s.items, item)
}
