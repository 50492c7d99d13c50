package stream

import "github.com/user/deskstream/internal/types"

// MessageBuilder tracks the cumulative text of the assistant message being
// streamed. The text lives here rather than in the visible item so a
// reconciliation that overwrites the item cannot corrupt later appends.
type MessageBuilder struct {
	id          types.ItemID
	text        string
	snapshotSeq int64
	lastSeq     int64
}

func (b *MessageBuilder) ID() types.ItemID { return b.id }

func (b *MessageBuilder) Text() string { return b.text }

// Fold applies one delta and returns the new cumulative text. A cumulative
// snapshot replaces the text unless a newer snapshot was already applied; an
// increment is appended unless a snapshot at or after its sequence already
// covers it. Events without a sequence are taken in delivery order.
func (b *MessageBuilder) Fold(seq int64, p types.DeltaPayload) (string, bool) {
	if p.Text != nil {
		if seq != 0 && seq < b.snapshotSeq {
			return b.text, false
		}
		b.snapshotSeq = seq
		b.lastSeq = max(b.lastSeq, seq)
		changed := *p.Text != b.text
		b.text = *p.Text
		return b.text, changed
	}
	if p.Delta == "" {
		return b.text, false
	}
	if seq != 0 && seq <= b.snapshotSeq {
		return b.text, false
	}
	b.lastSeq = max(b.lastSeq, seq)
	b.text += p.Delta
	return b.text, true
}

func (s *State) onDelta(ev *types.StreamEvent) Result {
	var p types.DeltaPayload
	if err := ev.Decode(&p); err != nil {
		return Result{Applied: true, Diagnostic: err.Error()}
	}

	created := false
	if s.builder.id == "" {
		s.builder.id = types.NewStreamingItemID()
		item := types.NewMessageItem(s.builder.id, types.RoleAssistant, "")
		item.Streaming = true
		s.insert(item)
		created = true
	}

	text, changed := s.builder.Fold(ev.Seq, p)
	if changed {
		s.items[s.index[s.builder.id]].Text = text
	}
	return Result{Applied: true, Changed: changed || created}
}
