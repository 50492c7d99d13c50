package stream

import "github.com/user/deskstream/internal/types"

// Deduplicator remembers which event ids have been applied.
type Deduplicator struct {
	seen map[types.EventID]struct{}
}

func NewDeduplicator() *Deduplicator {
	return &Deduplicator{seen: make(map[types.EventID]struct{})}
}

// Accept reports whether the event is new and records it.
func (d *Deduplicator) Accept(ev *types.StreamEvent) bool {
	if _, ok := d.seen[ev.ID]; ok {
		return false
	}
	d.seen[ev.ID] = struct{}{}
	return true
}

func (d *Deduplicator) Len() int {
	return len(d.seen)
}
