package stream

import (
	"testing"

	"github.com/user/deskstream/internal/types"
)

func TestItemsFromMessages(t *testing.T) {
	msgs := []*types.Message{
		{ID: "m1", Role: types.RoleUser, Text: "where is my refund?"},
		{
			ID:   "m2",
			Role: types.RoleAssistant,
			Text: "Refunds take 5 days.",
			ToolCalls: []types.ToolCallRecord{
				{ID: "t1", Name: "file_search", Output: "refunds.md"},
			},
		},
		{
			ID:        "m3",
			Role:      types.RoleAssistant,
			ToolCalls: []types.ToolCallRecord{{ID: "t2", Type: types.ToolWebSearch, Name: "lookup"}},
		},
	}

	items := ItemsFromMessages(msgs)
	if len(items) != 4 {
		t.Fatalf("expected 4 items, got %d", len(items))
	}

	want := []struct {
		kind types.ItemKind
		id   types.ItemID
	}{
		{types.ItemMessage, "m1"},
		{types.ItemToolCall, "t1"},
		{types.ItemMessage, "m2"},
		{types.ItemToolCall, "t2"},
	}
	for i, w := range want {
		if items[i].Kind != w.kind || items[i].ID != w.id {
			t.Errorf("item %d: expected %s/%s, got %s/%s", i, w.kind, w.id, items[i].Kind, items[i].ID)
		}
	}
	if items[1].ToolType != types.ToolFileSearch || items[1].Status != types.ToolCallCompleted {
		t.Errorf("unexpected tool item %+v", items[1])
	}
	if items[3].ToolType != types.ToolWebSearch {
		t.Errorf("expected stored type to win, got %s", items[3].ToolType)
	}
	for _, it := range items {
		if it.Streaming {
			t.Errorf("canonical item %s must not be marked streaming", it.ID)
		}
	}
}

func TestItemsFromMessagesEmpty(t *testing.T) {
	if items := ItemsFromMessages(nil); len(items) != 0 {
		t.Errorf("expected no items, got %d", len(items))
	}
}
