package stream

import "github.com/user/deskstream/internal/types"

// ItemsFromMessages derives the canonical visible items from durable
// messages. An assistant message shows its tool calls before its text.
func ItemsFromMessages(msgs []*types.Message) []types.ConversationItem {
	items := make([]types.ConversationItem, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == types.RoleAssistant {
			for _, tc := range m.ToolCalls {
				item := types.NewToolCallItem(types.ItemID(tc.ID), types.ResolveToolType(tc.Type, tc.Name), types.ToolCallCompleted, tc.Name)
				item.Arguments = tc.Arguments
				item.Output = tc.Output
				items = append(items, item)
			}
			if m.Text == "" && len(m.ToolCalls) > 0 {
				continue
			}
		}
		items = append(items, types.NewMessageItem(types.ItemID(m.ID), m.Role, m.Text))
	}
	return items
}
