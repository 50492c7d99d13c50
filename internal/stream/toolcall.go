package stream

import (
	"fmt"

	"github.com/user/deskstream/internal/types"
)

// Tool call items are keyed by the tool call id from the payload, falling
// back to the event id when the backend sent none.
func toolItemID(ev *types.StreamEvent, p types.ToolCallPayload) types.ItemID {
	if p.ToolCallID != "" {
		return types.ItemID(p.ToolCallID)
	}
	return types.ItemID(ev.ID)
}

func (s *State) onToolStart(ev *types.StreamEvent) Result {
	var p types.ToolCallPayload
	if err := ev.Decode(&p); err != nil {
		return Result{Applied: true, Diagnostic: err.Error()}
	}

	id := toolItemID(ev, p)
	if i, ok := s.index[id]; ok {
		item := &s.items[i]
		item.Status = types.ToolCallInProgress
		if p.Name != "" {
			item.Name = p.Name
		}
		if len(p.Arguments) > 0 {
			item.Arguments = string(p.Arguments)
		}
		item.ToolType = s.toolType(id, p.ToolType, item.Name)
		return Result{Applied: true, Changed: true}
	}

	item := types.NewToolCallItem(id, s.toolType(id, p.ToolType, p.Name), types.ToolCallInProgress, p.Name)
	item.Arguments = string(p.Arguments)
	s.insert(item)
	return Result{Applied: true, Changed: true}
}

func (s *State) onToolComplete(ev *types.StreamEvent) Result {
	var p types.ToolCallPayload
	if err := ev.Decode(&p); err != nil {
		return Result{Applied: true, Diagnostic: err.Error()}
	}

	id := toolItemID(ev, p)
	i, ok := s.index[id]
	if !ok {
		return Result{Applied: true, Diagnostic: fmt.Sprintf("tool call %s completed without a start", id)}
	}
	item := &s.items[i]
	item.Status = types.ToolCallCompleted
	if len(p.Result) > 0 {
		item.Output = string(p.Result)
	}
	if item.Name == "" && p.Name != "" {
		item.Name = p.Name
	}
	item.ToolType = s.toolType(id, p.ToolType, item.Name)
	return Result{Applied: true, Changed: true}
}

// toolType resolves the type of tool call id from the latest known name. An
// explicit type, once sent, outlives later events that omit it.
func (s *State) toolType(id types.ItemID, explicit types.ToolType, name string) types.ToolType {
	if explicit != "" {
		s.typed[id] = explicit
	}
	return types.ResolveToolType(s.typed[id], name)
}
