package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/user/deskstream/internal/types"
)

// terminalView prints the active conversation to a terminal. History is
// printed once per conversation; while a job streams only the new part of the
// reply is written, so the text appears as it arrives.
type terminalView struct {
	w  io.Writer
	mu sync.Mutex

	historyShown bool
	responding   bool
	awaitFinal   bool
	printed      map[types.ItemID]string
	tools        map[types.ItemID]types.ToolCallStatus
	streamedAny  bool
}

func newTerminalView(w io.Writer) *terminalView {
	return &terminalView{
		w:       w,
		printed: make(map[types.ItemID]string),
		tools:   make(map[types.ItemID]types.ToolCallStatus),
	}
}

// reset forgets what was printed, as when another conversation is opened.
func (v *terminalView) reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.historyShown = false
	v.awaitFinal = false
	v.streamedAny = false
	clear(v.printed)
	clear(v.tools)
}

func (v *terminalView) ItemsChanged(items []types.ConversationItem) {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch {
	case v.responding:
		v.printTurn(items)
	case v.awaitFinal:
		if reply, ok := finalReply(items); ok {
			fmt.Fprintf(v.w, "assistant: %s\n", reply)
			v.awaitFinal = false
		}
	case !v.historyShown:
		for _, it := range items {
			if it.Kind == types.ItemMessage {
				fmt.Fprintf(v.w, "%s: %s\n", it.Role, it.Text)
			}
		}
		v.historyShown = len(items) > 0
	}
}

// printTurn writes what is new in the current turn: items after the last
// user message.
func (v *terminalView) printTurn(items []types.ConversationItem) {
	start := 0
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].Kind == types.ItemMessage && items[i].Role == types.RoleUser {
			start = i + 1
			break
		}
	}
	for _, it := range items[start:] {
		switch it.Kind {
		case types.ItemToolCall:
			if prev, ok := v.tools[it.ID]; !ok || prev != it.Status {
				v.tools[it.ID] = it.Status
				label := "running"
				if it.Status == types.ToolCallCompleted {
					label = "done"
				}
				fmt.Fprintf(v.w, "\n  [%s %s]\n", toolLabel(it), label)
			}
		case types.ItemMessage:
			prev, seen := v.printed[it.ID]
			if it.Text == prev {
				continue
			}
			switch {
			case !seen || prev == "":
				fmt.Fprint(v.w, "assistant: "+it.Text)
			case strings.HasPrefix(it.Text, prev):
				fmt.Fprint(v.w, it.Text[len(prev):])
			default:
				// the snapshot was rewritten; start the line over
				fmt.Fprint(v.w, "\nassistant: "+it.Text)
			}
			v.printed[it.ID] = it.Text
			v.streamedAny = true
		}
	}
}

func (v *terminalView) RespondingChanged(responding bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if responding == v.responding {
		return
	}
	v.responding = responding
	if responding {
		v.streamedAny = false
		v.awaitFinal = false
		return
	}
	if v.streamedAny {
		fmt.Fprintln(v.w)
	} else {
		v.awaitFinal = true
	}
	v.historyShown = true
}

func (v *terminalView) Error(message string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.awaitFinal = false
	fmt.Fprintf(v.w, "error: %s\n", message)
}

func toolLabel(it types.ConversationItem) string {
	switch it.ToolType {
	case types.ToolFileSearch:
		return "searching help articles"
	case types.ToolWebSearch:
		return "searching the web"
	default:
		return it.Name
	}
}

// finalReply returns the assistant message answering the latest user turn.
func finalReply(items []types.ConversationItem) (string, bool) {
	for i := len(items) - 1; i >= 0; i-- {
		it := items[i]
		if it.Kind != types.ItemMessage {
			continue
		}
		if it.Role == types.RoleUser {
			return "", false
		}
		if it.Text != "" {
			return it.Text, true
		}
	}
	return "", false
}
