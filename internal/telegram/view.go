package telegram

import (
	"github.com/user/deskstream/internal/types"
)

// outgoing is one thing to send to a chat: a reply, or a typing indicator.
type outgoing struct {
	chatID int64
	text   string
	typing bool
}

// chatView turns coordinator updates for one chat into Telegram sends. It
// stays quiet while a job streams and sends the assistant's reply once the
// conversation has been reconciled. Calls arrive under the coordinator lock,
// so sends are queued rather than made inline.
type chatView struct {
	chatID     int64
	out        chan<- outgoing
	responding bool
	awaiting   bool
	dropped    func(outgoing)
}

func (v *chatView) ItemsChanged(items []types.ConversationItem) {
	if !v.awaiting {
		return
	}
	if reply, ok := lastReply(items); ok {
		v.awaiting = false
		v.push(outgoing{chatID: v.chatID, text: reply})
	}
}

func (v *chatView) RespondingChanged(responding bool) {
	if responding == v.responding {
		return
	}
	v.responding = responding
	if responding {
		v.awaiting = false
		v.push(outgoing{chatID: v.chatID, typing: true})
		return
	}
	v.awaiting = true
}

func (v *chatView) Error(message string) {
	v.awaiting = false
	v.push(outgoing{chatID: v.chatID, text: "Sorry, " + message + "."})
}

func (v *chatView) push(o outgoing) {
	select {
	case v.out <- o:
	default:
		if v.dropped != nil {
			v.dropped(o)
		}
	}
}

// lastReply returns the text of the final assistant message, provided it
// answers the latest user message.
func lastReply(items []types.ConversationItem) (string, bool) {
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
