package telegram

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/deskstream/internal/feed"
	"github.com/user/deskstream/internal/gateway"
	"github.com/user/deskstream/internal/session"
	"github.com/user/deskstream/internal/state"
	"github.com/user/deskstream/internal/types"
)

type fakeSender struct {
	mu           sync.Mutex
	failMarkdown bool
	typing       int
	sent         chan tgbotapi.MessageConfig
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(chan tgbotapi.MessageConfig, 16)}
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	msg, ok := c.(tgbotapi.MessageConfig)
	if !ok {
		return tgbotapi.Message{}, errors.New("unexpected chattable")
	}
	if f.failMarkdown && msg.ParseMode != "" {
		return tgbotapi.Message{}, errors.New("can't parse entities")
	}
	f.sent <- msg
	return tgbotapi.Message{}, nil
}

func (f *fakeSender) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := c.(tgbotapi.ChatActionConfig); ok {
		f.typing++
	}
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeSender) next(t *testing.T) tgbotapi.MessageConfig {
	t.Helper()
	select {
	case msg := <-f.sent:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a sent message")
		return tgbotapi.MessageConfig{}
	}
}

func TestSplitMessage(t *testing.T) {
	short := "Hello world"
	parts := splitMessage(short)
	if len(parts) != 1 {
		t.Fatalf("expected 1 part, got %d", len(parts))
	}
	if parts[0] != short {
		t.Errorf("expected %q, got %q", short, parts[0])
	}
}

func TestSplitMessageLong(t *testing.T) {
	long := strings.Repeat("a", 5000)
	parts := splitMessage(long)
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	if len(parts[0]) != maxTelegramMessage {
		t.Errorf("expected first part length %d, got %d", maxTelegramMessage, len(parts[0]))
	}
}

func TestConversationID(t *testing.T) {
	conv := conversationID(12345, 67890, time.Time{})
	if string(conv) != "telegram:12345:67890" {
		t.Errorf("expected 'telegram:12345:67890', got %q", conv)
	}
	fresh := conversationID(12345, 67890, time.Unix(1700000000, 0))
	if string(fresh) != "telegram:12345:67890:1700000000" {
		t.Errorf("expected suffixed id, got %q", fresh)
	}
}

func TestDeliverFallsBackToPlainText(t *testing.T) {
	sender := newFakeSender()
	sender.failMarkdown = true
	a := newAdapter(sender, nil, nil, nil, session.DefaultConfig(), nil)

	a.deliver(outgoing{chatID: 1, text: "*broken markdown"})
	msg := sender.next(t)
	if msg.ParseMode != "" || msg.Text != "*broken markdown" {
		t.Errorf("expected plain text resend, got %+v", msg)
	}
}

func TestChatViewSendsReplyAfterResponding(t *testing.T) {
	out := make(chan outgoing, 8)
	v := &chatView{chatID: 9, out: out}

	history := []types.ConversationItem{
		types.NewMessageItem("m1", types.RoleUser, "hi"),
		types.NewMessageItem("m2", types.RoleAssistant, "old answer"),
	}
	// loading history never sends
	v.RespondingChanged(false)
	v.ItemsChanged(history)
	if len(out) != 0 {
		t.Fatalf("expected nothing sent for history, got %d", len(out))
	}

	v.RespondingChanged(true)
	if o := <-out; !o.typing {
		t.Errorf("expected typing indicator, got %+v", o)
	}

	streaming := append(history, types.NewMessageItem("m3", types.RoleUser, "and now?"),
		types.NewMessageItem("stream-1", types.RoleAssistant, "partial"))
	v.ItemsChanged(streaming)
	if len(out) != 0 {
		t.Fatal("expected nothing sent while streaming")
	}

	v.RespondingChanged(false)
	// reconciled page: user turn not answered yet
	v.ItemsChanged(history[:1])
	if len(out) != 0 {
		t.Fatal("expected no reply for an unanswered turn")
	}
	final := append(history, types.NewMessageItem("m3", types.RoleUser, "and now?"),
		types.NewToolCallItem("call-1", types.ToolFileSearch, types.ToolCallCompleted, "file_search"),
		types.NewMessageItem("m4", types.RoleAssistant, "new answer"))
	v.ItemsChanged(final)
	if o := <-out; o.text != "new answer" {
		t.Errorf("expected reply 'new answer', got %+v", o)
	}

	v.ItemsChanged(final)
	if len(out) != 0 {
		t.Error("expected the reply to be sent once")
	}
}

func TestChatViewError(t *testing.T) {
	out := make(chan outgoing, 8)
	v := &chatView{chatID: 9, out: out}
	v.RespondingChanged(true)
	<-out
	v.RespondingChanged(false)
	v.Error("the assistant could not complete this response")
	if o := <-out; !strings.Contains(o.text, "could not complete") {
		t.Errorf("expected error reply, got %+v", o)
	}
	v.ItemsChanged([]types.ConversationItem{types.NewMessageItem("m1", types.RoleAssistant, "stale")})
	if len(out) != 0 {
		t.Error("expected no reply after an error")
	}
}

func TestHandleTextRepliesWhenJobCompletes(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := state.OpenDB(ctx, filepath.Join(dir, "messages.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	jobs := state.NewJobStore(dir)
	messages := state.NewMessageStore(db)
	events := state.NewEventLog(dir)
	gw := gateway.New(jobs, messages, events, state.NewArtifactStore(dir))
	gw.Start(ctx)
	defer gw.Stop()

	cfg := session.DefaultConfig()
	cfg.ReconcileDelay = 0
	sender := newFakeSender()
	a := newAdapter(sender, gw, feed.NewFileFeed(events, nil), feed.NewStatusPoller(gw, 20*time.Millisecond, nil), cfg, nil)
	go a.sendLoop(ctx)
	defer a.closeChats()

	a.handleText(ctx, 42, 7, "how do I reset my password?")

	conv := conversationID(7, 42, time.Time{})
	jobID, ok, err := gw.FetchActiveJob(ctx, conv)
	if err != nil || !ok {
		t.Fatalf("expected an active job, got ok=%v err=%v", ok, err)
	}

	if err := messages.Append(ctx, &types.Message{
		ConversationID: conv,
		JobID:          jobID,
		Role:           types.RoleAssistant,
		Text:           "Use the 'Forgot password' link.",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := jobs.SetStatus(ctx, jobID, types.JobRunning, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := jobs.SetStatus(ctx, jobID, types.JobCompleted, ""); err != nil {
		t.Fatal(err)
	}

	msg := sender.next(t)
	if msg.ChatID != 42 || msg.Text != "Use the 'Forgot password' link." {
		t.Errorf("unexpected reply %+v", msg)
	}
}
