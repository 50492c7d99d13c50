package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/deskstream/internal/session"
	"github.com/user/deskstream/internal/types"
)

const (
	maxTelegramMessage = 4096
	outboxSize         = 64
)

// Sender is the part of the bot API the adapter sends through.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Adapter is a help-desk chat front-end on Telegram. Each chat gets its own
// session coordinator, so a chat reconnects to its in-flight job after a
// restart.
type Adapter struct {
	bot     *tgbotapi.BotAPI
	sender  Sender
	backend types.Backend
	events  types.EventFeed
	status  types.StatusFeed
	cfg     session.Config
	logger  *slog.Logger
	out     chan outgoing

	mu    sync.Mutex
	chats map[int64]*chat
}

type chat struct {
	coord *session.Coordinator
	conv  types.ConversationID
}

// New creates a Telegram adapter.
func New(token string, backend types.Backend, events types.EventFeed, status types.StatusFeed, cfg session.Config, logger *slog.Logger) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	a := newAdapter(bot, backend, events, status, cfg, logger)
	a.bot = bot
	return a, nil
}

func newAdapter(sender Sender, backend types.Backend, events types.EventFeed, status types.StatusFeed, cfg session.Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		sender:  sender,
		backend: backend,
		events:  events,
		status:  status,
		cfg:     cfg,
		logger:  logger,
		out:     make(chan outgoing, outboxSize),
		chats:   make(map[int64]*chat),
	}
}

// Start begins long-polling for Telegram updates. It returns when ctx is
// cancelled.
func (a *Adapter) Start(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.sendLoop(ctx)
	}()
	defer wg.Wait()
	defer a.closeChats()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			a.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.IsCommand() {
		a.handleCommand(ctx, msg)
		return
	}
	a.handleText(ctx, msg.Chat.ID, msg.From.ID, msg.Text)
}

func (a *Adapter) handleText(ctx context.Context, chatID, userID int64, text string) {
	c, err := a.chat(ctx, chatID, userID)
	if err != nil {
		a.logger.Error("open chat", "chat_id", chatID, "error", err)
		a.enqueue(outgoing{chatID: chatID, text: "Sorry, I could not load this conversation."})
		return
	}

	_, err = c.coord.Submit(ctx, c.conv, types.Turn{Text: text, UserID: strconv.FormatInt(userID, 10)})
	switch {
	case errors.Is(err, session.ErrTurnInFlight):
		a.enqueue(outgoing{chatID: chatID, text: "I'm still working on your last message."})
	case err != nil:
		// the view has already reported it
		a.logger.Warn("submit turn", "chat_id", chatID, "error", err)
	}
}

func (a *Adapter) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	switch msg.Command() {
	case "start":
		a.enqueue(outgoing{chatID: chatID, text: "Hi! I'm the help desk assistant. Ask me anything about your account or our products."})

	case "new":
		c, err := a.chat(ctx, chatID, msg.From.ID)
		if err != nil {
			a.enqueue(outgoing{chatID: chatID, text: "Sorry, I could not start a new conversation."})
			return
		}
		a.mu.Lock()
		old := c.conv
		c.conv = conversationID(msg.From.ID, chatID, time.Now())
		conv := c.conv
		a.mu.Unlock()
		c.coord.Forget(old)
		if err := c.coord.Open(ctx, conv); err != nil {
			a.logger.Warn("open conversation", "conversation_id", conv, "error", err)
		}
		a.enqueue(outgoing{chatID: chatID, text: "Started a new conversation."})

	case "status":
		c, err := a.chat(ctx, chatID, msg.From.ID)
		if err != nil {
			a.enqueue(outgoing{chatID: chatID, text: "Error fetching status."})
			return
		}
		a.enqueue(outgoing{chatID: chatID, text: a.statusText(ctx, c)})

	default:
		a.enqueue(outgoing{chatID: chatID, text: "Unknown command. Available: /start, /new, /status"})
	}
}

func (a *Adapter) statusText(ctx context.Context, c *chat) string {
	a.mu.Lock()
	conv := c.conv
	a.mu.Unlock()

	jobID, ok, err := a.backend.FetchActiveJob(ctx, conv)
	if err != nil {
		return "Error fetching status."
	}
	if !ok {
		return fmt.Sprintf("Conversation: %s\nNothing in progress.", conv)
	}
	return fmt.Sprintf("Conversation: %s\nWorking on job %s.", conv, jobID)
}

// chat returns the chat's coordinator, creating it and loading the
// conversation on first use.
func (a *Adapter) chat(ctx context.Context, chatID, userID int64) (*chat, error) {
	a.mu.Lock()
	c, ok := a.chats[chatID]
	if ok {
		a.mu.Unlock()
		return c, nil
	}
	view := &chatView{chatID: chatID, out: a.out, dropped: func(o outgoing) {
		a.logger.Warn("outbox full, dropping message", "chat_id", o.chatID)
	}}
	c = &chat{
		coord: session.New(a.backend, a.events, a.status, view,
			session.WithConfig(a.cfg), session.WithLogger(a.logger.With("chat_id", chatID))),
		conv: conversationID(userID, chatID, time.Time{}),
	}
	a.chats[chatID] = c
	a.mu.Unlock()

	if err := c.coord.Open(ctx, c.conv); err != nil {
		return c, err
	}
	return c, nil
}

func (a *Adapter) closeChats() {
	a.mu.Lock()
	chats := make([]*chat, 0, len(a.chats))
	for _, c := range a.chats {
		chats = append(chats, c)
	}
	a.mu.Unlock()
	for _, c := range chats {
		c.coord.Close()
	}
}

func (a *Adapter) enqueue(o outgoing) {
	select {
	case a.out <- o:
	default:
		a.logger.Warn("outbox full, dropping message", "chat_id", o.chatID)
	}
}

func (a *Adapter) sendLoop(ctx context.Context) {
	for {
		select {
		case o := <-a.out:
			a.deliver(o)
		case <-ctx.Done():
			return
		}
	}
}

func (a *Adapter) deliver(o outgoing) {
	if o.typing {
		if _, err := a.sender.Request(tgbotapi.NewChatAction(o.chatID, tgbotapi.ChatTyping)); err != nil {
			a.logger.Debug("send typing", "chat_id", o.chatID, "error", err)
		}
		return
	}
	for _, part := range splitMessage(o.text) {
		msg := tgbotapi.NewMessage(o.chatID, part)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := a.sender.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := a.sender.Send(msg); err != nil {
				a.logger.Error("send message", "chat_id", o.chatID, "error", err)
			}
		}
	}
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}

// conversationID names a chat's conversation. A non-zero since starts a
// fresh conversation for the same chat.
func conversationID(userID, chatID int64, since time.Time) types.ConversationID {
	parts := []string{"telegram", strconv.FormatInt(userID, 10), strconv.FormatInt(chatID, 10)}
	if !since.IsZero() {
		parts = append(parts, strconv.FormatInt(since.Unix(), 10))
	}
	return types.NewConversationID(parts...)
}
