package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/deskstream/internal/client"
	"github.com/user/deskstream/internal/config"
	"github.com/user/deskstream/internal/feed"
	"github.com/user/deskstream/internal/session"
	"github.com/user/deskstream/internal/types"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat [conversation]",
	Short: "Chat with the assistant in the terminal",
	Long: `Chat with the assistant through a running deskstream server.

Commands:
  /open <conversation>  switch to another conversation
  /stop                 stop watching the current reply
  /quit                 exit`,
	Args: cobra.MaximumNArgs(1),
	RunE: runChat,
}

func newAPIClient(cfg *config.Config) *client.Client {
	return client.New(cfg.Client.ServerURL,
		client.WithTimeout(cfg.ClientTimeout()),
		client.WithRetries(2),
	)
}

// chatEventFeed subscribes to Redis directly when the server mirrors events
// there, and polls the API otherwise.
func chatEventFeed(ctx context.Context, cfg *config.Config, api *client.Client, logger *slog.Logger) (types.EventFeed, func()) {
	if cfg.Feed.Backend == "redis" {
		rdb, err := newRedisClient(ctx, cfg)
		if err == nil {
			return newRedisFeed(rdb, cfg, logger), func() { rdb.Close() }
		}
		logger.Warn("redis unavailable, polling the api for events", "error", err)
	}
	return feed.NewPollFeed(api, cfg.EventPollInterval(), logger), func() {}
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	// keep the terminal for the conversation
	if parseLevel(cfg.LogLevel) < slog.LevelWarn {
		cfg.LogLevel = "warn"
	}
	logger := setupLogging(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	api := newAPIClient(cfg)
	if err := api.Health(ctx); err != nil {
		return fmt.Errorf("server not reachable at %s: %w", cfg.Client.ServerURL, err)
	}

	events, closeEvents := chatEventFeed(ctx, cfg, api, logger)
	defer closeEvents()
	status := feed.NewStatusPoller(api, cfg.StatusInterval(), logger)

	out := cmd.OutOrStdout()
	view := newTerminalView(out)
	coord := session.New(api, events, status, view,
		session.WithConfig(cfg.Session()), session.WithLogger(logger))
	defer coord.Close()

	conv := types.ConversationID("cli:" + os.Getenv("USER"))
	if len(args) == 1 {
		conv = types.ConversationID(args[0])
	}
	return chatLoop(ctx, coord, view, conv, cmd.InOrStdin(), out)
}

func chatLoop(ctx context.Context, coord *session.Coordinator, view *terminalView, conv types.ConversationID, in io.Reader, out io.Writer) error {
	open := func(c types.ConversationID) {
		view.reset()
		fmt.Fprintf(out, "-- conversation %s --\n", c)
		if err := coord.Open(ctx, c); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
	open(conv)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}

		switch {
		case line == "":
			continue
		case line == "/quit":
			return nil
		case line == "/stop":
			if s := coord.Session(conv); s != nil {
				coord.Stop(s)
				fmt.Fprintln(out, "-- stopped watching --")
			}
		case strings.HasPrefix(line, "/open"):
			next := strings.TrimSpace(strings.TrimPrefix(line, "/open"))
			if next == "" {
				fmt.Fprintln(out, "usage: /open <conversation>")
				continue
			}
			conv = types.ConversationID(next)
			open(conv)
		default:
			_, err := coord.Submit(ctx, conv, types.Turn{Text: line, UserID: os.Getenv("USER")})
			if errors.Is(err, session.ErrTurnInFlight) {
				fmt.Fprintln(out, "-- still answering, please wait --")
			}
		}
	}
}
