package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/user/deskstream/internal/api"
	"github.com/user/deskstream/internal/config"
	ctxengine "github.com/user/deskstream/internal/context"
	"github.com/user/deskstream/internal/feed"
	"github.com/user/deskstream/internal/gateway"
	"github.com/user/deskstream/internal/runtime"
	"github.com/user/deskstream/internal/runtime/tools"
	"github.com/user/deskstream/internal/state"
	"github.com/user/deskstream/internal/sweeper"
	"github.com/user/deskstream/internal/telegram"
	"github.com/user/deskstream/internal/types"
	"github.com/user/deskstream/pkg/llm"
	"github.com/user/deskstream/pkg/llm/openai"
)

const pidFileName = "deskstream.pid"

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the deskstream backend",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, pidFileName)
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

// newRedisClient connects to the configured Redis server.
func newRedisClient(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Feed.RedisAddr,
		Password: cfg.Feed.RedisPassword,
		DB:       cfg.Feed.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Feed.RedisAddr, err)
	}
	return rdb, nil
}

func newRedisFeed(rdb redis.UniversalClient, cfg *config.Config, logger *slog.Logger) *feed.RedisFeed {
	return feed.NewRedisFeed(rdb, &feed.RedisOptions{
		KeyPrefix:  cfg.Feed.KeyPrefix,
		MaxEntries: cfg.Feed.MaxEntries,
		TTL:        cfg.FeedTTL(),
	}, logger)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	logger := setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stores
	db, err := state.OpenDB(ctx, filepath.Join(cfg.DataDir, "messages.db"))
	if err != nil {
		return err
	}
	defer db.Close()
	jobs := state.NewJobStore(cfg.DataDir)
	messages := state.NewMessageStore(db)
	eventLog := state.NewEventLog(cfg.DataDir)
	artifacts := state.NewArtifactStore(cfg.DataDir)

	// Event transport. The file log stays authoritative; Redis mirrors it
	// for clients on other hosts.
	var sink types.EventSink = eventLog
	var events types.EventFeed = feed.NewFileFeed(eventLog, logger)
	if cfg.Feed.Backend == "redis" {
		rdb, err := newRedisClient(ctx, cfg)
		if err != nil {
			return err
		}
		defer rdb.Close()
		rf := newRedisFeed(rdb, cfg, logger)
		sink = &feed.Mirror{Primary: eventLog, Replica: rf, Logger: logger}
		events = rf
	}

	// LLM provider
	provider := openai.New(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	})

	// Context engine
	engine, err := ctxengine.New(cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve, cfg.PromptPath)
	if err != nil {
		return fmt.Errorf("create context engine: %w", err)
	}

	// Tool registry
	registry := runtime.NewRegistry()
	articlesDir := cfg.ArticlesDir
	if articlesDir == "" {
		articlesDir = filepath.Join(cfg.DataDir, "articles")
	}
	registry.Register(tools.NewFileSearch(articlesDir))
	if cfg.Brave.APIKey != "" {
		registry.Register(tools.NewWebSearch(cfg.Brave.APIKey))
	}
	registry.Register(tools.NewReadURL())

	// Gateway and runtime
	gw := gateway.New(jobs, messages, eventLog, artifacts,
		gateway.WithConcurrency(int64(cfg.MaxConcurrent)),
		gateway.WithEventSink(sink),
		gateway.WithLogger(logger),
	)
	rt := runtime.New(runtime.Deps{
		Provider:  provider,
		Engine:    engine,
		Jobs:      jobs,
		Messages:  messages,
		Events:    sink,
		Artifacts: artifacts,
		Registry:  registry,
		Retry:     gw.Retry(),
		MaxRounds: cfg.MaxToolRounds,
		Logger:    logger,
	})
	gw.Queue.SetProcessor(rt.ProcessRun)
	gw.Start(ctx)
	defer func() {
		if !gw.WaitIdle(10 * time.Second) {
			logger.Warn("jobs still running at shutdown")
		}
		gw.Stop()
	}()

	// Stale job sweeper
	sw := sweeper.New(jobs, gw, cfg.Sweeper.Schedule, cfg.SweepMaxAge(), logger)
	if err := sw.Start(ctx); err != nil {
		return err
	}
	defer sw.Stop()

	slog.Info("deskstream started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"max_concurrent", cfg.MaxConcurrent,
		"max_tool_rounds", cfg.MaxToolRounds,
		"llm_model", cfg.LLM.Model,
		"feed", cfg.Feed.Backend,
		"tools", registry.Names(),
		"pid_file", pidPath,
	)

	// Telegram front-end
	if cfg.Telegram.Token != "" {
		status := feed.NewStatusPoller(gw, cfg.StatusInterval(), logger)
		adapter, err := telegram.New(cfg.Telegram.Token, gw, events, status, cfg.Session(), logger)
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		go adapter.Start(ctx)
		slog.Info("telegram adapter started")
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}

	// HTTP API
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewServer(gw, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("api server started", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api server error", "error", err)
			cancel()
		}
	}()
	defer func() {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		httpServer.Shutdown(shutdownCtx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		var sig os.Signal
		select {
		case sig = <-sigChan:
		case <-ctx.Done():
			return fmt.Errorf("api server stopped")
		}
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			// Clean up PID file before re-exec
			os.Remove(pidPath)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				// Re-write PID file since we failed to re-exec
				if _, writeErr := writePIDFile(cfg.DataDir); writeErr != nil {
					slog.Error("failed to re-write PID file", "error", writeErr)
				}
				continue
			}
		}
		// SIGINT or SIGTERM
		slog.Info("shutting down", "signal", sig)
		return nil
	}
}
