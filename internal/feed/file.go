package feed

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/user/deskstream/internal/state"
	"github.com/user/deskstream/internal/types"
)

// FileFeed tails the per-job JSONL event log, waking on fsnotify writes.
type FileFeed struct {
	log    *state.EventLog
	logger *slog.Logger
}

func NewFileFeed(log *state.EventLog, logger *slog.Logger) *FileFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileFeed{log: log, logger: logger}
}

// SubscribeEvents watches the job directory before reading the backlog so no
// append between the two is missed.
func (f *FileFeed) SubscribeEvents(ctx context.Context, jobID types.JobID) (types.EventSubscription, error) {
	path := f.log.Path(jobID)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create job dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	sub := newSubscription(ctx)
	sub.closer = watcher.Close
	go f.pump(sub, watcher, jobID, path)
	return sub, nil
}

func (f *FileFeed) pump(sub *subscription, watcher *fsnotify.Watcher, jobID types.JobID, path string) {
	defer sub.finish()

	var last int64
	drain := func() bool {
		events, err := f.log.Since(sub.ctx, jobID, last)
		if err != nil {
			sub.fail(fmt.Errorf("read event log: %w", err))
			return false
		}
		for _, ev := range events {
			if !sub.send(ev) {
				return false
			}
			last = ev.Seq
		}
		return true
	}

	if !drain() {
		return
	}
	for {
		select {
		case <-sub.ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				sub.fail(fmt.Errorf("watcher closed"))
				return
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				if !drain() {
					return
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				sub.fail(fmt.Errorf("watcher closed"))
				return
			}
			f.logger.Warn("event log watch failed", "job_id", jobID, "error", err)
			sub.fail(fmt.Errorf("watch event log: %w", err))
			return
		}
	}
}
