// internal/state/event.go
package state

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/deskstream/internal/types"
)

// EventLog is a JSONL-backed append-only event log.
// Events are stored per job in jobs/<jobID>/events.jsonl.
type EventLog struct {
	root  string
	mu    sync.Mutex
	locks map[types.JobID]*sync.Mutex
}

// NewEventLog creates a new file-backed EventLog rooted at the given directory.
func NewEventLog(root string) *EventLog {
	return &EventLog{
		root:  root,
		locks: make(map[types.JobID]*sync.Mutex),
	}
}

// getLock returns the per-job mutex, creating one if it doesn't exist.
func (e *EventLog) getLock(jobID types.JobID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	if lock, ok := e.locks[jobID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	e.locks[jobID] = lock
	return lock
}

// Path returns the events file of a job. The file may not exist yet.
func (e *EventLog) Path(jobID types.JobID) string {
	return filepath.Join(e.root, "jobs", string(jobID), "events.jsonl")
}

// Append adds an event to the job's log with an auto-incremented sequence number.
func (e *EventLog) Append(_ context.Context, event *types.StreamEvent) error {
	lock := e.getLock(event.JobID)
	lock.Lock()
	defer lock.Unlock()

	dir := filepath.Dir(e.Path(event.JobID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	existing, err := e.read(event.JobID, 0)
	if err != nil {
		return err
	}
	event.Seq = int64(len(existing)) + 1

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	f, err := os.OpenFile(e.Path(event.JobID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Since returns the events of a job with Seq greater than afterSeq.
func (e *EventLog) Since(_ context.Context, jobID types.JobID, afterSeq int64) ([]*types.StreamEvent, error) {
	lock := e.getLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	return e.read(jobID, afterSeq)
}

// Count returns the number of events for the given job.
func (e *EventLog) Count(ctx context.Context, jobID types.JobID) (int64, error) {
	events, err := e.Since(ctx, jobID, 0)
	if err != nil {
		return 0, err
	}
	return int64(len(events)), nil
}

// read parses the events file. A trailing line without a newline is a write
// still in progress from another process and is left for the next read.
// Caller must hold the job lock.
func (e *EventLog) read(jobID types.JobID, afterSeq int64) ([]*types.StreamEvent, error) {
	f, err := os.Open(e.Path(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	var events []*types.StreamEvent
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read events file: %w", err)
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var event types.StreamEvent
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		if event.Seq > afterSeq {
			events = append(events, &event)
		}
	}
	return events, nil
}
