// internal/state/jobs.go
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/user/deskstream/internal/types"
)

// JobStore is a JSON-file-backed job index stored in jobs/jobs.json.
type JobStore struct {
	root string
	mu   sync.RWMutex
}

// NewJobStore creates a new file-backed JobStore rooted at the given directory.
func NewJobStore(root string) *JobStore {
	return &JobStore{root: root}
}

func (s *JobStore) indexPath() string {
	return filepath.Join(s.root, "jobs", "jobs.json")
}

func (s *JobStore) loadIndex() (map[types.JobID]*types.Job, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[types.JobID]*types.Job), nil
		}
		return nil, fmt.Errorf("read job index: %w", err)
	}

	var jobs []*types.Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("unmarshal job index: %w", err)
	}

	index := make(map[types.JobID]*types.Job, len(jobs))
	for _, job := range jobs {
		index[job.ID] = job
	}
	return index, nil
}

// saveIndex writes the index sorted by creation time, atomically.
func (s *JobStore) saveIndex(index map[types.JobID]*types.Job) error {
	jobs := sortedJobs(index)

	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job index: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.indexPath()), 0o755); err != nil {
		return fmt.Errorf("create jobs dir: %w", err)
	}

	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp index: %w", err)
	}
	if err := os.Rename(tmp, s.indexPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp index: %w", err)
	}
	return nil
}

func sortedJobs(index map[types.JobID]*types.Job) []*types.Job {
	jobs := make([]*types.Job, 0, len(index))
	for _, job := range index {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs
}

// Create stores a new job. Status defaults to queued.
func (s *JobStore) Create(_ context.Context, job *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return err
	}
	if _, ok := index[job.ID]; ok {
		return fmt.Errorf("job already exists: %s", job.ID)
	}

	now := time.Now()
	if job.Status == "" {
		job.Status = types.JobQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	index[job.ID] = job
	return s.saveIndex(index)
}

func (s *JobStore) Get(_ context.Context, id types.JobID) (*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	job, ok := index[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, types.ErrNotFound)
	}
	return job, nil
}

func (s *JobStore) List(_ context.Context) ([]*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	return sortedJobs(index), nil
}

// SetStatus moves a job to status. Transitions out of a terminal state, or
// that skip running on the way to completed, are rejected.
func (s *JobStore) SetStatus(_ context.Context, id types.JobID, status types.JobStatus, errMsg string) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	job, ok := index[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, types.ErrNotFound)
	}
	if !job.Status.CanTransition(status) {
		return nil, fmt.Errorf("job %s %s -> %s: %w", id, job.Status, status, types.ErrInvalidTransition)
	}

	now := time.Now()
	job.Status = status
	job.UpdatedAt = now
	if status == types.JobRunning {
		job.StartedAt = &now
	}
	if status.IsTerminal() {
		job.EndedAt = &now
		job.Error = errMsg
	}
	if err := s.saveIndex(index); err != nil {
		return nil, err
	}
	return job, nil
}

// Active returns the newest non-terminal job of a conversation, or
// ErrNotFound.
func (s *JobStore) Active(_ context.Context, conv types.ConversationID) (*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	jobs := sortedJobs(index)
	for i := len(jobs) - 1; i >= 0; i-- {
		if jobs[i].ConversationID == conv && !jobs[i].Status.IsTerminal() {
			return jobs[i], nil
		}
	}
	return nil, fmt.Errorf("active job for %s: %w", conv, types.ErrNotFound)
}

// Stale returns non-terminal jobs not updated since before.
func (s *JobStore) Stale(_ context.Context, before time.Time) ([]*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	var stale []*types.Job
	for _, job := range sortedJobs(index) {
		if !job.Status.IsTerminal() && job.UpdatedAt.Before(before) {
			stale = append(stale, job)
		}
	}
	return stale, nil
}
