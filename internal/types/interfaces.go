// internal/types/interfaces.go
package types

import (
	"context"
	"encoding/json"
	"time"
)

// Backend-side stores.

type JobStore interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id JobID) (*Job, error)
	List(ctx context.Context) ([]*Job, error)
	SetStatus(ctx context.Context, id JobID, status JobStatus, errMsg string) (*Job, error)
	Active(ctx context.Context, conv ConversationID) (*Job, error)
	Stale(ctx context.Context, before time.Time) ([]*Job, error)
}

type MessageStore interface {
	Append(ctx context.Context, msg *Message) error
	Page(ctx context.Context, conv ConversationID, page, pageSize int) ([]*Message, error)
	Recent(ctx context.Context, conv ConversationID, limit int) ([]*Message, error)
	Conversations(ctx context.Context) ([]*ConversationSummary, error)
}

// EventSink appends to a job's event log, assigning the next sequence number.
type EventSink interface {
	Append(ctx context.Context, event *StreamEvent) error
}

type EventLog interface {
	EventSink
	Since(ctx context.Context, jobID JobID, afterSeq int64) ([]*StreamEvent, error)
}

// ArtifactStore keeps the full text of tool outputs too long to inline in a
// job's events.
type ArtifactStore interface {
	// Spill returns output unchanged when it fits inline. Otherwise it stores
	// the full output under the job and returns a truncated excerpt that names
	// the stored output's id.
	Spill(ctx context.Context, jobID JobID, tool, output string) (string, ArtifactID, error)
	Get(ctx context.Context, id ArtifactID) (json.RawMessage, error)
	GetMeta(ctx context.Context, id ArtifactID) (*ArtifactMeta, error)
}

// Client-side collaborators consumed by the session coordinator.

type TurnSubmitter interface {
	SubmitTurn(ctx context.Context, conv ConversationID, turn Turn) (JobID, error)
}

type MessagePager interface {
	FetchMessagesPage(ctx context.Context, conv ConversationID, page, pageSize int) ([]*Message, error)
}

type ActiveJobFinder interface {
	FetchActiveJob(ctx context.Context, conv ConversationID) (JobID, bool, error)
}

type JobGetter interface {
	GetJob(ctx context.Context, id JobID) (*Job, error)
}

type Backend interface {
	TurnSubmitter
	MessagePager
	ActiveJobFinder
}

// EventSubscription delivers a job's events in ascending Seq order. Events is
// closed when the subscription ends; Err is non-nil only if it ended because
// of a transport failure.
type EventSubscription interface {
	Events() <-chan *StreamEvent
	Err() error
	Close() error
}

type EventFeed interface {
	SubscribeEvents(ctx context.Context, jobID JobID) (EventSubscription, error)
}

// StatusSubscription delivers the current job status, then every change.
// Updates is closed after a terminal status or when the watch is lost.
type StatusSubscription interface {
	Updates() <-chan JobStatus
	Close() error
}

type StatusFeed interface {
	WatchJobStatus(ctx context.Context, jobID JobID) (StatusSubscription, error)
}
