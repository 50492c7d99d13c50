// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

type ConversationID string
type JobID string
type EventID string
type MessageID string
type ItemID string
type ArtifactID string

func NewJobID() JobID {
	return JobID(uuid.New().String())
}

func NewEventID() EventID {
	return EventID(uuid.New().String())
}

func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

// NewArtifactID returns an id for one stored output of the job. The job id
// is its prefix, so the output can be found without an index.
func NewArtifactID(job JobID) ArtifactID {
	return ArtifactID(string(job) + "." + uuid.New().String())
}

// NewStreamingItemID returns an id for an item synthesized on the client
// while a job streams. It never collides with a durable message id.
func NewStreamingItemID() ItemID {
	return ItemID("stream-" + uuid.New().String())
}

func NewConversationID(parts ...string) ConversationID {
	return ConversationID(strings.Join(parts, ":"))
}
