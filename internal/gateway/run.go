package gateway

import (
	"context"
	"time"

	"github.com/user/deskstream/internal/types"
)

// Run is one queued execution of a job. The job record in the JobStore holds
// the authoritative status; Run only carries what the processor needs.
type Run struct {
	JobID          types.JobID
	ConversationID types.ConversationID
	Turn           types.Turn
	UserMessageID  types.MessageID
	Attempts       int
	CreatedAt      time.Time

	// Ctx is set by the queue when the run is dequeued.
	Ctx context.Context
}

// NewRun creates a Run for a freshly created job.
func NewRun(job *types.Job, turn types.Turn, userMsg types.MessageID) *Run {
	return &Run{
		JobID:          job.ID,
		ConversationID: job.ConversationID,
		Turn:           turn,
		UserMessageID:  userMsg,
		CreatedAt:      time.Now(),
	}
}
