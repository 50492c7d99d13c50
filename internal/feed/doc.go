// Package feed carries a job's event log and status from the backend to the
// session coordinator. Event transports replay the backlog before live
// events so a reconnecting client rebuilds the streamed state from the start.
package feed

import "github.com/user/deskstream/internal/types"

var (
	_ types.EventFeed  = (*FileFeed)(nil)
	_ types.EventFeed  = (*RedisFeed)(nil)
	_ types.EventFeed  = (*PollFeed)(nil)
	_ types.EventSink  = (*RedisFeed)(nil)
	_ types.EventSink  = (*Mirror)(nil)
	_ types.StatusFeed = (*StatusPoller)(nil)
)
