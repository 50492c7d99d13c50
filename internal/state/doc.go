// Package state provides the backend's durable storage: per-job event logs
// and the job index on the filesystem, messages in SQLite.
package state

import "github.com/user/deskstream/internal/types"

// Compile-time interface compliance checks.
var _ types.JobStore = (*JobStore)(nil)
var _ types.EventLog = (*EventLog)(nil)
var _ types.MessageStore = (*MessageStore)(nil)
var _ types.ArtifactStore = (*ArtifactStore)(nil)
