// internal/types/models.go
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// CanTransition reports whether a job may move from s to next.
// Terminal states are final.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobQueued:
		return next == JobRunning || next == JobFailed
	case JobRunning:
		return next == JobCompleted || next == JobFailed
	default:
		return false
	}
}

type Job struct {
	ID             JobID          `json:"id"`
	ConversationID ConversationID `json:"conversation_id"`
	Status         JobStatus      `json:"status"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	EndedAt        *time.Time     `json:"ended_at,omitempty"`
}

type EventType string

const (
	EventMessageDelta          EventType = "message_delta"
	EventToolCallStart         EventType = "tool_call_start"
	EventToolCallComplete      EventType = "tool_call_complete"
	EventAssistantMessageSaved EventType = "assistant_message_saved"
	EventError                 EventType = "error"
)

// StreamEvent is one entry in a job's append-only event log.
type StreamEvent struct {
	ID      EventID         `json:"id"`
	JobID   JobID           `json:"job_id"`
	Seq     int64           `json:"seq"`
	Type    EventType       `json:"type"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the event payload into v.
func (e *StreamEvent) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// NewStreamEvent builds an event with a fresh id. Seq is assigned by the log.
func NewStreamEvent(jobID JobID, typ EventType, payload any) (*StreamEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return &StreamEvent{
		ID:      NewEventID(),
		JobID:   jobID,
		Type:    typ,
		At:      time.Now(),
		Payload: data,
	}, nil
}

// DeltaPayload carries either a cumulative snapshot (Text) or an increment
// (Delta). A nil Text means the event has no snapshot.
type DeltaPayload struct {
	Text  *string `json:"text,omitempty"`
	Delta string  `json:"delta,omitempty"`
}

type ToolCallPayload struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolType   ToolType        `json:"tool_type,omitempty"`
	Name       string          `json:"name,omitempty"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

type SavedPayload struct {
	MessageID MessageID `json:"message_id"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type ToolType string

const (
	ToolFileSearch ToolType = "file_search_call"
	ToolWebSearch  ToolType = "web_search_call"
	ToolFunction   ToolType = "function_call"
)

// ResolveToolType picks the display type of a tool call. An explicit type
// wins; otherwise well-known tool names map to their type.
func ResolveToolType(explicit ToolType, name string) ToolType {
	if explicit != "" {
		return explicit
	}
	switch name {
	case "file_search":
		return ToolFileSearch
	case "web_search":
		return ToolWebSearch
	default:
		return ToolFunction
	}
}

type ToolCallRecord struct {
	ID        string   `json:"id"`
	Type      ToolType `json:"type"`
	Name      string   `json:"name"`
	Arguments string   `json:"arguments,omitempty"`
	Output    string   `json:"output,omitempty"`
}

// Message is a durable conversation message.
type Message struct {
	ID             MessageID        `json:"id"`
	ConversationID ConversationID   `json:"conversation_id"`
	JobID          JobID            `json:"job_id,omitempty"`
	Role           Role             `json:"role"`
	Text           string           `json:"text"`
	ToolCalls      []ToolCallRecord `json:"tool_calls,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

type ConversationSummary struct {
	ConversationID ConversationID `json:"conversation_id"`
	Messages       int64          `json:"messages"`
	LastAt         time.Time      `json:"last_at"`
}

// Turn is what a user submits to start a job.
type Turn struct {
	Text   string `json:"text"`
	UserID string `json:"user_id,omitempty"`
}

type ItemKind string

const (
	ItemMessage  ItemKind = "message"
	ItemToolCall ItemKind = "tool_call"
)

type ToolCallStatus string

const (
	ToolCallInProgress ToolCallStatus = "in_progress"
	ToolCallCompleted  ToolCallStatus = "completed"
)

// ConversationItem is the visible unit of a conversation. Kind selects which
// fields are meaningful: Role and Text for messages, the Tool* fields for
// tool calls.
type ConversationItem struct {
	Kind      ItemKind       `json:"kind"`
	ID        ItemID         `json:"id"`
	Role      Role           `json:"role,omitempty"`
	Text      string         `json:"text,omitempty"`
	ToolType  ToolType       `json:"tool_type,omitempty"`
	Status    ToolCallStatus `json:"status,omitempty"`
	Name      string         `json:"name,omitempty"`
	Arguments string         `json:"arguments,omitempty"`
	Output    string         `json:"output,omitempty"`
	Streaming bool           `json:"streaming,omitempty"`
}

func NewMessageItem(id ItemID, role Role, text string) ConversationItem {
	return ConversationItem{Kind: ItemMessage, ID: id, Role: role, Text: text}
}

func NewToolCallItem(id ItemID, toolType ToolType, status ToolCallStatus, name string) ConversationItem {
	return ConversationItem{Kind: ItemToolCall, ID: id, ToolType: toolType, Status: status, Name: name}
}

type ArtifactMeta struct {
	ID        ArtifactID `json:"id"`
	JobID     JobID      `json:"job_id"`
	Tool      string     `json:"tool"`
	CreatedAt time.Time  `json:"created_at"`
	MimeType  string     `json:"mime_type,omitempty"`
	Bytes     int        `json:"bytes"`
}
