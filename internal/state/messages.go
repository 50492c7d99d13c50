// internal/state/messages.go
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/user/deskstream/internal/types"
)

// MessageStore is the durable SQLite-backed conversation history.
type MessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

func (s *MessageStore) Append(ctx context.Context, msg *types.Message) error {
	if msg.ID == "" {
		msg.ID = types.NewMessageID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	var toolCalls string
	if len(msg.ToolCalls) > 0 {
		data, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("marshal tool calls: %w", err)
		}
		toolCalls = string(data)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, job_id, role, text, tool_calls, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(msg.ID), string(msg.ConversationID), string(msg.JobID), string(msg.Role), msg.Text, toolCalls,
		msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Page returns page (1-based, counted from the newest) of a conversation,
// ordered oldest first.
func (s *MessageStore) Page(ctx context.Context, conv types.ConversationID, page, pageSize int) ([]*types.Message, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		return nil, fmt.Errorf("page size must be positive, got %d", pageSize)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, job_id, role, text, tool_calls, created_at
		   FROM messages WHERE conversation_id = ?
		  ORDER BY seq DESC LIMIT ? OFFSET ?`,
		string(conv), pageSize, (page-1)*pageSize,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Recent returns the last limit messages of a conversation, oldest first.
func (s *MessageStore) Recent(ctx context.Context, conv types.ConversationID, limit int) ([]*types.Message, error) {
	return s.Page(ctx, conv, 1, limit)
}

func (s *MessageStore) Conversations(ctx context.Context) ([]*types.ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, COUNT(*), MAX(created_at)
		   FROM messages GROUP BY conversation_id ORDER BY MAX(seq) DESC`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []*types.ConversationSummary
	for rows.Next() {
		var (
			conv, last string
			count      int64
		)
		if err := rows.Scan(&conv, &count, &last); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		at, _ := time.Parse(time.RFC3339Nano, last)
		out = append(out, &types.ConversationSummary{
			ConversationID: types.ConversationID(conv),
			Messages:       count,
			LastAt:         at,
		})
	}
	return out, rows.Err()
}

func scanMessages(rows *sql.Rows) ([]*types.Message, error) {
	defer rows.Close()

	var msgs []*types.Message
	for rows.Next() {
		var (
			id, conv, job, role, text, toolCalls, created string
		)
		if err := rows.Scan(&id, &conv, &job, &role, &text, &toolCalls, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg := &types.Message{
			ID:             types.MessageID(id),
			ConversationID: types.ConversationID(conv),
			JobID:          types.JobID(job),
			Role:           types.Role(role),
			Text:           text,
		}
		if toolCalls != "" {
			if err := json.Unmarshal([]byte(toolCalls), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshal tool calls of %s: %w", id, err)
			}
		}
		t, err := time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, fmt.Errorf("parse created_at of %s: %w", id, err)
		}
		msg.CreatedAt = t
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}
