package store

import (
	"context"
	"fmt"
	"time"

	"github.com/workdeck-ai/workdeck/pkg/types"
)

// AddMessage appends a message to a conversation. The sequence number
// is assigned inside a transaction, so readers always observe the
// exact append order regardless of clock skew between writers.
func (s *Store) AddMessage(ctx context.Context, conversationID, role, content string, isError bool) (*types.Message, error) {
	m := &types.Message{
		ID:             NewID(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		IsError:        isError,
		CreatedAt:      time.Now().UTC(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?`,
		conversationID).Scan(&seq); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, is_error, created_at, seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Role, m.Content, m.IsError, toMillis(m.CreatedAt), seq)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return m, nil
}

// ListMessages returns a conversation's messages in append order.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]*types.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, is_error, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY seq`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*types.Message
	for rows.Next() {
		var m types.Message
		var created int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.IsError, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = fromMillis(created)
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

// CountMessages returns the number of messages in a conversation.
func (s *Store) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&n)
	return n, err
}
