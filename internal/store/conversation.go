package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/workdeck-ai/workdeck/pkg/types"
)

// CreateConversation inserts a new conversation in a project.
func (s *Store) CreateConversation(ctx context.Context, projectID, title string) (*types.Conversation, error) {
	if title == "" {
		title = "New Conversation"
	}

	c := &types.Conversation{
		ID:        NewID(),
		ProjectID: projectID,
		Title:     title,
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, project_id, title, created_at) VALUES (?, ?, ?, ?)`,
		c.ID, c.ProjectID, c.Title, toMillis(c.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return c, nil
}

// GetConversation returns a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*types.Conversation, error) {
	var c types.Conversation
	var created int64
	var token, target sql.NullString

	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, title, resume_token, compute_target, created_at
		 FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.ProjectID, &c.Title, &token, &target, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	c.ResumeToken = token.String
	c.ComputeTarget = target.String
	c.CreatedAt = fromMillis(created)
	return &c, nil
}

// ListConversations returns a project's conversations, newest first.
func (s *Store) ListConversations(ctx context.Context, projectID string) ([]*types.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, title, resume_token, compute_target, created_at
		 FROM conversations WHERE project_id = ? ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conversations []*types.Conversation
	for rows.Next() {
		var c types.Conversation
		var created int64
		var token, target sql.NullString
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.Title, &token, &target, &created); err != nil {
			return nil, err
		}
		c.ResumeToken = token.String
		c.ComputeTarget = target.String
		c.CreatedAt = fromMillis(created)
		conversations = append(conversations, &c)
	}
	return conversations, rows.Err()
}

// UpdateResumeToken replaces the conversation's opaque resume token.
// The token comes from the external runtime and is stored verbatim.
func (s *Store) UpdateResumeToken(ctx context.Context, conversationID, token string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET resume_token = ? WHERE id = ?`, token, conversationID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateComputeTarget records which compute resource turns of this
// conversation run against.
func (s *Store) UpdateComputeTarget(ctx context.Context, conversationID, target string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET compute_target = ? WHERE id = ?`, target, conversationID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversation removes a conversation and its messages.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
