package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/workdeck-ai/workdeck/pkg/types"
)

// CreateProject inserts a new project record.
func (s *Store) CreateProject(ctx context.Context, name string) (*types.Project, error) {
	p := &types.Project{
		ID:        NewID(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, created_at) VALUES (?, ?, ?)`,
		p.ID, p.Name, toMillis(p.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

// GetProject returns a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*types.Project, error) {
	var p types.Project
	var created int64

	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	p.CreatedAt = fromMillis(created)
	return &p, nil
}

// ListProjects returns all projects, newest first.
func (s *Store) ListProjects(ctx context.Context) ([]*types.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*types.Project
	for rows.Next() {
		var p types.Project
		var created int64
		if err := rows.Scan(&p.ID, &p.Name, &created); err != nil {
			return nil, err
		}
		p.CreatedAt = fromMillis(created)
		projects = append(projects, &p)
	}
	return projects, rows.Err()
}

// DeleteProject removes a project and, via foreign keys, its
// conversations, messages, and snapshots.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
