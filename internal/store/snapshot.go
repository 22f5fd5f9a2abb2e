package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/workdeck-ai/workdeck/pkg/types"
)

// PutSnapshot stores a workspace archive under the next version for
// the project. The insert is a single-row write: a reader either sees
// the full blob or nothing.
func (s *Store) PutSnapshot(ctx context.Context, projectID string, blob []byte) (*types.SnapshotRef, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var version int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM snapshots WHERE project_id = ?`,
		projectID).Scan(&version); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO snapshots (project_id, version, data, created_at) VALUES (?, ?, ?, ?)`,
		projectID, version, blob, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("insert snapshot: %w", err)
	}

	// Only the latest snapshot is ever restored; older versions are
	// dropped to bound growth.
	_, err = tx.ExecContext(ctx,
		`DELETE FROM snapshots WHERE project_id = ? AND version < ?`, projectID, version)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &types.SnapshotRef{
		ProjectID: projectID,
		Version:   version,
		Size:      int64(len(blob)),
		CreatedAt: now,
	}, nil
}

// GetLatestSnapshot returns the most recent archive for a project.
func (s *Store) GetLatestSnapshot(ctx context.Context, projectID string) ([]byte, *types.SnapshotRef, error) {
	var blob []byte
	var version, created int64

	err := s.db.QueryRowContext(ctx,
		`SELECT version, data, created_at FROM snapshots
		 WHERE project_id = ? ORDER BY version DESC LIMIT 1`, projectID).
		Scan(&version, &blob, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	ref := &types.SnapshotRef{
		ProjectID: projectID,
		Version:   version,
		Size:      int64(len(blob)),
		CreatedAt: fromMillis(created),
	}
	return blob, ref, nil
}
