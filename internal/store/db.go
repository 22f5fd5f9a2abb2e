// Package store persists projects, conversations, messages, and
// workspace snapshots in a SQLite database.
package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the SQLite database connection.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path. WAL mode keeps readers
// from blocking the single writer; busy_timeout covers short write
// contention between the turn path and the backup cycle.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		title TEXT NOT NULL DEFAULT 'New Conversation',
		resume_token TEXT,
		compute_target TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_project ON conversations(project_id, created_at);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		is_error INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		seq INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);

	CREATE TABLE IF NOT EXISTS snapshots (
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		version INTEGER NOT NULL,
		data BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (project_id, version)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// NewID generates a new ULID. ULIDs sort by creation time, which
// keeps primary-key ordering aligned with insertion order.
func NewID() string {
	return ulid.Make().String()
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
