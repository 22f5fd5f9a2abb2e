// Package types defines the shared data model for projects,
// conversations, and messages.
package types

import "time"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Project is a permanent record of a user workspace. Its working
// directory on disk is ephemeral and may be recreated from a snapshot
// at any time; the record itself is never deleted implicitly.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Conversation is an ordered thread of messages within a project.
//
// ResumeToken is an opaque value owned by the external agent runtime;
// it is stored and passed back verbatim on the next turn, never
// parsed or constructed locally.
type Conversation struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"project_id"`
	Title         string    `json:"title"`
	ResumeToken   string    `json:"session_id,omitempty"`
	ComputeTarget string    `json:"cluster_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Message is a single user or assistant entry in a conversation.
// Messages are immutable once written and strictly append-only.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	IsError        bool      `json:"is_error"`
	CreatedAt      time.Time `json:"timestamp"`
}

// SnapshotRef identifies a stored workspace snapshot.
type SnapshotRef struct {
	ProjectID string    `json:"project_id"`
	Version   int64     `json:"version"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// FileInfo describes one file in a project workspace listing.
type FileInfo struct {
	Path     string    `json:"path"`
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}
