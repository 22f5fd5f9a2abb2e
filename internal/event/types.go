package event

import "github.com/workdeck-ai/workdeck/pkg/types"

// ConversationCreatedData is the data for conversation.created events.
type ConversationCreatedData struct {
	Info *types.Conversation `json:"info"`
}

// MessageCreatedData is the data for message.created events.
type MessageCreatedData struct {
	Info *types.Message `json:"info"`
}

// WorkspaceRestoredData is the data for workspace.restored events.
type WorkspaceRestoredData struct {
	ProjectID string `json:"project_id"`
	// FromSnapshot is false when no snapshot existed and an empty
	// workspace was created.
	FromSnapshot bool  `json:"from_snapshot"`
	Version      int64 `json:"version,omitempty"`
}

// SnapshotCompletedData is the data for workspace.snapshot.completed.
type SnapshotCompletedData struct {
	ProjectID string `json:"project_id"`
	Version   int64  `json:"version"`
	Size      int64  `json:"size"`
}

// SnapshotFailedData is the data for workspace.snapshot.failed.
type SnapshotFailedData struct {
	ProjectID string `json:"project_id"`
	Error     string `json:"error"`
}

// ToolsDiscoveredData is the data for tools.discovered events.
type ToolsDiscoveredData struct {
	Server string   `json:"server"`
	Tools  []string `json:"tools"`
}
