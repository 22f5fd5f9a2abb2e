package session

import "encoding/json"

// Turn event types, in the order a caller can expect them: a
// conversation.created first when the turn opened a new conversation,
// then interleaved thinking/tool_use/tool_result/text exactly as the
// runtime produced them, then result or error, then stream.completed.
const (
	EventConversationCreated = "conversation.created"
	EventThinking            = "thinking"
	EventToolUse             = "tool_use"
	EventToolResult          = "tool_result"
	EventText                = "text"
	EventWarning             = "warning"
	EventError               = "error"
	EventResult              = "result"
	EventStreamCompleted     = "stream.completed"
)

// Event is one item of a turn's output stream. Only the fields for
// the event's type are set. Text events are fragments: consumers
// concatenate them in order.
type Event struct {
	Type string `json:"type"`

	// conversation.created
	ConversationID string `json:"conversation_id,omitempty"`

	// text / thinking
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// tool_use
	ToolID    string          `json:"tool_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`

	// tool_result; IsError doubles as the stream.completed flag
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// warning / error
	Warning string `json:"warning,omitempty"`
	Error   string `json:"error,omitempty"`

	// result
	DurationMS int64   `json:"duration_ms,omitempty"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
	NumTurns   int     `json:"num_turns,omitempty"`
}
