package runtime

import "encoding/json"

// Event types emitted by a run.
const (
	EventThinking   = "thinking"
	EventToolUse    = "tool_use"
	EventToolResult = "tool_result"
	EventText       = "text"
	EventDone       = "done"
)

// Event is one typed item in a run's output stream. Tool payloads are
// passed through opaquely; this adapter does not interpret tool
// semantics.
type Event struct {
	Type string

	// text / thinking fragments
	Text     string
	Thinking string

	// tool_use
	ToolID    string
	ToolName  string
	ToolInput json.RawMessage

	// tool_result
	ToolUseID string
	Content   json.RawMessage
	IsError   bool

	// done
	ResumeToken string
	DurationMS  int64
	CostUSD     float64
	NumTurns    int
	RunFailed   bool
}

// streamLine is one JSONL line of the runtime's stream-json output.
type streamLine struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`

	Message *struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`

	// result fields
	IsError      bool    `json:"is_error"`
	DurationMS   int64   `json:"duration_ms"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	NumTurns     int     `json:"num_turns"`
	Result       string  `json:"result"`
}

// contentBlock is one block inside an assistant or user message.
type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}
