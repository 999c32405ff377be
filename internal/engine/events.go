package engine

// SSE frame payloads. Each is marshaled to JSON and written by the transport
// as one "data: {...}\n\n" frame; the stream ends with a literal
// "data: [DONE]\n\n".

// ContentEvent carries one sanitized chunk of assistant text.
type ContentEvent struct {
	Content string `json:"content"`
}

// ToolCallPayload is the wire shape of a requested call.
type ToolCallPayload struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolCallEvent announces that the model requested a tool call.
type ToolCallEvent struct {
	Type     string          `json:"type"` // "tool_call"
	ToolCall ToolCallPayload `json:"toolCall"`
}

// ToolResultEvent reports one executed (or blocked) tool call.
type ToolResultEvent struct {
	Type     string         `json:"type"` // "tool_result"
	ToolName string         `json:"toolName"`
	ServerID string         `json:"serverId"`
	Result   string         `json:"result"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Accounts []string       `json:"accounts,omitempty"`
	Blocked  bool           `json:"blocked,omitempty"`
}

// MemoryTaskEvent reports the memory-extraction post step.
type MemoryTaskEvent struct {
	Type   string `json:"type"`   // "memory_task"
	Status string `json:"status"` // "started" | "completed"
	Count  *int   `json:"count,omitempty"`
}

// InfoEvent is an advisory notice, e.g. the iteration cap.
type InfoEvent struct {
	Type    string `json:"type"` // "info"
	Message string `json:"message"`
}

// ErrorEvent aborts the stream with a caller-visible error.
type ErrorEvent struct {
	Type         string `json:"type"` // "error"
	Message      string `json:"message"`
	Error        bool   `json:"error"`
	AuthRequired bool   `json:"authRequired,omitempty"`
	Provider     string `json:"provider,omitempty"`
}

// Emitter is the transport side of a turn. Emit writes one JSON frame; Done
// writes the terminal [DONE] frame.
type Emitter interface {
	Emit(event any) error
	Done() error
}

func countPtr(n int) *int { return &n }
