// Package engine runs chat turns: the bounded tool-calling loop between an
// LLM and the provider adapters, with loop detection, streaming output, and
// the memory-extraction post step.
package engine

import (
	"context"
	"fmt"
)

// MessageRole is the author of a chat message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// ChatMessage is the provider-agnostic message passed around the loop.
type ChatMessage struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
	// ToolCalls carries the calls an assistant message made, so provider
	// clients can reconstruct the wire form on the next round trip.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Validate rejects messages no provider would accept.
func (m ChatMessage) Validate() error {
	switch m.Role {
	case RoleSystem, RoleUser, RoleAssistant:
		return nil
	default:
		return fmt.Errorf("invalid message role: %s", m.Role)
	}
}

// ToolCall is a function invocation the model requested.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"arguments"`
	// Error is set by the provider client when the call arrived incomplete,
	// for example a stream that ended mid-arguments.
	Error string `json:"-"`
}

// Usage holds token accounting returned by providers.
type Usage struct {
	Prompt     int
	Completion int
	Total      int
}

// ToolSchema is what a provider client needs to advertise one tool.
type ToolSchema struct {
	Name        string
	Description string
	JSONSchema  string
}

// ChatOptions are the knobs forwarded to the provider SDK.
type ChatOptions struct {
	Temperature     float32
	MaxOutputTokens int
}

// StreamEvent is one increment of a streaming LLM response.
type StreamEvent struct {
	Type     string   // "text_delta" | "tool_call" | "usage"
	Text     string   // for text_delta
	ToolCall ToolCall // for tool_call
	Usage    Usage    // for usage
}

// LLMResponse is the normalized result of one non-streaming chat call.
type LLMResponse struct {
	Assistant ChatMessage
	ToolCalls []ToolCall
	Usage     Usage
}

// LLMClient abstracts the provider SDK. Stream's error channel delivers nil
// on successful completion before closing.
type LLMClient interface {
	Chat(ctx context.Context, model string, messages []ChatMessage, toolSchemas []ToolSchema, opts ChatOptions) (LLMResponse, error)
	Stream(ctx context.Context, model string, messages []ChatMessage, toolSchemas []ToolSchema, opts ChatOptions) (<-chan StreamEvent, <-chan error)
}
