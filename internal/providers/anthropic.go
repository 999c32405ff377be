package providers

import (
	"context"
	"encoding/json"
	"fmt"

	anthropic "github.com/liushuangls/go-anthropic/v2"

	"github.com/ChamsBouzaiene/conduit/internal/engine"
)

// AnthropicClient talks to the Anthropic messages API.
type AnthropicClient struct {
	client *anthropic.Client
}

func NewAnthropicClient(apiKey string) *AnthropicClient {
	return &AnthropicClient{client: anthropic.NewClient(apiKey)}
}

// convertToAnthropic maps the engine conversation to Anthropic messages.
// System messages become MultiSystem parts. The synthetic user messages that
// follow an assistant tool-call message are re-emitted as tool_result blocks
// bound to the matching call ids, which the API requires.
func convertToAnthropic(messages []engine.ChatMessage) ([]anthropic.MessageSystemPart, []anthropic.Message) {
	var systemParts []anthropic.MessageSystemPart
	var out []anthropic.Message
	var pendingCalls []engine.ToolCall

	for _, msg := range messages {
		switch msg.Role {
		case engine.RoleSystem:
			systemParts = append(systemParts, anthropic.MessageSystemPart{
				Type: "text",
				Text: msg.Content,
			})
			pendingCalls = nil
		case engine.RoleUser:
			if len(pendingCalls) > 0 {
				call := pendingCalls[0]
				pendingCalls = pendingCalls[1:]
				content := msg.Content
				if content == "" {
					content = "{}"
				}
				out = append(out, anthropic.Message{
					Role: anthropic.RoleUser,
					Content: []anthropic.MessageContent{
						anthropic.NewToolResultMessageContent(call.ID, content, false),
					},
				})
				continue
			}
			out = append(out, anthropic.Message{
				Role:    anthropic.RoleUser,
				Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(msg.Content)},
			})
		case engine.RoleAssistant:
			var content []anthropic.MessageContent
			if msg.Content != "" {
				content = append(content, anthropic.NewTextMessageContent(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Args)
				content = append(content, anthropic.NewToolUseMessageContent(tc.ID, tc.Name, json.RawMessage(argsJSON)))
			}
			if len(content) == 0 {
				content = append(content, anthropic.NewTextMessageContent(" "))
			}
			out = append(out, anthropic.Message{
				Role:    anthropic.RoleAssistant,
				Content: content,
			})
			pendingCalls = append([]engine.ToolCall(nil), msg.ToolCalls...)
		}
	}
	return systemParts, out
}

func convertAnthropicTools(toolSchemas []engine.ToolSchema) ([]anthropic.ToolDefinition, error) {
	var toolDefs []anthropic.ToolDefinition
	for _, ts := range toolSchemas {
		var schemaObj map[string]any
		if err := json.Unmarshal([]byte(ts.JSONSchema), &schemaObj); err != nil {
			return nil, fmt.Errorf("invalid tool schema JSON for %s: %w", ts.Name, err)
		}
		toolDefs = append(toolDefs, anthropic.ToolDefinition{
			Name:        ts.Name,
			Description: ts.Description,
			InputSchema: schemaObj,
		})
	}
	return toolDefs, nil
}

func buildAnthropicRequest(model string, messages []engine.ChatMessage, toolSchemas []engine.ToolSchema, opts engine.ChatOptions) (anthropic.MessagesRequest, error) {
	systemParts, anthropicMsgs := convertToAnthropic(messages)
	toolDefs, err := convertAnthropicTools(toolSchemas)
	if err != nil {
		return anthropic.MessagesRequest{}, err
	}

	maxTokens := 4096
	if opts.MaxOutputTokens > 0 {
		maxTokens = opts.MaxOutputTokens
	}

	req := anthropic.MessagesRequest{
		Model:     anthropic.Model(model),
		Messages:  anthropicMsgs,
		MaxTokens: maxTokens,
	}
	if opts.Temperature > 0 {
		req.Temperature = &opts.Temperature
	}
	if len(systemParts) > 0 {
		req.MultiSystem = systemParts
	}
	if len(toolDefs) > 0 {
		req.Tools = toolDefs
	}
	return req, nil
}

// Chat implements engine.LLMClient.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []engine.ChatMessage, toolSchemas []engine.ToolSchema, opts engine.ChatOptions) (engine.LLMResponse, error) {
	req, err := buildAnthropicRequest(model, messages, toolSchemas, opts)
	if err != nil {
		return engine.LLMResponse{}, err
	}

	resp, err := c.client.CreateMessages(ctx, req)
	if err != nil {
		return engine.LLMResponse{}, fmt.Errorf("anthropic chat: %w", err)
	}

	var text string
	var toolCalls []engine.ToolCall
	for _, block := range resp.Content {
		switch block.Type {
		case anthropic.MessagesContentTypeText:
			if block.Text != nil {
				text += *block.Text
			}
		case anthropic.MessagesContentTypeToolUse:
			if block.MessageContentToolUse == nil {
				continue
			}
			tu := block.MessageContentToolUse
			args := map[string]any{}
			if len(tu.Input) > 0 {
				if err := json.Unmarshal(tu.Input, &args); err != nil {
					args = map[string]any{}
				}
			}
			toolCalls = append(toolCalls, engine.ToolCall{ID: tu.ID, Name: tu.Name, Args: args})
		}
	}

	return engine.LLMResponse{
		Assistant: engine.ChatMessage{
			Role:      engine.RoleAssistant,
			Content:   text,
			ToolCalls: toolCalls,
		},
		ToolCalls: toolCalls,
		Usage: engine.Usage{
			Prompt:     resp.Usage.InputTokens,
			Completion: resp.Usage.OutputTokens,
			Total:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

// Stream implements engine.LLMClient. The SDK streams through callbacks;
// they are adapted to the channel pair here. The error channel receives nil
// on successful completion before closing.
func (c *AnthropicClient) Stream(ctx context.Context, model string, messages []engine.ChatMessage, toolSchemas []engine.ToolSchema, opts engine.ChatOptions) (<-chan engine.StreamEvent, <-chan error) {
	eventCh := make(chan engine.StreamEvent, 10)
	errCh := make(chan error, 1)

	go func() {
		defer close(eventCh)
		defer close(errCh)

		base, err := buildAnthropicRequest(model, messages, toolSchemas, opts)
		if err != nil {
			errCh <- err
			return
		}

		send := func(ev engine.StreamEvent) {
			select {
			case eventCh <- ev:
			case <-ctx.Done():
			}
		}

		req := anthropic.MessagesStreamRequest{MessagesRequest: base}
		req.OnContentBlockDelta = func(delta anthropic.MessagesEventContentBlockDeltaData) {
			if delta.Delta.Type == "text_delta" && delta.Delta.Text != nil {
				send(engine.StreamEvent{Type: "text_delta", Text: *delta.Delta.Text})
			}
		}
		req.OnContentBlockStop = func(stop anthropic.MessagesEventContentBlockStopData, content anthropic.MessageContent) {
			if content.Type != anthropic.MessagesContentTypeToolUse || content.MessageContentToolUse == nil {
				return
			}
			tu := content.MessageContentToolUse
			args := map[string]any{}
			if len(tu.Input) > 0 {
				if err := json.Unmarshal(tu.Input, &args); err != nil {
					args = map[string]any{}
				}
			}
			send(engine.StreamEvent{Type: "tool_call", ToolCall: engine.ToolCall{ID: tu.ID, Name: tu.Name, Args: args}})
		}

		resp, err := c.client.CreateMessagesStream(ctx, req)
		if err != nil {
			errCh <- fmt.Errorf("anthropic stream: %w", err)
			return
		}

		if resp.Usage.InputTokens > 0 {
			send(engine.StreamEvent{Type: "usage", Usage: engine.Usage{
				Prompt:     resp.Usage.InputTokens,
				Completion: resp.Usage.OutputTokens,
				Total:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
			}})
		}
		errCh <- nil
	}()

	return eventCh, errCh
}
