// Package providers implements engine.LLMClient on top of the OpenAI and
// Anthropic SDKs.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/meguminnnnnnnnn/go-openai"

	"github.com/ChamsBouzaiene/conduit/internal/engine"
)

// OpenAIClient talks to the OpenAI chat completions API, or any compatible
// endpoint via a custom base URL.
type OpenAIClient struct {
	client *openai.Client
}

func NewOpenAIClient(apiKey, baseURL string) *OpenAIClient {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(config)}
}

// convertMessages maps the engine conversation to wire messages. Assistant
// messages carry their tool calls; the synthetic user messages that follow
// them hold the results, so those are re-emitted as tool-role messages bound
// to the matching call ids.
func convertToOpenAI(messages []engine.ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	var pendingCalls []engine.ToolCall

	for _, msg := range messages {
		switch msg.Role {
		case engine.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
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
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    content,
					ToolCallID: call.ID,
				})
				continue
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		case engine.RoleAssistant:
			var toolCalls []openai.ToolCall
			for _, tc := range msg.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Args)
				toolCalls = append(toolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(argsJSON),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:      openai.ChatMessageRoleAssistant,
				Content:   msg.Content,
				ToolCalls: toolCalls,
			})
			pendingCalls = append([]engine.ToolCall(nil), msg.ToolCalls...)
		}
	}
	return out
}

func convertOpenAITools(toolSchemas []engine.ToolSchema) ([]openai.Tool, error) {
	var tools []openai.Tool
	for _, ts := range toolSchemas {
		var schemaObj map[string]any
		if err := json.Unmarshal([]byte(ts.JSONSchema), &schemaObj); err != nil {
			return nil, fmt.Errorf("invalid tool schema JSON for %s: %w", ts.Name, err)
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        ts.Name,
				Description: ts.Description,
				Parameters:  schemaObj,
			},
		})
	}
	return tools, nil
}

func (c *OpenAIClient) buildRequest(model string, messages []engine.ChatMessage, toolSchemas []engine.ToolSchema, opts engine.ChatOptions) (openai.ChatCompletionRequest, error) {
	tools, err := convertOpenAITools(toolSchemas)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertToOpenAI(messages),
	}
	if len(tools) > 0 {
		req.Tools = tools
		req.ToolChoice = "auto"
	}
	if opts.MaxOutputTokens > 0 {
		req.MaxTokens = opts.MaxOutputTokens
	}
	if opts.Temperature > 0 {
		req.Temperature = &opts.Temperature
	}
	return req, nil
}

// Chat implements engine.LLMClient.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []engine.ChatMessage, toolSchemas []engine.ToolSchema, opts engine.ChatOptions) (engine.LLMResponse, error) {
	req, err := c.buildRequest(model, messages, toolSchemas, opts)
	if err != nil {
		return engine.LLMResponse{}, err
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return engine.LLMResponse{}, fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return engine.LLMResponse{}, fmt.Errorf("openai chat: empty response")
	}

	choice := resp.Choices[0]
	var toolCalls []engine.ToolCall
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			args = map[string]any{}
		}
		toolCalls = append(toolCalls, engine.ToolCall{ID: tc.ID, Name: tc.Function.Name, Args: args})
	}

	return engine.LLMResponse{
		Assistant: engine.ChatMessage{
			Role:      engine.RoleAssistant,
			Content:   choice.Message.Content,
			ToolCalls: toolCalls,
		},
		ToolCalls: toolCalls,
		Usage: engine.Usage{
			Prompt:     resp.Usage.PromptTokens,
			Completion: resp.Usage.CompletionTokens,
			Total:      resp.Usage.TotalTokens,
		},
	}, nil
}

// toolCallAccumulator rebuilds one tool call from per-field stream deltas.
// Arguments arrive as partial JSON string fragments.
type toolCallAccumulator struct {
	call     engine.ToolCall
	argsJSON strings.Builder
	index    int
}

// Stream implements engine.LLMClient. The error channel receives nil on
// successful completion before closing.
func (c *OpenAIClient) Stream(ctx context.Context, model string, messages []engine.ChatMessage, toolSchemas []engine.ToolSchema, opts engine.ChatOptions) (<-chan engine.StreamEvent, <-chan error) {
	eventCh := make(chan engine.StreamEvent, 10)
	errCh := make(chan error, 1)

	go func() {
		defer close(eventCh)
		defer close(errCh)

		req, err := c.buildRequest(model, messages, toolSchemas, opts)
		if err != nil {
			errCh <- err
			return
		}
		req.Stream = true
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

		stream, err := c.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			errCh <- fmt.Errorf("openai stream: %w", err)
			return
		}
		defer stream.Close()

		accum := make(map[string]*toolCallAccumulator)
		nextIndex := 0
		var finalUsage engine.Usage

		for {
			response, err := stream.Recv()
			if err != nil {
				if !isStreamEOF(err) {
					errCh <- fmt.Errorf("openai stream: %w", err)
					return
				}
				flushToolCalls(ctx, eventCh, accum)
				if finalUsage.Total > 0 {
					select {
					case eventCh <- engine.StreamEvent{Type: "usage", Usage: finalUsage}:
					case <-ctx.Done():
						return
					}
				}
				errCh <- nil
				return
			}

			// The final chunk may carry usage with no choices.
			if response.Usage != nil && response.Usage.TotalTokens > 0 {
				finalUsage = engine.Usage{
					Prompt:     response.Usage.PromptTokens,
					Completion: response.Usage.CompletionTokens,
					Total:      response.Usage.TotalTokens,
				}
			}
			if len(response.Choices) == 0 {
				continue
			}
			delta := response.Choices[0].Delta

			if delta.Content != "" {
				select {
				case eventCh <- engine.StreamEvent{Type: "text_delta", Text: delta.Content}:
				case <-ctx.Done():
					return
				}
			}

			for _, tcDelta := range delta.ToolCalls {
				acc := findAccumulator(accum, tcDelta, &nextIndex)
				if acc == nil {
					continue
				}
				if tcDelta.Function.Name != "" {
					acc.call.Name = tcDelta.Function.Name
				}
				if tcDelta.Function.Arguments != "" {
					acc.argsJSON.WriteString(tcDelta.Function.Arguments)
				}
			}
		}
	}()

	return eventCh, errCh
}

// findAccumulator locates or creates the accumulator for a delta. Deltas
// carry the call id only on their first fragment; later fragments are matched
// by index.
func findAccumulator(accum map[string]*toolCallAccumulator, tcDelta openai.ToolCall, nextIndex *int) *toolCallAccumulator {
	if tcDelta.ID != "" {
		if acc, ok := accum[tcDelta.ID]; ok {
			return acc
		}
		// A fragment matched earlier by index may now learn its real id.
		if tcDelta.Index != nil {
			for tempID, acc := range accum {
				if acc.index == *tcDelta.Index && strings.HasPrefix(tempID, "temp_") {
					delete(accum, tempID)
					acc.call.ID = tcDelta.ID
					accum[tcDelta.ID] = acc
					return acc
				}
			}
		}
		acc := &toolCallAccumulator{call: engine.ToolCall{ID: tcDelta.ID}, index: *nextIndex}
		if tcDelta.Index != nil {
			acc.index = *tcDelta.Index
		}
		*nextIndex = acc.index + 1
		accum[tcDelta.ID] = acc
		return acc
	}

	if tcDelta.Index == nil {
		return nil
	}
	for _, acc := range accum {
		if acc.index == *tcDelta.Index {
			return acc
		}
	}
	tempID := fmt.Sprintf("temp_%d", *tcDelta.Index)
	acc := &toolCallAccumulator{call: engine.ToolCall{ID: tempID}, index: *tcDelta.Index}
	accum[tempID] = acc
	return acc
}

// flushToolCalls emits the accumulated calls in arrival order. Calls whose
// argument JSON never completed are emitted with Error set so the engine can
// report them instead of executing garbage.
func flushToolCalls(ctx context.Context, eventCh chan<- engine.StreamEvent, accum map[string]*toolCallAccumulator) {
	ordered := make([]*toolCallAccumulator, 0, len(accum))
	for _, acc := range accum {
		if acc.call.Name == "" {
			continue
		}
		ordered = append(ordered, acc)
	}
	for i := 0; i < len(ordered)-1; i++ {
		for j := i + 1; j < len(ordered); j++ {
			if ordered[i].index > ordered[j].index {
				ordered[i], ordered[j] = ordered[j], ordered[i]
			}
		}
	}

	for _, acc := range ordered {
		if acc.argsJSON.Len() == 0 {
			acc.call.Args = map[string]any{}
		} else if err := json.Unmarshal([]byte(acc.argsJSON.String()), &acc.call.Args); err != nil {
			if trimmed := strings.TrimSpace(acc.argsJSON.String()); !strings.HasSuffix(trimmed, "}") && !strings.HasSuffix(trimmed, "]") {
				acc.call.Error = fmt.Sprintf("stream ended with incomplete arguments (%d bytes)", acc.argsJSON.Len())
			} else {
				acc.call.Error = fmt.Sprintf("invalid argument JSON: %v", err)
			}
			acc.call.Args = map[string]any{}
		}
		select {
		case eventCh <- engine.StreamEvent{Type: "tool_call", ToolCall: acc.call}:
		case <-ctx.Done():
			return
		}
	}
}

// isStreamEOF recognizes normal stream termination, including SDK wrappings
// that lose the io.EOF identity.
func isStreamEOF(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "EOF") || strings.Contains(msg, "end of file")
}
