package engine

import (
	"context"
	"log"
	"time"

	"github.com/ChamsBouzaiene/conduit/internal/memory"
)

const (
	memoryExtractionTimeout = 12 * time.Second
	memoryExtractionMinLen  = 100
)

const memoryExtractionPrompt = `Review the conversation below and extract 1-5 notable, durable facts ` +
	`about the user, their projects, or their preferences. Record each fact with the memory tools. ` +
	`Skip trivia and anything already obvious from the conversation itself. ` +
	`If nothing is worth remembering, make no tool calls.`

// extractMemories runs the bounded second LLM pass that turns the finished
// conversation into knowledge-graph writes. It never fails the turn: any
// error or timeout is reported as a completed task with count 0.
func (o *Orchestrator) extractMemories(ctx context.Context, req TurnRequest, model string, messages []ChatMessage, assistantText string, emit Emitter) {
	_ = emit.Emit(MemoryTaskEvent{Type: "memory_task", Status: "started"})

	count := o.runExtraction(ctx, req, model, messages, assistantText)

	_ = emit.Emit(MemoryTaskEvent{Type: "memory_task", Status: "completed", Count: countPtr(count)})
}

func (o *Orchestrator) runExtraction(ctx context.Context, req TurnRequest, model string, messages []ChatMessage, assistantText string) int {
	if req.RoleID == "" || len(assistantText) <= memoryExtractionMinLen || !hasUserMessage(req.Messages) {
		return 0
	}

	// Only the write half of the memory toolset is exposed here.
	writable := make(map[string]bool)
	var schemas []ToolSchema
	for _, name := range memory.WriteToolNames() {
		desc, ok := o.catalog.Tool(name)
		if !ok {
			continue
		}
		writable[name] = true
		schemas = append(schemas, ToolSchema{Name: desc.Name, Description: desc.Description, JSONSchema: string(desc.InputSchema)})
	}
	if len(schemas) == 0 {
		return 0
	}

	mctx, cancel := context.WithTimeout(ctx, memoryExtractionTimeout)
	defer cancel()

	prompt := append([]ChatMessage{{Role: RoleSystem, Content: memoryExtractionPrompt}}, messages[1:]...)
	resp, err := o.llm.Chat(mctx, model, prompt, schemas, ChatOptions{})
	if err != nil {
		log.Printf("engine: memory extraction: %v", err)
		return 0
	}

	count := 0
	for _, call := range resp.ToolCalls {
		if !writable[call.Name] {
			continue
		}
		if _, err := o.factory.CallTool(mctx, req.UserID, memory.ProviderKey, req.RoleID, call.Name, call.Args); err != nil {
			log.Printf("engine: memory write %s: %v", call.Name, err)
			continue
		}
		count++
	}
	return count
}

func hasUserMessage(messages []ChatMessage) bool {
	for _, m := range messages {
		if m.Role == RoleUser {
			return true
		}
	}
	return false
}
