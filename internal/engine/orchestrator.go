package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ChamsBouzaiene/conduit/internal/adapter"
	"github.com/ChamsBouzaiene/conduit/internal/catalog"
	"github.com/ChamsBouzaiene/conduit/internal/factory"
	"github.com/ChamsBouzaiene/conduit/internal/prompts"
	"github.com/ChamsBouzaiene/conduit/internal/resolver"
	"github.com/ChamsBouzaiene/conduit/internal/store"
)

const (
	defaultMaxIterations = 10
	contentChunkDelay    = 20 * time.Millisecond
)

// ViewerFile describes the document open in the caller's viewer, injected
// into the system prompt as conversation context.
type ViewerFile struct {
	CacheID  string `json:"cache_id"`
	Filename string `json:"filename"`
	Type     string `json:"type"`
}

// TurnRequest is one inbound chat turn.
type TurnRequest struct {
	UserID     string        `json:"-"`
	Messages   []ChatMessage `json:"messages"`
	RoleID     string        `json:"role_id,omitempty"`
	Timezone   string        `json:"timezone,omitempty"`
	Locale     string        `json:"locale,omitempty"`
	ViewerFile *ViewerFile   `json:"viewer_file,omitempty"`
}

// Orchestrator owns the turn loop. One instance serves all users; per-turn
// state lives on the stack of RunTurn.
type Orchestrator struct {
	llm      LLMClient
	registry *adapter.Registry
	factory  *factory.Factory
	catalog  *catalog.Catalog
	resolver *resolver.Resolver
	store    *store.Store
	post     *PostProcessor
	model    string

	// pacing is the inter-chunk delay on outgoing content. Tests set it to 0.
	pacing time.Duration
	now    func() time.Time
}

// New wires the orchestrator. model is the default when the active role does
// not name one.
func New(llm LLMClient, reg *adapter.Registry, f *factory.Factory, cat *catalog.Catalog, res *resolver.Resolver, st *store.Store, post *PostProcessor, model string) *Orchestrator {
	return &Orchestrator{
		llm:      llm,
		registry: reg,
		factory:  f,
		catalog:  cat,
		resolver: res,
		store:    st,
		post:     post,
		model:    model,
		pacing:   contentChunkDelay,
		now:      time.Now,
	}
}

// SetPacing overrides the inter-chunk delay.
func (o *Orchestrator) SetPacing(d time.Duration) { o.pacing = d }

// RunTurn executes one chat turn against emit. All recoverable failures are
// folded into the conversation; the returned error means the turn aborted.
func (o *Orchestrator) RunTurn(ctx context.Context, req TurnRequest, emit Emitter) error {
	if err := o.validate(req); err != nil {
		emitError(emit, err)
		return err
	}

	maxIterations := o.store.IntSetting("max_iterations", defaultMaxIterations)
	bootstrapMode := o.store.StringSetting("bootstrap_mode", BootstrapSearch)

	var role *store.Role
	if req.RoleID != "" {
		if r, err := o.store.GetRole(req.RoleID); err == nil {
			role = &r
		} else {
			log.Printf("engine: role %s not found, continuing without it: %v", req.RoleID, err)
		}
	}

	// Bring up whatever adapters this principal can use, then give the
	// catalog a fresh view before the model sees any tools.
	o.factory.EnsureAdapters(ctx, req.UserID, req.RoleID)
	if err := o.catalog.Refresh(ctx, o.factory.Live(req.UserID, req.RoleID)); err != nil {
		log.Printf("engine: catalog refresh: %v", err)
	}

	messages := o.assemble(req, role)
	ts := newToolset(o.catalog, bootstrapMode, o.providerHidden)
	guard := &loopGuard{}
	model := o.model
	if role != nil && role.Model != "" {
		model = role.Model
	}

	var assistantText string
	capped := true
	for iteration := 0; iteration < maxIterations; iteration++ {
		text, calls, err := o.streamOnce(ctx, emit, model, messages, ts.Schemas())
		if err != nil {
			emitError(emit, err)
			return err
		}
		assistantText = text

		if len(calls) == 0 {
			capped = false
			break
		}
		messages = append(messages, ChatMessage{Role: RoleAssistant, Content: text, ToolCalls: calls})

		for _, call := range calls {
			messages = append(messages, o.executeCall(ctx, req, ts, guard, emit, call))
		}
	}
	if capped {
		_ = emit.Emit(InfoEvent{Type: "info", Message: "Tool execution limit reached"})
	}

	o.persistTurn(req, assistantText)
	o.extractMemories(ctx, req, model, messages, assistantText, emit)
	return emit.Done()
}

func (o *Orchestrator) validate(req TurnRequest) error {
	if req.UserID == "" {
		return &ValidationError{Msg: "missing user"}
	}
	if len(req.Messages) == 0 {
		return &ValidationError{Msg: "empty messages"}
	}
	for _, m := range req.Messages {
		if err := m.Validate(); err != nil {
			return &ValidationError{Msg: err.Error()}
		}
	}
	return nil
}

func (o *Orchestrator) providerHidden(key string) bool {
	spec, ok := o.registry.Spec(key)
	return ok && spec.Visibility == adapter.VisibilityHidden
}

// assemble prepends the synthetic system message to the caller's history.
func (o *Orchestrator) assemble(req TurnRequest, role *store.Role) []ChatMessage {
	accounts, err := o.store.ListAccounts(req.UserID)
	if err != nil {
		log.Printf("engine: list accounts: %v", err)
	}

	params := prompts.Params{
		Now:      o.now(),
		Timezone: req.Timezone,
		Locale:   req.Locale,
		Accounts: accounts,
	}
	if role != nil {
		params.RoleName = role.Name
		params.RoleJob = role.JobDescription
		params.RolePrompt = role.SystemPrompt
	}
	if req.ViewerFile != nil {
		params.Viewer = &prompts.ViewerFile{
			CacheID:  req.ViewerFile.CacheID,
			Filename: req.ViewerFile.Filename,
			Type:     req.ViewerFile.Type,
		}
	}

	out := make([]ChatMessage, 0, len(req.Messages)+1)
	out = append(out, ChatMessage{Role: RoleSystem, Content: prompts.Build(params)})
	return append(out, req.Messages...)
}

// streamOnce runs a single LLM round trip, forwarding sanitized text chunks
// and collecting the requested tool calls.
func (o *Orchestrator) streamOnce(ctx context.Context, emit Emitter, model string, messages []ChatMessage, schemas []ToolSchema) (string, []ToolCall, error) {
	eventCh, errCh := o.llm.Stream(ctx, model, messages, schemas, ChatOptions{})

	var text strings.Builder
	var calls []ToolCall
	for eventCh != nil || errCh != nil {
		select {
		case ev, ok := <-eventCh:
			if !ok {
				eventCh = nil
				continue
			}
			switch ev.Type {
			case "text_delta":
				chunk := stripEmoji(ev.Text)
				text.WriteString(chunk)
				if chunk != "" {
					if err := emit.Emit(ContentEvent{Content: chunk}); err != nil {
						return "", nil, err
					}
					if o.pacing > 0 {
						select {
						case <-time.After(o.pacing):
						case <-ctx.Done():
							return "", nil, ctx.Err()
						}
					}
				}
			case "tool_call":
				calls = append(calls, ev.ToolCall)
			}
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return "", nil, fmt.Errorf("llm stream: %w", err)
			}
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
	}
	return text.String(), calls, nil
}

// executeCall runs one tool call end to end and returns the synthetic user
// message carrying its result.
func (o *Orchestrator) executeCall(ctx context.Context, req TurnRequest, ts *toolset, guard *loopGuard, emit Emitter, call ToolCall) ChatMessage {
	_ = emit.Emit(ToolCallEvent{Type: "tool_call", ToolCall: ToolCallPayload{ID: call.ID, Name: call.Name, Arguments: call.Args}})

	if call.Error != "" {
		return o.finishCall(emit, call, "system", adapter.ErrorResult("tool call arrived incomplete: "+call.Error), false)
	}
	if !guard.Allow(call.Name, call.Args) {
		return o.finishCall(emit, call, "system",
			adapter.ErrorResult("Repeated identical call blocked. Change the arguments or move on."), true)
	}

	if call.Name == catalog.SearchToolName {
		return o.finishCall(emit, call, "catalog", o.runSearchTool(ts, call), false)
	}

	if err := ts.ValidateArgs(call.Name, call.Args); err != nil {
		return o.finishCall(emit, call, "system", adapter.ErrorResult(err.Error()), false)
	}

	provider, ok := o.catalog.FindServer(call.Name)
	if !ok {
		return o.finishCall(emit, call, "system", adapter.ErrorResult(fmt.Sprintf("unknown tool %q", call.Name)), false)
	}

	args := o.resolver.ResolveArgs(ctx, req.UserID, call.Args)
	result, err := o.factory.CallTool(ctx, req.UserID, provider, req.RoleID, call.Name, args)
	if err != nil {
		if prov, authErr := AuthRequired(err); authErr {
			_ = emit.Emit(ErrorEvent{Type: "error", Message: err.Error(), Error: true, AuthRequired: true, Provider: prov})
		}
		result = adapter.ErrorResult(err.Error())
	} else {
		result = o.post.Process(ctx, call.Name, call.Args, result)
	}
	return o.finishCall(emit, call, provider, result, false)
}

// runSearchTool answers a search_tool call and performs the one-time toolset
// expansion from its results.
func (o *Orchestrator) runSearchTool(ts *toolset, call ToolCall) adapter.ToolResult {
	query, _ := call.Args["query"].(string)
	limit := 0
	if v, ok := call.Args["limit"].(float64); ok {
		limit = int(v)
	}

	resp, err := o.catalog.ExecuteSearch(query, limit)
	if err != nil {
		return adapter.ErrorResult("tool search failed: " + err.Error())
	}

	names := make([]string, 0, len(resp.Refs))
	for _, ref := range resp.Refs {
		names = append(names, ref.Name)
	}
	if len(names) == 0 {
		names = catalog.ParseSearchListing(resp.Text)
	}
	ts.Expand(names)

	return adapter.TextResult(resp.Text)
}

func (o *Orchestrator) finishCall(emit Emitter, call ToolCall, provider string, result adapter.ToolResult, blocked bool) ChatMessage {
	_ = emit.Emit(ToolResultEvent{
		Type:     "tool_result",
		ToolName: call.Name,
		ServerID: provider,
		Result:   result.Text,
		Metadata: result.Metadata,
		Accounts: result.Accounts,
		Blocked:  blocked,
	})
	return ChatMessage{
		Role:    RoleUser,
		Content: fmt.Sprintf("Tool result for %s:\n%s", call.Name, result.Text),
	}
}

// persistTurn appends the caller's last user message and the final assistant
// text to the (user, role) message stream.
func (o *Orchestrator) persistTurn(req TurnRequest, assistantText string) {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			o.appendMessage(req, "user", req.Messages[i].Content)
			break
		}
	}
	if assistantText != "" {
		o.appendMessage(req, "assistant", assistantText)
	}
}

func (o *Orchestrator) appendMessage(req TurnRequest, author, content string) {
	err := o.store.AppendMessage(store.Message{
		UserID:  req.UserID,
		RoleID:  req.RoleID,
		Author:  author,
		Content: content,
	})
	if err != nil {
		log.Printf("engine: persist message: %v", err)
	}
}

func emitError(emit Emitter, err error) {
	ev := ErrorEvent{Type: "error", Message: err.Error(), Error: true}
	if prov, ok := AuthRequired(err); ok {
		ev.AuthRequired = true
		ev.Provider = prov
	}
	_ = emit.Emit(ev)
	_ = emit.Done()
}
