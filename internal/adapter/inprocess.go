package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// ToolFunc is one entry of an in-process adapter's function table.
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

// InProcessTool pairs a descriptor with its implementation.
type InProcessTool struct {
	Descriptor ToolDescriptor
	Fn         ToolFunc
}

// InProcessAdapter wraps a function table within the same process. It is
// connected from the moment it is constructed.
type InProcessAdapter struct {
	provider  string
	mu        sync.RWMutex
	tools     map[string]InProcessTool
	order     []string
	resources []Resource
	readRes   func(ctx context.Context, uri string) ([]byte, string, error)
	closed    bool
	onClose   func() error
}

// NewInProcessAdapter builds an adapter over the given tool table. Tool order
// in listings follows the order of the slice.
func NewInProcessAdapter(provider string, tools []InProcessTool) *InProcessAdapter {
	a := &InProcessAdapter{
		provider: provider,
		tools:    make(map[string]InProcessTool, len(tools)),
	}
	for _, t := range tools {
		t.Descriptor.Provider = provider
		a.tools[t.Descriptor.Name] = t
		a.order = append(a.order, t.Descriptor.Name)
	}
	return a
}

// SetResources attaches a static resource listing and reader.
func (a *InProcessAdapter) SetResources(resources []Resource, read func(ctx context.Context, uri string) ([]byte, string, error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resources = resources
	a.readRes = read
}

// SetOnClose attaches a hook invoked once when the adapter is closed.
func (a *InProcessAdapter) SetOnClose(fn func() error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onClose = fn
}

func (a *InProcessAdapter) Connect(ctx context.Context) error { return nil }

func (a *InProcessAdapter) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return !a.closed
}

func (a *InProcessAdapter) Reconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = false
	return nil
}

func (a *InProcessAdapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	hook := a.onClose
	a.mu.Unlock()
	if hook != nil {
		return hook()
	}
	return nil
}

func (a *InProcessAdapter) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]ToolDescriptor, 0, len(a.order))
	for _, name := range a.order {
		out = append(out, a.tools[name].Descriptor)
	}
	return out, nil
}

func (a *InProcessAdapter) CallTool(ctx context.Context, name string, args map[string]any) (ToolResult, error) {
	a.mu.RLock()
	tool, ok := a.tools[name]
	closed := a.closed
	a.mu.RUnlock()

	if closed {
		return ToolResult{}, &FatalError{Provider: a.provider, Err: fmt.Errorf("adapter closed")}
	}
	if !ok {
		return ToolResult{}, &UnknownToolError{Provider: a.provider, Tool: name}
	}

	raw, err := tool.Fn(ctx, args)
	if err != nil {
		// Tool errors surface as the error variant so the model can adapt.
		return ErrorResult(err.Error()), nil
	}
	return NormalizeResult(raw), nil
}

func (a *InProcessAdapter) ListResources(ctx context.Context) ([]Resource, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Resource(nil), a.resources...), nil
}

func (a *InProcessAdapter) ReadResource(ctx context.Context, uri string) ([]byte, string, error) {
	a.mu.RLock()
	read := a.readRes
	a.mu.RUnlock()
	if read == nil {
		return nil, "", fmt.Errorf("adapter %s: resource %q not found", a.provider, uri)
	}
	return read(ctx, uri)
}

// NormalizeResult coerces whatever an in-process tool returned into the
// tagged-result shape. Accepted inputs: ToolResult, string, a {type, text}
// map, a map with a content[] list of {type, text} parts, or any other value
// (JSON-encoded).
func NormalizeResult(raw any) ToolResult {
	switch v := raw.(type) {
	case ToolResult:
		if v.Type == "" {
			v.Type = "text"
		}
		return v
	case *ToolResult:
		if v == nil {
			return TextResult("")
		}
		return NormalizeResult(*v)
	case string:
		return TextResult(v)
	case nil:
		return TextResult("")
	case map[string]any:
		if t, ok := v["type"].(string); ok {
			if text, ok := v["text"].(string); ok {
				res := ToolResult{Type: t, Text: text}
				if meta, ok := v["metadata"].(map[string]any); ok {
					res.Metadata = meta
				}
				res.Accounts = stringSlice(v["accounts"])
				return res
			}
		}
		if content, ok := v["content"].([]any); ok {
			var parts []string
			for _, part := range content {
				m, ok := part.(map[string]any)
				if !ok {
					continue
				}
				if text, ok := m["text"].(string); ok {
					parts = append(parts, text)
				}
			}
			res := TextResult(joinParts(parts))
			if meta, ok := v["metadata"].(map[string]any); ok {
				res.Metadata = meta
			}
			res.Accounts = stringSlice(v["accounts"])
			return res
		}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return TextResult(fmt.Sprintf("%v", raw))
	}
	return TextResult(string(data))
}

func stringSlice(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func joinParts(parts []string) string {
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += "\n" + p
	}
	return out
}
