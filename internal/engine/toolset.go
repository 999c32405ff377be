package engine

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/ChamsBouzaiene/conduit/internal/adapter"
	"github.com/ChamsBouzaiene/conduit/internal/catalog"
	"github.com/ChamsBouzaiene/conduit/internal/memory"
)

// BootstrapDirect exposes every visible tool up front instead of the
// search_tool discovery handshake.
const (
	BootstrapSearch = "search"
	BootstrapDirect = "direct"
)

// toolset tracks which tools the model can currently see. In search mode it
// starts with search_tool plus the memory-retrieval tools and expands once,
// on the first search_tool call of the turn.
type toolset struct {
	catalog  *catalog.Catalog
	order    []string
	byName   map[string]adapter.ToolDescriptor
	expanded bool
}

func newToolset(cat *catalog.Catalog, mode string, hidden func(providerKey string) bool) *toolset {
	ts := &toolset{catalog: cat, byName: make(map[string]adapter.ToolDescriptor)}

	if mode == BootstrapDirect {
		for _, desc := range cat.AllTools() {
			if desc.Name == catalog.SearchToolName || hidden(desc.Provider) {
				continue
			}
			ts.add(desc)
		}
		ts.expanded = true
		return ts
	}

	ts.add(catalog.SearchToolDescriptor())
	for _, name := range memory.ReadToolNames() {
		if desc, ok := cat.Tool(name); ok {
			ts.add(desc)
		}
	}
	return ts
}

func (ts *toolset) add(desc adapter.ToolDescriptor) {
	if _, ok := ts.byName[desc.Name]; ok {
		return
	}
	ts.byName[desc.Name] = desc
	ts.order = append(ts.order, desc.Name)
}

// Expand makes the named tools visible. Runs at most once per turn; later
// search_tool calls still execute but do not re-trigger it.
func (ts *toolset) Expand(names []string) {
	if ts.expanded {
		return
	}
	ts.expanded = true
	for _, name := range names {
		if desc, ok := ts.catalog.Tool(name); ok {
			ts.add(desc)
		}
	}
}

// Schemas renders the visible toolset for a provider client, in insertion
// order so the prompt stays stable across iterations.
func (ts *toolset) Schemas() []ToolSchema {
	out := make([]ToolSchema, 0, len(ts.order))
	for _, name := range ts.order {
		desc := ts.byName[name]
		schema := string(desc.InputSchema)
		if schema == "" {
			schema = `{"type":"object","properties":{}}`
		}
		out = append(out, ToolSchema{Name: desc.Name, Description: desc.Description, JSONSchema: schema})
	}
	return out
}

// ValidateArgs checks a call's arguments against the tool's declared schema.
// Tools without a schema accept anything.
func (ts *toolset) ValidateArgs(name string, args map[string]any) error {
	desc, ok := ts.byName[name]
	if !ok || len(desc.InputSchema) == 0 {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(desc.InputSchema),
		gojsonschema.NewGoLoader(args),
	)
	if err != nil {
		// A broken schema is the provider's fault, not the model's.
		return nil
	}
	if !result.Valid() {
		msgs := ""
		for _, e := range result.Errors() {
			if msgs != "" {
				msgs += "; "
			}
			msgs += e.String()
		}
		return fmt.Errorf("invalid arguments for %s: %s", name, msgs)
	}
	return nil
}
