package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ChamsBouzaiene/conduit/internal/adapter"
)

// ProviderKey is the in-process memory provider's registry key.
const ProviderKey = "memory"

// Read-toolset names, always visible to the model.
const (
	ToolSearchNodes = "memory_search_nodes"
	ToolReadGraph   = "memory_read_graph"
	ToolOpenNodes   = "memory_open_nodes"
)

// Write-toolset names, exposed only to the extraction pass.
const (
	ToolCreateEntities  = "memory_create_entities"
	ToolAddObservations = "memory_add_observations"
	ToolCreateRelations = "memory_create_relations"
)

// ReadToolNames lists the always-available retrieval tools.
func ReadToolNames() []string {
	return []string{ToolSearchNodes, ToolReadGraph, ToolOpenNodes}
}

// WriteToolNames lists the extraction-pass tools.
func WriteToolNames() []string {
	return []string{ToolCreateEntities, ToolAddObservations, ToolCreateRelations}
}

// NewAdapter builds the in-process memory adapter over a role's store. The
// returned adapter releases the manager handle on Close.
func NewAdapter(store *Store, onClose func() error) *adapter.InProcessAdapter {
	tools := []adapter.InProcessTool{
		{
			Descriptor: adapter.ToolDescriptor{
				Name:        ToolSearchNodes,
				Description: "Search the knowledge graph for entities whose name, type, or observations match a query.",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"Search text"}},"required":["query"]}`),
			},
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				query, _ := args["query"].(string)
				g, err := store.SearchNodes(query)
				if err != nil {
					return nil, err
				}
				return encodeGraph(g)
			},
		},
		{
			Descriptor: adapter.ToolDescriptor{
				Name:        ToolReadGraph,
				Description: "Read the entire knowledge graph for this role.",
				InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
			},
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				g, err := store.ReadGraph()
				if err != nil {
					return nil, err
				}
				return encodeGraph(g)
			},
		},
		{
			Descriptor: adapter.ToolDescriptor{
				Name:        ToolOpenNodes,
				Description: "Open specific entities by name, returning them with the relations between them.",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"names":{"type":"array","items":{"type":"string"}}},"required":["names"]}`),
			},
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				g, err := store.OpenNodes(stringList(args["names"]))
				if err != nil {
					return nil, err
				}
				return encodeGraph(g)
			},
		},
		{
			Descriptor: adapter.ToolDescriptor{
				Name:        ToolCreateEntities,
				Description: "Create entities in the knowledge graph. Existing entities of the same name absorb the new observations.",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"entities":{"type":"array","items":{"type":"object","properties":{"name":{"type":"string"},"entityType":{"type":"string"},"observations":{"type":"array","items":{"type":"string"}}},"required":["name"]}}},"required":["entities"]}`),
			},
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				entities, err := decodeEntities(args["entities"])
				if err != nil {
					return nil, err
				}
				n, err := store.CreateEntities(entities)
				if err != nil {
					return nil, err
				}
				return fmt.Sprintf("Created %d entities", n), nil
			},
		},
		{
			Descriptor: adapter.ToolDescriptor{
				Name:        ToolAddObservations,
				Description: "Append observations to a named entity, creating it if needed.",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"entityName":{"type":"string"},"observations":{"type":"array","items":{"type":"string"}}},"required":["entityName","observations"]}`),
			},
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				name, _ := args["entityName"].(string)
				if name == "" {
					return nil, fmt.Errorf("entityName is required")
				}
				n, err := store.AddObservations(name, stringList(args["observations"]))
				if err != nil {
					return nil, err
				}
				return fmt.Sprintf("Added %d observations to %s", n, name), nil
			},
		},
		{
			Descriptor: adapter.ToolDescriptor{
				Name:        ToolCreateRelations,
				Description: "Create directed typed relations between entities.",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"relations":{"type":"array","items":{"type":"object","properties":{"from":{"type":"string"},"to":{"type":"string"},"relationType":{"type":"string"}},"required":["from","to","relationType"]}}},"required":["relations"]}`),
			},
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				relations, err := decodeRelations(args["relations"])
				if err != nil {
					return nil, err
				}
				n, err := store.CreateRelations(relations)
				if err != nil {
					return nil, err
				}
				return fmt.Sprintf("Created %d relations", n), nil
			},
		},
	}

	a := adapter.NewInProcessAdapter(ProviderKey, tools)
	if onClose != nil {
		a.SetOnClose(onClose)
	}
	return a
}

func encodeGraph(g Graph) (string, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return "", fmt.Errorf("failed to encode graph: %w", err)
	}
	return string(data), nil
}

func stringList(v any) []string {
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
	return out
}

func decodeEntities(v any) ([]Entity, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("invalid entities payload: %w", err)
	}
	var entities []Entity
	if err := json.Unmarshal(data, &entities); err != nil {
		return nil, fmt.Errorf("invalid entities payload: %w", err)
	}
	return entities, nil
}

func decodeRelations(v any) ([]Relation, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("invalid relations payload: %w", err)
	}
	var relations []Relation
	if err := json.Unmarshal(data, &relations); err != nil {
		return nil, fmt.Errorf("invalid relations payload: %w", err)
	}
	return relations, nil
}
