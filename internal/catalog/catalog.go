// Package catalog aggregates tool definitions across live adapters, keeps
// the toolName -> provider index, and answers semantic search over an
// in-memory bleve index.
package catalog

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/ChamsBouzaiene/conduit/internal/adapter"
)

// SearchToolName is the meta tool the model uses for two-phase discovery.
// It is excluded from its own search results.
const SearchToolName = "search_tool"

// ScoredTool is one search hit with a normalized score in [0,1].
type ScoredTool struct {
	Tool  adapter.ToolDescriptor
	Score float64
}

// snapshot is one immutable catalog state; Refresh builds a fresh one and
// swaps it in, so readers always see a consistent view.
type snapshot struct {
	byProvider map[string][]adapter.ToolDescriptor
	byName     map[string]adapter.ToolDescriptor
	provider   map[string]string
	index      bleve.Index
}

// Catalog is the aggregated tool catalog.
type Catalog struct {
	mu   sync.RWMutex
	snap *snapshot
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{snap: &snapshot{
		byProvider: map[string][]adapter.ToolDescriptor{},
		byName:     map[string]adapter.ToolDescriptor{},
		provider:   map[string]string{},
	}}
}

func buildIndexMapping() mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()

	toolMapping := bleve.NewDocumentMapping()

	nameField := bleve.NewTextFieldMapping()
	nameField.Analyzer = keyword.Name
	nameField.Store = true
	nameField.Index = true
	toolMapping.AddFieldMappingsAt("name", nameField)

	providerField := bleve.NewTextFieldMapping()
	providerField.Analyzer = keyword.Name
	providerField.Store = true
	providerField.Index = true
	toolMapping.AddFieldMappingsAt("provider", providerField)

	// Searchable text: tool name tokens plus the human description.
	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = standard.Name
	textField.Store = false
	textField.Index = true
	toolMapping.AddFieldMappingsAt("text", textField)

	indexMapping.DefaultMapping = toolMapping
	return indexMapping
}

// Refresh pulls list_tools from every live adapter and atomically replaces
// the catalog state and semantic index. Adapters that fail to list keep
// their previous tool set so the index stays a superset of what is live.
func (c *Catalog) Refresh(ctx context.Context, adapters map[string]adapter.Adapter) error {
	c.mu.RLock()
	prev := c.snap
	c.mu.RUnlock()

	next := &snapshot{
		byProvider: make(map[string][]adapter.ToolDescriptor, len(adapters)),
		byName:     make(map[string]adapter.ToolDescriptor),
		provider:   make(map[string]string),
	}

	keys := make([]string, 0, len(adapters))
	for key := range adapters {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		tools, err := adapters[key].ListTools(ctx)
		if err != nil {
			log.Printf("catalog: list_tools failed for %s, keeping last known set: %v", key, err)
			tools = prev.byProvider[key]
		}
		next.byProvider[key] = tools
		for _, tool := range tools {
			next.byName[tool.Name] = tool
			next.provider[tool.Name] = key
		}
	}

	index, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return fmt.Errorf("failed to create catalog index: %w", err)
	}
	batch := index.NewBatch()
	for name, tool := range next.byName {
		doc := map[string]any{
			"name":     name,
			"provider": next.provider[name],
			"text":     name + " " + tool.Description,
		}
		if err := batch.Index(name, doc); err != nil {
			index.Close()
			return fmt.Errorf("failed to index tool %s: %w", name, err)
		}
	}
	if err := index.Batch(batch); err != nil {
		index.Close()
		return fmt.Errorf("failed to build catalog index: %w", err)
	}
	next.index = index

	c.mu.Lock()
	old := c.snap
	c.snap = next
	c.mu.Unlock()

	if old.index != nil {
		old.index.Close()
	}
	return nil
}

// FindServer maps a tool name to its provider key.
func (c *Catalog) FindServer(toolName string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.snap.provider[toolName]
	return key, ok
}

// Tool returns the descriptor for a tool name.
func (c *Catalog) Tool(name string) (adapter.ToolDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tool, ok := c.snap.byName[name]
	return tool, ok
}

// AllTools returns every catalogued tool sorted by name.
func (c *Catalog) AllTools() []adapter.ToolDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]adapter.ToolDescriptor, 0, len(c.snap.byName))
	for _, tool := range c.snap.byName {
		out = append(out, tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ProviderTools returns the last-known tool list for one provider.
func (c *Catalog) ProviderTools(key string) []adapter.ToolDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.byProvider[key]
}

// Search returns the top-k tools ranked by semantic similarity, scores
// normalized to [0,1], excluding the search tool itself. Deterministic for
// a fixed catalog: ties break by name.
func (c *Catalog) Search(query string, k int) ([]ScoredTool, error) {
	c.mu.RLock()
	snap := c.snap
	c.mu.RUnlock()

	if snap.index == nil || k <= 0 {
		return nil, nil
	}

	q := bleve.NewMatchQuery(query)
	q.SetField("text")
	req := bleve.NewSearchRequest(q)
	req.Size = k + 1 // room to drop search_tool
	req.Fields = []string{"name", "provider"}

	res, err := snap.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("catalog search failed: %w", err)
	}

	maxScore := res.MaxScore
	if maxScore <= 0 {
		maxScore = 1
	}

	out := make([]ScoredTool, 0, len(res.Hits))
	for _, hit := range res.Hits {
		if hit.ID == SearchToolName {
			continue
		}
		tool, ok := snap.byName[hit.ID]
		if !ok {
			continue
		}
		out = append(out, ScoredTool{Tool: tool, Score: hit.Score / maxScore})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Tool.Name < out[j].Tool.Name
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}
