package catalog

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ChamsBouzaiene/conduit/internal/adapter"
)

// ToolRef is a structured reference returned alongside the human-readable
// search listing so callers need not parse the text.
type ToolRef struct {
	Name     string  `json:"name"`
	Provider string  `json:"provider"`
	Score    float64 `json:"score"`
}

// SearchResponse is what executing search_tool produces.
type SearchResponse struct {
	Text string
	Refs []ToolRef
}

// SearchToolDescriptor is the descriptor injected into the bootstrap toolset.
func SearchToolDescriptor() adapter.ToolDescriptor {
	return adapter.ToolDescriptor{
		Name: SearchToolName,
		Description: "Search for available tools by describing what you want to do. " +
			"Returns the best-matching tools, which then become available to call directly.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"What you want to do, in plain language"},"limit":{"type":"integer","description":"Maximum number of tools to return","default":5}},"required":["query"]}`),
	}
}

// ExecuteSearch runs a search_tool invocation against the catalog.
func (c *Catalog) ExecuteSearch(query string, limit int) (SearchResponse, error) {
	if limit <= 0 {
		limit = 5
	}
	hits, err := c.Search(query, limit)
	if err != nil {
		return SearchResponse{}, err
	}
	return formatSearchResults(query, hits), nil
}

func formatSearchResults(query string, hits []ScoredTool) SearchResponse {
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d tools matching %q:\n", len(hits), query)

	refs := make([]ToolRef, 0, len(hits))
	for i, hit := range hits {
		refs = append(refs, ToolRef{Name: hit.Tool.Name, Provider: hit.Tool.Provider, Score: hit.Score})
		fmt.Fprintf(&b, "%d. %s (%s) - score %.2f\n", i+1, hit.Tool.Name, hit.Tool.Provider, hit.Score)
		if hit.Tool.Description != "" {
			fmt.Fprintf(&b, "   %s\n", hit.Tool.Description)
		}
		if hit.Tool.RequiresDetailedSchema && len(hit.Tool.InputSchema) > 0 {
			fmt.Fprintf(&b, "   Schema: %s\n", string(hit.Tool.InputSchema))
		} else if summary := parameterSummary(hit.Tool.InputSchema); summary != "" {
			fmt.Fprintf(&b, "   Parameters: %s\n", summary)
		}
	}
	if len(hits) > 0 {
		b.WriteString("These tools are now available to call directly.")
	}

	return SearchResponse{Text: b.String(), Refs: refs}
}

// parameterSummary renders a concise "name (type), name (type)" listing of a
// JSON schema's top-level properties, required ones first.
func parameterSummary(schema json.RawMessage) string {
	if len(schema) == 0 {
		return ""
	}
	var parsed struct {
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema, &parsed); err != nil || len(parsed.Properties) == 0 {
		return ""
	}

	required := make(map[string]bool, len(parsed.Required))
	for _, name := range parsed.Required {
		required[name] = true
	}

	names := make([]string, 0, len(parsed.Properties))
	for name := range parsed.Properties {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if required[names[i]] != required[names[j]] {
			return required[names[i]]
		}
		return names[i] < names[j]
	})

	parts := make([]string, 0, len(names))
	for _, name := range names {
		part := name
		if t := parsed.Properties[name].Type; t != "" {
			part += " (" + t + ")"
		}
		if !required[name] {
			part += "?"
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, ", ")
}

// numberedLinePattern matches "1. tool_name (provider) - score 0.92".
var numberedLinePattern = regexp.MustCompile(`(?m)^\d+\.\s+([A-Za-z0-9_.\-]+)\b`)

// ParseSearchListing extracts tool names from the human-readable listing.
// Fallback for callers that only have the text form.
func ParseSearchListing(text string) []string {
	matches := numberedLinePattern.FindAllStringSubmatch(text, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}
