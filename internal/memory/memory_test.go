package memory

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestGraphRoundTrip(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "memory_r1.json"))

	created, err := s.CreateEntities([]Entity{
		{Name: "Alice", Type: "person", Observations: []string{"works at Acme"}},
		{Name: "Acme", Type: "company"},
	})
	if err != nil {
		t.Fatalf("CreateEntities: %v", err)
	}
	if created != 2 {
		t.Errorf("created = %d, want 2", created)
	}

	// Re-creating an existing entity merges observations instead.
	created, err = s.CreateEntities([]Entity{
		{Name: "Alice", Observations: []string{"works at Acme", "prefers email"}},
	})
	if err != nil {
		t.Fatalf("CreateEntities (merge): %v", err)
	}
	if created != 0 {
		t.Errorf("merge created = %d, want 0", created)
	}

	if _, err := s.CreateRelations([]Relation{{From: "Alice", To: "Acme", Type: "works_at"}}); err != nil {
		t.Fatalf("CreateRelations: %v", err)
	}
	// Duplicate relation is skipped.
	n, err := s.CreateRelations([]Relation{{From: "Alice", To: "Acme", Type: "works_at"}})
	if err != nil {
		t.Fatalf("CreateRelations (dup): %v", err)
	}
	if n != 0 {
		t.Errorf("duplicate relation created = %d, want 0", n)
	}

	g, err := s.SearchNodes("email")
	if err != nil {
		t.Fatalf("SearchNodes: %v", err)
	}
	if len(g.Entities) != 1 || g.Entities[0].Name != "Alice" {
		t.Errorf("SearchNodes = %+v", g)
	}
	if len(g.Entities[0].Observations) != 2 {
		t.Errorf("observations not merged: %v", g.Entities[0].Observations)
	}

	g, err = s.OpenNodes([]string{"Alice", "Acme"})
	if err != nil {
		t.Fatalf("OpenNodes: %v", err)
	}
	if len(g.Entities) != 2 || len(g.Relations) != 1 {
		t.Errorf("OpenNodes = %+v", g)
	}

	if err := s.DeleteEntities([]string{"Acme"}); err != nil {
		t.Fatalf("DeleteEntities: %v", err)
	}
	g, _ = s.ReadGraph()
	if len(g.Entities) != 1 || len(g.Relations) != 0 {
		t.Errorf("graph after delete = %+v", g)
	}
}

func TestConcurrentMutations(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "memory_r1.json"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.AddObservations("Notes", []string{strings.Repeat("x", i+1)})
			if err != nil {
				t.Errorf("AddObservations: %v", err)
			}
		}(i)
	}
	wg.Wait()

	g, err := s.ReadGraph()
	if err != nil {
		t.Fatalf("ReadGraph: %v", err)
	}
	if len(g.Entities) != 1 {
		t.Fatalf("entities = %d, want 1", len(g.Entities))
	}
	if len(g.Entities[0].Observations) != 8 {
		t.Errorf("observations = %d, want 8", len(g.Entities[0].Observations))
	}
}

func TestManagerSingleInstancePerRole(t *testing.T) {
	m := NewManager(t.TempDir())
	a := m.StoreFor("r1")
	b := m.StoreFor("r1")
	if a != b {
		t.Error("manager returned two stores for one role")
	}
	if m.StoreFor("r2") == a {
		t.Error("different roles must get different stores")
	}
	if err := m.Destroy("r1"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
}

func TestMemoryAdapterTools(t *testing.T) {
	m := NewManager(t.TempDir())
	released := false
	a := NewAdapter(m.StoreFor("r1"), func() error { released = true; return nil })

	ctx := context.Background()
	res, err := a.CallTool(ctx, ToolCreateEntities, map[string]any{
		"entities": []any{
			map[string]any{"name": "Bob", "entityType": "person", "observations": []any{"likes jazz"}},
		},
	})
	if err != nil || res.IsError() {
		t.Fatalf("create entities: %v %+v", err, res)
	}

	res, err = a.CallTool(ctx, ToolSearchNodes, map[string]any{"query": "jazz"})
	if err != nil || res.IsError() {
		t.Fatalf("search nodes: %v %+v", err, res)
	}
	var g Graph
	if err := json.Unmarshal([]byte(res.Text), &g); err != nil {
		t.Fatalf("search result not a graph: %v", err)
	}
	if len(g.Entities) != 1 || g.Entities[0].Name != "Bob" {
		t.Errorf("search result = %+v", g)
	}

	tools, _ := a.ListTools(ctx)
	if len(tools) != 6 {
		t.Errorf("tool count = %d, want 6", len(tools))
	}

	a.Close()
	if !released {
		t.Error("close hook not invoked")
	}
}
