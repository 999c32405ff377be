// Package memory is the per-role knowledge graph: named entities carrying
// observations, joined by directed typed relations, persisted as one JSON
// file per role.
package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Entity is a named node with free-text observations.
type Entity struct {
	Name         string   `json:"name"`
	Type         string   `json:"entityType"`
	Observations []string `json:"observations"`
}

// Relation is a directed typed edge between two entities.
type Relation struct {
	From string `json:"from"`
	To   string `json:"to"`
	Type string `json:"relationType"`
}

// Graph is the serialized knowledge graph.
type Graph struct {
	Entities  []Entity   `json:"entities"`
	Relations []Relation `json:"relations"`
}

// Store owns one role's graph file. Mutations are serialized by a write
// lock; reads may proceed concurrently.
type Store struct {
	path string
	mu   sync.RWMutex
}

// NewStore opens (or lazily creates) the graph file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

func (s *Store) load() (Graph, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return Graph{}, nil
	}
	if err != nil {
		return Graph{}, fmt.Errorf("failed to read memory store: %w", err)
	}
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return Graph{}, fmt.Errorf("corrupt memory store %s: %w", s.path, err)
	}
	return g, nil
}

func (s *Store) save(g Graph) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create memory dir: %w", err)
	}
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode memory store: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write memory store: %w", err)
	}
	return nil
}

// ReadGraph returns the whole graph.
func (s *Store) ReadGraph() (Graph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.load()
}

// CreateEntities inserts entities, merging observations into existing ones
// of the same name. Returns the number of newly created entities.
func (s *Store) CreateEntities(entities []Entity) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, err := s.load()
	if err != nil {
		return 0, err
	}

	index := make(map[string]int, len(g.Entities))
	for i, e := range g.Entities {
		index[e.Name] = i
	}

	created := 0
	for _, e := range entities {
		if e.Name == "" {
			continue
		}
		if i, ok := index[e.Name]; ok {
			g.Entities[i].Observations = mergeObservations(g.Entities[i].Observations, e.Observations)
			if g.Entities[i].Type == "" {
				g.Entities[i].Type = e.Type
			}
			continue
		}
		index[e.Name] = len(g.Entities)
		g.Entities = append(g.Entities, e)
		created++
	}

	if err := s.save(g); err != nil {
		return 0, err
	}
	return created, nil
}

// AddObservations appends observations to a named entity, creating it when
// absent. Returns the number of observations actually added.
func (s *Store) AddObservations(name string, observations []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, err := s.load()
	if err != nil {
		return 0, err
	}

	for i := range g.Entities {
		if g.Entities[i].Name == name {
			before := len(g.Entities[i].Observations)
			g.Entities[i].Observations = mergeObservations(g.Entities[i].Observations, observations)
			added := len(g.Entities[i].Observations) - before
			return added, s.save(g)
		}
	}

	g.Entities = append(g.Entities, Entity{Name: name, Observations: dedup(observations)})
	if err := s.save(g); err != nil {
		return 0, err
	}
	return len(observations), nil
}

// CreateRelations inserts relations, skipping duplicates. Returns the number
// created.
func (s *Store) CreateRelations(relations []Relation) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, err := s.load()
	if err != nil {
		return 0, err
	}

	seen := make(map[Relation]bool, len(g.Relations))
	for _, r := range g.Relations {
		seen[r] = true
	}

	created := 0
	for _, r := range relations {
		if r.From == "" || r.To == "" || seen[r] {
			continue
		}
		seen[r] = true
		g.Relations = append(g.Relations, r)
		created++
	}

	if err := s.save(g); err != nil {
		return 0, err
	}
	return created, nil
}

// DeleteEntities removes entities by name along with their relations.
func (s *Store) DeleteEntities(names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, err := s.load()
	if err != nil {
		return err
	}

	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}

	entities := g.Entities[:0]
	for _, e := range g.Entities {
		if !drop[e.Name] {
			entities = append(entities, e)
		}
	}
	g.Entities = entities

	relations := g.Relations[:0]
	for _, r := range g.Relations {
		if !drop[r.From] && !drop[r.To] {
			relations = append(relations, r)
		}
	}
	g.Relations = relations

	return s.save(g)
}

// SearchNodes returns entities whose name, type, or observations contain the
// query (case-insensitive), plus relations between matched entities.
func (s *Store) SearchNodes(query string) (Graph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, err := s.load()
	if err != nil {
		return Graph{}, err
	}

	q := strings.ToLower(query)
	var out Graph
	matched := make(map[string]bool)
	for _, e := range g.Entities {
		if entityMatches(e, q) {
			out.Entities = append(out.Entities, e)
			matched[e.Name] = true
		}
	}
	for _, r := range g.Relations {
		if matched[r.From] && matched[r.To] {
			out.Relations = append(out.Relations, r)
		}
	}
	return out, nil
}

// OpenNodes returns the named entities and the relations between them.
func (s *Store) OpenNodes(names []string) (Graph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, err := s.load()
	if err != nil {
		return Graph{}, err
	}

	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	var out Graph
	for _, e := range g.Entities {
		if want[e.Name] {
			out.Entities = append(out.Entities, e)
		}
	}
	for _, r := range g.Relations {
		if want[r.From] && want[r.To] {
			out.Relations = append(out.Relations, r)
		}
	}
	return out, nil
}

func entityMatches(e Entity, q string) bool {
	if q == "" {
		return true
	}
	if strings.Contains(strings.ToLower(e.Name), q) || strings.Contains(strings.ToLower(e.Type), q) {
		return true
	}
	for _, obs := range e.Observations {
		if strings.Contains(strings.ToLower(obs), q) {
			return true
		}
	}
	return false
}

func mergeObservations(existing, add []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, o := range existing {
		seen[o] = true
	}
	for _, o := range add {
		if o != "" && !seen[o] {
			seen[o] = true
			existing = append(existing, o)
		}
	}
	return existing
}

func dedup(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item != "" && !seen[item] {
			seen[item] = true
			out = append(out, item)
		}
	}
	return out
}
