// Package cache is the on-disk file cache for previewed documents. Files
// are keyed by opaque cache identifiers and stored as {id}.{ext} directly
// under the cache root.
package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// idPattern is the cache identifier grammar.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidID reports whether id conforms to the cache identifier grammar.
func ValidID(id string) bool {
	return id != "" && idPattern.MatchString(id)
}

// ErrNotFound is returned when no cached file exists for an id.
var ErrNotFound = fmt.Errorf("cache entry not found")

// Cache stores files under a single root directory.
type Cache struct {
	root string
}

// New creates the cache rooted at dir, creating it if needed.
func New(dir string) (*Cache, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve cache root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache root: %w", err)
	}
	return &Cache{root: abs}, nil
}

// Root returns the absolute cache root.
func (c *Cache) Root() string { return c.root }

// NewID mints a fresh cache identifier.
func (c *Cache) NewID() string { return uuid.NewString() }

// Put writes data under id with the given extension and returns the absolute
// path. The id must satisfy the identifier grammar.
func (c *Cache) Put(id, ext string, data []byte) (string, error) {
	if !ValidID(id) {
		return "", fmt.Errorf("invalid cache id %q", id)
	}
	ext = strings.TrimPrefix(ext, ".")
	name := id
	if ext != "" {
		name = id + "." + ext
	}
	path := filepath.Join(c.root, name)
	if !c.contains(path) {
		return "", fmt.Errorf("cache path %q escapes cache root", name)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write cache file: %w", err)
	}
	return path, nil
}

// PathFor resolves an id to the absolute path of its cached file, whatever
// its extension. Returns ErrNotFound when no file exists.
func (c *Cache) PathFor(id string) (string, error) {
	if !ValidID(id) {
		return "", fmt.Errorf("invalid cache id %q", id)
	}
	matches, err := filepath.Glob(filepath.Join(c.root, id+".*"))
	if err != nil {
		return "", fmt.Errorf("failed to scan cache: %w", err)
	}
	if len(matches) == 0 {
		// Extensionless entries.
		bare := filepath.Join(c.root, id)
		if info, err := os.Stat(bare); err == nil && !info.IsDir() {
			matches = []string{bare}
		}
	}
	if len(matches) == 0 {
		return "", ErrNotFound
	}
	path := matches[0]
	if !c.contains(path) {
		return "", fmt.Errorf("cache path %q escapes cache root", path)
	}
	return path, nil
}

// Read returns a cached file's bytes and its extension.
func (c *Cache) Read(id string) ([]byte, string, error) {
	path, err := c.PathFor(id)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read cache file: %w", err)
	}
	return data, strings.TrimPrefix(filepath.Ext(path), "."), nil
}

// contains reports whether the normalized path lies within the cache root.
func (c *Cache) contains(path string) bool {
	cleaned := filepath.Clean(path)
	return cleaned == c.root || strings.HasPrefix(cleaned, c.root+string(filepath.Separator))
}
