package adapter

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// LoadProviderSpecs reads subprocess provider descriptors from a JSON file.
func LoadProviderSpecs(path string) ([]ProviderSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider catalog: %w", err)
	}
	var specs []ProviderSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("failed to parse provider catalog: %w", err)
	}
	for i, spec := range specs {
		if spec.Key == "" {
			return nil, fmt.Errorf("provider catalog entry %d has no key", i)
		}
	}
	return specs, nil
}

// Watcher hot-reloads the subprocess provider catalog when its file changes.
// Live adapters are untouched; only future Create calls see the new set.
type Watcher struct {
	path     string
	registry *Registry
	fs       *fsnotify.Watcher
	done     chan struct{}
}

// WatchProviderCatalog starts watching the catalog file. Editors replace
// files with rename+create, so the parent directory is watched and events
// are filtered by name. Reloads are debounced by a short settle delay.
func WatchProviderCatalog(path string, registry *Registry) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create catalog watcher: %w", err)
	}
	if err := fs.Add(filepath.Dir(path)); err != nil {
		fs.Close()
		return nil, fmt.Errorf("failed to watch catalog directory: %w", err)
	}

	w := &Watcher{path: path, registry: registry, fs: fs, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	base := filepath.Base(w.path)
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Let the writer finish before reading.
			time.Sleep(100 * time.Millisecond)
			specs, err := LoadProviderSpecs(w.path)
			if err != nil {
				log.Printf("provider catalog reload failed: %v", err)
				continue
			}
			w.registry.ReplaceSubprocessSpecs(specs)
			log.Printf("provider catalog reloaded: %d subprocess providers", len(specs))
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.Printf("provider catalog watcher error: %v", err)
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fs.Close()
}
