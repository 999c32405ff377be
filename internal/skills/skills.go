// Package skills loads static reference documents into the store and exposes
// them to the model through a hidden in-process provider.
package skills

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/ChamsBouzaiene/conduit/internal/adapter"
	"github.com/ChamsBouzaiene/conduit/internal/store"
)

// ProviderKey names the hidden skills provider.
const ProviderKey = "skills"

const ignoreFile = ".skillsignore"

// Load walks dir and upserts every readable text file as a skill named by
// its extension-less relative path. Patterns in .skillsignore are skipped.
func Load(st *store.Store, dir string) (int, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return 0, fmt.Errorf("skills directory %s unavailable: %w", dir, err)
	}

	matcher := loadIgnoreMatcher(dir)

	count := 0
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(dir, path)
		if rerr != nil {
			return rerr
		}
		if d.IsDir() {
			if matcher != nil && rel != "." && matcher.MatchesPath(rel+"/") {
				return fs.SkipDir
			}
			return nil
		}
		if filepath.Base(path) == ignoreFile {
			return nil
		}
		if matcher != nil && matcher.MatchesPath(rel) {
			return nil
		}

		data, rerr := os.ReadFile(path)
		if rerr != nil {
			log.Printf("skills: read %s: %v", path, rerr)
			return nil
		}
		name := strings.TrimSuffix(filepath.ToSlash(rel), filepath.Ext(rel))
		if uerr := st.UpsertSkill(name, string(data)); uerr != nil {
			return uerr
		}
		count++
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("failed to load skills: %w", err)
	}
	return count, nil
}

func loadIgnoreMatcher(dir string) gitignore.IgnoreParser {
	path := filepath.Join(dir, ignoreFile)
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	matcher, err := gitignore.CompileIgnoreFile(path)
	if err != nil {
		log.Printf("skills: parse %s: %v", path, err)
		return nil
	}
	return matcher
}

// Spec returns the provider descriptor for registration.
func Spec() adapter.ProviderSpec {
	return adapter.ProviderSpec{
		Key:         ProviderKey,
		DisplayName: "Skills",
		Transport:   adapter.TransportInProcess,
		Auth:        adapter.AuthNone,
		Visibility:  adapter.VisibilityHidden,
		Scope:       adapter.ScopeGlobal,
	}
}

// NewAdapter builds the in-process adapter serving skills_list and
// skills_read from the store.
func NewAdapter(st *store.Store) *adapter.InProcessAdapter {
	tools := []adapter.InProcessTool{
		{
			Descriptor: adapter.ToolDescriptor{
				Name:        "skills_list",
				Description: "List the names of all available skill reference documents.",
				InputSchema: []byte(`{"type":"object","properties":{}}`),
				Provider:    ProviderKey,
			},
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				names, err := st.ListSkills()
				if err != nil {
					return nil, err
				}
				if len(names) == 0 {
					return "No skills are loaded.", nil
				}
				return "Available skills:\n" + strings.Join(names, "\n"), nil
			},
		},
		{
			Descriptor: adapter.ToolDescriptor{
				Name:        "skills_read",
				Description: "Read the full content of a skill reference document by name.",
				InputSchema: []byte(`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`),
				Provider:    ProviderKey,
			},
			Fn: func(ctx context.Context, args map[string]any) (any, error) {
				name, _ := args["name"].(string)
				if name == "" {
					return nil, fmt.Errorf("name is required")
				}
				content, err := st.GetSkill(name)
				if err != nil {
					return nil, fmt.Errorf("skill %q not found", name)
				}
				return content, nil
			},
		},
	}
	return adapter.NewInProcessAdapter(ProviderKey, tools)
}
