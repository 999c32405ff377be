package skills

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ChamsBouzaiene/conduit/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadHonorsIgnoreFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "email-etiquette.md", "# Email etiquette\nBe brief.")
	writeFile(t, dir, "reporting/weekly.md", "# Weekly report format")
	writeFile(t, dir, "drafts/wip.md", "unfinished")
	writeFile(t, dir, "notes.bak", "old")
	writeFile(t, dir, ".skillsignore", "drafts/\n*.bak\n")

	st := newTestStore(t)
	n, err := Load(st, dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n != 2 {
		t.Errorf("loaded %d skills, want 2", n)
	}

	names, err := st.ListSkills()
	if err != nil {
		t.Fatalf("ListSkills: %v", err)
	}
	got := strings.Join(names, ",")
	if !strings.Contains(got, "email-etiquette") || !strings.Contains(got, "reporting/weekly") {
		t.Errorf("skills = %v", names)
	}
	if strings.Contains(got, "wip") || strings.Contains(got, "notes") {
		t.Errorf("ignored files loaded: %v", names)
	}
}

func TestLoadIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.md", "first")
	st := newTestStore(t)

	if _, err := Load(st, dir); err != nil {
		t.Fatalf("Load: %v", err)
	}
	writeFile(t, dir, "a.md", "second")
	if _, err := Load(st, dir); err != nil {
		t.Fatalf("second Load: %v", err)
	}

	content, err := st.GetSkill("a")
	if err != nil {
		t.Fatalf("GetSkill: %v", err)
	}
	if content != "second" {
		t.Errorf("content = %q, want updated copy", content)
	}
	names, _ := st.ListSkills()
	if len(names) != 1 {
		t.Errorf("skills = %v, want one entry", names)
	}
}

func TestAdapterTools(t *testing.T) {
	st := newTestStore(t)
	if err := st.UpsertSkill("email-etiquette", "# Email etiquette\nBe brief."); err != nil {
		t.Fatal(err)
	}

	a := NewAdapter(st)
	ctx := context.Background()

	tools, err := a.ListTools(ctx)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("tools = %d, want 2", len(tools))
	}

	res, err := a.CallTool(ctx, "skills_list", nil)
	if err != nil {
		t.Fatalf("skills_list: %v", err)
	}
	if !strings.Contains(res.Text, "email-etiquette") {
		t.Errorf("skills_list = %q", res.Text)
	}

	res, err = a.CallTool(ctx, "skills_read", map[string]any{"name": "email-etiquette"})
	if err != nil {
		t.Fatalf("skills_read: %v", err)
	}
	if !strings.Contains(res.Text, "Be brief.") {
		t.Errorf("skills_read = %q", res.Text)
	}

	res, err = a.CallTool(ctx, "skills_read", map[string]any{"name": "missing"})
	if err != nil {
		t.Fatalf("skills_read missing: %v", err)
	}
	if !res.IsError() {
		t.Error("missing skill should produce an error result")
	}
}
