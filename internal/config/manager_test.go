package config

import (
	"os"
	"testing"
)

func TestLoadDefaultsWhenMissing(t *testing.T) {
	m := NewManagerAt(t.TempDir())
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8090 {
		t.Errorf("default port = %d", cfg.Port)
	}
	if cfg.DataDir == "" || cfg.CacheDir == "" || cfg.ProvidersFile == "" {
		t.Errorf("defaults not filled: %+v", cfg)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m := NewManagerAt(t.TempDir())
	want := Config{
		Port:          9000,
		SkillsDir:     "/srv/skills",
		GoogleClient:  "client-id",
		GoogleSecret:  "hunter2",
		SandboxEnable: true,
	}
	if err := m.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(m.Path())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("config perms = %o, want 600", perm)
	}

	got, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Port != 9000 || got.GoogleSecret != "hunter2" || !got.SandboxEnable {
		t.Errorf("round trip = %+v", got)
	}
	// Unset fields still get defaults.
	if got.DataDir == "" {
		t.Error("DataDir default missing after load")
	}
}
