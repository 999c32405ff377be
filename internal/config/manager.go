// Package config persists the runtime's installation-level settings as JSON
// under the user config directory. Turn-level tunables live in the store's
// settings table instead.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds the installation's persistent configuration.
type Config struct {
	Port          int    `json:"port,omitempty"`           // HTTP listen port
	DataDir       string `json:"data_dir,omitempty"`       // sqlite store, memory graphs, adapter workdirs
	CacheDir      string `json:"cache_dir,omitempty"`      // on-disk preview cache
	ProvidersFile string `json:"providers_file,omitempty"` // subprocess provider catalog (watched)
	SkillsDir     string `json:"skills_dir,omitempty"`     // reference docs loaded at startup
	GoogleClient  string `json:"google_client,omitempty"`  // OAuth client id
	GoogleSecret  string `json:"google_secret,omitempty"`  // OAuth client secret
	SandboxImage  string `json:"sandbox_image,omitempty"`  // container image for sandboxed adapters
	SandboxEnable bool   `json:"sandbox_enable,omitempty"` // launch sandboxed adapters in containers
}

// WithDefaults fills unset fields. Relative directories hang off the user
// config dir so a bare config still works.
func (c Config) WithDefaults(configDir string) Config {
	if c.Port == 0 {
		c.Port = 8090
	}
	if c.DataDir == "" {
		c.DataDir = filepath.Join(configDir, "data")
	}
	if c.CacheDir == "" {
		c.CacheDir = filepath.Join(configDir, "cache")
	}
	if c.ProvidersFile == "" {
		c.ProvidersFile = filepath.Join(configDir, "providers.json")
	}
	return c
}

// Manager loads and saves the configuration file.
type Manager struct {
	configDir string
}

func NewManager() (*Manager, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get user config dir: %w", err)
	}
	return &Manager{configDir: filepath.Join(configDir, "conduit")}, nil
}

// NewManagerAt pins the config directory, for tests.
func NewManagerAt(dir string) *Manager {
	return &Manager{configDir: dir}
}

// Dir returns the config directory.
func (m *Manager) Dir() string {
	return m.configDir
}

// Path returns the absolute path of config.json.
func (m *Manager) Path() string {
	return filepath.Join(m.configDir, "config.json")
}

// Load reads the configuration, returning defaults when no file exists.
func (m *Manager) Load() (Config, error) {
	path := m.Path()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Config{}.WithDefaults(m.configDir), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config json: %w", err)
	}
	return cfg.WithDefaults(m.configDir), nil
}

// Save writes the configuration with owner-only permissions, since it can
// carry the OAuth client secret.
func (m *Manager) Save(cfg Config) error {
	if err := os.MkdirAll(m.configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(m.Path(), data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
