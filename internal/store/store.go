// Package store is the sqlite-backed metadata store: users, roles, OAuth
// tokens, provider config, messages, settings, skills, and scheduled jobs.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the sqlite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer; sqlite serializes anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS groups (
		id       TEXT PRIMARY KEY,
		name     TEXT NOT NULL,
		owner_id TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS group_members (
		group_id TEXT NOT NULL,
		user_id  TEXT NOT NULL,
		PRIMARY KEY (group_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS invitations (
		id         TEXT PRIMARY KEY,
		group_id   TEXT NOT NULL,
		email      TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS roles (
		id              TEXT PRIMARY KEY,
		user_id         TEXT NOT NULL,
		name            TEXT NOT NULL,
		job_description TEXT NOT NULL DEFAULT '',
		system_prompt   TEXT NOT NULL DEFAULT '',
		model           TEXT NOT NULL DEFAULT '',
		created_at      INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_roles_user ON roles(user_id);

	CREATE TABLE IF NOT EXISTS oauth_tokens (
		user_id       TEXT NOT NULL,
		provider      TEXT NOT NULL,
		account_email TEXT NOT NULL,
		access_token  TEXT NOT NULL,
		refresh_token TEXT,
		expires_at    INTEGER NOT NULL,
		PRIMARY KEY (user_id, provider, account_email)
	);

	CREATE TABLE IF NOT EXISTS mcp_servers (
		key    TEXT PRIMARY KEY,
		config TEXT NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS messages (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id    TEXT NOT NULL,
		role_id    TEXT NOT NULL,
		author     TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_user_role ON messages(user_id, role_id, created_at);

	CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS skills (
		name       TEXT PRIMARY KEY,
		content    TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS scheduled_jobs (
		id          TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL,
		role_id     TEXT NOT NULL,
		description TEXT NOT NULL,
		kind        TEXT NOT NULL,
		schedule    TEXT,
		run_at      INTEGER NOT NULL,
		status      TEXT NOT NULL DEFAULT 'pending',
		hold_until  INTEGER,
		last_run_at INTEGER,
		last_error  TEXT,
		run_count   INTEGER NOT NULL DEFAULT 0,
		fail_streak INTEGER NOT NULL DEFAULT 0,
		created_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_due ON scheduled_jobs(status, run_at);
	`

	_, err := db.Exec(schema)
	return err
}

// EnsureUser inserts the user row if it does not exist.
func (s *Store) EnsureUser(id string) error {
	_, err := s.db.Exec(
		`INSERT INTO users (id, created_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`,
		id, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to ensure user: %w", err)
	}
	return nil
}

// Role is a user-owned agent persona.
type Role struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Name           string    `json:"name"`
	JobDescription string    `json:"job_description"`
	SystemPrompt   string    `json:"system_prompt"`
	Model          string    `json:"model"`
	CreatedAt      time.Time `json:"created_at"`
}

// CreateRole inserts a role.
func (s *Store) CreateRole(r Role) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO roles (id, user_id, name, job_description, system_prompt, model, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.Name, r.JobDescription, r.SystemPrompt, r.Model, r.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create role: %w", err)
	}
	return nil
}

// GetRole fetches a role by id. Returns sql.ErrNoRows when absent.
func (s *Store) GetRole(id string) (Role, error) {
	var r Role
	var createdAt int64
	err := s.db.QueryRow(
		`SELECT id, user_id, name, job_description, system_prompt, model, created_at
		 FROM roles WHERE id = ?`, id,
	).Scan(&r.ID, &r.UserID, &r.Name, &r.JobDescription, &r.SystemPrompt, &r.Model, &createdAt)
	if err != nil {
		return Role{}, err
	}
	r.CreatedAt = time.Unix(createdAt, 0)
	return r, nil
}

// ListRoles returns all roles owned by a user.
func (s *Store) ListRoles(userID string) ([]Role, error) {
	rows, err := s.db.Query(
		`SELECT id, user_id, name, job_description, system_prompt, model, created_at
		 FROM roles WHERE user_id = ? ORDER BY created_at`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var out []Role
	for rows.Next() {
		var r Role
		var createdAt int64
		if err := rows.Scan(&r.ID, &r.UserID, &r.Name, &r.JobDescription, &r.SystemPrompt, &r.Model, &createdAt); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateRole rewrites the mutable role fields.
func (s *Store) UpdateRole(r Role) error {
	_, err := s.db.Exec(
		`UPDATE roles SET name = ?, job_description = ?, system_prompt = ?, model = ? WHERE id = ?`,
		r.Name, r.JobDescription, r.SystemPrompt, r.Model, r.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update role: %w", err)
	}
	return nil
}

// DeleteRole removes a role row. The caller is responsible for destroying the
// role's memory store.
func (s *Store) DeleteRole(id string) error {
	_, err := s.db.Exec(`DELETE FROM roles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	return nil
}

// OAuthToken is a stored credential keyed (user, provider, account email).
type OAuthToken struct {
	UserID       string
	Provider     string
	AccountEmail string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// SaveOAuthToken inserts or replaces a token.
func (s *Store) SaveOAuthToken(t OAuthToken) error {
	_, err := s.db.Exec(
		`INSERT INTO oauth_tokens (user_id, provider, account_email, access_token, refresh_token, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, provider, account_email) DO UPDATE SET
		   access_token = excluded.access_token,
		   refresh_token = excluded.refresh_token,
		   expires_at = excluded.expires_at`,
		t.UserID, t.Provider, t.AccountEmail, t.AccessToken, t.RefreshToken, t.ExpiresAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save oauth token: %w", err)
	}
	return nil
}

// GetOAuthToken fetches the token for (user, provider, account). When account
// is empty the first account for the provider is returned.
func (s *Store) GetOAuthToken(userID, provider, account string) (OAuthToken, error) {
	query := `SELECT user_id, provider, account_email, access_token, COALESCE(refresh_token, ''), expires_at
	          FROM oauth_tokens WHERE user_id = ? AND provider = ?`
	args := []any{userID, provider}
	if account != "" {
		query += ` AND account_email = ?`
		args = append(args, account)
	}
	query += ` ORDER BY account_email LIMIT 1`

	var t OAuthToken
	var expiresAt int64
	err := s.db.QueryRow(query, args...).Scan(
		&t.UserID, &t.Provider, &t.AccountEmail, &t.AccessToken, &t.RefreshToken, &expiresAt,
	)
	if err != nil {
		return OAuthToken{}, err
	}
	t.ExpiresAt = time.Unix(expiresAt, 0)
	return t, nil
}

// ListAccounts returns the account emails a user has tokens for, across all
// providers, deduplicated and sorted.
func (s *Store) ListAccounts(userID string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT account_email FROM oauth_tokens WHERE user_id = ? ORDER BY account_email`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, err
		}
		out = append(out, email)
	}
	return out, rows.Err()
}

// ProviderConfig returns the stored config blob for a provider key.
func (s *Store) ProviderConfig(key string) (map[string]any, error) {
	var blob string
	err := s.db.QueryRow(`SELECT config FROM mcp_servers WHERE key = ?`, key).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read provider config: %w", err)
	}
	var cfg map[string]any
	if err := json.Unmarshal([]byte(blob), &cfg); err != nil {
		return nil, fmt.Errorf("corrupt provider config for %s: %w", key, err)
	}
	return cfg, nil
}

// SetProviderConfig stores the config blob for a provider key.
func (s *Store) SetProviderConfig(key string, cfg map[string]any) error {
	blob, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode provider config: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO mcp_servers (key, config) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET config = excluded.config`,
		key, string(blob),
	)
	if err != nil {
		return fmt.Errorf("failed to save provider config: %w", err)
	}
	return nil
}

// DeleteProviderConfig removes a provider config row.
func (s *Store) DeleteProviderConfig(key string) error {
	_, err := s.db.Exec(`DELETE FROM mcp_servers WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete provider config: %w", err)
	}
	return nil
}

// Setting reads a settings value. The second return is false when unset.
func (s *Store) Setting(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read setting: %w", err)
	}
	return value, true, nil
}

// SetSetting writes a settings value.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to save setting: %w", err)
	}
	return nil
}

// IntSetting reads an integer setting, falling back to def when unset or
// malformed.
func (s *Store) IntSetting(key string, def int) int {
	value, ok, err := s.Setting(key)
	if err != nil || !ok {
		return def
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return n
}

// StringSetting reads a string setting with a default.
func (s *Store) StringSetting(key, def string) string {
	value, ok, err := s.Setting(key)
	if err != nil || !ok {
		return def
	}
	return value
}

// Skill is a static reference document.
type Skill struct {
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpsertSkill inserts or replaces a skill document.
func (s *Store) UpsertSkill(name, content string) error {
	_, err := s.db.Exec(
		`INSERT INTO skills (name, content, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		name, content, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert skill: %w", err)
	}
	return nil
}

// ListSkills returns skill names in order.
func (s *Store) ListSkills() ([]string, error) {
	rows, err := s.db.Query(`SELECT name FROM skills ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list skills: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// GetSkill returns a skill's content. Returns sql.ErrNoRows when absent.
func (s *Store) GetSkill(name string) (string, error) {
	var content string
	err := s.db.QueryRow(`SELECT content FROM skills WHERE name = ?`, name).Scan(&content)
	if err != nil {
		return "", err
	}
	return content, nil
}

// Message is one persisted conversation entry.
type Message struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	RoleID    string    `json:"role_id"`
	Author    string    `json:"author"` // "user" | "assistant" | "system"
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// AppendMessage persists one message at the end of the (user, role) stream.
func (s *Store) AppendMessage(m Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO messages (user_id, role_id, author, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.UserID, m.RoleID, m.Author, m.Content, m.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// ListMessages returns up to limit most recent messages for (user, role) in
// chronological order. limit <= 0 means no limit.
func (s *Store) ListMessages(userID, roleID string, limit int) ([]Message, error) {
	query := `SELECT id, user_id, role_id, author, content, created_at
	          FROM messages WHERE user_id = ? AND role_id = ? ORDER BY created_at DESC, id DESC`
	args := []any{userID, roleID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.UserID, &m.RoleID, &m.Author, &m.Content, &createdAt); err != nil {
			return nil, err
		}
		m.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// DeleteMessages removes the whole (user, role) message stream.
func (s *Store) DeleteMessages(userID, roleID string) error {
	_, err := s.db.Exec(`DELETE FROM messages WHERE user_id = ? AND role_id = ?`, userID, roleID)
	if err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	return nil
}
