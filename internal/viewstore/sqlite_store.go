// Package viewstore provides persistent storage for named view sessions using SQLite.
package viewstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrName indicates an empty session name.
var ErrName = errors.New("viewstore: session name is required")

// DataMap describes the value mapping of a view.
type DataMap struct {
	Colormap string `json:"colormap,omitempty"`
	Low      int    `json:"low"`
	High     int    `json:"high"` // 0 means no contrast window
}

// ViewState is everything needed to recreate a view.
type ViewState struct {
	Source     string   `json:"source"`
	Width      int      `json:"width"`
	Height     int      `json:"height"`
	Scale      float64  `json:"scale"`
	OriginX    int      `json:"origin_x"`
	OriginY    int      `json:"origin_y"`
	Bands      [3]int   `json:"bands"`
	DataMap    DataMap  `json:"data_map"`
	Background [4]uint8 `json:"background"` // RGBA
}

// Session is a named, saved view.
type Session struct {
	Name      string    `json:"name"`
	State     ViewState `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store provides persistent storage for sessions using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based session store.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		name TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		width INTEGER NOT NULL,
		height INTEGER NOT NULL,
		scale REAL NOT NULL,
		state_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_source ON sessions(source);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveSession creates or replaces the session called name. The creation
// time of an existing session is kept.
func (s *Store) SaveSession(name string, state ViewState) (*Session, error) {
	if name == "" {
		return nil, ErrName
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	_, err = s.db.Exec(`
		INSERT INTO sessions (name, source, width, height, scale, state_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			source = excluded.source,
			width = excluded.width,
			height = excluded.height,
			scale = excluded.scale,
			state_json = excluded.state_json,
			updated_at = excluded.updated_at
	`,
		name,
		state.Source,
		state.Width,
		state.Height,
		state.Scale,
		string(stateJSON),
		now.Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	return s.getLocked(name)
}

// GetSession retrieves a session by name. It returns nil if there is none.
func (s *Store) GetSession(name string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(name)
}

func (s *Store) getLocked(name string) (*Session, error) {
	rows, err := s.db.Query(`
		SELECT name, state_json, created_at, updated_at
		FROM sessions WHERE name = ?
	`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions, err := scanSessions(rows)
	if err != nil || len(sessions) == 0 {
		return nil, err
	}
	return sessions[0], nil
}

// ListSessions returns every session, most recently updated first.
func (s *Store) ListSessions() ([]*Session, error) {
	rows, err := s.db.Query(`
		SELECT name, state_json, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

// ListSessionsBySource returns the sessions showing source.
func (s *Store) ListSessionsBySource(source string) ([]*Session, error) {
	rows, err := s.db.Query(`
		SELECT name, state_json, created_at, updated_at
		FROM sessions WHERE source = ? ORDER BY updated_at DESC, name
	`, source)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

// DeleteSession deletes a session. Deleting a missing session is not an error.
func (s *Store) DeleteSession(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM sessions WHERE name = ?", name)
	return err
}

// DeleteExpiredSessions deletes sessions not updated for retentionDays.
func (s *Store) DeleteExpiredSessions(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(time.RFC3339)
	result, err := s.db.Exec("DELETE FROM sessions WHERE updated_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanSessions(rows *sql.Rows) ([]*Session, error) {
	var sessions []*Session
	for rows.Next() {
		var sess Session
		var stateJSON, createdAtStr, updatedAtStr string

		if err := rows.Scan(&sess.Name, &stateJSON, &createdAtStr, &updatedAtStr); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(stateJSON), &sess.State); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state: %w", err)
		}
		sess.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
		sess.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAtStr)
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}
