// Package onboarding persists which users have already received the
// one-time welcome message. The record is append-only and survives restarts.
package onboarding

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the durable "has received welcome" mapping.
type Store interface {
	// Has reports whether the user was already welcomed.
	Has(ctx context.Context, user string) (bool, error)

	// Mark records the user as welcomed. It returns true only for the call
	// that actually inserted the record.
	Mark(ctx context.Context, user string) (bool, error)

	// Close releases the underlying resources.
	Close() error
}

// Config holds SQLite options for the onboarding store.
type Config struct {
	Path        string `yaml:"path"`
	JournalMode string `yaml:"journal_mode"`
	BusyTimeout int    `yaml:"busy_timeout_ms"`
}

const schema = `
CREATE TABLE IF NOT EXISTS welcomed_users (
	user_id     TEXT PRIMARY KEY,
	welcomed_at DATETIME NOT NULL
);
`

// SQLiteStore implements Store on top of mattn/go-sqlite3.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (or creates) the onboarding database and applies the schema.
func OpenSQLite(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		cfg.Path = "./data/reelbot.db"
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = "WAL"
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5000
	}

	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %q: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=%s&_busy_timeout=%d", cfg.Path, cfg.JournalMode, cfg.BusyTimeout)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", cfg.Path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db, path: cfg.Path}, nil
}

// Has implements Store.
func (s *SQLiteStore) Has(ctx context.Context, user string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM welcomed_users WHERE user_id = ?`, user).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query welcomed user: %w", err)
	}
	return true, nil
}

// Mark implements Store. INSERT OR IGNORE makes concurrent marks for the
// same user race-free: exactly one of them sees a row affected.
func (s *SQLiteStore) Mark(ctx context.Context, user string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO welcomed_users (user_id, welcomed_at) VALUES (?, ?)`,
		user, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("insert welcomed user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// Count returns how many users were welcomed.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM welcomed_users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count welcomed users: %w", err)
	}
	return n, nil
}

// ImportJSON reads a legacy welcomed.json (a JSON array of user ids) and
// marks every entry. prefix is prepended to ids lacking a channel
// qualifier (e.g. "whatsapp:"). Returns the number of newly inserted users.
func (s *SQLiteStore) ImportJSON(ctx context.Context, path, prefix string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", path, err)
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return 0, fmt.Errorf("parsing %s: %w", path, err)
	}

	inserted := 0
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if prefix != "" && !strings.HasPrefix(id, prefix) {
			id = prefix + id
		}
		ok, err := s.Mark(ctx, id)
		if err != nil {
			return inserted, err
		}
		if ok {
			inserted++
		}
	}
	return inserted, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
