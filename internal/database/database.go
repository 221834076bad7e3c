package database

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQL database connection holding the session metadata index.
// Transcripts and memory artifacts live in blob storage; this index only
// carries the cheap listing rows.
type DB struct {
	*sql.DB
}

// New opens the SQLite index at the given path. Use ":memory:" in tests.
func New(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// modernc.org/sqlite serializes writes internally; a single
	// connection avoids SQLITE_BUSY under concurrent appends.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Println("✅ SQLite session index connected")

	return &DB{db}, nil
}

// Initialize creates all required tables
func (db *DB) Initialize() error {
	log.Println("🔍 Checking database schema...")

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			session_id      TEXT PRIMARY KEY,
			owner_id        TEXT NOT NULL,
			title           TEXT NOT NULL DEFAULT '',
			created_at      INTEGER NOT NULL,
			last_message_at INTEGER NOT NULL,
			message_count   INTEGER NOT NULL DEFAULT 0,
			is_active       INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		return fmt.Errorf("failed to create sessions table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_sessions_owner_recent
		ON sessions (owner_id, last_message_at DESC)
	`); err != nil {
		return fmt.Errorf("failed to create sessions index: %w", err)
	}

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL: %w", err)
	}

	log.Println("✅ Database initialized successfully")
	return nil
}
