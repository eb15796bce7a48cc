// Package testutil provides shared test fixtures: an in-memory database with
// the service schema and a mock vendor API server.
package testutil

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// schema mirrors db/migrations/000001_init.up.sql in sqlite dialect.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tracking_id TEXT UNIQUE NOT NULL,
		meeting_url TEXT,
		bot_id TEXT,
		status TEXT,
		recording_id TEXT,
		video_url TEXT,
		audio_url TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS transcript_lines (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_tracking_id TEXT NOT NULL REFERENCES sessions(tracking_id),
		speaker TEXT,
		line TEXT,
		spoken_at TIMESTAMP,
		final BOOLEAN DEFAULT TRUE,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_lines_session_spoken ON transcript_lines(session_tracking_id, spoken_at)`,
}

// SetupTestDB opens an in-memory sqlite database with the service schema.
// A single pooled connection keeps the in-memory database alive and shared.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	database.SetMaxOpenConns(1)
	for _, stmt := range schema {
		if _, err := database.Exec(stmt); err != nil {
			database.Close()
			t.Fatalf("failed to apply schema: %v", err)
		}
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}
