// Package db provides database connection helpers, schema migration, and small data access helpers.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
)

// Session is one tracked external call/recording. VideoURL, AudioURL and
// RecordingID stay nil until post-call resolution populates them.
type Session struct {
	ID          int64
	TrackingID  string
	MeetingURL  string
	BotID       string
	Status      string
	RecordingID *string
	VideoURL    *string
	AudioURL    *string
	CreatedAt   time.Time
	UpdatedAt   *time.Time
}

// TranscriptLine belongs to exactly one session and is immutable once written.
type TranscriptLine struct {
	ID        int64     `json:"-"`
	Speaker   string    `json:"speaker"`
	Line      string    `json:"line"`
	SpokenAt  time.Time `json:"spoken_at"`
	Final     bool      `json:"final"`
	CreatedAt time.Time `json:"-"`
}

// Connect opens a Postgres connection for the given DSN. Configuration
// (including the local-development default) lives in the config package;
// this only refuses an empty string.
func Connect(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty database dsn")
	}
	return sql.Open("pgx", dsn)
}

// Migrate applies idempotent schema changes for all required tables and indices.
func Migrate(ctx context.Context, db *sql.DB) error { return migratePostgres(ctx, db) }

func migratePostgres(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id SERIAL PRIMARY KEY,
			tracking_id TEXT UNIQUE NOT NULL,
			meeting_url TEXT,
			bot_id TEXT,
			status TEXT,
			recording_id TEXT,
			video_url TEXT,
			audio_url TEXT,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS transcript_lines (
			id SERIAL PRIMARY KEY,
			session_tracking_id TEXT NOT NULL REFERENCES sessions(tracking_id),
			speaker TEXT,
			line TEXT,
			spoken_at TIMESTAMPTZ,
			final BOOLEAN DEFAULT TRUE,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_tracking_id ON sessions(tracking_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_bot_id ON sessions(bot_id)`,
		`CREATE INDEX IF NOT EXISTS idx_lines_session_spoken ON transcript_lines(session_tracking_id, spoken_at)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// CreateSession inserts a new session row. tracking_id is caller-generated and
// unique; a duplicate join request for the same tracking id is an error.
func CreateSession(ctx context.Context, dbx *sql.DB, trackingID, meetingURL, botID string) error {
	_, err := dbx.ExecContext(ctx,
		`INSERT INTO sessions(tracking_id, meeting_url, bot_id, created_at) VALUES($1,$2,$3,CURRENT_TIMESTAMP)`,
		trackingID, meetingURL, botID)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var s Session
	var meetingURL, botID, status sql.NullString
	var recordingID, videoURL, audioURL sql.NullString
	var updatedAt sql.NullTime
	err := row.Scan(&s.ID, &s.TrackingID, &meetingURL, &botID, &status,
		&recordingID, &videoURL, &audioURL, &s.CreatedAt, &updatedAt)
	if err != nil {
		return Session{}, err
	}
	s.MeetingURL = meetingURL.String
	s.BotID = botID.String
	s.Status = status.String
	if recordingID.Valid {
		s.RecordingID = &recordingID.String
	}
	if videoURL.Valid {
		s.VideoURL = &videoURL.String
	}
	if audioURL.Valid {
		s.AudioURL = &audioURL.String
	}
	if updatedAt.Valid {
		s.UpdatedAt = &updatedAt.Time
	}
	return s, nil
}

const sessionColumns = `id, tracking_id, meeting_url, bot_id, status, recording_id, video_url, audio_url, created_at, updated_at`

// SessionByTrackingID returns the session for a caller-generated tracking id.
// Returns sql.ErrNoRows when absent.
func SessionByTrackingID(ctx context.Context, dbx *sql.DB, trackingID string) (Session, error) {
	row := dbx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE tracking_id=$1`, trackingID)
	return scanSession(row)
}

// SessionByBotID returns the session for a vendor-issued bot id.
func SessionByBotID(ctx context.Context, dbx *sql.DB, botID string) (Session, error) {
	row := dbx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE bot_id=$1`, botID)
	return scanSession(row)
}

// SetSessionStatus records the latest lifecycle status reported for a bot.
func SetSessionStatus(ctx context.Context, dbx *sql.DB, botID, status string) error {
	_, err := dbx.ExecContext(ctx,
		`UPDATE sessions SET status=$1, updated_at=CURRENT_TIMESTAMP WHERE bot_id=$2`, status, botID)
	if err != nil {
		return fmt.Errorf("set session status: %w", err)
	}
	return nil
}

// SetSessionArtifacts upserts resolved artifact state keyed by tracking id.
// Re-running for the same session overwrites the previous values
// (last-write-wins), which makes duplicate terminal webhook deliveries safe.
// Empty URLs are stored as NULL so "absent" stays distinguishable.
func SetSessionArtifacts(ctx context.Context, dbx *sql.DB, trackingID, recordingID, videoURL, audioURL string) error {
	_, err := dbx.ExecContext(ctx,
		`INSERT INTO sessions(tracking_id, recording_id, video_url, audio_url, created_at, updated_at)
		 VALUES($1, NULLIF($2,''), NULLIF($3,''), NULLIF($4,''), CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		 ON CONFLICT(tracking_id) DO UPDATE SET
		   recording_id=EXCLUDED.recording_id,
		   video_url=EXCLUDED.video_url,
		   audio_url=EXCLUDED.audio_url,
		   updated_at=CURRENT_TIMESTAMP`,
		trackingID, recordingID, videoURL, audioURL)
	if err != nil {
		return fmt.Errorf("set session artifacts: %w", err)
	}
	return nil
}

// ListSessions returns sessions newest first.
func ListSessions(ctx context.Context, dbx *sql.DB, limit, offset int) ([]Session, error) {
	rows, err := dbx.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Session, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// PendingArtifactSessions returns finished sessions that still lack both
// artifact URLs, oldest activity first. These are the sweep job's candidates.
func PendingArtifactSessions(ctx context.Context, dbx *sql.DB, limit int) ([]Session, error) {
	rows, err := dbx.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE status='done' AND video_url IS NULL AND audio_url IS NULL
		 ORDER BY COALESCE(updated_at, created_at) ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Session, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CountSessions returns the total number of sessions.
func CountSessions(ctx context.Context, dbx *sql.DB) (int, error) {
	var n int
	err := dbx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n)
	return n, err
}

// CountTranscriptLines returns the total number of stored transcript lines.
func CountTranscriptLines(ctx context.Context, dbx *sql.DB) (int, error) {
	var n int
	err := dbx.QueryRowContext(ctx, `SELECT COUNT(*) FROM transcript_lines`).Scan(&n)
	return n, err
}

// InsertTranscriptLine appends one immutable transcript line to a session.
func InsertTranscriptLine(ctx context.Context, dbx *sql.DB, trackingID, speaker, line string, spokenAt time.Time, final bool) error {
	_, err := dbx.ExecContext(ctx,
		`INSERT INTO transcript_lines(session_tracking_id, speaker, line, spoken_at, final, created_at)
		 VALUES($1,$2,$3,$4,$5,CURRENT_TIMESTAMP)`,
		trackingID, speaker, line, spokenAt.UTC(), final)
	if err != nil {
		return fmt.Errorf("insert transcript line: %w", err)
	}
	return nil
}

// TranscriptLines returns a session's lines ordered by spoken time.
func TranscriptLines(ctx context.Context, dbx *sql.DB, trackingID string) ([]TranscriptLine, error) {
	rows, err := dbx.QueryContext(ctx,
		`SELECT id, COALESCE(speaker,''), COALESCE(line,''), spoken_at, final, created_at
		 FROM transcript_lines WHERE session_tracking_id=$1 ORDER BY spoken_at ASC, id ASC`, trackingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]TranscriptLine, 0)
	for rows.Next() {
		var l TranscriptLine
		if err := rows.Scan(&l.ID, &l.Speaker, &l.Line, &l.SpokenAt, &l.Final, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// SetKV stores an operational breadcrumb (job heartbeats and the like).
func SetKV(ctx context.Context, dbx *sql.DB, key, value string) error {
	_, err := dbx.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES ($1, $2, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=CURRENT_TIMESTAMP`, key, value)
	return err
}

// GetKV returns a stored value or empty string if absent.
func GetKV(ctx context.Context, dbx *sql.DB, key string) (string, error) {
	var v string
	err := dbx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}
