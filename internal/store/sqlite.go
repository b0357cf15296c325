package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fusheng-game/fusheng/internal/domain"
	"github.com/fusheng-game/fusheng/internal/shared"
	_ "modernc.org/sqlite"
)

// persistRetries bounds retry attempts on SQLite concurrency conflicts.
const persistRetries = 3

// SQLiteStore implements Repository using SQLite. Session records are stored
// as one JSON blob per player; the generator owns the record's inner shape,
// so the schema stays a thin envelope.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		player_id TEXT PRIMARY KEY,
		record_json TEXT NOT NULL,
		last_modified REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_last_modified ON sessions(last_modified);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Load retrieves every persisted session keyed by player ID.
func (s *SQLiteStore) Load(ctx context.Context) (map[string]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT player_id, record_json FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	sessions := make(map[string]*domain.Session)
	for rows.Next() {
		var playerID, recordJSON string
		if err := rows.Scan(&playerID, &recordJSON); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		var sess domain.Session
		if err := json.Unmarshal([]byte(recordJSON), &sess); err != nil {
			// A corrupt row must not poison startup; skip and log.
			slog.Error("Skipping undecodable session record", "player_id", playerID, "error", err)
			continue
		}
		sessions[playerID] = &sess
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return sessions, nil
}

// Persist writes one session record through.
func (s *SQLiteStore) Persist(ctx context.Context, playerID string, sess *domain.Session) error {
	recordJSON, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session record: %w", err)
	}

	query := `
	INSERT INTO sessions (player_id, record_json, last_modified)
	VALUES (?, ?, ?)
	ON CONFLICT(player_id) DO UPDATE SET
		record_json = excluded.record_json,
		last_modified = excluded.last_modified`

	for attempt := 0; ; attempt++ {
		_, err = s.db.ExecContext(ctx, query, playerID, string(recordJSON), sess.LastModified)
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || attempt >= persistRetries {
			return fmt.Errorf("persist session: %w", err)
		}
		slog.Warn("SQLite busy, retrying persist", "player_id", playerID, "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
}

// MostRecent returns up to limit sessions by last_modified descending.
func (s *SQLiteStore) MostRecent(ctx context.Context, limit int) ([]*domain.Session, error) {
	query := `SELECT record_json FROM sessions ORDER BY last_modified DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close recent session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		var recordJSON string
		if err := rows.Scan(&recordJSON); err != nil {
			return nil, fmt.Errorf("scan recent session row: %w", err)
		}
		var sess domain.Session
		if err := json.Unmarshal([]byte(recordJSON), &sess); err != nil {
			slog.Error("Skipping undecodable session record", "error", err)
			continue
		}
		sessions = append(sessions, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent session rows: %w", err)
	}
	return sessions, nil
}

// Delete removes a player's persisted record.
func (s *SQLiteStore) Delete(ctx context.Context, playerID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE player_id = ?`, playerID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
