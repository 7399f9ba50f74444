package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database connection and provides methods for storage operations.
type DB struct {
	conn *sql.DB
}

// NewDB opens/creates a SQLite database at the given path and initializes schema.
// Pass ":memory:" for in-memory database (useful for tests).
func NewDB(dbPath string) (*DB, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Each connection to ":memory:" is its own database.
	conn.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// initSchema creates the necessary tables if they don't exist.
func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		ts INTEGER NOT NULL,
		session_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		exit_code INTEGER,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_session_events_ts ON session_events(ts DESC);
	CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(run_id, session_id);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// InsertEvent inserts a new event record into the database.
func (db *DB) InsertEvent(ctx context.Context, ev *Event) error {
	query := `
		INSERT INTO session_events (run_id, ts, session_id, kind, detail, exit_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := db.conn.ExecContext(ctx, query,
		ev.RunID,
		ev.Timestamp.UnixNano(),
		ev.SessionID,
		ev.Kind,
		ev.Detail,
		ev.ExitCode,
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	ev.ID = id
	return nil
}

// RecentEvents retrieves the N most recent events.
func (db *DB) RecentEvents(ctx context.Context, limit int) ([]*Event, error) {
	query := `
		SELECT id, run_id, ts, session_id, kind, detail, exit_code
		FROM session_events
		ORDER BY ts DESC, id DESC
		LIMIT ?
	`

	rows, err := db.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent events: %w", err)
	}
	defer rows.Close()

	return db.scanEvents(rows)
}

// SearchEvents finds events whose detail starts with pattern.
func (db *DB) SearchEvents(ctx context.Context, pattern string, limit int) ([]*Event, error) {
	query := `
		SELECT id, run_id, ts, session_id, kind, detail, exit_code
		FROM session_events
		WHERE detail LIKE ? ESCAPE '\'
		ORDER BY ts DESC, id DESC
		LIMIT ?
	`

	rows, err := db.conn.QueryContext(ctx, query, escapeLike(pattern)+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search events: %w", err)
	}
	defer rows.Close()

	return db.scanEvents(rows)
}

// EventsBySession retrieves the events of one session within one run.
func (db *DB) EventsBySession(ctx context.Context, runID string, sessionID int, limit int) ([]*Event, error) {
	query := `
		SELECT id, run_id, ts, session_id, kind, detail, exit_code
		FROM session_events
		WHERE run_id = ? AND session_id = ?
		ORDER BY ts DESC, id DESC
		LIMIT ?
	`

	rows, err := db.conn.QueryContext(ctx, query, runID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events by session: %w", err)
	}
	defer rows.Close()

	return db.scanEvents(rows)
}

// scanEvents is a helper that scans rows into Event structs.
func (db *DB) scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event

	for rows.Next() {
		var ev Event
		var tsNano int64
		var exitCode sql.NullInt64

		err := rows.Scan(
			&ev.ID,
			&ev.RunID,
			&tsNano,
			&ev.SessionID,
			&ev.Kind,
			&ev.Detail,
			&exitCode,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}

		ev.Timestamp = time.Unix(0, tsNano)
		if exitCode.Valid {
			val := int(exitCode.Int64)
			ev.ExitCode = &val
		}

		events = append(events, &ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}

	return events, nil
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
