package emergency

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS logs (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp  TEXT NOT NULL,
		severity   TEXT NOT NULL,
		kind       TEXT NOT NULL,
		session_id TEXT NOT NULL,
		body       TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs(timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_severity ON logs(severity)`,
}

// SQLiteSink persists entries in an unbounded SQLite table indexed by
// timestamp and severity.
type SQLiteSink struct {
	path string
	db   *sql.DB
}

// OpenSQLiteSink opens or creates the database at path.
func OpenSQLiteSink(path string) (*SQLiteSink, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &SQLiteSink{path: path, db: db}, nil
}

func (s *SQLiteSink) Name() string { return "sqlite:" + s.path }

func (s *SQLiteSink) Deliver(ctx context.Context, e *Entry) error {
	if e == nil {
		return nil
	}
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO logs(timestamp, severity, kind, session_id, body) VALUES(?, ?, ?, ?, ?)`,
		e.Timestamp.UTC().Format(time.RFC3339Nano), string(e.Severity), string(e.Kind), e.SessionID, string(body),
	)
	if err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first. Severity filters when
// non-empty.
func (s *SQLiteSink) Recent(ctx context.Context, severity Severity, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT body FROM logs ORDER BY id DESC LIMIT ?`
	args := []any{limit}
	if severity != "" {
		query = `SELECT body FROM logs WHERE severity = ? ORDER BY id DESC LIMIT ?`
		args = []any{string(severity), limit}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		var e Entry
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, fmt.Errorf("decode log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the number of stored entries.
func (s *SQLiteSink) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM logs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count logs: %w", err)
	}
	return n, nil
}

func (s *SQLiteSink) Close(context.Context) error {
	return s.db.Close()
}
