// Package history keeps a SQLite ledger of renewal attempts.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

type Attempt struct {
	PassID string
	Slot   int
	Region string
	Result string
	Error  string
	Time   time.Time
}

type Store struct {
	db *sql.DB
}

// Open creates the database file and schema if needed.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir state dir: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS renewals(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pass_id TEXT NOT NULL,
		slot INTEGER NOT NULL,
		region TEXT NOT NULL,
		result TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		ts INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_renewals_slot ON renewals(slot, ts);`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Record(ctx context.Context, a Attempt) error {
	if a.Time.IsZero() {
		a.Time = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO renewals(pass_id, slot, region, result, error, ts) VALUES(?,?,?,?,?,?)`,
		a.PassID, a.Slot, a.Region, a.Result, a.Error, a.Time.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert renewal: %w", err)
	}
	return nil
}

// Recent returns up to limit attempts, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT pass_id, slot, region, result, error, ts FROM renewals ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query renewals: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var (
			a  Attempt
			ts int64
		)
		if err := rows.Scan(&a.PassID, &a.Slot, &a.Region, &a.Result, &a.Error, &ts); err != nil {
			return nil, fmt.Errorf("scan renewal: %w", err)
		}
		a.Time = time.Unix(0, ts)
		out = append(out, a)
	}
	return out, rows.Err()
}

// LastSuccess returns the time of the newest successful attempt for slot.
func (s *Store) LastSuccess(ctx context.Context, slot int) (time.Time, bool, error) {
	var ts sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(ts) FROM renewals WHERE slot = ? AND result = ?`, slot, ResultOK).Scan(&ts)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query last success: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(0, ts.Int64), true, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
