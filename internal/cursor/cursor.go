// Copyright (C) 2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package cursor is the durable ingestion ledger. Every source file has a
// row keyed by path; its status moves pending → done or pending → failed
// (→ pending again on retry), never done → anything. Writes are committed
// before returning, which is what makes ingestion resumable: a fresh run
// skips every row already marked done.
package cursor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Status is a cursor row's processing status.
type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// ErrDoneIsFinal is returned on an attempt to move a done row backward.
var ErrDoneIsFinal = errors.New("cursor: done items cannot be reopened")

// Entry is one cursor row.
type Entry struct {
	Path        string
	MTime       float64
	Status      Status
	PointID     string
	Error       string
	LastAttempt time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS files (
  path TEXT PRIMARY KEY,
  mtime REAL NOT NULL,
  status TEXT NOT NULL,
  point_id TEXT,
  error TEXT,
  last_attempt INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_files_status ON files(status);
`

// Store is the sqlite-backed cursor ledger.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the ledger at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cursor: creating state dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cursor: opening %s: %w", path, err)
	}
	// A single writer plus readers; WAL keeps the durable-write-per-item
	// pattern from serializing the whole pipeline on fsync.
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("cursor: applying %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cursor: creating schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Get returns the entry for path, with found=false when no row exists.
func (s *Store) Get(ctx context.Context, path string) (Entry, bool, error) {
	var e Entry
	var lastAttempt int64
	var pointID, errMsg sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT path, mtime, status, point_id, error, last_attempt FROM files WHERE path = ?`,
		path).Scan(&e.Path, &e.MTime, &e.Status, &pointID, &errMsg, &lastAttempt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("cursor: reading %s: %w", path, err)
	}
	e.PointID = pointID.String
	e.Error = errMsg.String
	if lastAttempt > 0 {
		e.LastAttempt = time.Unix(lastAttempt, 0)
	}
	return e, true, nil
}

// SetDone durably records a finished item. Done is final.
func (s *Store) SetDone(ctx context.Context, path string, mtime float64, pointID string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO files(path, mtime, status, point_id, error, last_attempt)
VALUES (?, ?, ?, ?, NULL, ?)
ON CONFLICT(path) DO UPDATE SET
  mtime = excluded.mtime,
  status = excluded.status,
  point_id = excluded.point_id,
  error = NULL,
  last_attempt = excluded.last_attempt`,
		path, mtime, StatusDone, pointID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("cursor: marking %s done: %w", path, err)
	}
	return nil
}

// SetFailed durably records a permanent per-item failure. A done row is
// never demoted to failed.
func (s *Store) SetFailed(ctx context.Context, path string, mtime float64, cause string) error {
	return s.setNonFinal(ctx, path, mtime, StatusFailed, cause)
}

// SetPending reopens a failed row for retry, or registers a new one. Done
// rows are left alone and the call reports ErrDoneIsFinal.
func (s *Store) SetPending(ctx context.Context, path string, mtime float64) error {
	return s.setNonFinal(ctx, path, mtime, StatusPending, "")
}

func (s *Store) setNonFinal(ctx context.Context, path string, mtime float64, status Status, cause string) error {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO files(path, mtime, status, point_id, error, last_attempt)
VALUES (?, ?, ?, NULL, ?, ?)
ON CONFLICT(path) DO UPDATE SET
  mtime = excluded.mtime,
  status = excluded.status,
  error = excluded.error,
  last_attempt = excluded.last_attempt
WHERE files.status != 'done'`,
		path, mtime, status, nullable(cause), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("cursor: marking %s %s: %w", path, status, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrDoneIsFinal, path)
	}
	return nil
}

// CountByStatus returns row counts keyed by status.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM files GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("cursor: counting: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[Status]int64)
	for rows.Next() {
		var status Status
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// Close closes the ledger.
func (s *Store) Close() error {
	return s.db.Close()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
