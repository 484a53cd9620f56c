package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// RunRecord is one journaled synchronization run.
type RunRecord struct {
	ID         string        `json:"id"`
	Table      string        `json:"table"`
	State      string        `json:"state"`
	Rows       int64         `json:"rows"`
	Batches    int           `json:"batches"`
	Buckets    int           `json:"buckets"`
	Checkpoint string        `json:"checkpoint"`
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

type Journal interface {
	Record(ctx context.Context, r RunRecord) error
	// Recent returns the latest runs first; an empty table matches every table.
	Recent(ctx context.Context, table string, limit int) ([]RunRecord, error)
	Close() error
}

// SQLiteJournal keeps run records in a local SQLite file.
type SQLiteJournal struct {
	db *sql.DB
	mu sync.Mutex
}

func OpenSQLiteJournal(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}

	query := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		tbl TEXT NOT NULL,
		state TEXT NOT NULL,
		rows INTEGER NOT NULL,
		batches INTEGER NOT NULL,
		buckets INTEGER NOT NULL,
		checkpoint TEXT NOT NULL,
		started INTEGER NOT NULL,
		duration_ns INTEGER NOT NULL,
		error TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS runs_tbl_started ON runs (tbl, started);`
	if _, err := db.Exec(query); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: init schema: %w", err)
	}

	if _, err := db.Exec(`PRAGMA journal_mode = WAL; PRAGMA synchronous = NORMAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: pragma: %w", err)
	}

	return &SQLiteJournal{db: db}, nil
}

func (j *SQLiteJournal) Record(ctx context.Context, r RunRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err := j.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO runs (id, tbl, state, rows, batches, buckets, checkpoint, started, duration_ns, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		r.ID, r.Table, r.State, r.Rows, r.Batches, r.Buckets, r.Checkpoint, r.Started.UnixNano(), int64(r.Duration), r.Error)
	if err != nil {
		return fmt.Errorf("journal: record: %w", err)
	}
	return nil
}

func (j *SQLiteJournal) Recent(ctx context.Context, table string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	q := "SELECT id, tbl, state, rows, batches, buckets, checkpoint, started, duration_ns, error FROM runs"
	args := []any{}
	if table != "" {
		q += " WHERE tbl = ?"
		args = append(args, table)
	}
	q += " ORDER BY started DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		var started, dur int64
		if err := rows.Scan(&r.ID, &r.Table, &r.State, &r.Rows, &r.Batches, &r.Buckets, &r.Checkpoint, &started, &dur, &r.Error); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		r.Started = time.Unix(0, started).UTC()
		r.Duration = time.Duration(dur)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}
