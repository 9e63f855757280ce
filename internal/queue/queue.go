// Package queue implements the durable store-and-forward buffer that sits
// behind the telemetry send pipeline: a single SQLite file in WAL mode
// holding payloads that could not be delivered immediately.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Entry is one row of the persistent queue, ordered by ascending ID.
type Entry struct {
	ID           int64
	Payload      []byte
	EnqueuedAt   int64 // unix seconds
	AttemptCount int
}

// Queue is a single-writer, crash-safe FIFO backed by SQLite.
type Queue struct {
	db      *sql.DB
	maxRows int // 0 means unbounded
}

// Open creates (if needed) the directory and database file at path and
// returns a ready Queue. maxRows, when > 0, caps retention: enqueuing
// past the cap evicts the oldest rows.
func Open(path string, maxRows int) (*Queue, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("queue: create data dir: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("queue: open: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer by construction
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS telemetry_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		payload BLOB NOT NULL,
		enqueued_at INTEGER NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: create schema: %w", err)
	}

	if err := os.Chmod(path, 0o600); err != nil && !os.IsNotExist(err) {
		_ = db.Close()
		return nil, fmt.Errorf("queue: chmod: %w", err)
	}

	return &Queue{db: db, maxRows: maxRows}, nil
}

// Close releases the underlying database handle.
func (q *Queue) Close() error { return q.db.Close() }

// Enqueue appends payload to the tail of the queue and returns its
// assigned ID. If maxRows is set and exceeded, the oldest rows beyond
// the cap are evicted; evicted reports how many rows were dropped.
func (q *Queue) Enqueue(ctx context.Context, payload []byte, enqueuedAt int64) (id int64, evicted int, err error) {
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO telemetry_queue (payload, enqueued_at, attempt_count) VALUES (?, ?, 0)`,
		payload, enqueuedAt)
	if err != nil {
		return 0, 0, fmt.Errorf("queue: enqueue: %w", err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, 0, fmt.Errorf("queue: last insert id: %w", err)
	}

	if q.maxRows > 0 {
		evicted, err = q.enforceCap(ctx)
		if err != nil {
			return id, 0, err
		}
	}
	return id, evicted, nil
}

func (q *Queue) enforceCap(ctx context.Context) (int, error) {
	var count int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM telemetry_queue`).Scan(&count); err != nil {
		return 0, fmt.Errorf("queue: count: %w", err)
	}
	over := count - q.maxRows
	if over <= 0 {
		return 0, nil
	}
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM telemetry_queue WHERE id IN (
			SELECT id FROM telemetry_queue ORDER BY id ASC LIMIT ?
		)`, over)
	if err != nil {
		return 0, fmt.Errorf("queue: evict: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("queue: evict rows affected: %w", err)
	}
	return int(n), nil
}

// Peek returns up to limit entries in ascending ID order without removing
// them.
func (q *Queue) Peek(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, payload, enqueued_at, attempt_count FROM telemetry_queue ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("queue: peek: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Payload, &e.EnqueuedAt, &e.AttemptCount); err != nil {
			return nil, fmt.Errorf("queue: scan: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Remove deletes the entry with the given ID.
func (q *Queue) Remove(ctx context.Context, id int64) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM telemetry_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("queue: remove: %w", err)
	}
	return nil
}

// IncrementAttempt bumps the attempt_count for an entry that was tried and
// failed, so repeated failures are visible without losing FIFO order.
func (q *Queue) IncrementAttempt(ctx context.Context, id int64) error {
	if _, err := q.db.ExecContext(ctx, `UPDATE telemetry_queue SET attempt_count = attempt_count + 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("queue: increment attempt: %w", err)
	}
	return nil
}

// Depth returns the current row count.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM telemetry_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue: depth: %w", err)
	}
	return n, nil
}
