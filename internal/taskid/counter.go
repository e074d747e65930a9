// Package taskid mints task identifiers from a counter shared by every
// process of a server: the master, its workers and one-shot CLI dispatches.
package taskid

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync/atomic"
)

// Counter hands out strictly increasing integers.
type Counter interface {
	Next(ctx context.Context) (int64, error)
}

// SQLiteCounter increments a named row in the task_counter table. SQLite's
// write lock makes every increment atomic across processes that open the same file.
type SQLiteCounter struct {
	db   *sql.DB
	name string
}

// NewSQLiteCounter returns a counter stored under name (usually the server name).
func NewSQLiteCounter(db *sql.DB, name string) *SQLiteCounter {
	return &SQLiteCounter{db: db, name: name}
}

func (c *SQLiteCounter) Next(ctx context.Context) (int64, error) {
	var v int64
	err := c.db.QueryRowContext(ctx, `
INSERT INTO task_counter(name, value) VALUES(?, 1)
ON CONFLICT(name) DO UPDATE SET value = value + 1
RETURNING value;
`, c.name).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("increment task counter: %w", err)
	}
	return v, nil
}

// LocalCounter is an in-process counter for single-process setups.
type LocalCounter struct {
	n atomic.Int64
}

func (c *LocalCounter) Next(context.Context) (int64, error) {
	return c.n.Add(1), nil
}

// Format renders a counter value as a task id.
func Format(v int64) string {
	return strconv.FormatInt(v, 10)
}
