// Package results persists async task outcomes delivered to the master so
// they can be looked up after the OnFinish subscribers have moved on.
package results

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/taskdock/internal/protocol"
)

var ErrNotFound = errors.New("task result not found")

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record upserts the outcome carried by n.
func (s *Store) Record(ctx context.Context, n protocol.Notice) error {
	if n.TaskID == "" {
		return fmt.Errorf("task id is empty")
	}

	var result any
	if n.Result != nil {
		b, err := json.Marshal(n.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		result = string(b)
	}

	var lastError any
	if n.Error != "" {
		lastError = n.Error
	}

	finishedAt := n.FinishedAt
	if finishedAt.IsZero() {
		finishedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO task_log(task_id, trace_id, channel, worker, command, code, result, last_error, finished_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(task_id) DO UPDATE SET
  trace_id = excluded.trace_id,
  channel = excluded.channel,
  worker = excluded.worker,
  command = excluded.command,
  code = excluded.code,
  result = excluded.result,
  last_error = excluded.last_error,
  finished_at = excluded.finished_at;
`, n.TaskID, n.TraceID, n.Channel, n.Worker, n.Command, n.Code, result, lastError,
		finishedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record task result: %w", err)
	}
	return nil
}

// Get returns the recorded outcome of taskID.
func (s *Store) Get(ctx context.Context, taskID string) (*protocol.Notice, error) {
	var (
		n           protocol.Notice
		result      sql.NullString
		lastError   sql.NullString
		finishedAtS string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT task_id, trace_id, channel, worker, command, code, result, last_error, finished_at
FROM task_log WHERE task_id = ?;
`, taskID).Scan(&n.TaskID, &n.TraceID, &n.Channel, &n.Worker, &n.Command, &n.Code, &result, &lastError, &finishedAtS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read task result: %w", err)
	}

	if result.Valid {
		if err := json.Unmarshal([]byte(result.String), &n.Result); err != nil {
			return nil, fmt.Errorf("stored result is invalid JSON for task=%q: %w", taskID, err)
		}
	}
	if lastError.Valid {
		n.Error = lastError.String
	}
	n.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAtS)
	if err != nil {
		return nil, fmt.Errorf("parse finished_at: %w", err)
	}
	return &n, nil
}
