package results

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/taskdock/internal/protocol"
	"github.com/mattjoyce/taskdock/internal/storage"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestRecordAndGet(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	finished := time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC)

	err := s.Record(ctx, protocol.Notice{
		TaskID:     "7",
		TraceID:    "trace-7",
		Channel:    "reports",
		Worker:     2,
		Command:    "echo",
		Code:       0,
		Result:     map[string]any{"n": 3},
		FinishedAt: finished,
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, "trace-7", got.TraceID)
	assert.Equal(t, "reports", got.Channel)
	assert.Equal(t, 2, got.Worker)
	assert.Equal(t, "echo", got.Command)
	assert.Equal(t, map[string]any{"n": float64(3)}, got.Result)
	assert.Empty(t, got.Error)
	assert.True(t, finished.Equal(got.FinishedAt))
}

func TestRecordOverwrites(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, protocol.Notice{TaskID: "9", Channel: "c", Command: "sleep", Code: 0}))
	require.NoError(t, s.Record(ctx, protocol.Notice{TaskID: "9", Channel: "c", Command: "sleep", Code: -4, Error: "boom"}))

	got, err := s.Get(ctx, "9")
	require.NoError(t, err)
	assert.Equal(t, -4, got.Code)
	assert.Equal(t, "boom", got.Error)
	assert.Nil(t, got.Result)
}

func TestGetMissing(t *testing.T) {
	s := newStore(t)
	_, err := s.Get(context.Background(), "404")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRecordRequiresTaskID(t *testing.T) {
	s := newStore(t)
	assert.Error(t, s.Record(context.Background(), protocol.Notice{}))
}
