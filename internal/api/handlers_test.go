package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/taskdock/internal/auth"
	"github.com/mattjoyce/taskdock/internal/events"
	"github.com/mattjoyce/taskdock/internal/protocol"
	"github.com/mattjoyce/taskdock/internal/results"
	"github.com/mattjoyce/taskdock/internal/task"
)

// mockDispatcher implements Dispatcher for testing
type mockDispatcher struct {
	syncFunc  func(ctx context.Context, payload protocol.Payload, timeout time.Duration, opts ...task.DispatchOption) (any, task.Code)
	asyncFunc func(ctx context.Context, payload protocol.Payload, opts ...task.DispatchOption) task.Code
}

func (m *mockDispatcher) Sync(ctx context.Context, payload protocol.Payload, timeout time.Duration, opts ...task.DispatchOption) (any, task.Code) {
	return m.syncFunc(ctx, payload, timeout, opts...)
}

func (m *mockDispatcher) Async(ctx context.Context, payload protocol.Payload, opts ...task.DispatchOption) task.Code {
	return m.asyncFunc(ctx, payload, opts...)
}

// mockResults implements ResultStore for testing
type mockResults struct {
	notices map[string]protocol.Notice
	err     error
}

func (m *mockResults) Get(_ context.Context, taskID string) (*protocol.Notice, error) {
	if m.err != nil {
		return nil, m.err
	}
	n, ok := m.notices[taskID]
	if !ok {
		return nil, results.ErrNotFound
	}
	return &n, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(cfg Config, d Dispatcher, rs ResultStore, hub *events.Hub) http.Handler {
	if cfg.WorkerNum == 0 {
		cfg.WorkerNum = 3
	}
	return New(cfg, d, rs, hub, testLogger()).Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	h := newTestServer(Config{APIKey: "k", WorkerNum: 4}, &mockDispatcher{}, nil, nil)

	rec := do(t, h, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthzResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 4, resp.Workers)
}

func TestSyncDispatch(t *testing.T) {
	var gotPayload protocol.Payload
	var gotTimeout time.Duration
	d := &mockDispatcher{
		syncFunc: func(_ context.Context, payload protocol.Payload, timeout time.Duration, opts ...task.DispatchOption) (any, task.Code) {
			gotPayload = payload
			gotTimeout = timeout
			return map[string]any{"ok": true}, task.CodePushInQueue
		},
	}
	h := newTestServer(Config{}, d, nil, nil)

	rec := do(t, h, http.MethodPost, "/tasks/sync", `{"command":"echo","args":{"a":1},"timeout_ms":1500,"worker":2}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp DispatchResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 0, resp.Code)
	assert.Equal(t, "push task in queue", resp.Message)
	assert.Equal(t, map[string]any{"ok": true}, resp.Result)

	assert.Equal(t, "echo", gotPayload.Command)
	assert.Equal(t, map[string]any{"a": float64(1)}, gotPayload.Args)
	assert.Equal(t, 1500*time.Millisecond, gotTimeout)
}

func TestSyncFailureCodes(t *testing.T) {
	tests := []struct {
		code   task.Code
		status int
	}{
		{task.CodePushQueueFail, http.StatusServiceUnavailable},
		{task.CodeProcessBusy, http.StatusServiceUnavailable},
		{task.CodePackageError, http.StatusBadGateway},
		{task.CodeTaskError, http.StatusUnprocessableEntity},
		{task.CodePackageExpire, http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			d := &mockDispatcher{
				syncFunc: func(context.Context, protocol.Payload, time.Duration, ...task.DispatchOption) (any, task.Code) {
					return nil, tt.code
				},
			}
			rec := do(t, newTestServer(Config{}, d, nil, nil), http.MethodPost, "/tasks/sync", `{"command":"ping"}`, nil)
			assert.Equal(t, tt.status, rec.Code)

			var resp DispatchResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, int(tt.code), resp.Code)
			assert.Equal(t, task.ErrorCodeToMessage(int(tt.code)), resp.Message)
			assert.Nil(t, resp.Result)
		})
	}
}

func TestSyncRejectsBadRequests(t *testing.T) {
	d := &mockDispatcher{
		syncFunc: func(context.Context, protocol.Payload, time.Duration, ...task.DispatchOption) (any, task.Code) {
			t.Fatal("dispatcher must not be called")
			return nil, task.CodePushInQueue
		},
	}
	h := newTestServer(Config{MaxSyncTimeout: 5 * time.Second}, d, nil, nil)

	for name, body := range map[string]string{
		"not json":          `{`,
		"missing command":   `{"args":{}}`,
		"unknown field":     `{"command":"ping","bogus":1}`,
		"worker range":      `{"command":"ping","worker":3}`,
		"negative worker":   `{"command":"ping","worker":-1}`,
		"timeout too big":   `{"command":"ping","timeout_ms":6000}`,
		"negative":          `{"command":"ping","timeout_ms":-1}`,
		"timeout too small": `{"command":"ping","timeout_ms":40}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/tasks/sync", body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestAsyncDispatch(t *testing.T) {
	var got protocol.Payload
	d := &mockDispatcher{
		asyncFunc: func(_ context.Context, payload protocol.Payload, opts ...task.DispatchOption) task.Code {
			got = payload
			return task.CodePushInQueue
		},
	}
	h := newTestServer(Config{}, d, nil, nil)

	rec := do(t, h, http.MethodPost, "/tasks/async", `{"command":"job","on_finish":"reports"}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "job", got.Command)

	var resp DispatchResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 0, resp.Code)
}

// TestAsyncThroughDispatcher runs the handler against a real dispatcher so
// the receipt and options reach the wire.
func TestAsyncThroughDispatcher(t *testing.T) {
	d, err := task.New(task.Config{ServerName: "svc", WorkerNum: 2, TempDir: t.TempDir(), Timeout: 200 * time.Millisecond}, nil, nil)
	require.NoError(t, err)
	h := newTestServer(Config{WorkerNum: 2}, d, nil, nil)

	rec := do(t, h, http.MethodPost, "/tasks/async", `{"command":"job","worker":1}`, nil)
	// Nothing listens on the socket.
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp DispatchResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, int(task.CodeProcessBusy), resp.Code)
	assert.Equal(t, "1", resp.TaskID)
	assert.NotEmpty(t, resp.TraceID)
	require.NotNil(t, resp.Worker)
	assert.Equal(t, 1, *resp.Worker)
}

func TestGetTask(t *testing.T) {
	finished := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	rs := &mockResults{notices: map[string]protocol.Notice{
		"42": {TaskID: "42", Channel: "reports", Command: "echo", Code: -4, Error: "boom", FinishedAt: finished},
	}}
	h := newTestServer(Config{}, &mockDispatcher{}, rs, nil)

	rec := do(t, h, http.MethodGet, "/tasks/42", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp TaskResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "42", resp.TaskID)
	assert.Equal(t, "task run error", resp.Message)
	assert.Equal(t, "boom", resp.Error)
	assert.True(t, finished.Equal(resp.FinishedAt))

	rec = do(t, h, http.MethodGet, "/tasks/7", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rs.err = errors.New("db gone")
	rec = do(t, h, http.MethodGet, "/tasks/42", "", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = do(t, newTestServer(Config{}, &mockDispatcher{}, nil, nil), http.MethodGet, "/tasks/42", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuthAndScopes(t *testing.T) {
	d := &mockDispatcher{
		syncFunc: func(context.Context, protocol.Payload, time.Duration, ...task.DispatchOption) (any, task.Code) {
			return "pong", task.CodePushInQueue
		},
	}
	rs := &mockResults{notices: map[string]protocol.Notice{"1": {TaskID: "1"}}}
	h := newTestServer(Config{
		APIKey: "admin",
		Tokens: []auth.TokenConfig{{Token: "reader", Scopes: []string{auth.ScopeTasksRO}}},
	}, d, rs, nil)

	body := `{"command":"ping"}`
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/tasks/sync", body, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/tasks/sync", body, map[string]string{"Authorization": "Bearer wrong"}).Code)
	assert.Equal(t, http.StatusForbidden, do(t, h, http.MethodPost, "/tasks/sync", body, map[string]string{"Authorization": "Bearer reader"}).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/tasks/1", "", map[string]string{"Authorization": "Bearer reader"}).Code)
	assert.Equal(t, http.StatusForbidden, do(t, h, http.MethodGet, "/events", "", map[string]string{"Authorization": "Bearer reader"}).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/tasks/sync", body, map[string]string{"Authorization": "Bearer admin"}).Code)

	// Ops endpoints stay open.
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/openapi.json", "", nil).Code)
}

func TestOpenAPIDoc(t *testing.T) {
	rec := do(t, newTestServer(Config{}, &mockDispatcher{}, nil, nil), http.MethodGet, "/openapi.json", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "3.1.0", doc["openapi"])
	paths, ok := doc["paths"].(map[string]any)
	require.True(t, ok)
	for _, p := range []string{"/tasks/sync", "/tasks/async", "/tasks/{taskID}", "/events"} {
		assert.Contains(t, paths, p)
	}
}

func TestRequestBodyLimit(t *testing.T) {
	d := &mockDispatcher{
		syncFunc: func(context.Context, protocol.Payload, time.Duration, ...task.DispatchOption) (any, task.Code) {
			return nil, task.CodePushInQueue
		},
	}
	big := `{"command":"ping","args":{"blob":"` + string(bytes.Repeat([]byte("x"), maxBodyBytes)) + `"}}`
	rec := do(t, newTestServer(Config{}, d, nil, nil), http.MethodPost, "/tasks/sync", big, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
