package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/taskdock/internal/events"
	"github.com/mattjoyce/taskdock/internal/lock"
	"github.com/mattjoyce/taskdock/internal/log"
	"github.com/mattjoyce/taskdock/internal/notify"
	"github.com/mattjoyce/taskdock/internal/protocol"
	"github.com/mattjoyce/taskdock/internal/task"
	"github.com/mattjoyce/taskdock/internal/transport"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

func socketDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "td")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func testRegistry() *Registry {
	r := DefaultRegistry()
	r.Register("fail", func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("boom")
	})
	r.Register("panic", func(context.Context, map[string]any) (any, error) {
		panic("handler bug")
	})
	return r
}

// startServer runs a worker until the test ends.
func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	s := New(cfg, testRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		_, err := os.Stat(s.Addr())
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	return s
}

func newDispatcher(t *testing.T, dir string, codec protocol.Codec) *task.Dispatcher {
	t.Helper()
	d, err := task.New(task.Config{ServerName: "svc", WorkerNum: 1, TempDir: dir, Timeout: time.Second}, nil, codec)
	require.NoError(t, err)
	return d
}

// rawExchange sends body to the worker and returns the decoded reply.
func rawExchange(t *testing.T, addr string, codec protocol.Codec, body []byte) protocol.Reply {
	t.Helper()
	c, err := transport.Dial(context.Background(), addr)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Send(body))
	resp, err := c.Recv(2 * time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, resp)

	var r protocol.Reply
	require.NoError(t, codec.Decode(resp, &r))
	return r
}

func TestSyncThroughDispatcher(t *testing.T) {
	for _, codec := range []protocol.Codec{protocol.JSONCodec{}, protocol.MsgpackCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			dir := socketDir(t)
			startServer(t, Config{Index: 0, ServerName: "svc", TempDir: dir, Codec: codec, MaxRunning: 2})
			d := newDispatcher(t, dir, codec)

			result, code := d.Sync(context.Background(), protocol.Payload{Command: "ping"}, time.Second)
			require.Equal(t, task.CodePushInQueue, code)
			assert.Equal(t, "pong", result)

			result, code = d.Sync(context.Background(), protocol.Payload{Command: "echo", Args: map[string]any{"k": "v"}}, time.Second)
			require.Equal(t, task.CodePushInQueue, code)
			assert.Equal(t, map[string]any{"k": "v"}, result)
		})
	}
}

func TestSyncTaskErrors(t *testing.T) {
	dir := socketDir(t)
	startServer(t, Config{ServerName: "svc", TempDir: dir})
	d := newDispatcher(t, dir, nil)

	for _, command := range []string{"fail", "panic", "unknown"} {
		t.Run(command, func(t *testing.T) {
			result, code := d.Sync(context.Background(), protocol.Payload{Command: command}, time.Second)
			assert.Nil(t, result)
			assert.Equal(t, task.CodeTaskError, code)
		})
	}
}

func TestSyncHandlerOutlivesWindow(t *testing.T) {
	dir := socketDir(t)
	startServer(t, Config{ServerName: "svc", TempDir: dir})
	d := newDispatcher(t, dir, nil)

	start := time.Now()
	result, code := d.Sync(context.Background(), protocol.Payload{Command: "sleep", Args: map[string]any{"ms": 5000}}, 300*time.Millisecond)
	assert.Nil(t, result)
	// The worker cancels at expiry; which side gives up first is a race.
	assert.Contains(t, []task.Code{task.CodeTaskError, task.CodeProcessBusy}, code)
	assert.Less(t, time.Since(start), time.Second)
}

func TestExpiredPackageRefused(t *testing.T) {
	dir := socketDir(t)
	s := startServer(t, Config{ServerName: "svc", TempDir: dir})

	codec := protocol.JSONCodec{}
	body, err := codec.Encode(protocol.Package{
		TaskID:    "1",
		Mode:      protocol.ModeSync,
		Payload:   protocol.Payload{Command: "ping"},
		ExpiresAt: time.Now().Add(-time.Second),
	})
	require.NoError(t, err)

	r := rawExchange(t, s.Addr(), codec, body)
	assert.Equal(t, int(task.CodePackageExpire), r.Code)
}

func TestUndecodablePackage(t *testing.T) {
	dir := socketDir(t)
	s := startServer(t, Config{ServerName: "svc", TempDir: dir})

	r := rawExchange(t, s.Addr(), protocol.JSONCodec{}, []byte("not a package"))
	assert.Equal(t, int(task.CodePackageError), r.Code)
	assert.NotEmpty(t, r.Error)
}

func TestUnknownMode(t *testing.T) {
	dir := socketDir(t)
	s := startServer(t, Config{ServerName: "svc", TempDir: dir})

	codec := protocol.JSONCodec{}
	body, err := codec.Encode(protocol.Package{TaskID: "1", Mode: 9, ExpiresAt: time.Now().Add(time.Second)})
	require.NoError(t, err)

	r := rawExchange(t, s.Addr(), codec, body)
	assert.Equal(t, int(task.CodePackageError), r.Code)
}

func TestAsyncQueueLimit(t *testing.T) {
	dir := socketDir(t)
	s := startServer(t, Config{ServerName: "svc", TempDir: dir, MaxRunning: 1})
	d := newDispatcher(t, dir, nil)

	slow := protocol.Payload{Command: "sleep", Args: map[string]any{"ms": 300}}
	require.Equal(t, task.CodePushInQueue, d.Async(context.Background(), slow))
	assert.Equal(t, 1, s.Running())

	assert.Equal(t, task.CodePushQueueFail, d.Async(context.Background(), slow))

	require.Eventually(t, func() bool { return s.Running() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, task.CodePushInQueue, d.Async(context.Background(), protocol.Payload{Command: "ping"}))
}

func TestAsyncDeliversNotice(t *testing.T) {
	dir := socketDir(t)
	s := New(Config{ServerName: "svc", TempDir: dir, MaxRunning: 8}, testRegistry())

	notices := make(chan protocol.Notice, 4)
	s.deliver = func(_ context.Context, n protocol.Notice) error {
		notices <- n
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	defer func() {
		cancel()
		<-done
	}()
	require.Eventually(t, func() bool {
		_, err := os.Stat(s.Addr())
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	d := newDispatcher(t, dir, nil)
	require.Equal(t, task.CodePushInQueue, d.Async(ctx, protocol.Payload{Command: "ping"}, task.WithOnFinish("reports")))
	require.Equal(t, task.CodePushInQueue, d.Async(ctx, protocol.Payload{Command: "fail"}, task.WithOnFinish("reports")))
	// No channel, no notice.
	require.Equal(t, task.CodePushInQueue, d.Async(ctx, protocol.Payload{Command: "ping"}))

	got := map[string]protocol.Notice{}
	for i := 0; i < 2; i++ {
		select {
		case n := <-notices:
			got[n.Command] = n
		case <-time.After(2 * time.Second):
			t.Fatal("notice not delivered")
		}
	}

	assert.Equal(t, "reports", got["ping"].Channel)
	assert.Equal(t, 0, got["ping"].Code)
	assert.Equal(t, "pong", got["ping"].Result)
	assert.NotEmpty(t, got["ping"].TaskID)

	assert.Equal(t, int(task.CodeTaskError), got["fail"].Code)
	assert.Equal(t, "boom", got["fail"].Error)

	select {
	case n := <-notices:
		t.Fatalf("unexpected notice: %+v", n)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAsyncNoticeReachesHub(t *testing.T) {
	dir := socketDir(t)
	hub := events.NewHub(8)
	l := notify.NewListener(task.NotifyAddress(dir, "svc"), protocol.MsgpackCodec{}, hub, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()
	defer func() {
		cancel()
		<-done
	}()
	require.Eventually(t, func() bool {
		_, err := os.Stat(l.Addr())
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	startServer(t, Config{ServerName: "svc", TempDir: dir, Codec: protocol.MsgpackCodec{}})
	d := newDispatcher(t, dir, protocol.MsgpackCodec{})

	sub, unsubscribe := hub.Subscribe("done")
	defer unsubscribe()

	require.Equal(t, task.CodePushInQueue, d.Async(ctx, protocol.Payload{Command: "ping"}, task.WithOnFinish("done")))

	select {
	case ev := <-sub:
		assert.Equal(t, "pong", ev.Notice.Result)
		assert.Equal(t, 0, ev.Notice.Worker)
	case <-time.After(2 * time.Second):
		t.Fatal("notice not published")
	}
}

func TestSecondServerOnSameIndexRefused(t *testing.T) {
	dir := socketDir(t)
	startServer(t, Config{Index: 0, ServerName: "svc", TempDir: dir})

	err := New(Config{Index: 0, ServerName: "svc", TempDir: dir}, nil).Serve(context.Background())
	assert.ErrorIs(t, err, lock.ErrLocked)
}

func TestAddr(t *testing.T) {
	s := New(Config{Index: 3, ServerName: "svc", TempDir: "/tmp"}, nil)
	assert.Equal(t, filepath.Join("/tmp", "svc.TaskWorker.3.sock"), s.Addr())
}
