package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/taskdock/internal/config"
	"github.com/mattjoyce/taskdock/internal/log"
	"github.com/mattjoyce/taskdock/internal/protocol"
	"github.com/mattjoyce/taskdock/internal/taskid"
	"github.com/mattjoyce/taskdock/internal/transport"
)

const (
	// asyncExpiryMargin is taken off the timeout when stamping an async package.
	asyncExpiryMargin = 10 * time.Millisecond

	// syncExpiryMargin is larger: the whole task has to finish inside the window.
	syncExpiryMargin = 40 * time.Millisecond

	// DefaultSyncTimeout is the Sync timeout used when the caller passes zero.
	DefaultSyncTimeout = 3 * time.Second

	// MinSyncTimeout is the shortest Sync timeout whose package is still
	// valid when it is built.
	MinSyncTimeout = syncExpiryMargin + time.Millisecond
)

// Config is the immutable part of a Dispatcher.
type Config struct {
	ServerName string
	WorkerNum  int
	TempDir    string
	Timeout    time.Duration
}

// ConfigFrom extracts the dispatcher settings from the service configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		ServerName: cfg.Service.Name,
		WorkerNum:  cfg.Task.WorkerNum,
		TempDir:    cfg.Task.TempDir,
		Timeout:    cfg.Task.Timeout,
	}
}

func (c Config) validate() error {
	if c.ServerName == "" {
		return fmt.Errorf("server name is empty")
	}
	if c.WorkerNum <= 0 {
		return fmt.Errorf("worker count must be positive (got %d)", c.WorkerNum)
	}
	if c.TempDir == "" {
		return fmt.Errorf("temp dir is empty")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive (got %v)", c.Timeout)
	}
	return nil
}

// Dispatcher builds Packages and exchanges them with worker processes.
type Dispatcher struct {
	cfg     Config
	counter taskid.Counter
	codec   protocol.Codec
	logger  *slog.Logger

	// now is replaced in tests to pin dispatch times.
	now func() time.Time

	mu       sync.Mutex
	attached bool
}

// New creates a Dispatcher. A nil counter falls back to an in-process
// counter; a nil codec to JSON.
func New(cfg Config, counter taskid.Counter, codec protocol.Codec) (*Dispatcher, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid dispatcher config: %w", err)
	}
	if counter == nil {
		counter = &taskid.LocalCounter{}
	}
	if codec == nil {
		codec = protocol.JSONCodec{}
	}
	return &Dispatcher{
		cfg:     cfg,
		counter: counter,
		codec:   codec,
		logger:  log.WithComponent("task"),
		now:     time.Now,
	}, nil
}

// Config returns the dispatcher settings.
func (d *Dispatcher) Config() Config { return d.cfg }

// Attach hands every worker descriptor to host. It succeeds once per
// Dispatcher; later calls fail with ErrAlreadyAttached. If host rejects a
// descriptor the dispatcher stays unattached, and a host implementing
// ProcessRemover has the descriptors it already accepted removed again.
func (d *Dispatcher) Attach(host ProcessHost) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.attached {
		return false, ErrAlreadyAttached
	}

	var added []WorkerDescriptor
	for _, desc := range d.InitWorkers() {
		if err := host.AddProcess(desc); err != nil {
			d.rollback(host, added)
			return false, fmt.Errorf("add worker %d: %w", desc.Index, err)
		}
		added = append(added, desc)
		d.logger.Debug("worker registered", "worker", desc.Index, "socket", desc.SocketAddress, "process", desc.ProcessName)
	}

	d.attached = true
	d.logger.Info("worker pool attached", "server", d.cfg.ServerName, "workers", d.cfg.WorkerNum)
	return true, nil
}

func (d *Dispatcher) rollback(host ProcessHost, added []WorkerDescriptor) {
	if len(added) == 0 {
		return
	}
	remover, ok := host.(ProcessRemover)
	if !ok {
		d.logger.Warn("host cannot remove workers; attach a fresh host", "registered", len(added))
		return
	}
	for i := len(added) - 1; i >= 0; i-- {
		if err := remover.RemoveProcess(added[i].Index); err != nil {
			d.logger.Error("failed to remove worker after failed attach", "worker", added[i].Index, "error", err)
		}
	}
}

// Attached reports whether Attach has succeeded.
func (d *Dispatcher) Attached() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attached
}

// InitWorkers derives the descriptors of workers 0..WorkerNum-1.
func (d *Dispatcher) InitWorkers() []WorkerDescriptor {
	out := make([]WorkerDescriptor, d.cfg.WorkerNum)
	for i := range out {
		out[i] = Descriptor(d.cfg.TempDir, d.cfg.ServerName, i)
	}
	return out
}

// SelectWorker returns *id when given, otherwise a uniformly random index.
// math/rand/v2's generator is seeded once per process.
func (d *Dispatcher) SelectWorker(id *int) int {
	if id != nil {
		return *id
	}
	return rand.IntN(d.cfg.WorkerNum)
}

// Async queues payload on a worker and returns the worker's acknowledgment.
// The task outcome is published on the WithOnFinish channel, if any.
func (d *Dispatcher) Async(ctx context.Context, payload protocol.Payload, opts ...DispatchOption) Code {
	o := collectOptions(opts)

	pkg, err := d.buildPackage(ctx, protocol.ModeAsync, payload, d.cfg.Timeout, asyncExpiryMargin)
	if err != nil {
		d.logger.Error("failed to build package", "command", payload.Command, "error", err)
		return CodePushQueueFail
	}
	pkg.OnFinish = o.onFinish

	worker := d.SelectWorker(o.workerID)
	o.fill(pkg, worker)
	resp, code := d.exchange(ctx, pkg, worker, d.cfg.Timeout)
	if code != CodePushInQueue {
		return code
	}

	reply, code := d.decodeReply(resp, pkg, worker)
	if code != CodePushInQueue {
		return code
	}
	return Code(reply.Code)
}

// Sync runs payload on a worker and waits up to timeout for its result. On
// success the result comes with CodePushInQueue; any other code comes with a
// nil result. A zero timeout means DefaultSyncTimeout; one below
// MinSyncTimeout is CodePackageExpire without contacting a worker.
func (d *Dispatcher) Sync(ctx context.Context, payload protocol.Payload, timeout time.Duration, opts ...DispatchOption) (any, Code) {
	if timeout <= 0 {
		timeout = DefaultSyncTimeout
	}
	if timeout < MinSyncTimeout {
		d.logger.Warn("sync timeout leaves no time to run", "command", payload.Command,
			"timeout", timeout, "min", MinSyncTimeout)
		return nil, CodePackageExpire
	}
	o := collectOptions(opts)

	pkg, err := d.buildPackage(ctx, protocol.ModeSync, payload, timeout, syncExpiryMargin)
	if err != nil {
		d.logger.Error("failed to build package", "command", payload.Command, "error", err)
		return nil, CodePushQueueFail
	}

	worker := d.SelectWorker(o.workerID)
	o.fill(pkg, worker)
	resp, code := d.exchange(ctx, pkg, worker, timeout)
	if code != CodePushInQueue {
		return nil, code
	}

	reply, code := d.decodeReply(resp, pkg, worker)
	if code != CodePushInQueue {
		return nil, code
	}
	if Code(reply.Code) != CodePushInQueue {
		return nil, Code(reply.Code)
	}
	return reply.Result, CodePushInQueue
}

func (d *Dispatcher) buildPackage(ctx context.Context, mode protocol.Mode, payload protocol.Payload, timeout, margin time.Duration) (*protocol.Package, error) {
	n, err := d.counter.Next(ctx)
	if err != nil {
		return nil, fmt.Errorf("mint task id: %w", err)
	}
	return &protocol.Package{
		TaskID:    taskid.Format(n),
		TraceID:   uuid.NewString(),
		Mode:      mode,
		Payload:   payload,
		ExpiresAt: expiresAt(d.now(), timeout, margin),
	}, nil
}

// expiresAt is the absolute deadline stamped on a package dispatched at now.
func expiresAt(now time.Time, timeout, margin time.Duration) time.Time {
	return now.Add(timeout - margin)
}

// exchange sends pkg to worker and returns the raw reply. It opens one
// connection, writes one frame, waits up to timeout for one frame, and always
// closes. Anything that leaves it without reply bytes is CodeProcessBusy; a
// reply frame that arrived broken is CodePackageError.
func (d *Dispatcher) exchange(ctx context.Context, pkg *protocol.Package, worker int, timeout time.Duration) ([]byte, Code) {
	addr := SocketAddress(d.cfg.TempDir, d.cfg.ServerName, worker)
	logger := log.WithTask(pkg.TaskID).With("worker", worker, "mode", pkg.Mode.String())

	body, err := d.codec.Encode(pkg)
	if err != nil {
		logger.Error("failed to encode package", "error", err)
		return nil, CodePackageError
	}

	deadline := time.Now().Add(timeout)
	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	client, err := transport.Dial(dialCtx, addr)
	if err != nil {
		logger.Debug("worker unreachable", "socket", addr, "error", err)
		return nil, CodeProcessBusy
	}
	defer client.Close()

	if err := client.Send(body); err != nil {
		logger.Debug("send failed", "socket", addr, "error", err)
		return nil, CodeProcessBusy
	}

	resp, err := client.Recv(time.Until(deadline))
	switch {
	case errors.Is(err, transport.ErrNoReply):
		logger.Debug("no reply before timeout", "socket", addr, "timeout", timeout, "error", err)
		return nil, CodeProcessBusy
	case err != nil:
		logger.Warn("malformed reply frame", "socket", addr, "error", err)
		return nil, CodePackageError
	case len(resp) == 0:
		logger.Debug("empty reply", "socket", addr)
		return nil, CodeProcessBusy
	}
	return resp, CodePushInQueue
}

func (d *Dispatcher) decodeReply(resp []byte, pkg *protocol.Package, worker int) (*protocol.Reply, Code) {
	var reply protocol.Reply
	if err := d.codec.Decode(resp, &reply); err != nil {
		d.logger.Warn("undecodable reply", "task_id", pkg.TaskID, "worker", worker, "error", err)
		return nil, CodePackageError
	}
	if reply.Code != int(CodePushInQueue) && reply.Error != "" {
		d.logger.Debug("worker reported failure", "task_id", pkg.TaskID, "worker", worker,
			"code", reply.Code, "error", reply.Error)
	}
	return &reply, CodePushInQueue
}
