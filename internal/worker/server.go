// Package worker is the process on the other end of a worker socket: it
// decodes Packages, refuses expired ones, runs registered commands and, for
// async packages, reports the outcome to the master's notify socket.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/taskdock/internal/lock"
	"github.com/mattjoyce/taskdock/internal/log"
	"github.com/mattjoyce/taskdock/internal/notify"
	"github.com/mattjoyce/taskdock/internal/protocol"
	"github.com/mattjoyce/taskdock/internal/task"
	"github.com/mattjoyce/taskdock/internal/transport"
)

const (
	// readTimeout bounds how long a connection may take to deliver its package.
	readTimeout = 5 * time.Second

	// deliverTimeout bounds one notice delivery to the master.
	deliverTimeout = 3 * time.Second
)

// Config identifies one worker of a pool.
type Config struct {
	Index      int
	ServerName string
	TempDir    string
	Codec      protocol.Codec
	MaxRunning int
}

// Server serves one worker socket.
type Server struct {
	cfg      Config
	registry *Registry
	logger   *slog.Logger

	running atomic.Int64
	tasks   sync.WaitGroup

	now     func() time.Time
	deliver func(ctx context.Context, n protocol.Notice) error
}

// New creates a worker server. A nil codec means JSON; MaxRunning <= 0 means 1.
func New(cfg Config, registry *Registry) *Server {
	if cfg.Codec == nil {
		cfg.Codec = protocol.JSONCodec{}
	}
	if cfg.MaxRunning <= 0 {
		cfg.MaxRunning = 1
	}
	if registry == nil {
		registry = DefaultRegistry()
	}
	s := &Server{
		cfg:      cfg,
		registry: registry,
		logger:   log.WithWorker(cfg.Index).With("component", "worker"),
		now:      time.Now,
	}
	notifyAddr := task.NotifyAddress(cfg.TempDir, cfg.ServerName)
	s.deliver = func(ctx context.Context, n protocol.Notice) error {
		return notify.Deliver(ctx, notifyAddr, cfg.Codec, n)
	}
	return s
}

// Addr is the socket this worker binds.
func (s *Server) Addr() string {
	return task.SocketAddress(s.cfg.TempDir, s.cfg.ServerName, s.cfg.Index)
}

// Running returns the number of async tasks in flight.
func (s *Server) Running() int {
	return int(s.running.Load())
}

// Serve locks and binds the worker socket and serves until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	addr := s.Addr()
	l, err := lock.Acquire(addr + ".lock")
	if err != nil {
		return fmt.Errorf("lock worker socket: %w", err)
	}
	defer l.Release()

	ln, err := transport.Listen(addr)
	if err != nil {
		return err
	}
	defer os.Remove(addr)

	return s.ServeListener(ctx, ln)
}

// ServeListener serves connections from ln until ctx is cancelled, then waits
// for accepted async tasks to finish.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	s.logger.Info("worker started", "socket", s.Addr(), "codec", s.cfg.Codec.Name(), "max_running", s.cfg.MaxRunning, "commands", s.registry.Commands())
	defer s.logger.Info("worker stopped")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var conns sync.WaitGroup
	defer func() {
		conns.Wait()
		s.tasks.Wait()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		conns.Add(1)
		go func() {
			defer conns.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	body, err := protocol.ReadFrame(conn, 0)
	if err != nil {
		s.logger.Debug("read package failed", "error", err)
		return
	}

	var pkg protocol.Package
	if err := s.cfg.Codec.Decode(body, &pkg); err != nil {
		s.logger.Warn("undecodable package", "error", err)
		s.reply(conn, protocol.Reply{Code: int(task.CodePackageError), Error: err.Error()})
		return
	}

	logger := s.logger.With("task_id", pkg.TaskID, "command", pkg.Payload.Command, "mode", pkg.Mode.String())

	if pkg.Expired(s.now()) {
		logger.Warn("package expired before execution", "expires_at", pkg.ExpiresAt)
		s.reply(conn, protocol.Reply{Code: int(task.CodePackageExpire)})
		return
	}

	switch pkg.Mode {
	case protocol.ModeSync:
		s.reply(conn, s.runSync(ctx, &pkg, logger))
	case protocol.ModeAsync:
		s.acceptAsync(ctx, conn, &pkg, logger)
	default:
		logger.Warn("unknown package mode")
		s.reply(conn, protocol.Reply{Code: int(task.CodePackageError), Error: fmt.Sprintf("unknown mode %d", pkg.Mode)})
	}
}

func (s *Server) runSync(ctx context.Context, pkg *protocol.Package, logger *slog.Logger) protocol.Reply {
	tctx, cancel := context.WithTimeout(ctx, pkg.Remaining(s.now()))
	defer cancel()

	result, err := s.run(tctx, pkg)
	if err != nil {
		logger.Warn("task failed", "error", err)
		return protocol.Reply{Code: int(task.CodeTaskError), Error: err.Error()}
	}
	logger.Debug("task finished")
	return protocol.Reply{Code: int(task.CodePushInQueue), Result: result}
}

func (s *Server) acceptAsync(ctx context.Context, conn net.Conn, pkg *protocol.Package, logger *slog.Logger) {
	if n := s.running.Add(1); n > int64(s.cfg.MaxRunning) {
		s.running.Add(-1)
		logger.Warn("queue full, refusing task", "running", n-1)
		s.reply(conn, protocol.Reply{Code: int(task.CodePushQueueFail)})
		return
	}

	s.tasks.Add(1)
	s.reply(conn, protocol.Reply{Code: int(task.CodePushInQueue)})

	// The task outlives the connection and is not cut short by shutdown.
	bg := context.WithoutCancel(ctx)
	go func() {
		defer s.tasks.Done()
		defer s.running.Add(-1)

		result, err := s.run(bg, pkg)
		n := protocol.Notice{
			TaskID:     pkg.TaskID,
			TraceID:    pkg.TraceID,
			Channel:    pkg.OnFinish,
			Worker:     s.cfg.Index,
			Command:    pkg.Payload.Command,
			Code:       int(task.CodePushInQueue),
			Result:     result,
			FinishedAt: s.now().UTC(),
		}
		if err != nil {
			logger.Warn("async task failed", "error", err)
			n.Code = int(task.CodeTaskError)
			n.Error = err.Error()
			n.Result = nil
		} else {
			logger.Debug("async task finished")
		}

		if pkg.OnFinish == "" {
			return
		}
		dctx, cancel := context.WithTimeout(bg, deliverTimeout)
		defer cancel()
		if err := s.deliver(dctx, n); err != nil {
			logger.Error("failed to deliver task notice", "channel", pkg.OnFinish, "error", err)
		}
	}()
}

// run executes the package's command; a panicking handler is a task error.
func (s *Server) run(ctx context.Context, pkg *protocol.Package) (result any, err error) {
	h, ok := s.registry.Get(pkg.Payload.Command)
	if !ok {
		return nil, fmt.Errorf("unknown command %q", pkg.Payload.Command)
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, pkg.Payload.Args)
}

func (s *Server) reply(conn net.Conn, r protocol.Reply) {
	b, err := s.cfg.Codec.Encode(r)
	if err != nil {
		s.logger.Error("failed to encode reply", "error", err)
		return
	}
	if err := protocol.WriteFrame(conn, b); err != nil {
		s.logger.Debug("failed to write reply", "error", err)
	}
}
