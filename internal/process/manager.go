// Package process launches the worker processes of a pool and stops them
// again. It is the host the dispatcher attaches its worker descriptors to.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/taskdock/internal/log"
	"github.com/mattjoyce/taskdock/internal/task"
)

const defaultGrace = 5 * time.Second

// EnvProcessName carries the descriptor's process name into the child.
const EnvProcessName = "TASKDOCK_PROCESS_NAME"

// CommandFunc builds the command for one worker.
type CommandFunc func(ctx context.Context, desc task.WorkerDescriptor) *exec.Cmd

// Options configures a Manager.
type Options struct {
	// Executable is the binary run for each worker; defaults to the current one.
	Executable string
	ConfigPath string

	// Grace is how long Stop waits after SIGTERM before killing.
	Grace time.Duration

	Stdout io.Writer
	Stderr io.Writer

	// Command overrides how worker commands are built.
	Command CommandFunc
}

type child struct {
	desc task.WorkerDescriptor
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// Manager implements task.ProcessHost.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	descs    []task.WorkerDescriptor
	children []*child
	started  bool
}

var (
	_ task.ProcessHost    = (*Manager)(nil)
	_ task.ProcessRemover = (*Manager)(nil)
)

func NewManager(opts Options) *Manager {
	if opts.Grace <= 0 {
		opts.Grace = defaultGrace
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	m := &Manager{opts: opts, logger: log.WithComponent("process")}
	if m.opts.Command == nil {
		m.opts.Command = m.workerCommand
	}
	return m
}

// AddProcess records desc; the worker is launched by Start.
func (m *Manager) AddProcess(desc task.WorkerDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return errors.New("process manager already started")
	}
	for _, d := range m.descs {
		if d.Index == desc.Index || d.SocketAddress == desc.SocketAddress {
			return fmt.Errorf("duplicate worker %d (%s)", desc.Index, desc.SocketAddress)
		}
	}
	m.descs = append(m.descs, desc)
	return nil
}

// RemoveProcess forgets the descriptor for index. It fails once Start has run.
func (m *Manager) RemoveProcess(index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return errors.New("process manager already started")
	}
	for i, d := range m.descs {
		if d.Index == index {
			m.descs = append(m.descs[:i], m.descs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("unknown worker %d", index)
}

// Descriptors returns the recorded descriptors in registration order.
func (m *Manager) Descriptors() []task.WorkerDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]task.WorkerDescriptor(nil), m.descs...)
}

// Start launches one child per descriptor. If any fails to start, the ones
// already running are stopped.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("process manager already started")
	}
	m.started = true
	descs := append([]task.WorkerDescriptor(nil), m.descs...)
	m.mu.Unlock()

	for _, desc := range descs {
		c, err := m.spawn(ctx, desc)
		if err != nil {
			_ = m.Stop()
			return fmt.Errorf("start worker %d: %w", desc.Index, err)
		}
		m.mu.Lock()
		m.children = append(m.children, c)
		m.mu.Unlock()
	}
	m.logger.Info("workers started", "count", len(descs))
	return nil
}

func (m *Manager) spawn(ctx context.Context, desc task.WorkerDescriptor) (*child, error) {
	cmd := m.opts.Command(ctx, desc)
	cmd.Env = append(os.Environ(), EnvProcessName+"="+desc.ProcessName)
	cmd.Stdout = m.opts.Stdout
	cmd.Stderr = m.opts.Stderr
	// Own process group: a terminal ^C reaches the master only.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	c := &child{desc: desc, cmd: cmd, done: make(chan struct{})}
	go func() {
		c.err = cmd.Wait()
		close(c.done)
		m.logger.Info("worker exited", "worker", desc.Index, "process", desc.ProcessName, "pid", cmd.Process.Pid, "error", c.err)
	}()

	m.logger.Debug("worker spawned", "worker", desc.Index, "process", desc.ProcessName, "pid", cmd.Process.Pid)
	return c, nil
}

func (m *Manager) workerCommand(_ context.Context, desc task.WorkerDescriptor) *exec.Cmd {
	exe := m.opts.Executable
	if exe == "" {
		if self, err := os.Executable(); err == nil {
			exe = self
		} else {
			exe = os.Args[0]
		}
	}
	args := []string{"worker", "run", "--index", strconv.Itoa(desc.Index)}
	if m.opts.ConfigPath != "" {
		args = append(args, "--config", m.opts.ConfigPath)
	}
	return exec.Command(exe, args...)
}

// Running returns how many children have not exited.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.children {
		select {
		case <-c.done:
		default:
			n++
		}
	}
	return n
}

// Stop sends SIGTERM to every child and waits for them, killing those still
// alive after the grace period.
func (m *Manager) Stop() error {
	m.mu.Lock()
	children := append([]*child(nil), m.children...)
	m.mu.Unlock()

	for _, c := range children {
		select {
		case <-c.done:
			continue
		default:
		}
		if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			m.logger.Error("failed to send SIGTERM", "worker", c.desc.Index, "error", err)
		}
	}

	grace := time.NewTimer(m.opts.Grace)
	defer grace.Stop()

	var killed int
	expired := false
	for _, c := range children {
		if !expired {
			select {
			case <-c.done:
				continue
			case <-grace.C:
				expired = true
			}
		}
		select {
		case <-c.done:
			continue
		default:
		}
		m.logger.Warn("worker did not exit after SIGTERM, sending SIGKILL", "worker", c.desc.Index)
		_ = c.cmd.Process.Kill()
		<-c.done
		killed++
	}

	if killed > 0 {
		return fmt.Errorf("%d worker(s) killed after %v", killed, m.opts.Grace)
	}
	return nil
}
