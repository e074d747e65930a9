package task

import (
	"fmt"
	"path/filepath"
)

// WorkerDescriptor is the static identity of one pool member.
type WorkerDescriptor struct {
	Index         int
	SocketAddress string
	ProcessName   string
	ProcessGroup  string
}

// ProcessHost starts and registers worker processes. The dispatcher hands it
// one descriptor per worker when it is attached.
//
//go:generate mockgen -destination=mocks/mock_host.go -package=mocks github.com/mattjoyce/taskdock/internal/task ProcessHost
type ProcessHost interface {
	AddProcess(desc WorkerDescriptor) error
}

// ProcessRemover is implemented by hosts that can forget a recorded
// descriptor. Attach uses it to undo a partial registration; a host without
// it must be replaced before Attach is retried.
type ProcessRemover interface {
	RemoveProcess(index int) error
}

// SocketAddress is the socket a worker binds and the dispatcher dials. It
// depends only on its arguments so an independently started worker agrees
// with the master.
func SocketAddress(tempDir, serverName string, index int) string {
	return filepath.Join(tempDir, fmt.Sprintf("%s.TaskWorker.%d.sock", serverName, index))
}

// NotifyAddress is the master's socket for async completion notices.
func NotifyAddress(tempDir, serverName string) string {
	return filepath.Join(tempDir, serverName+".TaskNotify.sock")
}

// MasterLockPath is the PID lock held by the running master.
func MasterLockPath(tempDir, serverName string) string {
	return filepath.Join(tempDir, serverName+".TaskMaster.pid")
}

// Descriptor derives the descriptor for worker index.
func Descriptor(tempDir, serverName string, index int) WorkerDescriptor {
	return WorkerDescriptor{
		Index:         index,
		SocketAddress: SocketAddress(tempDir, serverName, index),
		ProcessName:   fmt.Sprintf("%s.TaskWorker.%d", serverName, index),
		ProcessGroup:  serverName + ".TaskWorker",
	}
}
