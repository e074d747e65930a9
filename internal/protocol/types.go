package protocol

import "time"

// Mode selects how a worker answers a Package.
type Mode int

const (
	// ModeSync: the worker runs the task and replies with its result.
	ModeSync Mode = 1
	// ModeAsync: the worker replies as soon as the task is queued.
	ModeAsync Mode = 2
)

func (m Mode) String() string {
	switch m {
	case ModeSync:
		return "sync"
	case ModeAsync:
		return "async"
	default:
		return "unknown"
	}
}

// Payload is the task itself: a command known to the worker registry and its arguments.
type Payload struct {
	Command string         `json:"command" msgpack:"command"`
	Args    map[string]any `json:"args,omitempty" msgpack:"args,omitempty"`
}

// Package is the envelope sent from the dispatcher to a worker for every dispatch.
type Package struct {
	TaskID  string  `json:"task_id" msgpack:"task_id"`
	TraceID string  `json:"trace_id" msgpack:"trace_id"`
	Mode    Mode    `json:"mode" msgpack:"mode"`
	Payload Payload `json:"payload" msgpack:"payload"`

	// OnFinish names the result channel an async completion is published on.
	// Empty means nobody is waiting for the outcome.
	OnFinish string `json:"on_finish,omitempty" msgpack:"on_finish,omitempty"`

	ExpiresAt time.Time `json:"expires_at" msgpack:"expires_at"`
}

// Expired reports whether the package must be refused at now.
func (p *Package) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// Remaining returns how long the package stays valid after now (never negative).
func (p *Package) Remaining(now time.Time) time.Duration {
	if d := p.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Reply is what a worker writes back on the dispatch connection.
type Reply struct {
	Code   int    `json:"code" msgpack:"code"`
	Result any    `json:"result,omitempty" msgpack:"result,omitempty"`
	Error  string `json:"error,omitempty" msgpack:"error,omitempty"`
}

// Notice reports the outcome of an async task on its OnFinish channel.
type Notice struct {
	TaskID     string    `json:"task_id" msgpack:"task_id"`
	TraceID    string    `json:"trace_id" msgpack:"trace_id"`
	Channel    string    `json:"channel" msgpack:"channel"`
	Worker     int       `json:"worker" msgpack:"worker"`
	Command    string    `json:"command" msgpack:"command"`
	Code       int       `json:"code" msgpack:"code"`
	Result     any       `json:"result,omitempty" msgpack:"result,omitempty"`
	Error      string    `json:"error,omitempty" msgpack:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at" msgpack:"finished_at"`
}
