package api

import (
	"time"
)

// SyncRequest is the JSON body for POST /tasks/sync
type SyncRequest struct {
	Command   string         `json:"command"`
	Args      map[string]any `json:"args,omitempty"`
	TimeoutMS int64          `json:"timeout_ms,omitempty"`
	Worker    *int           `json:"worker,omitempty"`
}

// AsyncRequest is the JSON body for POST /tasks/async
type AsyncRequest struct {
	Command  string         `json:"command"`
	Args     map[string]any `json:"args,omitempty"`
	OnFinish string         `json:"on_finish,omitempty"`
	Worker   *int           `json:"worker,omitempty"`
}

// DispatchResponse reports a dispatch outcome. Code is the dispatcher status
// code and Message its fixed text.
type DispatchResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	TaskID  string `json:"task_id,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
	Worker  *int   `json:"worker,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// TaskResponse is returned by GET /tasks/{taskID}
type TaskResponse struct {
	TaskID     string    `json:"task_id"`
	TraceID    string    `json:"trace_id"`
	Channel    string    `json:"channel"`
	Worker     int       `json:"worker"`
	Command    string    `json:"command"`
	Code       int       `json:"code"`
	Message    string    `json:"message"`
	Result     any       `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Workers       int    `json:"workers"`
}
