package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/taskdock/internal/protocol"
	"github.com/mattjoyce/taskdock/internal/results"
	"github.com/mattjoyce/taskdock/internal/task"
)

const maxBodyBytes = 1 << 20

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Workers:       s.config.WorkerNum,
	})
}

// handleSync handles POST /tasks/sync.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.checkTarget(req.Command, req.Worker); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout < 0 {
		s.writeError(w, http.StatusBadRequest, "timeout_ms must not be negative")
		return
	}
	if timeout > 0 && timeout < task.MinSyncTimeout {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("timeout_ms must be at least %d", task.MinSyncTimeout.Milliseconds()))
		return
	}
	if timeout > s.config.MaxSyncTimeout {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("timeout_ms exceeds maximum of %d", s.config.MaxSyncTimeout.Milliseconds()))
		return
	}

	var receipt task.Receipt
	opts := []task.DispatchOption{task.WithReceipt(&receipt)}
	if req.Worker != nil {
		opts = append(opts, task.WithWorker(*req.Worker))
	}

	result, code := s.dispatcher.Sync(r.Context(), protocol.Payload{Command: req.Command, Args: req.Args}, timeout, opts...)
	respondJSON(w, statusForCode(code, http.StatusOK), dispatchResponse(code, receipt, result))
}

// handleAsync handles POST /tasks/async.
func (s *Server) handleAsync(w http.ResponseWriter, r *http.Request) {
	var req AsyncRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.checkTarget(req.Command, req.Worker); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var receipt task.Receipt
	opts := []task.DispatchOption{task.WithReceipt(&receipt), task.WithOnFinish(strings.TrimSpace(req.OnFinish))}
	if req.Worker != nil {
		opts = append(opts, task.WithWorker(*req.Worker))
	}

	code := s.dispatcher.Async(r.Context(), protocol.Payload{Command: req.Command, Args: req.Args}, opts...)
	respondJSON(w, statusForCode(code, http.StatusAccepted), dispatchResponse(code, receipt, nil))
}

// handleGetTask handles GET /tasks/{taskID}.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if s.results == nil {
		s.writeError(w, http.StatusServiceUnavailable, "result store not configured")
		return
	}
	taskID := chi.URLParam(r, "taskID")

	n, err := s.results.Get(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, results.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("failed to retrieve task", "task_id", taskID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve task")
		return
	}

	respondJSON(w, http.StatusOK, TaskResponse{
		TaskID:     n.TaskID,
		TraceID:    n.TraceID,
		Channel:    n.Channel,
		Worker:     n.Worker,
		Command:    n.Command,
		Code:       n.Code,
		Message:    task.ErrorCodeToMessage(n.Code),
		Result:     n.Result,
		Error:      n.Error,
		FinishedAt: n.FinishedAt,
	})
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) checkTarget(command string, worker *int) error {
	if strings.TrimSpace(command) == "" {
		return errors.New("command is required")
	}
	if worker != nil && s.config.WorkerNum > 0 && (*worker < 0 || *worker >= s.config.WorkerNum) {
		return fmt.Errorf("worker must be in [0, %d)", s.config.WorkerNum)
	}
	return nil
}

func dispatchResponse(code task.Code, receipt task.Receipt, result any) DispatchResponse {
	resp := DispatchResponse{
		Code:    int(code),
		Message: code.String(),
		TaskID:  receipt.TaskID,
		TraceID: receipt.TraceID,
		Result:  result,
	}
	if receipt.TaskID != "" {
		worker := receipt.Worker
		resp.Worker = &worker
	}
	return resp
}

// statusForCode maps a dispatch outcome onto an HTTP status.
func statusForCode(code task.Code, ok int) int {
	switch code {
	case task.CodePushInQueue:
		return ok
	case task.CodePushQueueFail, task.CodeProcessBusy:
		return http.StatusServiceUnavailable
	case task.CodePackageError:
		return http.StatusBadGateway
	case task.CodeTaskError:
		return http.StatusUnprocessableEntity
	case task.CodePackageExpire:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
