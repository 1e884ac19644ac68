package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/hochfrequenz/claude-cli-supervisor/internal/domain"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/jobspec"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/monitor"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/observer"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/supervisor"
	"github.com/hochfrequenz/claude-cli-supervisor/internal/taskstore"
)

const maxJobBody = 1 << 20

// TaskResponse is the API response for a task
type TaskResponse struct {
	ID          string          `json:"id"`
	Type        string          `json:"type,omitempty"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	PID         int             `json:"pid"`
	LogFile     string          `json:"log_file,omitempty"`
	Status      string          `json:"status"`
	Progress    int             `json:"progress"`
	Message     string          `json:"message,omitempty"`
	Error       string          `json:"error,omitempty"`
	Metadata    domain.Metadata `json:"metadata,omitempty"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
}

// ProgressResponse is one progress entry of a task
type ProgressResponse struct {
	Message   string          `json:"message"`
	Metadata  domain.Metadata `json:"metadata,omitempty"`
	CreatedAt string          `json:"created_at"`
}

// JobResponse is returned when a job was started
type JobResponse struct {
	TaskID string `json:"task_id"`
	PID    int    `json:"pid"`
}

// InvocationsResponse reports a reasoning session's invocation counter
type InvocationsResponse struct {
	SessionID string `json:"session_id"`
	Count     int    `json:"count"`
}

// MetricsResponse is the API response for metrics
type MetricsResponse struct {
	observer.Metrics
	ActiveSessions int                   `json:"active_sessions"`
	Pool           supervisor.PoolStatus `json:"pool"`
	Stuck          []monitor.Info        `json:"stuck,omitempty"`
}

func taskToResponse(t *domain.Task) TaskResponse {
	return TaskResponse{
		ID:          t.ID,
		Type:        t.Type,
		Name:        t.Name,
		Description: t.Description,
		PID:         t.PID,
		LogFile:     t.LogFile,
		Status:      string(t.Status),
		Progress:    t.Progress,
		Message:     t.Message,
		Error:       t.Error,
		Metadata:    t.Metadata,
		CreatedAt:   t.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   t.UpdatedAt.Format(time.RFC3339),
	}
}

// startErrorStatus maps a supervisor start error to an HTTP status
func startErrorStatus(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrInvocationLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, supervisor.ErrPoolExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, supervisor.ErrRegistrationRaceLost):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// submitJobHandler starts a job. The body is a job in YAML or JSON.
func (s *Server) submitJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxJobBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		job, err := jobspec.Parse(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid job: "+err.Error())
			return
		}
		job.ApplyDefaults(s.opts.JobDefaults)

		spec, err := job.SpawnSpec(s.opts.Prompts)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		taskID, pid, err := s.sup.Start(r.Context(), spec)
		if err != nil {
			s.logger.Warn("job rejected", "name", job.Name, "err", err)
			writeError(w, startErrorStatus(err), err.Error())
			return
		}

		writeStatus(w, http.StatusAccepted, JobResponse{TaskID: taskID, PID: pid})
	}
}

func (s *Server) listTasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts := taskstore.ListOptions{
			Status: domain.TaskStatus(r.URL.Query().Get("status")),
		}
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			opts.Limit = n
		}

		tasks, err := s.store.ListTasks(r.Context(), opts)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		resp := make([]TaskResponse, len(tasks))
		for i, t := range tasks {
			resp[i] = taskToResponse(t)
		}
		writeJSON(w, resp)
	}
}

func (s *Server) getTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, err := s.store.GetTask(r.Context(), r.PathValue("id"))
		if err != nil {
			if errors.Is(err, taskstore.ErrNotFound) {
				writeError(w, http.StatusNotFound, "task not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, taskToResponse(task))
	}
}

func (s *Server) progressHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = n
		}

		updates, err := s.store.ListProgressUpdates(r.Context(), r.PathValue("id"), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		resp := make([]ProgressResponse, len(updates))
		for i, u := range updates {
			resp[i] = ProgressResponse{
				Message:   u.Message,
				Metadata:  u.Metadata,
				CreatedAt: u.CreatedAt.Format(time.RFC3339),
			}
		}
		writeJSON(w, resp)
	}
}

func (s *Server) cancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.sup.Cancel(r.PathValue("id")); err != nil {
			if errors.Is(err, supervisor.ErrSessionNotFound) {
				writeError(w, http.StatusNotFound, "no running session for task")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeStatus(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
	}
}

func (s *Server) sessionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.sup.Sessions())
	}
}

func (s *Server) invocationsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		writeJSON(w, InvocationsResponse{SessionID: id, Count: s.sup.InvocationCount(id)})
	}
}

func (s *Server) resetInvocationsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.sup.ResetInvocations(r.PathValue("id"))
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) poolHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.sup.Pool())
	}
}

func (s *Server) killAllHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pids := s.sup.KillAll()
		if pids == nil {
			pids = []int{}
		}
		s.logger.Warn("kill-all requested over api", "count", len(pids))
		writeJSON(w, map[string][]int{"killed": pids})
	}
}

func (s *Server) metricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions := s.sup.Sessions()
		resp := MetricsResponse{
			ActiveSessions: len(sessions),
			Pool:           s.sup.Pool(),
		}
		if s.metrics != nil {
			resp.Metrics = s.metrics.GetMetrics()
			resp.Stuck = s.metrics.StuckSessions(sessions)
		}
		writeJSON(w, resp)
	}
}
