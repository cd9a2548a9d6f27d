// Package api exposes the coordinator over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"codeagent/internal/domain"
	"codeagent/internal/orchestrator"
	"codeagent/internal/taskmanager"
)

const (
	defaultResultTimeout = 30 * time.Second
	maxResultTimeout     = 10 * time.Minute
)

// Coordinator is the part of the orchestrator the HTTP layer drives.
type Coordinator interface {
	HealthCheck() orchestrator.Health
	GetStats() orchestrator.Stats
	CreateTask(ctx context.Context, taskType string, data map[string]any, priority domain.Priority) string
	SubmitTask(ctx context.Context, taskType string, data map[string]any, priority domain.Priority, agentID string) (string, error)
	GetTaskStatus(taskID string) (domain.TaskSnapshot, error)
	GetTaskResult(ctx context.Context, taskID string, timeout time.Duration) (domain.TaskResult, error)
	ListTasks() []domain.TaskSnapshot
	ProcessWorkflow(ctx context.Context, req domain.WorkflowRequest) domain.WorkflowResult
	GetWorkflow(id string) (domain.Workflow, bool)
	ListWorkflows() []domain.Workflow
}

// DecisionReader serves the persisted decisions of a workflow.
type DecisionReader interface {
	ListDecisions(ctx context.Context, workflowID string, limit int) ([]domain.DecisionLog, error)
}

type Options struct {
	Decisions DecisionReader
	Metrics   http.Handler
	Logger    *zap.Logger
}

type server struct {
	coord     Coordinator
	decisions DecisionReader
	logger    *zap.Logger
}

func NewHandler(coord Coordinator, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &server{coord: coord, decisions: opts.Decisions, logger: logger.Named("http")}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/", s.handleTaskByID)
	mux.HandleFunc("/workflows", s.handleWorkflows)
	mux.HandleFunc("/workflows/", s.handleWorkflowByID)
	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}
	return s.loggingMiddleware(mux)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	health := s.coord.HealthCheck()
	code := http.StatusOK
	if health.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.coord.GetStats())
}

func (s *server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.coord.ListTasks())
	case http.MethodPost:
		var req struct {
			Type     string         `json:"type"`
			Data     map[string]any `json:"data"`
			Priority string         `json:"priority"`
			AgentID  string         `json:"agent_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		if strings.TrimSpace(req.Type) == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("type is required"))
			return
		}

		priority := domain.ParsePriority(req.Priority)
		if req.AgentID == "" {
			taskID := s.coord.CreateTask(r.Context(), req.Type, req.Data, priority)
			writeJSON(w, http.StatusCreated, map[string]any{"task_id": taskID, "assigned": false})
			return
		}
		taskID, err := s.coord.SubmitTask(r.Context(), req.Type, req.Data, priority, req.AgentID)
		if err != nil {
			code := http.StatusInternalServerError
			if errors.Is(err, orchestrator.ErrAgentNotRegistered) {
				code = http.StatusNotFound
			}
			writeJSON(w, code, map[string]any{"task_id": taskID, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"task_id": taskID, "assigned": true, "agent_id": req.AgentID})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	trimmed := strings.TrimPrefix(r.URL.Path, "/tasks/")
	parts := strings.Split(trimmed, "/")
	taskID := parts[0]
	if taskID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("task id is required"))
		return
	}

	if len(parts) == 1 {
		snap, err := s.coord.GetTaskStatus(taskID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
		return
	}

	switch parts[1] {
	case "result":
		timeout, err := parseTimeout(r.URL.Query().Get("timeout"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		res, err := s.coord.GetTaskResult(r.Context(), taskID, timeout)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", parts[1]))
	}
}

func (s *server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := queryInt(r, "limit", 0)
		items := s.coord.ListWorkflows()
		if limit > 0 && len(items) > limit {
			items = items[:limit]
		}
		writeJSON(w, http.StatusOK, items)
	case http.MethodPost:
		var req domain.WorkflowRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		if strings.TrimSpace(req.FilePath) == "" && strings.TrimSpace(req.ProjectPath) == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("file_path or project_path is required"))
			return
		}
		res := s.coord.ProcessWorkflow(r.Context(), req)
		code := http.StatusOK
		if !res.Success {
			code = http.StatusUnprocessableEntity
		}
		writeJSON(w, code, res)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *server) handleWorkflowByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	trimmed := strings.TrimPrefix(r.URL.Path, "/workflows/")
	parts := strings.Split(trimmed, "/")
	wfID := parts[0]
	if wfID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("workflow id is required"))
		return
	}

	if len(parts) == 1 {
		wf, ok := s.coord.GetWorkflow(wfID)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("workflow %s not found", wfID))
			return
		}
		writeJSON(w, http.StatusOK, wf)
		return
	}

	switch parts[1] {
	case "decisions":
		if s.decisions == nil {
			writeError(w, http.StatusNotImplemented, fmt.Errorf("decision journal is not configured"))
			return
		}
		items, err := s.decisions.ListDecisions(r.Context(), wfID, queryInt(r, "limit", 300))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", parts[1]))
	}
}

func (s *server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, taskmanager.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

// parseTimeout accepts a Go duration ("90s") or a number of seconds.
func parseTimeout(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultResultTimeout, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		secs, convErr := strconv.ParseFloat(raw, 64)
		if convErr != nil {
			return 0, fmt.Errorf("invalid timeout %q", raw)
		}
		d = time.Duration(secs * float64(time.Second))
	}
	if d <= 0 {
		return 0, fmt.Errorf("timeout must be positive")
	}
	return min(d, maxResultTimeout), nil
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
