package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"conductor/internal/jsonx"
	"conductor/internal/queue"
)

// Error kinds. Every failure crossing the HTTP boundary maps onto one of
// these; internal error text never leaks as the public reason.
const (
	errValidation = http.StatusBadRequest
	errNotFound   = http.StatusNotFound
	errConflict   = http.StatusConflict
	errInternal   = http.StatusInternalServerError
)

func fail(c *gin.Context, status int, reason string) {
	c.JSON(status, gin.H{"error": reason})
}

func (s *Server) internalError(c *gin.Context, action string, err error) {
	s.logger.Error("%s: %v", action, err)
	fail(c, errInternal, "internal error")
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// createTaskRequest is the shared intake body for queue and run.
type createTaskRequest struct {
	Prompt          string           `json:"prompt"`
	SuccessCriteria string           `json:"success_criteria"`
	Type            string           `json:"type"`
	Title           string           `json:"title"`
	Priority        *int             `json:"priority"`
	Mode            string           `json:"mode"`
	Metadata        jsonx.RawMessage `json:"metadata"`
	MaxAttempts     *int             `json:"max_attempts"`
}

func (s *Server) parseCreateTask(c *gin.Context) (*queue.CreateTaskInput, bool) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errValidation, "invalid JSON body")
		return nil, false
	}
	if strings.TrimSpace(req.Prompt) == "" {
		fail(c, errValidation, "prompt is required")
		return nil, false
	}
	if req.SuccessCriteria != "" && strings.TrimSpace(req.SuccessCriteria) == "" {
		fail(c, errValidation, "success_criteria must be a non-empty string")
		return nil, false
	}
	priority := 3
	if req.Priority != nil {
		if *req.Priority < 1 || *req.Priority > 5 {
			fail(c, errValidation, "priority must be in [1..5]")
			return nil, false
		}
		priority = *req.Priority
	}
	mode := queue.ModeAuto
	if req.Mode != "" {
		mode = queue.Mode(req.Mode)
		if !mode.Valid() {
			fail(c, errValidation, "mode must be one of auto, lean, full")
			return nil, false
		}
	}
	maxAttempts := 0
	if req.MaxAttempts != nil {
		if *req.MaxAttempts < 1 {
			fail(c, errValidation, "max_attempts must be positive")
			return nil, false
		}
		maxAttempts = *req.MaxAttempts
	}

	taskRequest := map[string]any{"mode": mode}
	if len(req.Metadata) > 0 {
		taskRequest["metadata"] = req.Metadata
	}
	payload, err := jsonx.Marshal(taskRequest)
	if err != nil {
		s.internalError(c, "encode task request", err)
		return nil, false
	}

	return &queue.CreateTaskInput{
		Type:            strings.TrimSpace(req.Type),
		Title:           strings.TrimSpace(req.Title),
		Prompt:          req.Prompt,
		SuccessCriteria: strings.TrimSpace(req.SuccessCriteria),
		Priority:        priority,
		MaxAttempts:     maxAttempts,
		TaskRequest:     payload,
	}, true
}

func (s *Server) handleQueueTask(c *gin.Context) {
	input, ok := s.parseCreateTask(c)
	if !ok {
		return
	}
	task, err := s.repo.CreateTask(c.Request.Context(), *input)
	if err != nil {
		s.internalError(c, "create task", err)
		return
	}
	s.metrics.TasksCreated.Inc()
	c.JSON(http.StatusCreated, gin.H{"task_id": task.ID})
}

func (s *Server) handleListTasks(c *gin.Context) {
	var status queue.TaskStatus
	if raw := c.Query("status"); raw != "" {
		status = queue.TaskStatus(raw)
		if !status.Valid() {
			fail(c, errValidation, "unknown status filter")
			return
		}
	}
	tasks, err := s.repo.ListTasks(c.Request.Context(), status)
	if err != nil {
		s.internalError(c, "list tasks", err)
		return
	}
	if tasks == nil {
		tasks = []*queue.Task{}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) handleGetTask(c *gin.Context) {
	task, err := s.repo.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.internalError(c, "get task", err)
		return
	}
	if task == nil {
		fail(c, errNotFound, "task not found")
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleListAttempts(c *gin.Context) {
	task, err := s.repo.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.internalError(c, "get task", err)
		return
	}
	if task == nil {
		fail(c, errNotFound, "task not found")
		return
	}
	attempts, err := s.repo.ListAttempts(c.Request.Context(), task.ID)
	if err != nil {
		s.internalError(c, "list attempts", err)
		return
	}
	if attempts == nil {
		attempts = []*queue.Attempt{}
	}
	c.JSON(http.StatusOK, gin.H{"attempts": attempts})
}

func (s *Server) handleListTaskEvents(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	events, err := s.repo.ListEvents(c.Request.Context(), limit, c.Param("id"))
	if err != nil {
		s.internalError(c, "list events", err)
		return
	}
	if events == nil {
		events = []*queue.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// leaseRequest carries worker identity plus an optional TTL override.
type leaseRequest struct {
	WorkerID   string `json:"worker_id"`
	LeaseTTLMS *int64 `json:"lease_ttl_ms"`
}

func (s *Server) parseLease(c *gin.Context) (string, time.Duration, bool) {
	var req leaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errValidation, "invalid JSON body")
		return "", 0, false
	}
	if strings.TrimSpace(req.WorkerID) == "" {
		fail(c, errValidation, "worker_id is required")
		return "", 0, false
	}
	ttl := s.leaseTTL
	if req.LeaseTTLMS != nil {
		if *req.LeaseTTLMS <= 0 {
			fail(c, errValidation, "lease_ttl_ms must be positive")
			return "", 0, false
		}
		ttl = time.Duration(*req.LeaseTTLMS) * time.Millisecond
	}
	return req.WorkerID, ttl, true
}

func (s *Server) handleLease(c *gin.Context) {
	workerID, ttl, ok := s.parseLease(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	task, err := s.repo.ClaimNextTask(ctx, workerID, ttl)
	if err != nil {
		s.internalError(c, "claim task", err)
		return
	}
	if task == nil {
		c.JSON(http.StatusOK, gin.H{"task": nil})
		return
	}
	start, err := s.repo.StartAttempt(ctx, task.ID, workerID)
	if err != nil {
		s.internalError(c, "start attempt", err)
		return
	}
	if start == nil {
		// Claim raced with an expiry between the two transactions; the
		// worker just polls again.
		c.JSON(http.StatusOK, gin.H{"task": nil})
		return
	}
	task.Status = queue.TaskStatusRunning
	task.LeaseExpiresAt = start.LeaseExpiresAt
	s.metrics.LeasesGranted.Inc()
	c.JSON(http.StatusOK, gin.H{
		"task":       task,
		"attempt_no": start.AttemptNo,
		"attempt_id": start.AttemptID,
	})
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	workerID, ttl, ok := s.parseLease(c)
	if !ok {
		return
	}
	if err := s.repo.Heartbeat(c.Request.Context(), c.Param("id"), workerID, ttl); err != nil {
		s.internalError(c, "heartbeat", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// eventRequest is the worker-side event ingest body.
type eventRequest struct {
	WorkerID  string           `json:"worker_id"`
	AttemptID int64            `json:"attempt_id"`
	Phase     string           `json:"phase"`
	Level     string           `json:"level"`
	Message   string           `json:"message"`
	Data      jsonx.RawMessage `json:"data"`
}

func (s *Server) handleAppendEvent(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errValidation, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.WorkerID) == "" {
		fail(c, errValidation, "worker_id is required")
		return
	}
	if req.Phase == "" {
		fail(c, errValidation, "phase is required")
		return
	}
	switch req.Level {
	case "", "info", "warn", "error":
	default:
		fail(c, errValidation, "level must be one of info, warn, error")
		return
	}

	ctx := c.Request.Context()
	task, err := s.repo.GetTask(ctx, c.Param("id"))
	if err != nil {
		s.internalError(c, "get task", err)
		return
	}
	if task == nil {
		fail(c, errNotFound, "task not found")
		return
	}
	_, err = s.repo.AppendEvent(ctx, queue.EventInput{
		TaskID:    task.ID,
		AttemptID: req.AttemptID,
		Phase:     req.Phase,
		Level:     req.Level,
		Message:   req.Message,
		Data:      req.Data,
	})
	if err != nil {
		s.internalError(c, "append event", err)
		return
	}
	s.metrics.EventsAppended.Inc()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// completeRequest is the worker's terminal report for an attempt.
type completeRequest struct {
	WorkerID       string           `json:"worker_id"`
	Succeeded      bool             `json:"succeeded"`
	Blocked        bool             `json:"blocked"`
	FinalPhase     string           `json:"final_phase"`
	OutputJSON     jsonx.RawMessage `json:"output_json"`
	ErrorMessage   string           `json:"error_message"`
	FinishedAt     string           `json:"finished_at"`
	WorkerExitCode *int             `json:"worker_exit_code"`
}

func (s *Server) handleComplete(c *gin.Context) {
	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errValidation, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.WorkerID) == "" {
		fail(c, errValidation, "worker_id is required")
		return
	}
	if req.FinalPhase == "" {
		fail(c, errValidation, "final_phase is required")
		return
	}

	status, err := s.repo.CompleteAttempt(c.Request.Context(), c.Param("id"), req.WorkerID, queue.CompletionResult{
		Succeeded:    req.Succeeded,
		Blocked:      req.Blocked,
		FinalPhase:   req.FinalPhase,
		OutputJSON:   req.OutputJSON,
		ErrorMessage: req.ErrorMessage,
		FinishedAt:   req.FinishedAt,
		ExitCode:     req.WorkerExitCode,
	})
	if err != nil {
		if errors.Is(err, queue.ErrStaleLease) {
			s.metrics.LeaseConflicts.Inc()
			fail(c, errConflict, "lease is no longer held")
			return
		}
		s.internalError(c, "complete attempt", err)
		return
	}
	s.metrics.AttemptsFinished.WithLabelValues(string(status)).Inc()
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": status})
}

func (s *Server) handleListEvents(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	events, err := s.repo.ListEvents(c.Request.Context(), limit, c.Query("task_id"))
	if err != nil {
		s.internalError(c, "list events", err)
		return
	}
	if events == nil {
		events = []*queue.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) handleGetState(c *gin.Context) {
	entry, err := s.repo.GetState(c.Request.Context(), c.Param("key"))
	if err != nil {
		s.internalError(c, "get state", err)
		return
	}
	if entry == nil {
		fail(c, errNotFound, "state key not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"key":        entry.Key,
		"value":      entry.Value,
		"updated_at": entry.UpdatedAt,
	})
}

// stateRequest wraps the opaque value for a state upsert.
type stateRequest struct {
	Value jsonx.RawMessage `json:"value"`
}

func (s *Server) handleSetState(c *gin.Context) {
	var req stateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errValidation, "invalid JSON body")
		return
	}
	entry, err := s.repo.SetState(c.Request.Context(), c.Param("key"), req.Value)
	if err != nil {
		s.internalError(c, "set state", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":         true,
		"key":        entry.Key,
		"value":      entry.Value,
		"updated_at": entry.UpdatedAt,
	})
}

func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		fail(c, errValidation, "limit must be a positive integer")
		return 0, false
	}
	return limit, true
}
