package server

import (
	"errors"
	"net/http"
	"time"

	auditdomain "orchard/internal/domain/audit"
	taskdomain "orchard/internal/domain/task"
	"orchard/internal/observability"

	"github.com/gin-gonic/gin"
)

// apiResponse is the uniform envelope for every JSON endpoint.
type apiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// taskView is the externally visible shape of a task row. Lease bookkeeping
// stays internal.
type taskView struct {
	ID           string         `json:"id"`
	Kind         string         `json:"kind"`
	Status       string         `json:"status"`
	Output       map[string]any `json:"output,omitempty"`
	Error        string         `json:"error,omitempty"`
	ModelUsed    string         `json:"model_used,omitempty"`
	InputTokens  int64          `json:"input_tokens"`
	OutputTokens int64          `json:"output_tokens"`
	TotalCost    float64        `json:"total_cost"`
	TryCount     int            `json:"try_count"`
	ParentID     string         `json:"parent_id,omitempty"`
	StepName     string         `json:"step_name,omitempty"`
	Iteration    int            `json:"iteration,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func viewOf(t *taskdomain.Task) taskView {
	return taskView{
		ID:           t.ID,
		Kind:         t.Kind,
		Status:       string(t.Status),
		Output:       t.Output,
		Error:        t.Error,
		ModelUsed:    t.ModelUsed,
		InputTokens:  t.InputTokens,
		OutputTokens: t.OutputTokens,
		TotalCost:    t.TotalCost,
		TryCount:     t.TryCount,
		ParentID:     t.ParentID,
		StepName:     t.StepName,
		Iteration:    t.Iteration,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
}

type createTaskRequest struct {
	Kind     string         `json:"kind" binding:"required"`
	Input    map[string]any `json:"input"`
	UserHash string         `json:"user_hash"`
	Tenant   string         `json:"tenant"`
	MaxTries int            `json:"max_tries"`
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apiResponse{Error: "invalid request: " + err.Error()})
		return
	}

	class, name, err := taskdomain.ParseKind(req.Kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, apiResponse{Error: err.Error()})
		return
	}
	if class == taskdomain.KindWorkflow && !s.definitions.Has(name) {
		c.JSON(http.StatusNotFound, apiResponse{Error: "unknown workflow: " + name})
		return
	}
	if req.MaxTries <= 0 {
		req.MaxTries = s.cfg.MaxRetries
	}

	input := req.Input
	if input == nil {
		input = map[string]any{}
	}

	// A client that already carries a trace keeps it; the submit span joins
	// that trace instead of opening a fresh one.
	ctx := observability.ExtractTraceContext(c.Request.Context(), input)
	ctx, span := observability.StartSpan(ctx, "task.submit")
	defer span.End()
	observability.InjectTraceContext(ctx, input)

	t := &taskdomain.Task{
		Kind:     req.Kind,
		Input:    input,
		UserHash: req.UserHash,
		Tenant:   req.Tenant,
		MaxTries: req.MaxTries,
		TraceID:  observability.TraceIDFrom(ctx),
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		s.logger.Error("Create task failed: %v", err)
		c.JSON(storeErrorStatus(err), apiResponse{Error: "could not create task"})
		return
	}

	s.appendSubmittedAudit(c, t)
	c.JSON(http.StatusCreated, apiResponse{Success: true, Data: gin.H{
		"id":     t.ID,
		"status": string(t.Status),
	}})
}

func (s *Server) handleGetTask(c *gin.Context) {
	id := c.Param("id")
	if view, ok := s.statusCache.Get(id); ok {
		c.JSON(http.StatusOK, apiResponse{Success: true, Data: view})
		return
	}

	t, err := s.store.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(storeErrorStatus(err), apiResponse{Error: "task not found"})
		return
	}

	view := viewOf(t)
	if t.Status.IsTerminal() {
		// Terminal rows never change again, so they are safe to cache until
		// archival.
		s.statusCache.Add(id, view)
	}
	c.JSON(http.StatusOK, apiResponse{Success: true, Data: view})
}

func (s *Server) handleListSubtasks(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.store.Get(c.Request.Context(), id); err != nil {
		c.JSON(storeErrorStatus(err), apiResponse{Error: "task not found"})
		return
	}
	subs, err := s.store.ListSubtasks(c.Request.Context(), id)
	if err != nil {
		c.JSON(storeErrorStatus(err), apiResponse{Error: "could not list subtasks"})
		return
	}
	views := make([]taskView, len(subs))
	for i, sub := range subs {
		views[i] = viewOf(sub)
	}
	c.JSON(http.StatusOK, apiResponse{Success: true, Data: views})
}

func (s *Server) handleTaskAudit(c *gin.Context) {
	events, err := s.audit.ListByResource(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(storeErrorStatus(err), apiResponse{Error: "could not list audit events"})
		return
	}
	c.JSON(http.StatusOK, apiResponse{Success: true, Data: events})
}

func (s *Server) handleListWorkflows(c *gin.Context) {
	c.JSON(http.StatusOK, apiResponse{Success: true, Data: s.definitions.List()})
}

func (s *Server) handleStream(c *gin.Context) {
	if err := s.hub.HandleConnection(c.Writer, c.Request, c.Param("id")); err != nil {
		s.logger.Warn("WebSocket upgrade failed: %v", err)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, apiResponse{Success: true, Data: gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
	}})
}

func (s *Server) appendSubmittedAudit(c *gin.Context, t *taskdomain.Task) {
	event := submittedEvent(t)
	if err := s.audit.Append(c.Request.Context(), event); err != nil {
		s.logger.Warn("Audit append failed for task %s: %v", t.ID, err)
	}
}

func submittedEvent(t *taskdomain.Task) auditdomain.Event {
	return auditdomain.Event{
		Kind:       auditdomain.TaskSubmitted,
		ResourceID: t.ID,
		UserHash:   t.UserHash,
		Tenant:     t.Tenant,
		Metadata: map[string]any{
			"kind":      t.Kind,
			"max_tries": t.MaxTries,
		},
	}
}

func storeErrorStatus(err error) int {
	switch {
	case errors.Is(err, taskdomain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, taskdomain.ErrConstraintViolation):
		return http.StatusBadRequest
	case errors.Is(err, taskdomain.ErrDatabaseUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
