package handler

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/BetaMac/alma/internal/model"
	appErr "github.com/BetaMac/alma/internal/pkg/errors"
	"github.com/BetaMac/alma/internal/pkg/response"
	"github.com/BetaMac/alma/internal/service"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

// ITaskHistory reads finished tasks back from the journal.
type ITaskHistory interface {
	ListRecent(ctx context.Context, contextID string, limit uint) ([]*model.Task, error)
}

type TaskHandler struct {
	tasks   *service.TaskService
	history ITaskHistory
}

// NewTaskHandler builds the handler. history may be nil, which disables
// the history endpoint.
func NewTaskHandler(tasks *service.TaskService, history ITaskHistory) *TaskHandler {
	return &TaskHandler{tasks: tasks, history: history}
}

type taskRequest struct {
	Prompt         string                 `json:"prompt"`
	TaskType       string                 `json:"task_type"`
	ContextID      string                 `json:"context_id"`
	TimeoutSeconds int                    `json:"timeout_seconds"`
	Metadata       map[string]interface{} `json:"metadata"`
}

// Execute runs a task to completion inside the request. Failed, timed out
// and cancelled tasks are still returned so the caller can read the error.
func (h *TaskHandler) Execute(c *gin.Context) {
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c)
		return
	}
	taskType, ok := model.ParseTaskType(req.TaskType)
	if !ok {
		handleError(c, appErr.Validation("unknown task type %q", req.TaskType))
		return
	}
	if req.TimeoutSeconds < 0 {
		handleError(c, appErr.Validation("timeout_seconds must not be negative"))
		return
	}
	contextID := req.ContextID
	if contextID == "" {
		contextID = defaultContextID
	}
	task, err := h.tasks.Execute(c.Request.Context(), service.SubmitRequest{
		Prompt:    req.Prompt,
		TaskType:  taskType,
		ContextID: contextID,
		Timeout:   time.Duration(req.TimeoutSeconds) * time.Second,
		Metadata:  req.Metadata,
	})
	if task == nil {
		handleError(c, err)
		return
	}
	response.Success(c, task)
}

func (h *TaskHandler) Get(c *gin.Context) {
	task, err := h.tasks.Get(c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, task)
}

func (h *TaskHandler) Cancel(c *gin.Context) {
	status, err := h.tasks.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"id": c.Param("id"), "status": status})
}

func (h *TaskHandler) Status(c *gin.Context) {
	response.Success(c, h.tasks.Status(c.Request.Context()))
}

func (h *TaskHandler) History(c *gin.Context) {
	if h.history == nil {
		handleError(c, appErr.ErrNotImplemented)
		return
	}
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			invalidRequest(c)
			return
		}
		limit = min(v, maxHistoryLimit)
	}
	tasks, err := h.history.ListRecent(c.Request.Context(), c.Query("context_id"), uint(limit))
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, tasks)
}
