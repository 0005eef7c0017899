package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/BetaMac/alma/internal/model"
	"github.com/BetaMac/alma/internal/pkg/errcode"
	"github.com/BetaMac/alma/internal/pkg/response"
	"github.com/BetaMac/alma/internal/service"
)

const defaultContextID = "default"

// AgentHandler accepts prompts over http and streams the result to the
// caller's websocket.
type AgentHandler struct {
	tasks   *service.TaskService
	hub     *Hub
	baseCtx context.Context
}

// NewAgentHandler runs tasks under baseCtx so they outlive the request
// that started them.
func NewAgentHandler(baseCtx context.Context, tasks *service.TaskService, hub *Hub) *AgentHandler {
	return &AgentHandler{tasks: tasks, hub: hub, baseCtx: baseCtx}
}

type processRequest struct {
	Input     string `json:"input"`
	TaskType  string `json:"taskType"`
	ContextID string `json:"contextId"`
}

type processResponse struct {
	Status       string `json:"status"`
	ConnectionID string `json:"connectionId"`
	TaskID       string `json:"taskId"`
}

// Process resolves the websocket from contextId, falling back to
// "default". The path form /agent/process/:client_id overrides it.
func (h *AgentHandler) Process(c *gin.Context) {
	var req processRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c)
		return
	}
	clientID := strings.TrimSpace(c.Param("client_id"))
	if clientID == "" {
		clientID = strings.TrimSpace(req.ContextID)
	}
	if clientID == "" {
		clientID = defaultContextID
	}
	if !h.hub.Has(clientID) {
		response.ErrorStatus(c, http.StatusBadRequest, errcode.ErrNoConnection, "No active connection found")
		return
	}
	taskType, ok := model.ParseTaskType(req.TaskType)
	if !ok {
		response.ErrorStatus(c, http.StatusBadRequest, errcode.ErrInvalid, "unknown task type")
		return
	}
	contextID := strings.TrimSpace(req.ContextID)
	if contextID == "" {
		contextID = clientID
	}
	task, err := h.tasks.Submit(c.Request.Context(), service.SubmitRequest{
		Prompt:    req.Input,
		TaskType:  taskType,
		ContextID: contextID,
		Metadata:  map[string]interface{}{"client_id": clientID},
	})
	if err != nil {
		handleError(c, err)
		return
	}
	go h.stream(clientID, task.ID)
	response.Success(c, processResponse{
		Status:       "accepted",
		ConnectionID: clientID,
		TaskID:       task.ID,
	})
}

// stream relays one task to the websocket. finished is always the last
// frame, whatever happened before it.
func (h *AgentHandler) stream(clientID, taskID string) {
	ctx := h.baseCtx
	logger := logutil.GetLogger(ctx).With(zap.String("client_id", clientID), zap.String("task_id", taskID))
	start := time.Now()
	h.hub.Send(ctx, clientID, WSMessage{Status: wsStatusProcessing, Message: "Task started", TaskID: taskID})

	var (
		out    strings.Builder
		failed bool
	)
	for chunk, err := range h.tasks.Run(ctx, taskID) {
		if err != nil {
			failed = true
			logger.Error("agent task failed", zap.Error(err))
			h.hub.Send(ctx, clientID, WSMessage{Status: wsStatusError, Message: err.Error(), TaskID: taskID})
			break
		}
		out.WriteString(chunk)
		h.hub.Send(ctx, clientID, WSMessage{Status: wsStatusChunk, Data: chunk, TaskID: taskID})
	}
	if !failed {
		h.hub.Send(ctx, clientID, WSMessage{Status: wsStatusComplete, Data: out.String(), TaskID: taskID})
	}
	h.hub.Send(ctx, clientID, WSMessage{
		Status:      wsStatusFinished,
		TaskID:      taskID,
		ElapsedTime: time.Since(start).Seconds(),
	})
}
