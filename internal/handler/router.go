package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/BetaMac/alma/internal/middleware"
)

type RouterDeps struct {
	Agent     *AgentHandler
	Tasks     *TaskHandler
	Memory    *MemoryHandler
	Hub       *Hub
	RateLimit time.Duration
}

func RegisterRoutes(api *gin.RouterGroup, deps RouterDeps) {
	api.GET("/health", Health)
	api.GET("/ws/:client_id", deps.Hub.Serve)

	agent := api.Group("")
	if deps.RateLimit > 0 {
		agent.Use(middleware.RateLimit(deps.RateLimit))
	}
	agent.POST("/agent/process", deps.Agent.Process)
	agent.POST("/agent/process/:client_id", deps.Agent.Process)

	api.POST("/tasks", deps.Tasks.Execute)
	api.GET("/tasks/history", deps.Tasks.History)
	api.GET("/tasks/:id", deps.Tasks.Get)
	api.POST("/tasks/:id/cancel", deps.Tasks.Cancel)
	api.GET("/status", deps.Tasks.Status)

	api.POST("/memory/search", deps.Memory.Search)
	api.POST("/memory/documents", deps.Memory.AddDocument)
	api.POST("/memory/delete", deps.Memory.Delete)
	api.GET("/memory/stats", deps.Memory.Stats)
}

func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
