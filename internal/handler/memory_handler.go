package handler

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/BetaMac/alma/internal/memory"
	"github.com/BetaMac/alma/internal/model"
	"github.com/BetaMac/alma/internal/pkg/response"
)

type IMemoryStore interface {
	RetrieveContext(ctx context.Context, query string, k int, threshold *float32) ([]model.ContextItem, error)
	Ingest(ctx context.Context, source, text string, metadata map[string]interface{}) ([]int64, error)
	Delete(ctx context.Context, ids []int64) (int, error)
	Len() int
}

type MemoryHandler struct {
	store IMemoryStore
}

func NewMemoryHandler(store IMemoryStore) *MemoryHandler {
	return &MemoryHandler{store: store}
}

type memorySearchRequest struct {
	Query     string   `json:"query"`
	K         int      `json:"k"`
	Threshold *float32 `json:"threshold"`
}

type memoryDocumentRequest struct {
	Source   string                 `json:"source"`
	Text     string                 `json:"text"`
	Metadata map[string]interface{} `json:"metadata"`
}

type memoryDeleteRequest struct {
	IDs []int64 `json:"ids"`
}

func (h *MemoryHandler) Search(c *gin.Context) {
	var req memorySearchRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Query) == "" {
		invalidRequest(c)
		return
	}
	items, err := h.store.RetrieveContext(c.Request.Context(), req.Query, req.K, req.Threshold)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{
		"items":   items,
		"summary": memory.Summarize(items),
	})
}

func (h *MemoryHandler) AddDocument(c *gin.Context) {
	var req memoryDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		invalidRequest(c)
		return
	}
	ids, err := h.store.Ingest(c.Request.Context(), req.Source, req.Text, req.Metadata)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"ids": ids})
}

func (h *MemoryHandler) Delete(c *gin.Context) {
	var req memoryDeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.IDs) == 0 {
		invalidRequest(c)
		return
	}
	removed, err := h.store.Delete(c.Request.Context(), req.IDs)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{"removed": removed})
}

func (h *MemoryHandler) Stats(c *gin.Context) {
	response.Success(c, gin.H{"records": h.store.Len()})
}
