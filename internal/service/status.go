package service

import (
	"context"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/BetaMac/alma/internal/model"
	"github.com/BetaMac/alma/internal/resource"
)

const promptPreviewRunes = 50

type RecentTaskView struct {
	ID              string           `json:"id"`
	Prompt          string           `json:"prompt"`
	TaskType        model.TaskType   `json:"task_type"`
	Status          model.TaskStatus `json:"status"`
	InputTokens     int              `json:"input_tokens"`
	OutputTokens    int              `json:"output_tokens"`
	DurationSeconds float64          `json:"duration_seconds"`
	CreatedAt       int64            `json:"created_at"`
}

type StatusSnapshot struct {
	Tasks       map[model.TaskStatus]int `json:"tasks"`
	Memory      resource.MemoryStats     `json:"memory"`
	MemoryError string                   `json:"memory_error,omitempty"`
	ModelLoaded bool                     `json:"model_loaded"`
	Recent      []RecentTaskView         `json:"recent"`
}

// Status is a point-in-time view. Counts cover active tasks and the recent
// ring.
func (s *TaskService) Status(ctx context.Context) StatusSnapshot {
	snap := StatusSnapshot{
		Tasks:       make(map[model.TaskStatus]int, len(model.AllTaskStatuses)),
		ModelLoaded: s.manager.Loaded(),
	}
	for _, st := range model.AllTaskStatuses {
		snap.Tasks[st] = 0
	}
	s.mu.RLock()
	for _, run := range s.active {
		snap.Tasks[run.task.Status]++
	}
	recent := s.recent.List()
	snap.Recent = make([]RecentTaskView, 0, len(recent))
	for _, task := range recent {
		snap.Tasks[task.Status]++
		snap.Recent = append(snap.Recent, RecentTaskView{
			ID:              task.ID,
			Prompt:          previewPrompt(task.Prompt),
			TaskType:        task.TaskType,
			Status:          task.Status,
			InputTokens:     task.InputTokens,
			OutputTokens:    task.OutputTokens,
			DurationSeconds: task.Duration.Seconds(),
			CreatedAt:       task.CreatedAt.Unix(),
		})
	}
	s.mu.RUnlock()

	mem, err := s.manager.Memory(ctx)
	if err != nil {
		logutil.GetLogger(ctx).Warn("read memory stats failed", zap.Error(err))
		snap.MemoryError = err.Error()
	}
	snap.Memory = mem
	return snap
}

func previewPrompt(prompt string) string {
	runes := []rune(prompt)
	if len(runes) <= promptPreviewRunes {
		return prompt
	}
	return string(runes[:promptPreviewRunes]) + "..."
}
