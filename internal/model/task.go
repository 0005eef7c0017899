package model

import "time"

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusTimeout    TaskStatus = "timeout"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

var AllTaskStatuses = []TaskStatus{
	TaskStatusPending,
	TaskStatusProcessing,
	TaskStatusCompleted,
	TaskStatusFailed,
	TaskStatusTimeout,
	TaskStatusCancelled,
}

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:    {TaskStatusProcessing, TaskStatusCancelled},
	TaskStatusProcessing: {TaskStatusCompleted, TaskStatusFailed, TaskStatusTimeout, TaskStatusCancelled},
}

// CanTransition reports whether a task in status s may move to next.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusTimeout, TaskStatusCancelled:
		return true
	}
	return false
}

func (s TaskStatus) Cancellable() bool {
	return s.CanTransition(TaskStatusCancelled)
}

type TaskType string

const (
	TaskTypeCreative       TaskType = "creative"
	TaskTypeAnalytical     TaskType = "analytical"
	TaskTypeInstructional  TaskType = "instructional"
	TaskTypeConversational TaskType = "conversational"
)

// ParseTaskType maps an empty string to conversational.
func ParseTaskType(s string) (TaskType, bool) {
	switch TaskType(s) {
	case "":
		return TaskTypeConversational, true
	case TaskTypeCreative, TaskTypeAnalytical, TaskTypeInstructional, TaskTypeConversational:
		return TaskType(s), true
	}
	return "", false
}

type Task struct {
	ID           string                 `json:"id"`
	Prompt       string                 `json:"prompt"`
	TaskType     TaskType               `json:"task_type"`
	ContextID    string                 `json:"context_id"`
	Status       TaskStatus             `json:"status"`
	Result       string                 `json:"result,omitempty"`
	Error        string                 `json:"error,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	Timeout      time.Duration          `json:"timeout"`
	InputTokens  int                    `json:"input_tokens,omitempty"`
	OutputTokens int                    `json:"output_tokens,omitempty"`
	Duration     time.Duration          `json:"duration,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Clone returns a copy that is safe to hand out while the engine keeps
// mutating the original.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Deadline is the wall-clock instant the task budget runs out.
func (t *Task) Deadline() time.Time {
	return t.CreatedAt.Add(t.Timeout)
}
