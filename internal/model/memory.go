package model

type InteractionType string

const (
	InteractionPrompt   InteractionType = "prompt"
	InteractionResponse InteractionType = "response"
	InteractionDocument InteractionType = "document"
)

const (
	MetaKeyType   = "type"
	MetaKeyTaskID = "task_id"
)

type MemoryRecord struct {
	ID        int64                  `json:"id"`
	Text      string                 `json:"text"`
	Metadata  map[string]interface{} `json:"metadata"`
	Timestamp string                 `json:"timestamp"`
}

type ContextItem struct {
	ID        int64                  `json:"id"`
	Text      string                 `json:"text"`
	Type      string                 `json:"type"`
	TaskID    string                 `json:"task_id,omitempty"`
	Timestamp string                 `json:"timestamp"`
	Score     float32                `json:"score"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}
