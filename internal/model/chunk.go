package model

type ChunkMetadata struct {
	Index       int    `json:"index"`
	Start       int    `json:"start"`
	End         int    `json:"end"`
	TokenCount  int    `json:"token_count,omitempty"`
	Source      string `json:"source,omitempty"`
	PrevContext string `json:"prev_context,omitempty"`
	NextContext string `json:"next_context,omitempty"`
}

type TextChunk struct {
	Text     string        `json:"text"`
	Metadata ChunkMetadata `json:"metadata"`
}
