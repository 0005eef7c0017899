package ai

import (
	"strings"

	"github.com/BetaMac/alma/internal/model"
)

const defaultTopK = 40

var profiles = map[model.TaskType]GenerationParams{
	model.TaskTypeCreative: {
		MaxTokens:         256,
		Temperature:       0.7,
		TopP:              0.95,
		TopK:              defaultTopK,
		RepetitionPenalty: 1.1,
	},
	model.TaskTypeAnalytical: {
		MaxTokens:         512,
		Temperature:       0.3,
		TopP:              0.85,
		TopK:              defaultTopK,
		RepetitionPenalty: 1.0,
	},
	model.TaskTypeInstructional: {
		MaxTokens:         384,
		Temperature:       0.4,
		TopP:              0.9,
		TopK:              defaultTopK,
		RepetitionPenalty: 1.0,
	},
	model.TaskTypeConversational: {
		MaxTokens:         128,
		Temperature:       0.6,
		TopP:              0.9,
		TopK:              defaultTopK,
		RepetitionPenalty: 1.2,
	},
}

// ProfileFor returns the sampling parameters for a task type, falling back
// to the conversational profile.
func ProfileFor(t model.TaskType) GenerationParams {
	if p, ok := profiles[t]; ok {
		return p
	}
	return profiles[model.TaskTypeConversational]
}

// RenderPrompt builds an instruction-tuned prompt with optional prior context.
func RenderPrompt(context, query string) string {
	parts := make([]string, 0, 2)
	for _, part := range []string{context, query} {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	return "[INST] " + strings.Join(parts, " ") + " [/INST]"
}
