package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

type GenerationParams struct {
	MaxTokens         int     `json:"max_tokens"`
	Temperature       float64 `json:"temperature"`
	TopP              float64 `json:"top_p"`
	TopK              int     `json:"top_k"`
	RepetitionPenalty float64 `json:"repetition_penalty"`
}

// ITokenStream is pulled one token at a time. Callers must Close it.
type ITokenStream interface {
	Next() bool
	Token() string
	Err() error
	Close() error
}

type IEngine interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
	Stream(ctx context.Context, prompt string, params GenerationParams) (ITokenStream, error)
	Reset(ctx context.Context) error
	Close() error
}

// TokenStates holds the per-token hidden states of one encoded text.
// Mask[i] is 1 for real tokens and 0 for padding.
type TokenStates struct {
	Hidden [][]float32
	Mask   []int64
}

type IEmbedModel interface {
	Encode(ctx context.Context, texts []string) ([]TokenStates, error)
	Dimensions() int
	ModelName() string
	Close() error
}

type EngineFactory func(args interface{}) (IEngine, error)

type EmbedModelFactory func(args interface{}) (IEmbedModel, error)

var (
	registryMu  sync.RWMutex
	engines     = map[string]EngineFactory{}
	embedModels = map[string]EmbedModelFactory{}
)

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func RegisterEngine(name string, factory EngineFactory) {
	key := normalizeName(name)
	if key == "" || factory == nil {
		return
	}
	registryMu.Lock()
	engines[key] = factory
	registryMu.Unlock()
}

func NewEngine(name string, args interface{}) (IEngine, error) {
	key := normalizeName(name)
	if key == "" {
		return nil, fmt.Errorf("model.engine is required")
	}
	registryMu.RLock()
	factory := engines[key]
	registryMu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("unsupported engine: %s", name)
	}
	return factory(args)
}

func RegisterEmbedModel(name string, factory EmbedModelFactory) {
	key := normalizeName(name)
	if key == "" || factory == nil {
		return
	}
	registryMu.Lock()
	embedModels[key] = factory
	registryMu.Unlock()
}

func NewEmbedModel(name string, args interface{}) (IEmbedModel, error) {
	key := normalizeName(name)
	if key == "" {
		return nil, fmt.Errorf("embedding.model is required")
	}
	registryMu.RLock()
	factory := embedModels[key]
	registryMu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("unsupported embed model: %s", name)
	}
	return factory(args)
}

func decodeConfig(args interface{}, dst interface{}) error {
	if args == nil {
		return nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode model config: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode model config: %w", err)
	}
	return nil
}
