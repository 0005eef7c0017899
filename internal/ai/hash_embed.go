package ai

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
)

const defaultHashDimensions = 384

type hashEmbedConfig struct {
	Dimensions int `json:"dimensions"`
}

// hashEmbedModel is an offline stand-in for a transformer encoder. Every
// word gets a deterministic pseudo-random hidden state seeded by its hash,
// so identical texts always encode identically.
type hashEmbedModel struct {
	dims int
}

func init() {
	RegisterEmbedModel("hash", createHashEmbedModel)
}

func createHashEmbedModel(args interface{}) (IEmbedModel, error) {
	cfg := &hashEmbedConfig{}
	if err := decodeConfig(args, cfg); err != nil {
		return nil, err
	}
	if cfg.Dimensions < 0 {
		return nil, fmt.Errorf("hash dimensions must be positive")
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = defaultHashDimensions
	}
	return NewHashEmbedModel(cfg.Dimensions), nil
}

func NewHashEmbedModel(dims int) IEmbedModel {
	return &hashEmbedModel{dims: dims}
}

func (m *hashEmbedModel) Encode(ctx context.Context, texts []string) ([]TokenStates, error) {
	tokenized := make([][]string, len(texts))
	seqLen := 1
	for i, text := range texts {
		tokenized[i] = strings.Fields(strings.ToLower(text))
		if len(tokenized[i]) > seqLen {
			seqLen = len(tokenized[i])
		}
	}
	out := make([]TokenStates, len(texts))
	for i, tokens := range tokenized {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		states := TokenStates{
			Hidden: make([][]float32, seqLen),
			Mask:   make([]int64, seqLen),
		}
		for pos := 0; pos < seqLen; pos++ {
			if pos < len(tokens) {
				states.Hidden[pos] = m.tokenVector(tokens[pos])
				states.Mask[pos] = 1
				continue
			}
			states.Hidden[pos] = make([]float32, m.dims)
		}
		out[i] = states
	}
	return out, nil
}

func (m *hashEmbedModel) tokenVector(token string) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(token))
	seed := h.Sum64()
	vec := make([]float32, m.dims)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed>>33)%2000)/1000.0 - 1.0
	}
	return vec
}

func (m *hashEmbedModel) Dimensions() int {
	return m.dims
}

func (m *hashEmbedModel) ModelName() string {
	return fmt.Sprintf("hash-%d", m.dims)
}

func (m *hashEmbedModel) Close() error {
	return nil
}
