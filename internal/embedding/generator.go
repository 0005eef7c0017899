package embedding

import (
	"context"
	"fmt"
	"math"

	"github.com/viterin/vek/vek32"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/BetaMac/alma/internal/ai"
	"github.com/BetaMac/alma/internal/embedcache"
)

const defaultBatchSize = 8

// Generator turns text into unit-length vectors. Identical text is served
// from the content-addressed cache and never reaches the model twice.
type Generator struct {
	model     ai.IEmbedModel
	cache     embedcache.ICache
	batchSize int
}

func NewGenerator(model ai.IEmbedModel, cache embedcache.ICache, batchSize int) *Generator {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Generator{model: model, cache: cache, batchSize: batchSize}
}

func (g *Generator) Dimensions() int {
	return g.model.Dimensions()
}

func (g *Generator) ModelName() string {
	return g.model.ModelName()
}

func (g *Generator) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := g.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Embed returns one vector per text, in input order.
func (g *Generator) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	waiting := make(map[string][]int)
	var missKeys []string
	var missTexts []string
	for i, text := range texts {
		key := embedcache.Key(text)
		if idx, ok := waiting[key]; ok {
			waiting[key] = append(idx, i)
			continue
		}
		if vec, ok := g.lookup(ctx, key); ok {
			out[i] = vec
			continue
		}
		waiting[key] = []int{i}
		missKeys = append(missKeys, key)
		missTexts = append(missTexts, text)
	}
	if len(missTexts) == 0 {
		return out, nil
	}
	logutil.GetLogger(ctx).Debug("embedding cache miss",
		zap.Int("total", len(texts)), zap.Int("miss", len(missTexts)))

	dims := g.model.Dimensions()
	for start := 0; start < len(missTexts); start += g.batchSize {
		end := min(start+g.batchSize, len(missTexts))
		states, err := g.model.Encode(ctx, missTexts[start:end])
		if err != nil {
			return nil, fmt.Errorf("encode batch: %w", err)
		}
		if len(states) != end-start {
			return nil, fmt.Errorf("encode batch: got %d outputs for %d texts", len(states), end-start)
		}
		for j, st := range states {
			vec, err := meanPool(st, dims)
			if err != nil {
				return nil, err
			}
			key := missKeys[start+j]
			g.store(ctx, key, vec)
			for n, idx := range waiting[key] {
				if n == 0 {
					out[idx] = vec
					continue
				}
				out[idx] = append([]float32(nil), vec...)
			}
		}
	}
	return out, nil
}

func (g *Generator) lookup(ctx context.Context, key string) ([]float32, bool) {
	if g.cache == nil {
		return nil, false
	}
	vec, ok, err := g.cache.Get(key)
	if err != nil {
		logutil.GetLogger(ctx).Warn("embedding cache read failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return vec, ok
}

func (g *Generator) store(ctx context.Context, key string, vec []float32) {
	if g.cache == nil {
		return
	}
	if err := g.cache.Put(key, vec); err != nil {
		logutil.GetLogger(ctx).Warn("embedding cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// meanPool averages the hidden states of attended tokens and L2-normalizes
// the result. A text with no attended tokens pools to the zero vector.
func meanPool(st ai.TokenStates, dims int) ([]float32, error) {
	sum := make([]float32, dims)
	var count float32
	for i, row := range st.Hidden {
		if i >= len(st.Mask) || st.Mask[i] == 0 {
			continue
		}
		if len(row) != dims {
			return nil, fmt.Errorf("hidden state has %d dims, want %d", len(row), dims)
		}
		vek32.Add_Inplace(sum, row)
		count++
	}
	if count > 0 {
		vek32.MulNumber_Inplace(sum, 1/count)
	}
	Normalize(sum)
	return sum, nil
}

// Normalize scales v to unit length in place.
func Normalize(v []float32) {
	norm := float32(math.Sqrt(float64(vek32.Dot(v, v))))
	if norm == 0 {
		return
	}
	vek32.MulNumber_Inplace(v, 1/norm)
}
