package embedding

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BetaMac/alma/internal/ai"
	"github.com/BetaMac/alma/internal/embedcache"
)

type recordingModel struct {
	ai.IEmbedModel
	calls   int
	batches [][]string
}

func (m *recordingModel) Encode(ctx context.Context, texts []string) ([]ai.TokenStates, error) {
	m.calls++
	m.batches = append(m.batches, append([]string(nil), texts...))
	return m.IEmbedModel.Encode(ctx, texts)
}

func newTestGenerator(t *testing.T, batch int) (*Generator, *recordingModel) {
	t.Helper()
	cache, err := embedcache.NewFileCache(t.TempDir())
	require.NoError(t, err)
	m := &recordingModel{IEmbedModel: ai.NewHashEmbedModel(16)}
	return NewGenerator(m, cache, batch), m
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func TestEmbedCachesByContent(t *testing.T) {
	g, m := newTestGenerator(t, 8)
	ctx := context.Background()

	first, err := g.EmbedOne(ctx, "rain on the window")
	require.NoError(t, err)
	require.Equal(t, 1, m.calls)
	require.InDelta(t, 1.0, norm(first), 1e-5)

	second, err := g.EmbedOne(ctx, "rain on the window")
	require.NoError(t, err)
	require.Equal(t, 1, m.calls)
	require.Equal(t, first, second)

	_, err = g.EmbedOne(ctx, "rain on the window!")
	require.NoError(t, err)
	require.Equal(t, 2, m.calls)
}

func TestEmbedBatchesAndKeepsOrder(t *testing.T) {
	g, m := newTestGenerator(t, 2)
	ctx := context.Background()
	texts := make([]string, 5)
	for i := range texts {
		texts[i] = fmt.Sprintf("text number %d", i)
	}
	vecs, err := g.Embed(ctx, texts)
	require.NoError(t, err)
	require.Len(t, vecs, 5)
	require.Equal(t, 3, m.calls)
	require.Equal(t, []string{"text number 4"}, m.batches[2])

	for i, text := range texts {
		single, err := g.EmbedOne(ctx, text)
		require.NoError(t, err)
		require.Equal(t, vecs[i], single)
	}
	require.Equal(t, 3, m.calls)
}

func TestEmbedDeduplicatesWithinBatch(t *testing.T) {
	g, m := newTestGenerator(t, 8)
	vecs, err := g.Embed(context.Background(), []string{"same", "other", "same"})
	require.NoError(t, err)
	require.Equal(t, 1, m.calls)
	require.Equal(t, []string{"same", "other"}, m.batches[0])
	require.Equal(t, vecs[0], vecs[2])
	vecs[0][0] = 42
	require.NotEqual(t, vecs[0][0], vecs[2][0])
}

func TestMeanPoolIgnoresPadding(t *testing.T) {
	st := ai.TokenStates{
		Hidden: [][]float32{{3, 0}, {1, 0}, {100, 100}},
		Mask:   []int64{1, 1, 0},
	}
	vec, err := meanPool(st, 2)
	require.NoError(t, err)
	require.InDelta(t, 1.0, vec[0], 1e-6)
	require.InDelta(t, 0.0, vec[1], 1e-6)

	zero, err := meanPool(ai.TokenStates{Hidden: [][]float32{{1, 1}}, Mask: []int64{0}}, 2)
	require.NoError(t, err)
	require.Equal(t, []float32{0, 0}, zero)

	_, err = meanPool(ai.TokenStates{Hidden: [][]float32{{1}}, Mask: []int64{1}}, 2)
	require.Error(t, err)
}

type failingModel struct {
	ai.IEmbedModel
}

func (failingModel) Encode(context.Context, []string) ([]ai.TokenStates, error) {
	return nil, fmt.Errorf("device lost")
}

func TestEmbedPropagatesModelError(t *testing.T) {
	g := NewGenerator(failingModel{IEmbedModel: ai.NewHashEmbedModel(4)}, nil, 0)
	_, err := g.Embed(context.Background(), []string{"x"})
	require.ErrorContains(t, err, "device lost")
}
