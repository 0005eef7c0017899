package vectorindex

import (
	"fmt"
	"slices"
	"sync"

	"github.com/viterin/vek/vek32"
)

type Metric string

const (
	MetricL2 Metric = "l2"
	MetricIP Metric = "ip"
)

func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case "", MetricL2:
		return MetricL2, nil
	case MetricIP:
		return MetricIP, nil
	}
	return "", fmt.Errorf("unsupported metric: %s", s)
}

// Entry is the payload stored next to each vector.
type Entry struct {
	Text      string                 `json:"text"`
	Metadata  map[string]interface{} `json:"metadata"`
	Timestamp string                 `json:"timestamp"`
}

type Result struct {
	ID    int64
	Score float32
	Entry Entry
}

// Index is an exact (flat) nearest-neighbor index. L2 scores are squared
// euclidean distances, lower is better. IP scores are inner products,
// higher is better. Ids grow monotonically and are never handed out twice.
type Index struct {
	mu      sync.RWMutex
	dim     int
	metric  Metric
	ids     []int64
	vectors [][]float32
	entries map[int64]Entry
	nextID  int64
}

func New(dim int, metric Metric) (*Index, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("index dimension must be positive")
	}
	if _, err := ParseMetric(string(metric)); err != nil {
		return nil, err
	}
	if metric == "" {
		metric = MetricL2
	}
	return &Index{
		dim:     dim,
		metric:  metric,
		entries: make(map[int64]Entry),
	}, nil
}

func (x *Index) Dim() int {
	return x.dim
}

func (x *Index) Metric() Metric {
	return x.metric
}

func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.ids)
}

func (x *Index) NextID() int64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.nextID
}

func (x *Index) Add(vectors [][]float32, entries []Entry) ([]int64, error) {
	if len(vectors) != len(entries) {
		return nil, fmt.Errorf("got %d vectors and %d entries", len(vectors), len(entries))
	}
	for i, v := range vectors {
		if len(v) != x.dim {
			return nil, fmt.Errorf("vector %d has dimension %d, want %d", i, len(v), x.dim)
		}
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	ids := make([]int64, len(vectors))
	for i, v := range vectors {
		id := x.nextID
		x.nextID++
		x.appendLocked(id, v, entries[i])
		ids[i] = id
	}
	return ids, nil
}

func (x *Index) appendLocked(id int64, v []float32, e Entry) {
	x.ids = append(x.ids, id)
	x.vectors = append(x.vectors, append([]float32(nil), v...))
	x.entries[id] = e
}

func (x *Index) Get(id int64) (Entry, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.entries[id]
	return e, ok
}

// Search returns up to k results, best first. A nil threshold keeps all
// results; otherwise L2 keeps distance <= threshold and IP keeps
// score >= threshold.
func (x *Index) Search(query []float32, k int, threshold *float32) ([]Result, error) {
	if len(query) != x.dim {
		return nil, fmt.Errorf("query has dimension %d, want %d", len(query), x.dim)
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	if k <= 0 || len(x.ids) == 0 {
		return nil, nil
	}
	results := make([]Result, 0, len(x.ids))
	for slot, v := range x.vectors {
		score := x.score(query, v)
		if threshold != nil && !x.passes(score, *threshold) {
			continue
		}
		results = append(results, Result{ID: x.ids[slot], Score: score})
	}
	slices.SortStableFunc(results, func(a, b Result) int {
		if x.better(a.Score, b.Score) {
			return -1
		}
		if x.better(b.Score, a.Score) {
			return 1
		}
		return 0
	})
	if len(results) > k {
		results = results[:k]
	}
	for i := range results {
		results[i].Entry = x.entries[results[i].ID]
	}
	return results, nil
}

func (x *Index) score(q, v []float32) float32 {
	if x.metric == MetricIP {
		return vek32.Dot(q, v)
	}
	d := vek32.Distance(q, v)
	return d * d
}

func (x *Index) better(a, b float32) bool {
	if x.metric == MetricIP {
		return a > b
	}
	return a < b
}

func (x *Index) passes(score, threshold float32) bool {
	if x.metric == MetricIP {
		return score >= threshold
	}
	return score <= threshold
}

// Delete removes ids by rebuilding the index from the retained vectors in
// their original order. It returns how many ids were removed.
func (x *Index) Delete(ids []int64) int {
	drop := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	oldIDs, oldVectors, oldEntries := x.ids, x.vectors, x.entries
	x.ids = make([]int64, 0, len(oldIDs))
	x.vectors = make([][]float32, 0, len(oldVectors))
	x.entries = make(map[int64]Entry, len(oldEntries))
	removed := 0
	for slot, id := range oldIDs {
		if _, ok := drop[id]; ok {
			removed++
			continue
		}
		x.ids = append(x.ids, id)
		x.vectors = append(x.vectors, oldVectors[slot])
		x.entries[id] = oldEntries[id]
	}
	return removed
}
