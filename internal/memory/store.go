package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/BetaMac/alma/internal/chunker"
	"github.com/BetaMac/alma/internal/model"
	appErr "github.com/BetaMac/alma/internal/pkg/errors"
	"github.com/BetaMac/alma/internal/vectorindex"
)

const defaultK = 10

// IEmbedder is the part of the embedding generator the store needs.
type IEmbedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedOne(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

type Options struct {
	StoreDir string
	Metric   vectorindex.Metric
	DefaultK int
	// Threshold applies when a caller passes none. Nil disables filtering.
	Threshold *float32
	AutoSave  bool
	Chunk     chunker.Options
}

// Store is the long-lived contextual memory: chunker, embedder and vector
// index behind one façade.
type Store struct {
	mu       sync.Mutex
	opts     Options
	embedder IEmbedder
	index    *vectorindex.Index
	chunker  *chunker.Chunker
	now      func() time.Time
}

// Open loads the index saved in opts.StoreDir, or starts an empty one.
func Open(opts Options, embedder IEmbedder) (*Store, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if opts.DefaultK <= 0 {
		opts.DefaultK = defaultK
	}
	var (
		index *vectorindex.Index
		err   error
	)
	if opts.StoreDir != "" && vectorindex.Exists(opts.StoreDir) {
		index, err = vectorindex.Load(opts.StoreDir)
		if err != nil {
			return nil, fmt.Errorf("load memory index: %w", err)
		}
		if index.Dim() != embedder.Dimensions() {
			return nil, fmt.Errorf("memory index has dimension %d, embedder produces %d", index.Dim(), embedder.Dimensions())
		}
		logutil.GetLogger(context.Background()).Info("memory index loaded",
			zap.String("dir", opts.StoreDir), zap.Int("records", index.Len()))
	} else {
		index, err = vectorindex.New(embedder.Dimensions(), opts.Metric)
		if err != nil {
			return nil, err
		}
	}
	return &Store{
		opts:     opts,
		embedder: embedder,
		index:    index,
		chunker:  chunker.New(opts.Chunk),
		now:      time.Now,
	}, nil
}

func (s *Store) Len() int {
	return s.index.Len()
}

// Record stores a prompt/response pair and returns their ids.
func (s *Store) Record(ctx context.Context, prompt, response, taskID string, metadata map[string]interface{}) ([]int64, error) {
	ts := s.now().Format(time.RFC3339Nano)
	texts := []string{prompt, response}
	entries := []vectorindex.Entry{
		s.entry(prompt, ts, metadata, model.InteractionPrompt, taskID),
		s.entry(response, ts, metadata, model.InteractionResponse, taskID),
	}
	ids, err := s.add(ctx, texts, entries)
	if err != nil {
		return nil, err
	}
	logutil.GetLogger(ctx).Debug("interaction recorded", zap.String("task_id", taskID), zap.Int64s("ids", ids))
	return ids, nil
}

// Ingest chunks a document and stores every chunk.
func (s *Store) Ingest(ctx context.Context, source, text string, metadata map[string]interface{}) ([]int64, error) {
	chunks := s.chunker.CreateChunks(text, source)
	if len(chunks) == 0 {
		return nil, appErr.Validation("document has no content")
	}
	ts := s.now().Format(time.RFC3339Nano)
	texts := make([]string, len(chunks))
	entries := make([]vectorindex.Entry, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
		e := s.entry(ch.Text, ts, metadata, model.InteractionDocument, "")
		e.Metadata["chunk"] = ch.Metadata
		entries[i] = e
	}
	ids, err := s.add(ctx, texts, entries)
	if err != nil {
		return nil, err
	}
	logutil.GetLogger(ctx).Info("document ingested", zap.String("source", source), zap.Int("chunks", len(ids)))
	return ids, nil
}

func (s *Store) entry(text, ts string, extra map[string]interface{}, kind model.InteractionType, taskID string) vectorindex.Entry {
	meta := make(map[string]interface{}, len(extra)+3)
	for k, v := range extra {
		meta[k] = v
	}
	meta[model.MetaKeyType] = string(kind)
	if taskID != "" {
		meta[model.MetaKeyTaskID] = taskID
	}
	meta["timestamp"] = ts
	return vectorindex.Entry{Text: text, Metadata: meta, Timestamp: ts}
}

func (s *Store) add(ctx context.Context, texts []string, entries []vectorindex.Entry) ([]int64, error) {
	vecs, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed memory records: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, err := s.index.Add(vecs, entries)
	if err != nil {
		return nil, err
	}
	if err := s.autoSaveLocked(); err != nil {
		return ids, err
	}
	return ids, nil
}

// RetrieveContext returns the records closest to query, best first.
// k <= 0 and a nil threshold fall back to the store defaults.
func (s *Store) RetrieveContext(ctx context.Context, query string, k int, threshold *float32) ([]model.ContextItem, error) {
	if k <= 0 {
		k = s.opts.DefaultK
	}
	if threshold == nil {
		threshold = s.opts.Threshold
	}
	vec, err := s.embedder.EmbedOne(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	results, err := s.index.Search(vec, k, threshold)
	if err != nil {
		return nil, err
	}
	items := make([]model.ContextItem, 0, len(results))
	for _, r := range results {
		items = append(items, model.ContextItem{
			ID:        r.ID,
			Text:      r.Entry.Text,
			Type:      metaString(r.Entry.Metadata, model.MetaKeyType),
			TaskID:    metaString(r.Entry.Metadata, model.MetaKeyTaskID),
			Timestamp: r.Entry.Timestamp,
			Score:     r.Score,
			Metadata:  r.Entry.Metadata,
		})
	}
	return items, nil
}

func metaString(meta map[string]interface{}, key string) string {
	v, _ := meta[key].(string)
	return v
}

// Summarize renders items as a prompt-ready block in the order given.
func Summarize(items []model.ContextItem) string {
	if len(items) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Previous relevant context:\n\n")
	for _, item := range items {
		kind := item.Type
		if kind == "" {
			kind = "interaction"
		}
		fmt.Fprintf(&sb, "[%s] %s\n%s\n\n", strings.ToUpper(kind), item.Timestamp, item.Text)
	}
	return strings.TrimSpace(sb.String())
}

// Delete drops records by id. The index is rebuilt, so this is O(n).
func (s *Store) Delete(ctx context.Context, ids []int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.index.Delete(ids)
	logutil.GetLogger(ctx).Info("memory records deleted", zap.Int("requested", len(ids)), zap.Int("removed", removed))
	if removed == 0 {
		return 0, nil
	}
	return removed, s.autoSaveLocked()
}

// TaskHistory is not supported: records are not indexed by task.
func (s *Store) TaskHistory(ctx context.Context, taskID string) ([]model.ContextItem, error) {
	return nil, fmt.Errorf("task history for %s: %w", taskID, appErr.ErrNotImplemented)
}

// ClearTask is not supported: records are not indexed by task.
func (s *Store) ClearTask(ctx context.Context, taskID string) error {
	logutil.GetLogger(ctx).Warn("clear task memory is not implemented", zap.String("task_id", taskID))
	return fmt.Errorf("clear task %s: %w", taskID, appErr.ErrNotImplemented)
}

func (s *Store) Save(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(ctx)
}

func (s *Store) saveLocked(ctx context.Context) error {
	if s.opts.StoreDir == "" {
		return fmt.Errorf("memory store dir is not configured")
	}
	if err := s.index.Save(s.opts.StoreDir); err != nil {
		return fmt.Errorf("save memory index: %w", err)
	}
	logutil.GetLogger(ctx).Debug("memory index saved", zap.String("dir", s.opts.StoreDir), zap.Int("records", s.index.Len()))
	return nil
}

func (s *Store) autoSaveLocked() error {
	if !s.opts.AutoSave || s.opts.StoreDir == "" {
		return nil
	}
	return s.saveLocked(context.Background())
}
