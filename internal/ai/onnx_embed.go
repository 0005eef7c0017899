//go:build onnx

package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	defaultOnnxDimensions = 384
	defaultOnnxMaxLength  = 512
	bertCLS               = 101
	bertSEP               = 102
	bertUNK               = 100
)

type onnxEmbedConfig struct {
	ModelPath         string `json:"model_path"`
	TokenizerPath     string `json:"tokenizer_path"`
	SharedLibraryPath string `json:"shared_library_path"`
	Dimensions        int    `json:"dimensions"`
	MaxLength         int    `json:"max_length"`
}

type onnxEmbedModel struct {
	mu        sync.Mutex
	session   *ort.DynamicAdvancedSession
	vocab     map[string]int
	dims      int
	maxLength int
	name      string
}

var ortInitOnce sync.Once

func init() {
	RegisterEmbedModel("onnx", createOnnxEmbedModel)
}

func createOnnxEmbedModel(args interface{}) (IEmbedModel, error) {
	cfg := &onnxEmbedConfig{}
	if err := decodeConfig(args, cfg); err != nil {
		return nil, err
	}
	if cfg.ModelPath == "" || cfg.TokenizerPath == "" {
		return nil, fmt.Errorf("onnx model_path and tokenizer_path are required")
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = defaultOnnxDimensions
	}
	if cfg.MaxLength == 0 {
		cfg.MaxLength = defaultOnnxMaxLength
	}
	var initErr error
	ortInitOnce.Do(func() {
		if cfg.SharedLibraryPath != "" {
			ort.SetSharedLibraryPath(cfg.SharedLibraryPath)
		}
		initErr = ort.InitializeEnvironment()
	})
	if initErr != nil {
		return nil, fmt.Errorf("init onnx runtime: %w", initErr)
	}
	vocab, err := loadWordPieceVocab(cfg.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create onnx session: %w", err)
	}
	return &onnxEmbedModel{
		session:   session,
		vocab:     vocab,
		dims:      cfg.Dimensions,
		maxLength: cfg.MaxLength,
		name:      "onnx:" + cfg.ModelPath,
	}, nil
}

func (m *onnxEmbedModel) Encode(ctx context.Context, texts []string) ([]TokenStates, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids := make([][]int64, len(texts))
	seqLen := 2
	for i, text := range texts {
		ids[i] = m.tokenize(text)
		if len(ids[i]) > seqLen {
			seqLen = len(ids[i])
		}
	}
	batch := len(texts)
	inputIDs := make([]int64, batch*seqLen)
	mask := make([]int64, batch*seqLen)
	typeIDs := make([]int64, batch*seqLen)
	for i, row := range ids {
		for j, id := range row {
			inputIDs[i*seqLen+j] = id
			mask[i*seqLen+j] = 1
		}
	}
	shape := ort.NewShape(int64(batch), int64(seqLen))
	idsTensor, err := ort.NewTensor(shape, inputIDs)
	if err != nil {
		return nil, fmt.Errorf("create input_ids tensor: %w", err)
	}
	defer idsTensor.Destroy()
	maskTensor, err := ort.NewTensor(shape, mask)
	if err != nil {
		return nil, fmt.Errorf("create attention_mask tensor: %w", err)
	}
	defer maskTensor.Destroy()
	typeTensor, err := ort.NewTensor(shape, typeIDs)
	if err != nil {
		return nil, fmt.Errorf("create token_type_ids tensor: %w", err)
	}
	defer typeTensor.Destroy()

	outputs := []ort.Value{nil}
	m.mu.Lock()
	err = m.session.Run([]ort.Value{idsTensor, maskTensor, typeTensor}, outputs)
	m.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("onnx inference: %w", err)
	}
	defer func() {
		for _, out := range outputs {
			if out != nil {
				out.Destroy()
			}
		}
	}()
	hidden, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected onnx output type")
	}
	outShape := hidden.GetShape()
	if len(outShape) != 3 || int(outShape[2]) != m.dims {
		return nil, fmt.Errorf("unexpected onnx output shape: %v", outShape)
	}
	data := hidden.GetData()
	result := make([]TokenStates, batch)
	for i := 0; i < batch; i++ {
		states := TokenStates{
			Hidden: make([][]float32, seqLen),
			Mask:   make([]int64, seqLen),
		}
		for j := 0; j < seqLen; j++ {
			offset := (i*seqLen + j) * m.dims
			row := make([]float32, m.dims)
			copy(row, data[offset:offset+m.dims])
			states.Hidden[j] = row
			states.Mask[j] = mask[i*seqLen+j]
		}
		result[i] = states
	}
	return result, nil
}

// tokenize runs a lowercase WordPiece pass and wraps the ids in [CLS]/[SEP],
// truncating to the model's max length.
func (m *onnxEmbedModel) tokenize(text string) []int64 {
	out := []int64{bertCLS}
	limit := m.maxLength - 1
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'()[]")
		if word == "" {
			continue
		}
		for _, piece := range m.wordPiece(word) {
			if len(out) >= limit {
				return append(out, bertSEP)
			}
			out = append(out, piece)
		}
	}
	return append(out, bertSEP)
}

func (m *onnxEmbedModel) wordPiece(word string) []int64 {
	if id, ok := m.vocab[word]; ok {
		return []int64{int64(id)}
	}
	var pieces []int64
	start := 0
	for start < len(word) {
		end := len(word)
		found := false
		for end > start {
			sub := word[start:end]
			if start > 0 {
				sub = "##" + sub
			}
			if id, ok := m.vocab[sub]; ok {
				pieces = append(pieces, int64(id))
				start = end
				found = true
				break
			}
			end--
		}
		if !found {
			return []int64{bertUNK}
		}
	}
	return pieces
}

func (m *onnxEmbedModel) Dimensions() int {
	return m.dims
}

func (m *onnxEmbedModel) ModelName() string {
	return m.name
}

func (m *onnxEmbedModel) Close() error {
	if m.session == nil {
		return nil
	}
	return m.session.Destroy()
}

func loadWordPieceVocab(path string) (map[string]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Model struct {
			Vocab map[string]int `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer vocab is empty")
	}
	return parsed.Model.Vocab, nil
}
