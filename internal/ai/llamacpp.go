package ai

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
)

const defaultLlamaCppBaseURL = "http://127.0.0.1:8080/v1"

type llamaCppConfig struct {
	BaseURL     string `json:"base_url"`
	APIKey      string `json:"api_key"`
	ModelFile   string `json:"model_file"`
	ContextSize int    `json:"context_size"`
}

// llamaCppEngine drives a local llama.cpp server through its
// OpenAI-compatible completions endpoint.
type llamaCppEngine struct {
	client      *openai.Client
	model       string
	contextSize int
	// set by Reset, consumed by the next request
	dropCache atomic.Bool
	closed    atomic.Bool
}

func init() {
	RegisterEngine("llamacpp", createLlamaCppEngine)
}

func createLlamaCppEngine(args interface{}) (IEngine, error) {
	cfg := &llamaCppConfig{}
	if err := decodeConfig(args, cfg); err != nil {
		return nil, err
	}
	if cfg.ModelFile == "" {
		return nil, fmt.Errorf("llamacpp model_file is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultLlamaCppBaseURL
	}
	if cfg.APIKey == "" {
		cfg.APIKey = "sk-no-key-required"
	}
	client := openai.NewClient(
		option.WithBaseURL(cfg.BaseURL),
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	)
	return &llamaCppEngine{
		client:      &client,
		model:       cfg.ModelFile,
		contextSize: cfg.ContextSize,
	}, nil
}

func (e *llamaCppEngine) buildParams(prompt string, p GenerationParams) openai.CompletionNewParams {
	maxTokens := p.MaxTokens
	if e.contextSize > 0 {
		if room := e.contextSize - EstimateTokens(prompt); room < maxTokens {
			maxTokens = room
		}
	}
	if maxTokens < 1 {
		maxTokens = 1
	}
	params := openai.CompletionNewParams{
		Model:       openai.CompletionNewParamsModel(e.model),
		Prompt:      openai.CompletionNewParamsPromptUnion{OfString: openai.String(prompt)},
		MaxTokens:   openai.Int(int64(maxTokens)),
		Temperature: openai.Float(p.Temperature),
		TopP:        openai.Float(p.TopP),
	}
	extra := map[string]any{
		"top_k":          p.TopK,
		"repeat_penalty": p.RepetitionPenalty,
	}
	if e.dropCache.Swap(false) {
		extra["cache_prompt"] = false
	}
	params.SetExtraFields(extra)
	return params
}

func (e *llamaCppEngine) Generate(ctx context.Context, prompt string, p GenerationParams) (string, error) {
	if e.closed.Load() {
		return "", fmt.Errorf("llamacpp engine closed")
	}
	resp, err := e.client.Completions.New(ctx, e.buildParams(prompt, p))
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, choice := range resp.Choices {
		sb.WriteString(choice.Text)
	}
	return sb.String(), nil
}

func (e *llamaCppEngine) Stream(ctx context.Context, prompt string, p GenerationParams) (ITokenStream, error) {
	if e.closed.Load() {
		return nil, fmt.Errorf("llamacpp engine closed")
	}
	stream := e.client.Completions.NewStreaming(ctx, e.buildParams(prompt, p))
	return &completionStream{stream: stream}, nil
}

func (e *llamaCppEngine) Reset(ctx context.Context) error {
	_ = ctx
	e.dropCache.Store(true)
	return nil
}

func (e *llamaCppEngine) Close() error {
	e.closed.Store(true)
	return nil
}

type completionStream struct {
	stream *ssestream.Stream[openai.Completion]
	token  string
}

func (s *completionStream) Next() bool {
	for s.stream.Next() {
		chunk := s.stream.Current()
		if len(chunk.Choices) == 0 || chunk.Choices[0].Text == "" {
			continue
		}
		s.token = chunk.Choices[0].Text
		return true
	}
	s.token = ""
	return false
}

func (s *completionStream) Token() string {
	return s.token
}

func (s *completionStream) Err() error {
	return s.stream.Err()
}

func (s *completionStream) Close() error {
	return s.stream.Close()
}
