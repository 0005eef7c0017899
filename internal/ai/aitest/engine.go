// Package aitest provides scripted engines for tests.
package aitest

import (
	"context"
	"sync"
	"time"

	"github.com/BetaMac/alma/internal/ai"
)

// Engine replays Tokens on every Stream call. StreamErrs are returned by
// successive Stream calls before falling back to success; a nil entry
// means that call succeeds.
type Engine struct {
	Tokens      []string
	Smoke       string
	GenerateErr error
	StreamErrs  []error
	TokenDelay  time.Duration
	// MidStreamErr fails the stream after MidStreamAfter tokens.
	MidStreamErr   error
	MidStreamAfter int

	mu            sync.Mutex
	streamCalls   int
	generateCalls int
	resets        int
	closed        bool
	lastParams    ai.GenerationParams
	lastPrompt    string
}

func (e *Engine) Generate(ctx context.Context, prompt string, params ai.GenerationParams) (string, error) {
	e.mu.Lock()
	e.generateCalls++
	e.mu.Unlock()
	if e.GenerateErr != nil {
		return "", e.GenerateErr
	}
	if e.Smoke == "" {
		return "ok", nil
	}
	return e.Smoke, nil
}

func (e *Engine) Stream(ctx context.Context, prompt string, params ai.GenerationParams) (ai.ITokenStream, error) {
	e.mu.Lock()
	call := e.streamCalls
	e.streamCalls++
	e.lastParams = params
	e.lastPrompt = prompt
	e.mu.Unlock()
	if call < len(e.StreamErrs) && e.StreamErrs[call] != nil {
		return nil, e.StreamErrs[call]
	}
	return &stream{ctx: ctx, engine: e}, nil
}

func (e *Engine) Reset(ctx context.Context) error {
	e.mu.Lock()
	e.resets++
	e.mu.Unlock()
	return nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

func (e *Engine) StreamCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streamCalls
}

func (e *Engine) GenerateCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generateCalls
}

func (e *Engine) Resets() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resets
}

func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) LastParams() ai.GenerationParams {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastParams
}

func (e *Engine) LastPrompt() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastPrompt
}

type stream struct {
	ctx    context.Context
	engine *Engine
	pos    int
	token  string
	err    error
}

func (s *stream) Next() bool {
	if s.err != nil {
		return false
	}
	if s.engine.MidStreamErr != nil && s.pos >= s.engine.MidStreamAfter {
		s.err = s.engine.MidStreamErr
		return false
	}
	if s.pos >= len(s.engine.Tokens) {
		return false
	}
	if s.engine.TokenDelay > 0 {
		timer := time.NewTimer(s.engine.TokenDelay)
		defer timer.Stop()
		select {
		case <-s.ctx.Done():
			s.err = s.ctx.Err()
			return false
		case <-timer.C:
		}
	} else if err := s.ctx.Err(); err != nil {
		s.err = err
		return false
	}
	s.token = s.engine.Tokens[s.pos]
	s.pos++
	return true
}

func (s *stream) Token() string {
	return s.token
}

func (s *stream) Err() error {
	return s.err
}

func (s *stream) Close() error {
	return nil
}

// Words splits text into word tokens that keep their trailing space, the
// way subword models emit them.
func Words(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] == ' ' {
			out = append(out, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}
