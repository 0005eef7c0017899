package resource

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/BetaMac/alma/internal/ai"
	appErr "github.com/BetaMac/alma/internal/pkg/errors"
)

const smokePrompt = "Hello"

type EngineFactory func(name string, args interface{}) (ai.IEngine, error)

type Option func(m *Manager)

func WithEngineFactory(f EngineFactory) Option {
	return func(m *Manager) {
		m.factory = f
	}
}

func WithDeviceProbe(p IDeviceProbe) Option {
	return func(m *Manager) {
		m.device = p
	}
}

// Manager owns the single live engine handle. Construction, teardown and
// reset all happen under mu; generation calls do not take it.
type Manager struct {
	mu       sync.Mutex
	name     string
	args     interface{}
	factory  EngineFactory
	device   IDeviceProbe
	engine   ai.IEngine
	loadedAt time.Time
}

func NewManager(name string, args interface{}, opts ...Option) *Manager {
	m := &Manager{
		name:    name,
		args:    args,
		factory: ai.NewEngine,
		device:  NoDevice(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Engine returns the live engine, constructing and smoke-testing it on
// first use.
func (m *Manager) Engine(ctx context.Context) (ai.IEngine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.engine != nil {
		return m.engine, nil
	}
	logger := logutil.GetLogger(ctx).With(zap.String("engine", m.name))
	start := time.Now()
	engine, err := m.factory(m.name, m.args)
	if err != nil {
		logger.Error("engine construction failed", zap.Error(err))
		return nil, appErr.ModelInit(err)
	}
	out, err := engine.Generate(ctx, smokePrompt, ai.GenerationParams{
		MaxTokens:         8,
		Temperature:       0.1,
		TopP:              1,
		TopK:              40,
		RepetitionPenalty: 1,
	})
	if err == nil && strings.TrimSpace(out) == "" {
		err = fmt.Errorf("smoke generation returned empty output")
	}
	if err != nil {
		_ = engine.Close()
		logger.Error("engine smoke test failed", zap.Error(err))
		return nil, appErr.ModelInit(err)
	}
	m.engine = engine
	m.loadedAt = time.Now()
	logger.Info("engine loaded", zap.Duration("duration", time.Since(start)))
	return engine, nil
}

func (m *Manager) Loaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine != nil
}

// Unload releases the engine. The next Engine call loads it again.
func (m *Manager) Unload(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.engine == nil {
		return nil
	}
	err := m.engine.Close()
	m.engine = nil
	releaseHostMemory()
	logutil.GetLogger(ctx).Info("engine unloaded", zap.String("engine", m.name), zap.Error(err))
	return err
}

func (m *Manager) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.engine == nil {
		return nil
	}
	return m.engine.Reset(ctx)
}

// Reclaim clears engine state and returns freed heap to the OS.
func (m *Manager) Reclaim(ctx context.Context) error {
	err := m.Reset(ctx)
	releaseHostMemory()
	return err
}

func (m *Manager) Memory(ctx context.Context) (MemoryStats, error) {
	device, err := m.device.Stats(ctx)
	if err != nil {
		return MemoryStats{}, fmt.Errorf("device stats: %w", err)
	}
	system, err := systemStats()
	if err != nil {
		return MemoryStats{}, fmt.Errorf("system stats: %w", err)
	}
	return MemoryStats{Device: device, System: system}, nil
}

func (m *Manager) Close() error {
	return m.Unload(context.Background())
}

func releaseHostMemory() {
	runtime.GC()
	debug.FreeOSMemory()
}
