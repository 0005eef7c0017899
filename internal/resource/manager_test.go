package resource

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BetaMac/alma/internal/ai"
	"github.com/BetaMac/alma/internal/ai/aitest"
	appErr "github.com/BetaMac/alma/internal/pkg/errors"
)

func staticFactory(e ai.IEngine, built *int32) EngineFactory {
	return func(name string, args interface{}) (ai.IEngine, error) {
		atomic.AddInt32(built, 1)
		return e, nil
	}
}

func TestManagerLoadsOnceUnderConcurrency(t *testing.T) {
	engine := &aitest.Engine{}
	var built int32
	m := NewManager("fake", nil, WithEngineFactory(staticFactory(engine, &built)))
	require.False(t, m.Loaded())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := m.Engine(context.Background())
			require.NoError(t, err)
			require.Same(t, engine, got)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), atomic.LoadInt32(&built))
	require.Equal(t, 1, engine.GenerateCalls())
	require.True(t, m.Loaded())
}

func TestManagerSmokeFailures(t *testing.T) {
	tests := []struct {
		name   string
		engine *aitest.Engine
	}{
		{"empty output", &aitest.Engine{Smoke: "   "}},
		{"generate error", &aitest.Engine{GenerateErr: errors.New("boom")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var built int32
			m := NewManager("fake", nil, WithEngineFactory(staticFactory(tt.engine, &built)))
			_, err := m.Engine(context.Background())
			require.True(t, appErr.IsModelInit(err))
			require.True(t, tt.engine.Closed())
			require.False(t, m.Loaded())
		})
	}
}

func TestManagerFactoryError(t *testing.T) {
	m := NewManager("fake", nil, WithEngineFactory(func(string, interface{}) (ai.IEngine, error) {
		return nil, errors.New("no such model file")
	}))
	_, err := m.Engine(context.Background())
	require.True(t, appErr.IsModelInit(err))
	require.ErrorContains(t, err, "no such model file")
}

func TestManagerDefaultFactoryRejectsUnknownEngine(t *testing.T) {
	m := NewManager("missing", nil)
	_, err := m.Engine(context.Background())
	require.True(t, appErr.IsModelInit(err))
}

func TestManagerUnloadThenReload(t *testing.T) {
	engine := &aitest.Engine{}
	var built int32
	m := NewManager("fake", nil, WithEngineFactory(staticFactory(engine, &built)))
	ctx := context.Background()

	require.NoError(t, m.Unload(ctx))
	require.NoError(t, m.Reset(ctx))
	require.Equal(t, 0, engine.Resets())

	_, err := m.Engine(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Reclaim(ctx))
	require.Equal(t, 1, engine.Resets())

	require.NoError(t, m.Unload(ctx))
	require.True(t, engine.Closed())
	require.False(t, m.Loaded())

	_, err = m.Engine(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&built))
}

func TestManagerMemory(t *testing.T) {
	m := NewManager("fake", nil)
	stats, err := m.Memory(context.Background())
	require.NoError(t, err)
	require.False(t, stats.Device.Present)
	require.NotZero(t, stats.System.Total)
}
