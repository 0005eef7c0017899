package resource

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BetaMac/alma/internal/ai"
	"github.com/BetaMac/alma/internal/ai/aitest"
	appErr "github.com/BetaMac/alma/internal/pkg/errors"
)

type scriptedProbe struct {
	mu       sync.Mutex
	readings []float64
	err      error
	calls    int
}

func (p *scriptedProbe) Stats(context.Context) (DeviceStats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return DeviceStats{}, p.err
	}
	idx := p.calls
	if idx >= len(p.readings) {
		idx = len(p.readings) - 1
	}
	p.calls++
	return DeviceStats{Present: true, Total: 100, Used: uint64(p.readings[idx]), Percent: p.readings[idx]}, nil
}

func newGuardFixture(t *testing.T, probe IDeviceProbe) (*Guard, *aitest.Engine) {
	t.Helper()
	engine := &aitest.Engine{}
	m := NewManager("fake", nil,
		WithDeviceProbe(probe),
		WithEngineFactory(func(string, interface{}) (ai.IEngine, error) { return engine, nil }),
	)
	_, err := m.Engine(context.Background())
	require.NoError(t, err)
	return NewGuard(m, 0.9), engine
}

func TestGuardCheck(t *testing.T) {
	tests := []struct {
		name       string
		readings   []float64
		wantErr    bool
		wantResets int
	}{
		{"under threshold", []float64{40}, false, 0},
		{"at threshold", []float64{90}, false, 0},
		{"recovered by reclaim", []float64{95, 60}, false, 1},
		{"still over after reclaim", []float64{95, 94}, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			guard, engine := newGuardFixture(t, &scriptedProbe{readings: tt.readings})
			err := guard.Check(context.Background())
			if tt.wantErr {
				require.True(t, appErr.IsResourceExhausted(err))
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tt.wantResets, engine.Resets())
		})
	}
}

func TestGuardWithoutDeviceAlwaysPasses(t *testing.T) {
	guard, engine := newGuardFixture(t, NoDevice())
	require.NoError(t, guard.Check(context.Background()))
	require.Equal(t, 0, engine.Resets())
}

func TestGuardProbeErrorDoesNotBlock(t *testing.T) {
	guard, _ := newGuardFixture(t, &scriptedProbe{err: errors.New("driver gone")})
	require.NoError(t, guard.Check(context.Background()))
}

func TestGuardCleanupResetsEngine(t *testing.T) {
	guard, engine := newGuardFixture(t, NoDevice())
	guard.Cleanup(context.Background())
	require.Equal(t, 1, engine.Resets())
}

func TestParseNvidiaSMI(t *testing.T) {
	stats, err := parseNvidiaSMI("NVIDIA GeForce RTX 3060, 3072, 12288\nother, 1, 2\n")
	require.NoError(t, err)
	require.True(t, stats.Present)
	require.Equal(t, "NVIDIA GeForce RTX 3060", stats.Name)
	require.Equal(t, uint64(3072*mib), stats.Used)
	require.Equal(t, uint64(9216*mib), stats.Free)
	require.InDelta(t, 25.0, stats.Percent, 1e-9)

	_, err = parseNvidiaSMI("garbage")
	require.Error(t, err)
	_, err = parseNvidiaSMI("gpu, x, 10")
	require.Error(t, err)
}

func TestDetectDeviceWithoutLayers(t *testing.T) {
	_, ok := DetectDevice(0).(noDevice)
	require.True(t, ok)
}
