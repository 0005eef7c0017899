package resource

import (
	"context"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	appErr "github.com/BetaMac/alma/internal/pkg/errors"
)

// Guard gates generation on device memory headroom.
type Guard struct {
	manager   *Manager
	threshold float64
}

// NewGuard takes the maximum device utilization as a fraction (0.9 = 90%).
func NewGuard(m *Manager, threshold float64) *Guard {
	return &Guard{manager: m, threshold: threshold}
}

// Check reclaims once when the device is over threshold and fails with
// ErrResourceExhausted if that did not help.
func (g *Guard) Check(ctx context.Context) error {
	logger := logutil.GetLogger(ctx)
	stats, err := g.manager.device.Stats(ctx)
	if err != nil {
		logger.Warn("device probe failed, skip resource gate", zap.Error(err))
		return nil
	}
	if !stats.Present || stats.Percent <= g.threshold*100 {
		return nil
	}
	logger.Warn("device memory over threshold, reclaiming",
		zap.Float64("percent", stats.Percent), zap.Float64("threshold", g.threshold*100))
	if err := g.manager.Reclaim(ctx); err != nil {
		logger.Warn("reclaim failed", zap.Error(err))
	}
	stats, err = g.manager.device.Stats(ctx)
	if err != nil {
		logger.Warn("device probe failed after reclaim", zap.Error(err))
		return nil
	}
	if stats.Percent > g.threshold*100 {
		return appErr.ResourceExhausted("device memory at %.1f%% exceeds %.1f%%", stats.Percent, g.threshold*100)
	}
	return nil
}

// Cleanup runs after every task. Failures are logged, never returned.
func (g *Guard) Cleanup(ctx context.Context) {
	if err := g.manager.Reclaim(ctx); err != nil {
		logutil.GetLogger(ctx).Warn("resource cleanup failed", zap.Error(err))
	}
}
