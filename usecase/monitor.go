package usecase

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	coreconfig "github.com/warelay/warelay/core/config"
	domainMonitor "github.com/warelay/warelay/domains/monitor"
	"github.com/warelay/warelay/pkg/batcher"
	"github.com/warelay/warelay/pkg/kvpool"
)

type monitorService struct {
	pool    *kvpool.Pool
	batcher *batcher.Batcher
}

// NewMonitorService creates the monitoring usecase polled by the admin
// surface. Pool may be nil when pooling is disabled.
func NewMonitorService(pool *kvpool.Pool, b *batcher.Batcher) domainMonitor.IMonitorUsecase {
	return &monitorService{pool: pool, batcher: b}
}

func (m *monitorService) PoolStats(ctx context.Context) domainMonitor.PoolSnapshot {
	if m.pool == nil {
		return domainMonitor.PoolSnapshot{}
	}
	return domainMonitor.PoolSnapshot{
		Stats:  m.pool.GetStats(),
		Health: m.pool.HealthCheck(ctx),
	}
}

func (m *monitorService) BatcherStats(_ context.Context) domainMonitor.BatcherSnapshot {
	stats := m.batcher.GetStats()

	oldest := "none"
	if stats.OldestPendingAge > 0 {
		oldest = humanize.RelTime(time.Now().Add(-stats.OldestPendingAge*time.Millisecond), time.Now(), "", "")
	}

	return domainMonitor.BatcherSnapshot{
		Stats:            stats,
		OldestPendingAge: oldest,
		PendingTotal:     len(stats.PendingBatches),
	}
}

func (m *monitorService) Health(ctx context.Context) domainMonitor.HealthStatus {
	pool := m.PoolStats(ctx)
	batch := m.BatcherStats(ctx)

	healthy := true
	if m.pool != nil && !pool.Health.Healthy {
		healthy = false
	}

	return domainMonitor.HealthStatus{
		Healthy:  healthy,
		Pool:     pool,
		Batcher:  batch,
		Settings: coreconfig.GetAllSettings(),
	}
}
