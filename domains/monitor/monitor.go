package monitor

import (
	"context"

	"github.com/warelay/warelay/pkg/batcher"
	"github.com/warelay/warelay/pkg/kvpool"
)

// PoolSnapshot is the pool occupancy plus its latest health report.
type PoolSnapshot struct {
	Stats  kvpool.Stats        `json:"stats"`
	Health kvpool.HealthReport `json:"health"`
}

// BatcherSnapshot is the batcher counters with humanized extras.
type BatcherSnapshot struct {
	Stats            batcher.Stats `json:"stats"`
	OldestPendingAge string        `json:"oldest_pending_age"`
	PendingTotal     int           `json:"pending_total"`
}

// HealthStatus is the overall service health.
type HealthStatus struct {
	Healthy  bool            `json:"healthy"`
	Pool     PoolSnapshot    `json:"pool"`
	Batcher  BatcherSnapshot `json:"batcher"`
	Settings map[string]any  `json:"settings"`
}

type IMonitorUsecase interface {
	PoolStats(ctx context.Context) PoolSnapshot
	BatcherStats(ctx context.Context) BatcherSnapshot
	Health(ctx context.Context) HealthStatus
}
