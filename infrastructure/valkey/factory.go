package valkey

import (
	"context"
	"time"

	"github.com/warelay/warelay/pkg/kvpool"
)

// PoolFactory mints pooled Valkey connections for kvpool. Each pooled
// connection is its own client so the pool controls its lifecycle.
type PoolFactory struct {
	cfg Config
}

// NewPoolFactory creates a factory bound to the given connection settings.
func NewPoolFactory(cfg Config) *PoolFactory {
	return &PoolFactory{cfg: cfg}
}

// Connect implements kvpool.Factory.
func (f *PoolFactory) Connect(ctx context.Context) (kvpool.Conn, error) {
	cfg := f.cfg
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, context.DeadlineExceeded
		}
		cfg.ConnectTimeout = remaining
	}
	return NewClient(cfg)
}
