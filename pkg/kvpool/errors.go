package kvpool

import "errors"

var (
	// ErrPoolExhausted means Acquire timed out with no connection available.
	// Callers should treat it as a transient backpressure signal.
	ErrPoolExhausted = errors.New("kvpool: acquire timed out, pool exhausted")

	// ErrPoolShuttingDown means Acquire was called after Shutdown started.
	ErrPoolShuttingDown = errors.New("kvpool: pool is shutting down")

	// ErrPoolDisabled means pooling is disabled by configuration or a failed
	// warm-up; callers must fall back to a direct connection.
	ErrPoolDisabled = errors.New("kvpool: pooling is disabled")
)
