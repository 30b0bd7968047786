package kvpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	pingErr atomic.Value
	closed  int32
}

func (c *fakeConn) Ping(ctx context.Context) error {
	if err, ok := c.pingErr.Load().(error); ok && err != nil {
		return err
	}
	return nil
}

func (c *fakeConn) Close() error {
	atomic.StoreInt32(&c.closed, 1)
	return nil
}

func (c *fakeConn) isClosed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

type fakeFactory struct {
	mu      sync.Mutex
	conns   []*fakeConn
	failing bool
	delay   time.Duration
}

func (f *fakeFactory) Connect(ctx context.Context) (Conn, error) {
	f.mu.Lock()
	failing := f.failing
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if failing {
		return nil, errors.New("connection refused")
	}

	c := &fakeConn{}
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	return c, nil
}

func (f *fakeFactory) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func (f *fakeFactory) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func newTestPool(t *testing.T, cfg Config) (*Pool, *fakeFactory) {
	t.Helper()
	cfg.Enabled = true
	factory := &fakeFactory{}
	pool := New(cfg, factory)
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(pool.Shutdown)
	return pool, factory
}

func TestPool_StartPreWarmsToMinConns(t *testing.T) {
	pool, factory := newTestPool(t, Config{MinConns: 3, MaxConns: 5})

	stats := pool.GetStats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 3, stats.Idle)
	assert.Equal(t, 3, factory.createdCount())
}

func TestPool_AcquirePrefersIdle(t *testing.T) {
	pool, factory := newTestPool(t, Config{MinConns: 2, MaxConns: 5})

	pc, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer pool.Release(pc)

	// No new connection should have been created for an idle hit.
	assert.Equal(t, 2, factory.createdCount())
	stats := pool.GetStats()
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 1, stats.Idle)
}

func TestPool_GrowsUpToMaxConns(t *testing.T) {
	pool, _ := newTestPool(t, Config{MinConns: 1, MaxConns: 3, AcquireTimeout: 100 * time.Millisecond})

	var held []*PooledConn
	for i := 0; i < 3; i++ {
		pc, err := pool.Acquire(context.Background())
		require.NoError(t, err)
		held = append(held, pc)
	}
	assert.Equal(t, 3, pool.GetStats().Total)

	// Fourth acquire must wait out the timeout and fail.
	start := time.Now()
	_, err := pool.Acquire(context.Background())
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrPoolExhausted)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)

	for _, pc := range held {
		pool.Release(pc)
	}
}

func TestPool_NoDoubleCheckout(t *testing.T) {
	pool, _ := newTestPool(t, Config{MinConns: 2, MaxConns: 4})

	seen := make(map[*PooledConn]bool)
	var held []*PooledConn
	for i := 0; i < 4; i++ {
		pc, err := pool.Acquire(context.Background())
		require.NoError(t, err)
		require.False(t, seen[pc], "connection handed out twice without release")
		seen[pc] = true
		held = append(held, pc)
	}
	for _, pc := range held {
		pool.Release(pc)
	}
}

func TestPool_WaiterFIFOOrder(t *testing.T) {
	pool, _ := newTestPool(t, Config{MinConns: 1, MaxConns: 1, AcquireTimeout: 2 * time.Second})

	holder, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 1; i <= 3; i++ {
		wg.Add(1)
		id := i
		go func() {
			defer wg.Done()
			pc, err := pool.Acquire(context.Background())
			if err != nil {
				return
			}
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			pool.Release(pc)
		}()
		// Stagger so waiter queue order is deterministic.
		time.Sleep(30 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return pool.GetStats().Waiting == 3
	}, time.Second, 10*time.Millisecond)

	pool.Release(holder)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1, 2, 3}, order, "waiters must be served in FIFO order")
}

func TestPool_ReleaseUntrackedIsNoOp(t *testing.T) {
	pool, _ := newTestPool(t, Config{MinConns: 1, MaxConns: 2})

	pc, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	pool.Release(pc)
	before := pool.GetStats()
	pool.Release(pc) // double release
	assert.Equal(t, before, pool.GetStats())
}

func TestPool_WithConnReleasesOnError(t *testing.T) {
	pool, _ := newTestPool(t, Config{MinConns: 1, MaxConns: 1})

	wantErr := errors.New("operation failed")
	err := pool.WithConn(context.Background(), func(Conn) error {
		assert.Equal(t, 1, pool.GetStats().Active)
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)
	assert.Equal(t, 0, pool.GetStats().Active)

	// The connection must be reusable afterwards.
	err = pool.WithConn(context.Background(), func(Conn) error { return nil })
	require.NoError(t, err)
}

func TestPool_CreationFailureFallsThroughToWait(t *testing.T) {
	pool, factory := newTestPool(t, Config{MinConns: 1, MaxConns: 2, AcquireTimeout: time.Second})

	holder, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	// Growth attempts now fail, so the next acquire must park as a waiter.
	factory.setFailing(true)

	done := make(chan error, 1)
	go func() {
		pc, err := pool.Acquire(context.Background())
		if err == nil {
			pool.Release(pc)
		}
		done <- err
	}()

	require.Eventually(t, func() bool {
		return pool.GetStats().Waiting == 1
	}, time.Second, 10*time.Millisecond)

	pool.Release(holder)
	require.NoError(t, <-done, "a release during the wait window must satisfy the acquire")
}

func TestPool_AcquireTimeoutRemovesWaiter(t *testing.T) {
	pool, _ := newTestPool(t, Config{MinConns: 1, MaxConns: 1, AcquireTimeout: 80 * time.Millisecond})

	holder, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	_, err = pool.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolExhausted)

	// The timed-out waiter must not leak a queue slot.
	assert.Equal(t, 0, pool.GetStats().Waiting)
	pool.Release(holder)
}

func TestPool_HealthCheckReportsFailures(t *testing.T) {
	pool, factory := newTestPool(t, Config{MinConns: 2, MaxConns: 4})

	report := pool.HealthCheck(context.Background())
	assert.True(t, report.Healthy)
	assert.Equal(t, 2, report.Total)
	assert.Empty(t, report.Errors)

	factory.mu.Lock()
	factory.conns[0].pingErr.Store(errors.New("connection reset"))
	factory.mu.Unlock()

	report = pool.HealthCheck(context.Background())
	assert.False(t, report.Healthy)
	assert.Len(t, report.Errors, 1)
}

func TestPool_MarkDeadReplacesBelowMin(t *testing.T) {
	pool, _ := newTestPool(t, Config{MinConns: 2, MaxConns: 4})

	pc, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	pool.MarkDead(pc)

	// Replacement is asynchronous and best-effort.
	require.Eventually(t, func() bool {
		return pool.GetStats().Total == 2
	}, time.Second, 10*time.Millisecond)
}

func TestPool_IdleReclamationTrimsExcess(t *testing.T) {
	pool, factory := newTestPool(t, Config{MinConns: 1, MaxConns: 4, IdleTimeout: 60 * time.Millisecond})

	var held []*PooledConn
	for i := 0; i < 3; i++ {
		pc, err := pool.Acquire(context.Background())
		require.NoError(t, err)
		held = append(held, pc)
	}
	for _, pc := range held {
		pool.Release(pc)
	}
	require.Equal(t, 3, pool.GetStats().Total)

	require.Eventually(t, func() bool {
		return pool.GetStats().Total == 1
	}, time.Second, 20*time.Millisecond)

	closed := 0
	factory.mu.Lock()
	for _, c := range factory.conns {
		if c.isClosed() {
			closed++
		}
	}
	factory.mu.Unlock()
	assert.Equal(t, 2, closed)
}

func TestPool_ShutdownResolvesWaitersAndClosesConns(t *testing.T) {
	factory := &fakeFactory{}
	pool := New(Config{Enabled: true, MinConns: 1, MaxConns: 1, AcquireTimeout: 5 * time.Second}, factory)
	require.NoError(t, pool.Start(context.Background()))

	holder, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	_ = holder

	errCh := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(context.Background())
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		return pool.GetStats().Waiting == 1
	}, time.Second, 10*time.Millisecond)

	pool.Shutdown()

	require.ErrorIs(t, <-errCh, ErrPoolShuttingDown, "queued waiters must be resolved, never left blocked")

	_, err = pool.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolShuttingDown)
}

func TestPool_DisabledByConfig(t *testing.T) {
	factory := &fakeFactory{}
	pool := New(Config{Enabled: false}, factory)
	require.NoError(t, pool.Start(context.Background()))

	_, err := pool.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolDisabled)
	assert.Equal(t, 0, factory.createdCount())
}

func TestPool_StartFailureDisablesPooling(t *testing.T) {
	factory := &fakeFactory{failing: true}
	pool := New(Config{Enabled: true, MinConns: 2, MaxConns: 4}, factory)

	err := pool.Start(context.Background())
	require.Error(t, err)

	_, err = pool.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolDisabled)
}
