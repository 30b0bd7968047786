package kvpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds the pool settings. Zero values are replaced by defaults so
// the pool works without explicit configuration.
type Config struct {
	Enabled        bool
	MinConns       int
	MaxConns       int
	AcquireTimeout time.Duration
	IdleTimeout    time.Duration
}

const (
	defaultMinConns       = 2
	defaultMaxConns       = 10
	defaultAcquireTimeout = 5 * time.Second
	defaultIdleTimeout    = 60 * time.Second
)

func (c Config) withDefaults() Config {
	if c.MinConns <= 0 {
		c.MinConns = defaultMinConns
	}
	if c.MaxConns <= 0 {
		c.MaxConns = defaultMaxConns
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = defaultAcquireTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	return c
}

// Stats is a point-in-time snapshot of the pool. It is not atomic across
// the whole read.
type Stats struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Idle    int `json:"idle"`
	Waiting int `json:"waiting"`
}

// HealthReport aggregates the result of pinging every pooled connection.
type HealthReport struct {
	Healthy bool     `json:"healthy"`
	Total   int      `json:"total"`
	Errors  []string `json:"errors,omitempty"`
}

// waiter is a pending acquire request. The channel is buffered so a direct
// handoff under the pool mutex never blocks.
type waiter struct {
	ch chan *PooledConn
}

// Pool manages a bounded set of live key-value store connections shared
// across concurrent operations. One instance per process, wired explicitly
// at startup.
type Pool struct {
	cfg     Config
	factory Factory

	mu       sync.Mutex
	conns    []*PooledConn
	active   map[*PooledConn]struct{}
	waiters  []*waiter
	nextID   int
	enabled  bool
	shutdown bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a pool. Call Start to pre-warm it and launch the idle
// reclamation sweep.
func New(cfg Config, factory Factory) *Pool {
	return &Pool{
		cfg:     cfg.withDefaults(),
		factory: factory,
		active:  make(map[*PooledConn]struct{}),
		stopCh:  make(chan struct{}),
	}
}

// Start pre-warms the pool to MinConns connections, each verified with a
// ping before being admitted. A failed warm-up disables pooling and is
// reported, but must not abort process startup: the caller decides whether
// to continue unpooled.
func (p *Pool) Start(ctx context.Context) error {
	if !p.cfg.Enabled {
		logrus.Info("[KV_POOL] Pooling disabled by configuration")
		return nil
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created []Conn
		lastErr error
	)
	for i := 0; i < p.cfg.MinConns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := p.connect(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				lastErr = err
				return
			}
			created = append(created, conn)
		}()
	}
	wg.Wait()

	if len(created) == 0 && p.cfg.MinConns > 0 {
		logrus.WithError(lastErr).Error("[KV_POOL] Warm-up failed, pooling disabled")
		return fmt.Errorf("kvpool: warm-up failed: %w", lastErr)
	}

	p.mu.Lock()
	for _, conn := range created {
		pc := &PooledConn{ID: p.nextID, conn: conn, status: StatusReady}
		p.nextID++
		p.conns = append(p.conns, pc)
	}
	p.enabled = true
	total := len(p.conns)
	p.mu.Unlock()

	p.wg.Add(1)
	go p.reclaimLoop(ctx)

	logrus.Infof("[KV_POOL] Started with %d/%d connections (max %d)", total, p.cfg.MinConns, p.cfg.MaxConns)
	return nil
}

// Acquire returns a connection not currently checked out. It prefers an
// idle connection, then grows the pool up to MaxConns, and otherwise joins
// the FIFO waiter queue until a release hands a connection over or
// AcquireTimeout elapses.
func (p *Pool) Acquire(ctx context.Context) (*PooledConn, error) {
	deadline := time.Now().Add(p.cfg.AcquireTimeout)
	var lastCreateErr error

	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil, ErrPoolShuttingDown
	}
	if !p.enabled {
		p.mu.Unlock()
		return nil, ErrPoolDisabled
	}

	// 1. Idle connection available right now.
	if pc := p.idleLocked(); pc != nil {
		p.active[pc] = struct{}{}
		p.mu.Unlock()
		return pc, nil
	}

	// 2. Room to grow. The placeholder reserves a slot so concurrent
	// acquires cannot overshoot MaxConns while the dial is in flight.
	if len(p.conns) < p.cfg.MaxConns {
		pc := &PooledConn{ID: p.nextID, status: StatusConnecting}
		p.nextID++
		p.conns = append(p.conns, pc)
		p.active[pc] = struct{}{}
		p.mu.Unlock()

		conn, err := p.connect(ctx)
		if err == nil {
			p.mu.Lock()
			if p.shutdown {
				p.mu.Unlock()
				_ = conn.Close()
				return nil, ErrPoolShuttingDown
			}
			pc.conn = conn
			pc.status = StatusReady
			p.mu.Unlock()
			return pc, nil
		}

		// Creation failed: drop the placeholder and fall through to the
		// wait path, a concurrent release may still satisfy us in time.
		lastCreateErr = err
		logrus.WithError(err).Warn("[KV_POOL] Connection creation failed during acquire")
		p.removeConn(pc)
		p.mu.Lock()
		if p.shutdown {
			p.mu.Unlock()
			return nil, ErrPoolShuttingDown
		}
	}

	// 3. Wait for a release, FIFO.
	w := &waiter{ch: make(chan *PooledConn, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	remaining := time.Until(deadline)
	if remaining < 0 {
		remaining = 0
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case pc := <-w.ch:
		if pc == nil {
			return nil, ErrPoolShuttingDown
		}
		return pc, nil
	case <-timer.C:
		if p.removeWaiter(w) {
			if lastCreateErr != nil {
				return nil, fmt.Errorf("%w (last connection attempt: %v)", ErrPoolExhausted, lastCreateErr)
			}
			return nil, ErrPoolExhausted
		}
		// A handoff raced the timer: the connection is already in our
		// channel. The timeout still wins; put the connection back.
		if pc := <-w.ch; pc != nil {
			p.Release(pc)
		}
		return nil, ErrPoolExhausted
	case <-ctx.Done():
		if !p.removeWaiter(w) {
			if pc := <-w.ch; pc != nil {
				p.Release(pc)
			}
		}
		return nil, ctx.Err()
	}
}

// Release returns a connection to availability. If a waiter is queued, the
// connection is handed directly to the oldest one (it stays checked out,
// ownership transfers). Releasing an untracked connection is a no-op.
func (p *Pool) Release(pc *PooledConn) {
	if pc == nil {
		return
	}
	p.mu.Lock()
	if _, ok := p.active[pc]; !ok {
		p.mu.Unlock()
		logrus.Warnf("[KV_POOL] Release of untracked connection %d ignored (double release?)", pc.ID)
		return
	}
	if pc.status != StatusReady {
		// Died while checked out; removal already happened or will not help.
		delete(p.active, pc)
		p.mu.Unlock()
		return
	}
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		// Direct handoff: the connection never touches the idle set, so a
		// third party cannot claim it between release and wake-up.
		w.ch <- pc
		p.mu.Unlock()
		return
	}
	delete(p.active, pc)
	p.mu.Unlock()
}

// WithConn acquires a connection, invokes fn and guarantees the release.
// This is the sanctioned usage pattern for callers.
func (p *Pool) WithConn(ctx context.Context, fn func(Conn) error) error {
	pc, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(pc)
	return fn(pc.conn)
}

// MarkDead reports a transport-level close of a pooled connection. The
// connection is removed from all tracking structures and, if the pool has
// dropped below MinConns, a best-effort replacement is created.
func (p *Pool) MarkDead(pc *PooledConn) {
	if pc == nil {
		return
	}
	p.removeConn(pc)

	p.mu.Lock()
	needReplace := p.enabled && !p.shutdown && len(p.conns) < p.cfg.MinConns
	p.mu.Unlock()
	if !needReplace {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AcquireTimeout)
		defer cancel()
		conn, err := p.connect(ctx)
		if err != nil {
			logrus.WithError(err).Warn("[KV_POOL] Replacement connection failed")
			return
		}
		p.mu.Lock()
		if p.shutdown || len(p.conns) >= p.cfg.MaxConns {
			p.mu.Unlock()
			_ = conn.Close()
			return
		}
		npc := &PooledConn{ID: p.nextID, conn: conn, status: StatusReady}
		p.nextID++
		p.conns = append(p.conns, npc)
		waiterCount := len(p.waiters)
		var w *waiter
		if waiterCount > 0 {
			w = p.waiters[0]
			p.waiters = p.waiters[1:]
			p.active[npc] = struct{}{}
			w.ch <- npc
		}
		p.mu.Unlock()
		logrus.Debugf("[KV_POOL] Replaced dead connection %d with %d", pc.ID, npc.ID)
	}()
}

// GetStats returns a snapshot of pool occupancy.
func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := len(p.conns)
	active := len(p.active)
	return Stats{
		Total:   total,
		Active:  active,
		Idle:    total - active,
		Waiting: len(p.waiters),
	}
}

// HealthCheck pings every pooled connection concurrently and aggregates
// the failures. The pool is unhealthy when it holds fewer than MinConns
// connections or any ping failed.
func (p *Pool) HealthCheck(ctx context.Context) HealthReport {
	p.mu.Lock()
	snapshot := make([]*PooledConn, 0, len(p.conns))
	for _, pc := range p.conns {
		if pc.status == StatusReady {
			snapshot = append(snapshot, pc)
		}
	}
	total := len(p.conns)
	p.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []string
	)
	for _, pc := range snapshot {
		wg.Add(1)
		go func(pc *PooledConn) {
			defer wg.Done()
			if err := pc.conn.Ping(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Sprintf("connection %d: %v", pc.ID, err))
				mu.Unlock()
			}
		}(pc)
	}
	wg.Wait()

	return HealthReport{
		Healthy: total >= p.cfg.MinConns && len(errs) == 0,
		Total:   total,
		Errors:  errs,
	}
}

// Shutdown fails new acquires, resolves every queued waiter with an error
// so no caller blocks forever, then closes all connections best-effort.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	ws := p.waiters
	p.waiters = nil
	conns := p.conns
	p.conns = nil
	p.active = make(map[*PooledConn]struct{})
	p.mu.Unlock()

	for _, w := range ws {
		close(w.ch)
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	closed := 0
	for _, pc := range conns {
		pc.status = StatusClosed
		if pc.conn == nil {
			continue
		}
		if err := pc.conn.Close(); err != nil {
			logrus.WithError(err).Warnf("[KV_POOL] Failed to close connection %d", pc.ID)
			continue
		}
		closed++
	}
	logrus.Infof("[KV_POOL] Shutdown complete, closed %d/%d connections, resolved %d waiters", closed, len(conns), len(ws))
}

// connect dials and ping-verifies a new connection.
func (p *Pool) connect(ctx context.Context) (Conn, error) {
	conn, err := p.factory.Connect(ctx)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// idleLocked returns a ready connection not currently checked out.
func (p *Pool) idleLocked() *PooledConn {
	for _, pc := range p.conns {
		if pc.status != StatusReady {
			continue
		}
		if _, busy := p.active[pc]; !busy {
			return pc
		}
	}
	return nil
}

// removeConn drops a connection from the pool list and the active set
// atomically and closes its transport handle.
func (p *Pool) removeConn(pc *PooledConn) {
	p.mu.Lock()
	for i, c := range p.conns {
		if c == pc {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			break
		}
	}
	delete(p.active, pc)
	pc.status = StatusClosed
	conn := pc.conn
	pc.conn = nil
	p.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// removeWaiter removes w from the queue. It reports false when the waiter
// was already handed a connection.
func (p *Pool) removeWaiter(w *waiter) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cur := range p.waiters {
		if cur == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// reclaimLoop trims idle connections beyond MinConns on every IdleTimeout
// tick. Owned by the pool lifecycle; stops on Shutdown or context cancel.
func (p *Pool) reclaimLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.IdleTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reclaimIdle()
		}
	}
}

func (p *Pool) reclaimIdle() {
	p.mu.Lock()
	total := len(p.conns)
	idle := total - len(p.active)
	if idle <= p.cfg.MinConns || total <= p.cfg.MinConns {
		p.mu.Unlock()
		return
	}
	toClose := idle - p.cfg.MinConns
	if max := total - p.cfg.MinConns; toClose > max {
		toClose = max
	}

	var victims []*PooledConn
	for i := len(p.conns) - 1; i >= 0 && len(victims) < toClose; i-- {
		pc := p.conns[i]
		if pc.status != StatusReady {
			continue
		}
		if _, busy := p.active[pc]; busy {
			continue
		}
		p.conns = append(p.conns[:i], p.conns[i+1:]...)
		pc.status = StatusClosed
		victims = append(victims, pc)
	}
	p.mu.Unlock()

	for _, pc := range victims {
		if pc.conn != nil {
			_ = pc.conn.Close()
		}
	}
	if len(victims) > 0 {
		logrus.Debugf("[KV_POOL] Reclaimed %d idle connections", len(victims))
	}
}
