package batcher

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Config holds the batching settings. Zero values are replaced by defaults.
type Config struct {
	MaxBatchSize    int
	MaxBatchWait    time.Duration
	SweepInterval   time.Duration
	PriorityWeights map[Priority]float64
	SmartBatching   bool
	MaxRetries      int
	RetryBackoff    time.Duration
}

const (
	defaultMaxBatchSize  = 5
	defaultMaxBatchWait  = 5 * time.Second
	defaultMaxRetries    = 3
	defaultRetryBackoff  = 1 * time.Second
	diversityThreshold   = 0.7
	diversityMinMessages = 3
)

func defaultWeights() map[Priority]float64 {
	return map[Priority]float64{
		PriorityHigh:   3,
		PriorityNormal: 1,
		PriorityLow:    0.5,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = defaultMaxBatchSize
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = defaultMaxBatchWait
	}
	if c.SweepInterval <= 0 {
		// Finer-grained than the age threshold so batches are not held
		// indefinitely by low enqueue volume.
		c.SweepInterval = c.MaxBatchWait / 4
		if c.SweepInterval < 100*time.Millisecond {
			c.SweepInterval = 100 * time.Millisecond
		}
	}
	if c.PriorityWeights == nil {
		c.PriorityWeights = defaultWeights()
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	return c
}

// Batcher coalesces outbound messages per destination into time/size
// bounded batches and emits dispatch events to the configured Dispatcher.
// One instance per process, wired explicitly at startup.
type Batcher struct {
	cfg        Config
	dispatcher Dispatcher

	mu      sync.Mutex
	batches map[string]*batch

	totalBatched int64
	totalSent    int64
	totalFailed  int64
	totalDead    int64

	statsMu      sync.Mutex
	flushCount   int64
	sumFlushSize int64
	maxFlushSize int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	retryWG  sync.WaitGroup
}

// New creates a batcher. Call Start to launch the auto-flush sweep.
func New(cfg Config, dispatcher Dispatcher) *Batcher {
	return &Batcher{
		cfg:        cfg.withDefaults(),
		dispatcher: dispatcher,
		batches:    make(map[string]*batch),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the periodic auto-flush sweep. The sweep stops on
// Shutdown or when ctx is cancelled.
func (b *Batcher) Start(ctx context.Context) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			case <-ticker.C:
				b.sweep(ctx)
			}
		}
	}()
	logrus.Infof("[BATCHER] Started (max size %d, max wait %v, smart batching %v)",
		b.cfg.MaxBatchSize, b.cfg.MaxBatchWait, b.cfg.SmartBatching)
}

// Enqueue accepts one outbound message. Enqueue is fire-and-forget:
// delivery failures never propagate back, they drive the retry and
// dead-letter path instead.
//
// Immediate or high-priority messages bypass batching entirely. Everything
// else is appended to the destination's batch, which is flushed
// synchronously when a flush condition is met.
func (b *Batcher) Enqueue(ctx context.Context, msg Message, opts EnqueueOptions) {
	prio := opts.Priority
	if !prio.Valid() {
		prio = PriorityNormal
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	bm := &BatchedMessage{
		Message:    msg,
		Priority:   prio,
		EnqueuedAt: time.Now(),
	}

	if opts.Immediate || prio == PriorityHigh {
		b.dispatchSingle(ctx, bm)
		return
	}

	b.mu.Lock()
	bt, ok := b.batches[msg.Destination]
	if !ok {
		bt = &batch{}
		b.batches[msg.Destination] = bt
	}
	bt.messages = append(bt.messages, bm)
	bt.lastUpdated = time.Now()
	bt.byteSize += len(msg.Content)
	atomic.AddInt64(&b.totalBatched, 1)

	var toFlush *batch
	if b.shouldFlushLocked(bt) {
		delete(b.batches, msg.Destination)
		toFlush = bt
	}
	b.mu.Unlock()

	if toFlush != nil {
		b.flush(ctx, msg.Destination, toFlush)
	}
}

// shouldFlushLocked evaluates the flush predicate. Caller holds b.mu.
func (b *Batcher) shouldFlushLocked(bt *batch) bool {
	if len(bt.messages) >= b.cfg.MaxBatchSize {
		return true
	}
	if time.Since(bt.lastUpdated) >= b.cfg.MaxBatchWait {
		return true
	}
	// A lone high-priority message never reaches a batch (the immediate
	// bypass handles it); one arriving alongside queued messages forces
	// an early flush of the whole batch.
	if len(bt.messages) > 1 && bt.hasHighPriority() {
		return true
	}
	if b.cfg.SmartBatching &&
		len(bt.messages) >= diversityMinMessages &&
		bt.diversityScore() > diversityThreshold {
		return true
	}
	return false
}

// flush dispatches a batch that has already been removed from the live
// map. Removal-first serializes concurrent enqueue and flush for the same
// destination without holding a lock across the dispatch call.
func (b *Batcher) flush(ctx context.Context, destination string, bt *batch) {
	msgs := bt.messages
	if len(msgs) == 0 {
		return
	}

	// Descending priority weight, ties broken by enqueue order.
	sort.SliceStable(msgs, func(i, j int) bool {
		return b.weight(msgs[i].Priority) > b.weight(msgs[j].Priority)
	})

	if b.cfg.SmartBatching && len(msgs) > 1 {
		parts := make([]string, len(msgs))
		for i, m := range msgs {
			parts[i] = fmt.Sprintf("%d. %s", i+1, m.Content)
		}
		merged := Message{
			ID:          uuid.NewString(),
			Destination: destination,
			Content:     strings.Join(parts, "\n\n"),
			ContentType: "text",
		}
		if err := b.dispatcher.SendBatch(ctx, merged, len(msgs)); err != nil {
			logrus.WithError(err).Warnf("[BATCHER] Batch dispatch failed for %s (%d messages)", destination, len(msgs))
			atomic.AddInt64(&b.totalFailed, int64(len(msgs)))
			for _, m := range msgs {
				b.scheduleRetry(ctx, m, err)
			}
			return
		}
		atomic.AddInt64(&b.totalSent, int64(len(msgs)))
		b.recordFlush(len(msgs))
		return
	}

	sent := 0
	for _, m := range msgs {
		if err := b.dispatcher.SendSingle(ctx, *m); err != nil {
			logrus.WithError(err).Warnf("[BATCHER] Dispatch failed for %s", destination)
			atomic.AddInt64(&b.totalFailed, 1)
			b.scheduleRetry(ctx, m, err)
			continue
		}
		sent++
	}
	if sent > 0 {
		atomic.AddInt64(&b.totalSent, int64(sent))
		b.recordFlush(sent)
	}
}

// dispatchSingle delivers one message outside any batch.
func (b *Batcher) dispatchSingle(ctx context.Context, bm *BatchedMessage) {
	if err := b.dispatcher.SendSingle(ctx, *bm); err != nil {
		logrus.WithError(err).Warnf("[BATCHER] Immediate dispatch failed for %s", bm.Destination)
		atomic.AddInt64(&b.totalFailed, 1)
		b.scheduleRetry(ctx, bm, err)
		return
	}
	atomic.AddInt64(&b.totalSent, 1)
}

// scheduleRetry re-dispatches a failed message with priority elevated to
// high after a linear backoff, or dead-letters it once the retry budget is
// spent. Elevating priority on retry trades batching efficiency for
// faster redelivery.
func (b *Batcher) scheduleRetry(ctx context.Context, bm *BatchedMessage, cause error) {
	bm.RetryCount++
	if bm.RetryCount >= b.cfg.MaxRetries {
		atomic.AddInt64(&b.totalDead, 1)
		logrus.Warnf("[BATCHER] Dead-lettering message %s for %s after %d attempts: %v",
			bm.ID, bm.Destination, bm.RetryCount, cause)
		b.dispatcher.DeadLetter(ctx, *bm, cause)
		return
	}

	bm.Priority = PriorityHigh
	delay := b.cfg.RetryBackoff * time.Duration(bm.RetryCount)
	b.retryWG.Add(1)
	go func() {
		defer b.retryWG.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-b.stopCh:
			// Shutdown drain: retry immediately instead of waiting out
			// the backoff.
		}
		b.dispatchSingle(context.Background(), bm)
	}()
}

// sweep flushes every batch whose age crossed MaxBatchWait.
func (b *Batcher) sweep(ctx context.Context) {
	type due struct {
		destination string
		bt          *batch
	}
	var expired []due

	b.mu.Lock()
	for dest, bt := range b.batches {
		if time.Since(bt.lastUpdated) >= b.cfg.MaxBatchWait {
			delete(b.batches, dest)
			expired = append(expired, due{dest, bt})
		}
	}
	b.mu.Unlock()

	for _, d := range expired {
		b.flush(ctx, d.destination, d.bt)
	}
}

// FlushAll drains every live batch concurrently, tolerating individual
// failures. Used at shutdown.
func (b *Batcher) FlushAll(ctx context.Context) {
	b.mu.Lock()
	pending := b.batches
	b.batches = make(map[string]*batch)
	b.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	var wg sync.WaitGroup
	for dest, bt := range pending {
		wg.Add(1)
		go func(dest string, bt *batch) {
			defer wg.Done()
			b.flush(ctx, dest, bt)
		}(dest, bt)
	}
	wg.Wait()
}

// GetStats returns cumulative counters plus a live snapshot of pending
// batches.
func (b *Batcher) GetStats() Stats {
	b.statsMu.Lock()
	var avg float64
	if b.flushCount > 0 {
		avg = float64(b.sumFlushSize) / float64(b.flushCount)
	}
	maxSize := b.maxFlushSize
	b.statsMu.Unlock()

	now := time.Now()
	b.mu.Lock()
	pending := make([]PendingBatch, 0, len(b.batches))
	var oldest time.Duration
	for dest, bt := range b.batches {
		age := now.Sub(bt.lastUpdated)
		if age > oldest {
			oldest = age
		}
		pending = append(pending, PendingBatch{
			Destination: dest,
			Size:        len(bt.messages),
			ByteSize:    bt.byteSize,
			Age:         age / time.Millisecond,
		})
	}
	b.mu.Unlock()

	return Stats{
		TotalBatched:     atomic.LoadInt64(&b.totalBatched),
		TotalSent:        atomic.LoadInt64(&b.totalSent),
		TotalFailed:      atomic.LoadInt64(&b.totalFailed),
		TotalDeadLetters: atomic.LoadInt64(&b.totalDead),
		AvgBatchSize:     avg,
		MaxBatchSize:     maxSize,
		PendingBatches:   pending,
		OldestPendingAge: oldest / time.Millisecond,
	}
}

// Shutdown stops the sweep, lets pending retries fire immediately and
// drains every live batch. Partial failures are logged and swallowed;
// shutdown always completes.
func (b *Batcher) Shutdown(ctx context.Context) {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
	b.retryWG.Wait()
	b.FlushAll(ctx)
	logrus.Info("[BATCHER] Shutdown complete")
}

func (b *Batcher) weight(p Priority) float64 {
	if w, ok := b.cfg.PriorityWeights[p]; ok {
		return w
	}
	return b.cfg.PriorityWeights[PriorityNormal]
}

func (b *Batcher) recordFlush(size int) {
	b.statsMu.Lock()
	b.flushCount++
	b.sumFlushSize += int64(size)
	if size > b.maxFlushSize {
		b.maxFlushSize = size
	}
	b.statsMu.Unlock()
}
