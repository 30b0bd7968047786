package batcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dispatchedBatch struct {
	merged Message
	count  int
}

type fakeDispatcher struct {
	mu        sync.Mutex
	singles   []BatchedMessage
	batches   []dispatchedBatch
	deads     []BatchedMessage
	singleErr error
	batchErr  error
}

func (d *fakeDispatcher) SendSingle(ctx context.Context, msg BatchedMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.singleErr != nil {
		return d.singleErr
	}
	d.singles = append(d.singles, msg)
	return nil
}

func (d *fakeDispatcher) SendBatch(ctx context.Context, merged Message, batchedCount int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.batchErr != nil {
		return d.batchErr
	}
	d.batches = append(d.batches, dispatchedBatch{merged: merged, count: batchedCount})
	return nil
}

func (d *fakeDispatcher) DeadLetter(ctx context.Context, msg BatchedMessage, reason error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deads = append(d.deads, msg)
}

func (d *fakeDispatcher) singleCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.singles)
}

func (d *fakeDispatcher) batchCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.batches)
}

func (d *fakeDispatcher) deadCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.deads)
}

func TestBatcher_SizeTriggerFlushesMergedBatch(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	b := New(Config{MaxBatchSize: 3, MaxBatchWait: time.Minute, SmartBatching: true}, dispatcher)
	ctx := context.Background()

	b.Enqueue(ctx, Message{Destination: "628111", Content: "A", ContentType: "text"}, EnqueueOptions{})
	b.Enqueue(ctx, Message{Destination: "628111", Content: "B", ContentType: "text"}, EnqueueOptions{})
	assert.Equal(t, 0, dispatcher.batchCount(), "batch must not flush below the size threshold")

	b.Enqueue(ctx, Message{Destination: "628111", Content: "C", ContentType: "text"}, EnqueueOptions{})

	require.Equal(t, 1, dispatcher.batchCount())
	got := dispatcher.batches[0]
	assert.Equal(t, 3, got.count)
	assert.Equal(t, "628111", got.merged.Destination)
	assert.Equal(t, "1. A\n\n2. B\n\n3. C", got.merged.Content)
	assert.NotEmpty(t, got.merged.ID)

	// The flushed destination must leave the pending map.
	assert.Empty(t, b.GetStats().PendingBatches)
}

func TestBatcher_MergeOrdersByPriorityWeight(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	b := New(Config{MaxBatchSize: 3, MaxBatchWait: time.Minute, SmartBatching: true}, dispatcher)
	ctx := context.Background()

	b.Enqueue(ctx, Message{Destination: "628111", Content: "A", ContentType: "text"}, EnqueueOptions{Priority: PriorityLow})
	b.Enqueue(ctx, Message{Destination: "628111", Content: "B", ContentType: "text"}, EnqueueOptions{Priority: PriorityNormal})
	b.Enqueue(ctx, Message{Destination: "628111", Content: "C", ContentType: "text"}, EnqueueOptions{Priority: PriorityLow})

	require.Equal(t, 1, dispatcher.batchCount())
	// Normal outweighs low; equal weights keep enqueue order.
	assert.Equal(t, "1. B\n\n2. A\n\n3. C", dispatcher.batches[0].merged.Content)
}

func TestBatcher_HighPriorityBypassesBatching(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	b := New(Config{MaxBatchSize: 5, MaxBatchWait: time.Minute, SmartBatching: true}, dispatcher)

	b.Enqueue(context.Background(), Message{Destination: "628111", Content: "urgent"}, EnqueueOptions{Priority: PriorityHigh})

	require.Equal(t, 1, dispatcher.singleCount())
	assert.Equal(t, PriorityHigh, dispatcher.singles[0].Priority)
	assert.Empty(t, b.GetStats().PendingBatches, "bypassed messages must never create a batch")
}

func TestBatcher_ImmediateBypassesBatching(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	b := New(Config{MaxBatchSize: 5, MaxBatchWait: time.Minute}, dispatcher)

	b.Enqueue(context.Background(), Message{Destination: "628111", Content: "now"}, EnqueueOptions{Immediate: true})

	require.Equal(t, 1, dispatcher.singleCount())
	assert.Empty(t, b.GetStats().PendingBatches)
}

func TestBatcher_InvalidPriorityDefaultsToNormal(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	b := New(Config{MaxBatchSize: 5, MaxBatchWait: time.Minute}, dispatcher)
	ctx := context.Background()

	b.Enqueue(ctx, Message{Destination: "628111", Content: "hello"}, EnqueueOptions{Priority: Priority("urgent")})
	b.FlushAll(ctx)

	require.Equal(t, 1, dispatcher.singleCount())
	assert.Equal(t, PriorityNormal, dispatcher.singles[0].Priority)
	assert.NotEmpty(t, dispatcher.singles[0].ID, "missing IDs must be assigned on enqueue")
}

func TestBatcher_HighPriorityJoiningBatchForcesFlush(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	b := New(Config{MaxBatchSize: 10, MaxBatchWait: time.Minute}, dispatcher)

	single := &batch{
		messages:    []*BatchedMessage{{Priority: PriorityHigh}},
		lastUpdated: time.Now(),
	}
	mixed := &batch{
		messages: []*BatchedMessage{
			{Priority: PriorityNormal},
			{Priority: PriorityHigh},
		},
		lastUpdated: time.Now(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.False(t, b.shouldFlushLocked(single), "a lone message never forces a flush")
	assert.True(t, b.shouldFlushLocked(mixed))
}

func TestBatcher_DiversityTriggersEarlyFlush(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	b := New(Config{MaxBatchSize: 10, MaxBatchWait: time.Minute, SmartBatching: true}, dispatcher)
	ctx := context.Background()

	// Three content types across two priority tiers score 0.83.
	b.Enqueue(ctx, Message{Destination: "628111", Content: "A", ContentType: "text"}, EnqueueOptions{Priority: PriorityLow})
	b.Enqueue(ctx, Message{Destination: "628111", Content: "B", ContentType: "image"}, EnqueueOptions{Priority: PriorityNormal})
	assert.Equal(t, 0, dispatcher.batchCount())

	b.Enqueue(ctx, Message{Destination: "628111", Content: "C", ContentType: "audio"}, EnqueueOptions{Priority: PriorityLow})
	require.Equal(t, 1, dispatcher.batchCount())
	assert.Equal(t, 3, dispatcher.batches[0].count)
}

func TestBatcher_DiversityIgnoredWhenSmartBatchingOff(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	b := New(Config{MaxBatchSize: 10, MaxBatchWait: time.Minute, SmartBatching: false}, dispatcher)
	ctx := context.Background()

	b.Enqueue(ctx, Message{Destination: "628111", Content: "A", ContentType: "text"}, EnqueueOptions{Priority: PriorityLow})
	b.Enqueue(ctx, Message{Destination: "628111", Content: "B", ContentType: "image"}, EnqueueOptions{Priority: PriorityNormal})
	b.Enqueue(ctx, Message{Destination: "628111", Content: "C", ContentType: "audio"}, EnqueueOptions{Priority: PriorityLow})

	assert.Equal(t, 0, dispatcher.batchCount())
	assert.Equal(t, 0, dispatcher.singleCount())
	assert.Len(t, b.GetStats().PendingBatches, 1)
}

func TestBatcher_SmartBatchingOffSendsIndividually(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	b := New(Config{MaxBatchSize: 2, MaxBatchWait: time.Minute, SmartBatching: false}, dispatcher)
	ctx := context.Background()

	b.Enqueue(ctx, Message{Destination: "628111", Content: "A", ContentType: "text"}, EnqueueOptions{})
	b.Enqueue(ctx, Message{Destination: "628111", Content: "B", ContentType: "text"}, EnqueueOptions{})

	assert.Equal(t, 0, dispatcher.batchCount())
	require.Equal(t, 2, dispatcher.singleCount())
}

func TestBatcher_PerDestinationIsolation(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	b := New(Config{MaxBatchSize: 2, MaxBatchWait: time.Minute, SmartBatching: true}, dispatcher)
	ctx := context.Background()

	b.Enqueue(ctx, Message{Destination: "628111", Content: "A"}, EnqueueOptions{})
	b.Enqueue(ctx, Message{Destination: "628222", Content: "B"}, EnqueueOptions{})
	assert.Equal(t, 0, dispatcher.batchCount(), "different destinations must never share a batch")

	b.Enqueue(ctx, Message{Destination: "628111", Content: "C"}, EnqueueOptions{})
	require.Equal(t, 1, dispatcher.batchCount())
	assert.Equal(t, "628111", dispatcher.batches[0].merged.Destination)
	assert.Len(t, b.GetStats().PendingBatches, 1)
}

func TestBatcher_SweepFlushesAgedBatches(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	b := New(Config{
		MaxBatchSize:  10,
		MaxBatchWait:  80 * time.Millisecond,
		SweepInterval: 20 * time.Millisecond,
		SmartBatching: true,
	}, dispatcher)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Shutdown(context.Background())

	b.Enqueue(ctx, Message{Destination: "628111", Content: "delayed"}, EnqueueOptions{})

	// A single aged message flushes as an individual send.
	require.Eventually(t, func() bool {
		return dispatcher.singleCount() == 1
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, b.GetStats().PendingBatches)
}

func TestBatcher_RetryElevatesPriorityThenDeadLetters(t *testing.T) {
	dispatcher := &fakeDispatcher{singleErr: errors.New("delivery refused")}
	b := New(Config{MaxBatchSize: 5, MaxBatchWait: time.Minute, MaxRetries: 3, RetryBackoff: 10 * time.Millisecond}, dispatcher)

	b.Enqueue(context.Background(), Message{Destination: "628111", Content: "doomed"}, EnqueueOptions{Priority: PriorityHigh})

	require.Eventually(t, func() bool {
		return dispatcher.deadCount() == 1
	}, time.Second, 10*time.Millisecond)

	dispatcher.mu.Lock()
	dead := dispatcher.deads[0]
	dispatcher.mu.Unlock()
	assert.Equal(t, 3, dead.RetryCount, "initial attempt plus two retries before dead-lettering")
	assert.Equal(t, PriorityHigh, dead.Priority)

	stats := b.GetStats()
	assert.Equal(t, int64(1), stats.TotalDeadLetters)
	assert.Equal(t, int64(3), stats.TotalFailed)
	assert.Equal(t, int64(0), stats.TotalSent)
}

func TestBatcher_BatchFailureRetriesEveryMessage(t *testing.T) {
	dispatcher := &fakeDispatcher{batchErr: errors.New("endpoint down")}
	b := New(Config{MaxBatchSize: 2, MaxBatchWait: time.Minute, SmartBatching: true, RetryBackoff: 10 * time.Millisecond}, dispatcher)
	ctx := context.Background()

	b.Enqueue(ctx, Message{Destination: "628111", Content: "A"}, EnqueueOptions{})
	b.Enqueue(ctx, Message{Destination: "628111", Content: "B"}, EnqueueOptions{})

	// Merged dispatch failed; both messages fall back to individual
	// redelivery with elevated priority.
	require.Eventually(t, func() bool {
		return dispatcher.singleCount() == 2
	}, time.Second, 10*time.Millisecond)

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	for _, msg := range dispatcher.singles {
		assert.Equal(t, PriorityHigh, msg.Priority)
		assert.Equal(t, 1, msg.RetryCount)
	}
	assert.Empty(t, dispatcher.deads)
}

func TestBatcher_FlushAllDrainsEveryDestination(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	b := New(Config{MaxBatchSize: 10, MaxBatchWait: time.Minute, SmartBatching: true}, dispatcher)
	ctx := context.Background()

	b.Enqueue(ctx, Message{Destination: "628111", Content: "A"}, EnqueueOptions{})
	b.Enqueue(ctx, Message{Destination: "628222", Content: "B"}, EnqueueOptions{})
	b.Enqueue(ctx, Message{Destination: "628333", Content: "C"}, EnqueueOptions{})

	b.FlushAll(ctx)

	assert.Equal(t, 3, dispatcher.singleCount())
	assert.Empty(t, b.GetStats().PendingBatches)
}

func TestBatcher_ShutdownDrainsPending(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	b := New(Config{MaxBatchSize: 10, MaxBatchWait: time.Minute, SmartBatching: true}, dispatcher)
	ctx := context.Background()
	b.Start(ctx)

	b.Enqueue(ctx, Message{Destination: "628111", Content: "A"}, EnqueueOptions{})
	b.Enqueue(ctx, Message{Destination: "628111", Content: "B"}, EnqueueOptions{})

	b.Shutdown(context.Background())

	require.Equal(t, 1, dispatcher.batchCount())
	assert.Equal(t, 2, dispatcher.batches[0].count)
	assert.Empty(t, b.GetStats().PendingBatches)
}

func TestBatcher_StatsTrackFlushes(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	b := New(Config{MaxBatchSize: 3, MaxBatchWait: time.Minute, SmartBatching: true}, dispatcher)
	ctx := context.Background()

	for _, content := range []string{"A", "B", "C"} {
		b.Enqueue(ctx, Message{Destination: "628111", Content: content, ContentType: "text"}, EnqueueOptions{})
	}
	b.Enqueue(ctx, Message{Destination: "628222", Content: "D"}, EnqueueOptions{})

	stats := b.GetStats()
	assert.Equal(t, int64(4), stats.TotalBatched)
	assert.Equal(t, int64(3), stats.TotalSent)
	assert.Equal(t, 3, stats.MaxBatchSize)
	assert.InDelta(t, 3.0, stats.AvgBatchSize, 0.01)
	require.Len(t, stats.PendingBatches, 1)
	assert.Equal(t, "628222", stats.PendingBatches[0].Destination)
	assert.Equal(t, 1, stats.PendingBatches[0].Size)
}

func TestBatch_DiversityScore(t *testing.T) {
	uniform := &batch{messages: []*BatchedMessage{
		{Message: Message{ContentType: "text"}, Priority: PriorityNormal},
		{Message: Message{ContentType: "text"}, Priority: PriorityNormal},
		{Message: Message{ContentType: "text"}, Priority: PriorityNormal},
	}}
	// 1 type over 3 messages and 1 tier over 3: (0.33 + 0.33) / 2.
	assert.InDelta(t, 0.333, uniform.diversityScore(), 0.01)

	mixed := &batch{messages: []*BatchedMessage{
		{Message: Message{ContentType: "text"}, Priority: PriorityLow},
		{Message: Message{ContentType: "image"}, Priority: PriorityNormal},
		{Message: Message{ContentType: "audio"}, Priority: PriorityHigh},
	}}
	// 3 types over 3 messages and all 3 tiers: (1.0 + 1.0) / 2.
	assert.InDelta(t, 1.0, mixed.diversityScore(), 0.01)

	assert.Zero(t, (&batch{}).diversityScore())
}
