package batcher

import (
	"context"
	"time"
)

// Priority tiers for outbound messages.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is one of the known tiers.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return true
	}
	return false
}

// Message is one outbound message bound for a single destination.
type Message struct {
	ID          string `json:"id"`
	Destination string `json:"destination"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
}

// BatchedMessage wraps a message with its batching bookkeeping.
type BatchedMessage struct {
	Message
	Priority   Priority  `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	RetryCount int       `json:"retry_count"`
}

// EnqueueOptions tune how a single enqueue behaves.
type EnqueueOptions struct {
	Priority  Priority
	Immediate bool
}

// Dispatcher is the delivery collaborator the batcher emits events to. It
// performs the actual network call; the batcher never delivers itself.
type Dispatcher interface {
	// SendSingle delivers one message to one destination.
	SendSingle(ctx context.Context, msg BatchedMessage) error
	// SendBatch delivers one merged message to one destination.
	// batchedCount records how many original messages it carries.
	SendBatch(ctx context.Context, merged Message, batchedCount int) error
	// DeadLetter reports a message that exhausted its retry budget.
	DeadLetter(ctx context.Context, msg BatchedMessage, reason error)
}

// batch accumulates pending messages for one destination. It exists only
// while messages are pending: flushing removes it from the live map.
type batch struct {
	messages    []*BatchedMessage
	lastUpdated time.Time
	byteSize    int
}

func (b *batch) hasHighPriority() bool {
	for _, m := range b.messages {
		if m.Priority == PriorityHigh {
			return true
		}
	}
	return false
}

// diversityScore is the average of the distinct content-type fraction and
// the distinct priority-tier fraction (over the fixed cardinality of 3
// tiers). Heterogeneous batches benefit less from further coalescing, so
// high scores favor an early flush.
func (b *batch) diversityScore() float64 {
	if len(b.messages) == 0 {
		return 0
	}
	types := make(map[string]struct{})
	prios := make(map[Priority]struct{})
	for _, m := range b.messages {
		types[m.ContentType] = struct{}{}
		prios[m.Priority] = struct{}{}
	}
	typeFrac := float64(len(types)) / float64(len(b.messages))
	prioFrac := float64(len(prios)) / 3.0
	return (typeFrac + prioFrac) / 2.0
}

// PendingBatch is a live snapshot of one destination's batch.
type PendingBatch struct {
	Destination string        `json:"destination"`
	Size        int           `json:"size"`
	ByteSize    int           `json:"byte_size"`
	Age         time.Duration `json:"age_ms"`
}

// Stats are the batcher's cumulative counters plus a live snapshot.
type Stats struct {
	TotalBatched     int64          `json:"total_batched"`
	TotalSent        int64          `json:"total_sent"`
	TotalFailed      int64          `json:"total_failed"`
	TotalDeadLetters int64          `json:"total_dead_letters"`
	AvgBatchSize     float64        `json:"avg_batch_size"`
	MaxBatchSize     int            `json:"max_batch_size"`
	PendingBatches   []PendingBatch `json:"pending_batches"`
	OldestPendingAge time.Duration  `json:"oldest_pending_age_ms"`
}
