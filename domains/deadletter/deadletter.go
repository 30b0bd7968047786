package deadletter

import (
	"context"
	"time"
)

// Record is one terminally failed outbound message.
type Record struct {
	ID          string    `json:"id"`
	MessageID   string    `json:"message_id"`
	Destination string    `json:"destination"`
	Content     string    `json:"content"`
	ContentType string    `json:"content_type"`
	Priority    string    `json:"priority"`
	Reason      string    `json:"reason"`
	Attempts    int       `json:"attempts"`
	CreatedAt   time.Time `json:"created_at"`
}

type IRepository interface {
	Init(ctx context.Context) error
	Save(ctx context.Context, record Record) error
	List(ctx context.Context, limit int) ([]Record, error)
	Purge(ctx context.Context, olderThan time.Duration) (int64, error)
}
