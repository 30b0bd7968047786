package usecase

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	domainSend "github.com/warelay/warelay/domains/send"
	"github.com/warelay/warelay/infrastructure/valkey"
	"github.com/warelay/warelay/pkg/batcher"
	"github.com/warelay/warelay/pkg/kvpool"
	"github.com/warelay/warelay/validations"
)

// dedupeWindow is how long an identical (destination, message) pair is
// considered a duplicate of an already-queued send.
const dedupeWindow = 30 * time.Second

type sendService struct {
	batcher *batcher.Batcher
	pool    *kvpool.Pool
}

// NewSendService creates the send usecase. The pool is used for duplicate
// suppression markers and may be nil when pooling is disabled.
func NewSendService(b *batcher.Batcher, pool *kvpool.Pool) domainSend.ISendUsecase {
	return &sendService{batcher: b, pool: pool}
}

// SendText validates the request, suppresses duplicates within a short
// window, and enqueues the message into the batcher. Enqueue is
// fire-and-forget: delivery failures surface through the dead-letter
// event, never here.
func (s *sendService) SendText(ctx context.Context, request domainSend.TextRequest) (domainSend.TextResponse, error) {
	if err := validations.ValidateSendText(ctx, request); err != nil {
		return domainSend.TextResponse{}, err
	}

	contentType := request.ContentType
	if contentType == "" {
		contentType = "text"
	}

	if s.isDuplicate(ctx, request) {
		logrus.Debugf("[SEND] Duplicate message for %s suppressed", request.Destination)
		return domainSend.TextResponse{
			Destination: request.Destination,
			Queued:      false,
			Duplicate:   true,
		}, nil
	}

	msg := batcher.Message{
		ID:          uuid.NewString(),
		Destination: request.Destination,
		Content:     request.Message,
		ContentType: contentType,
	}
	s.batcher.Enqueue(ctx, msg, batcher.EnqueueOptions{
		Priority:  batcher.Priority(request.Priority),
		Immediate: request.Immediate,
	})

	return domainSend.TextResponse{
		MessageID:   msg.ID,
		Destination: request.Destination,
		Queued:      true,
	}, nil
}

// isDuplicate records a dedupe marker in the key-value store through the
// pool. Pool exhaustion or a disabled pool never blocks a send; the
// message simply skips duplicate suppression.
func (s *sendService) isDuplicate(ctx context.Context, request domainSend.TextRequest) bool {
	if s.pool == nil {
		return false
	}
	key := "dedupe:" + request.Destination + ":" + fingerprint(request.Message)

	duplicate := false
	err := s.pool.WithConn(ctx, func(conn kvpool.Conn) error {
		client, ok := conn.(*valkey.Client)
		if !ok {
			return nil
		}
		if _, err := client.Get(ctx, key); err == nil {
			duplicate = true
			return nil
		}
		return client.SetEx(ctx, key, "1", dedupeWindow)
	})
	if err != nil {
		logrus.WithError(err).Debug("[SEND] Dedupe check skipped")
		return false
	}
	return duplicate
}
