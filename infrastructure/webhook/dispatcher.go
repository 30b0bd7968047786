package webhook

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	domainDeadLetter "github.com/warelay/warelay/domains/deadletter"
	"github.com/warelay/warelay/pkg/batcher"
	"github.com/warelay/warelay/pkg/crypto"
	pkgError "github.com/warelay/warelay/pkg/error"
)

// Config holds the delivery settings for outbound webhook events.
type Config struct {
	URLs               []string
	Secret             string
	InsecureSkipVerify bool
	Timeout            time.Duration
	MaxAttempts        int
}

// Dispatcher forwards batcher events (single-send, batch-send, dead-letter)
// to the configured webhook URLs. It implements batcher.Dispatcher; the
// receiving end performs the actual messaging-provider call.
type Dispatcher struct {
	cfg         Config
	client      *http.Client
	deadLetters domainDeadLetter.IRepository
}

// NewDispatcher creates a dispatcher. deadLetters may be nil, in which case
// dead-lettered messages are only forwarded, not persisted.
func NewDispatcher(cfg Config, deadLetters domainDeadLetter.IRepository) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		},
	}
	return &Dispatcher{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		deadLetters: deadLetters,
	}
}

// SendSingle implements batcher.Dispatcher.
func (d *Dispatcher) SendSingle(ctx context.Context, msg batcher.BatchedMessage) error {
	payload := map[string]any{
		"event":        "message.send",
		"message_id":   msg.ID,
		"destination":  msg.Destination,
		"content":      msg.Content,
		"content_type": msg.ContentType,
		"priority":     string(msg.Priority),
		"retry_count":  msg.RetryCount,
	}
	return d.forward(ctx, payload, "message.send")
}

// SendBatch implements batcher.Dispatcher.
func (d *Dispatcher) SendBatch(ctx context.Context, merged batcher.Message, batchedCount int) error {
	payload := map[string]any{
		"event":         "message.batch_send",
		"message_id":    merged.ID,
		"destination":   merged.Destination,
		"content":       merged.Content,
		"content_type":  merged.ContentType,
		"batched_count": batchedCount,
	}
	return d.forward(ctx, payload, "message.batch_send")
}

// DeadLetter implements batcher.Dispatcher. Persists the record first so a
// failed forward cannot lose it, then forwards best-effort.
func (d *Dispatcher) DeadLetter(ctx context.Context, msg batcher.BatchedMessage, reason error) {
	if d.deadLetters != nil {
		record := domainDeadLetter.Record{
			MessageID:   msg.ID,
			Destination: msg.Destination,
			Content:     msg.Content,
			ContentType: msg.ContentType,
			Priority:    string(msg.Priority),
			Reason:      reason.Error(),
			Attempts:    msg.RetryCount,
		}
		if err := d.deadLetters.Save(ctx, record); err != nil {
			logrus.WithError(err).Error("[WEBHOOK] Failed to persist dead letter")
		}
	}

	payload := map[string]any{
		"event":       "message.dead_letter",
		"message_id":  msg.ID,
		"destination": msg.Destination,
		"content":     msg.Content,
		"priority":    string(msg.Priority),
		"attempts":    msg.RetryCount,
		"reason":      reason.Error(),
	}
	if err := d.forward(ctx, payload, "message.dead_letter"); err != nil {
		logrus.WithError(err).Warn("[WEBHOOK] Dead-letter event forward failed")
	}
}

// forward attempts to deliver the payload to every configured URL. It only
// returns an error when all deliveries fail, so successful targets still
// receive the event.
func (d *Dispatcher) forward(ctx context.Context, payload map[string]any, eventName string) error {
	total := len(d.cfg.URLs)
	if total == 0 {
		logrus.Debugf("[WEBHOOK] No webhook configured; dropping %s event", eventName)
		return nil
	}

	var (
		failed    []string
		successes int
	)
	for _, url := range d.cfg.URLs {
		if err := d.submit(ctx, payload, url); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", url, err))
			logrus.Warnf("[WEBHOOK] Failed forwarding %s to %s: %v", eventName, url, err)
			continue
		}
		successes++
	}

	if len(failed) == total {
		return pkgError.WebhookError(fmt.Sprintf("all webhook URLs failed for %s: %s", eventName, strings.Join(failed, "; ")))
	}
	if len(failed) > 0 {
		logrus.Warnf("[WEBHOOK] Some webhook URLs failed for %s (succeeded: %d/%d)", eventName, successes, total)
	}
	return nil
}

// submit delivers the payload to a single URL with bounded retries and
// exponential backoff.
func (d *Dispatcher) submit(ctx context.Context, payload map[string]any, url string) error {
	postBody, err := json.Marshal(payload)
	if err != nil {
		return pkgError.WebhookError(fmt.Sprintf("failed to marshal body: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return pkgError.WebhookError(fmt.Sprintf("error when creating http request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if d.cfg.Secret != "" {
		signature := crypto.SignPayload(postBody, []byte(d.cfg.Secret))
		req.Header.Set("X-Hub-Signature-256", fmt.Sprintf("sha256=%s", signature))
	}

	sleepDuration := 1 * time.Second
	var attempt int
	for attempt = 0; attempt < d.cfg.MaxAttempts; attempt++ {
		req.Body = io.NopCloser(bytes.NewBuffer(postBody))
		resp, err := d.client.Do(req)
		if err == nil {
			code := resp.StatusCode
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if code >= 200 && code < 300 {
				return nil
			}
			err = fmt.Errorf("webhook returned status %d", code)
		}
		logrus.Debugf("[WEBHOOK] Attempt %d to submit webhook failed: %v", attempt+1, err)
		if attempt < d.cfg.MaxAttempts-1 {
			select {
			case <-time.After(sleepDuration):
			case <-ctx.Done():
				return ctx.Err()
			}
			sleepDuration *= 2
		}
	}

	return pkgError.WebhookError(fmt.Sprintf("error when submitting webhook after %d attempts", attempt))
}
