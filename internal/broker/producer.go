package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/imageflow/analysis-service/internal/models"
)

// ErrPayloadTooLarge means the serialized message exceeds the
// configured ceiling and was never handed to the broker.
var ErrPayloadTooLarge = errors.New("broker: message exceeds payload ceiling")

// PublishJob publishes an AnalysisRequest on the uploads channel, keyed
// by its request_id.
func (b *Broker) PublishJob(ctx context.Context, req *models.AnalysisRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", req.RequestID, err)
	}
	return b.publish(ctx, b.cfg.JobsSubject, req.RequestID, data)
}

// PublishResult publishes an AnalysisResult on the results channel,
// keyed by the same request_id as the job it answers.
func (b *Broker) PublishResult(ctx context.Context, res *models.AnalysisResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal result %s: %w", res.RequestID, err)
	}
	return b.publish(ctx, b.cfg.ResultsSubject, res.RequestID, data)
}

// publish sends one keyed message with per-call timeout and bounded
// exponential-backoff retries. The key rides in the Nats-Msg-Id header,
// which keeps per-request ordering and lets the broker drop exact
// redelivery duplicates inside its dedup window.
func (b *Broker) publish(ctx context.Context, subject, key string, data []byte) error {
	if int64(len(data)) > b.cfg.MaxPayloadBytes {
		return fmt.Errorf("%w: %d bytes on %s", ErrPayloadTooLarge, len(data), subject)
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  nats.Header{"Nats-Msg-Id": []string{key}},
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.PublishTimeout)
	defer cancel()

	var err error
	for attempt := 1; attempt <= b.cfg.PublishRetries; attempt++ {
		_, err = b.js.PublishMsg(msg, nats.Context(ctx))
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		slog.Warn("Publish failed, retrying",
			"subject", subject,
			"key", key,
			"attempt", attempt,
			"error", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("publish to %s timed out: %w", subject, ctx.Err())
		case <-time.After(b.cfg.RetryBackoff * (1 << uint(attempt-1))):
		}
	}
	return fmt.Errorf("failed to publish to %s after %d attempts: %w", subject, b.cfg.PublishRetries, err)
}

// PublishStatus emits best-effort telemetry on the core connection.
// Errors are logged and dropped; nothing in the pipeline depends on the
// status channel having a consumer.
func (b *Broker) PublishStatus(subject string, data []byte) {
	if err := b.conn.Publish(subject, data); err != nil {
		slog.Warn("Failed to publish status update", "subject", subject, "error", err)
	}
}
