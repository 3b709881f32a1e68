// Package orchestrator runs the worker consume loop: every job pulled
// off the uploads channel yields exactly one terminal result on the
// results channel, success or not.
package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/imageflow/analysis-service/internal/analysis"
	"github.com/imageflow/analysis-service/internal/broker"
	"github.com/imageflow/analysis-service/internal/models"
)

// ResultPublisher is the slice of the broker the orchestrator needs.
type ResultPublisher interface {
	PublishResult(ctx context.Context, res *models.AnalysisResult) error
}

// EventSink receives best-effort pipeline events and load counters;
// may be nil.
type EventSink interface {
	FireEvent(eventType string, data map[string]any)
	IncrementActive()
	DecrementActive()
	CountProcessed()
}

type Orchestrator struct {
	engine    analysis.Engine
	publisher ResultPublisher
	events    EventSink
}

func New(engine analysis.Engine, publisher ResultPublisher, events EventSink) *Orchestrator {
	return &Orchestrator{
		engine:    engine,
		publisher: publisher,
		events:    events,
	}
}

// GenerateWorkerID creates a unique worker ID using timestamp and random bytes
func GenerateWorkerID() string {
	timestamp := time.Now().UnixNano()
	randomBytes := make([]byte, 4)
	rand.Read(randomBytes)
	randomHex := hex.EncodeToString(randomBytes)
	return fmt.Sprintf("worker-%d-%s", timestamp, randomHex)
}

// Run drains the delivery sequence until it closes. A single message's
// failure never stops the loop; the in-flight message is finished
// before Run returns on shutdown.
func (o *Orchestrator) Run(ctx context.Context, deliveries <-chan broker.Delivery, workerID string) {
	slog.Info("Analysis worker starting", "worker_id", workerID)

	for d := range deliveries {
		// A job already dequeued is finished even when shutdown has
		// been signalled; the closed channel is what ends the loop.
		o.process(context.WithoutCancel(ctx), d, workerID)
	}

	slog.Info("Analysis worker shutting down", "worker_id", workerID)
}

func (o *Orchestrator) process(ctx context.Context, d broker.Delivery, workerID string) {
	start := time.Now()

	var job models.AnalysisRequest
	if err := json.Unmarshal(d.Data, &job); err != nil {
		slog.Error("Failed to parse job message",
			"worker_id", workerID,
			"error", err,
			"data_len", len(d.Data))
		_ = d.Nak()
		return
	}

	if o.events != nil {
		o.events.IncrementActive()
		defer o.events.DecrementActive()
	}

	slog.Info("Processing job",
		"worker_id", workerID,
		"request_id", job.RequestID,
		"filename", job.Filename)

	result := o.analyze(ctx, &job)
	result.ProcessingTime = time.Since(start).Seconds()

	// Publish failure leaves the message unacked; redelivery can
	// duplicate the result, which downstream absorbs as
	// last-write-wins. Dropping the result is the one thing we never do.
	if err := o.publisher.PublishResult(ctx, result); err != nil {
		slog.Error("Failed to publish result",
			"worker_id", workerID,
			"request_id", job.RequestID,
			"error", err)
		_ = d.Nak()
		return
	}

	if err := d.Ack(); err != nil {
		slog.Error("Failed to acknowledge job",
			"worker_id", workerID,
			"request_id", job.RequestID,
			"error", err)
	}

	if o.events != nil {
		o.events.CountProcessed()
		o.events.FireEvent("result_published", map[string]any{
			"request_id": job.RequestID,
			"status":     result.Status,
		})
	}

	if result.Status == models.StatusCompleted {
		slog.Info("Job completed",
			"worker_id", workerID,
			"request_id", job.RequestID,
			"duration_ms", time.Since(start).Milliseconds(),
			"predictions", len(result.Results))
	} else {
		slog.Error("Job failed",
			"worker_id", workerID,
			"request_id", job.RequestID,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", result.Error)
	}
}

// analyze always returns a terminal result; engine and decode errors
// become failed results with the error text preserved.
func (o *Orchestrator) analyze(ctx context.Context, job *models.AnalysisRequest) *models.AnalysisResult {
	result := &models.AnalysisResult{
		RequestID: job.RequestID,
		UserID:    job.UserID,
		Results:   []models.Prediction{},
		Timestamp: time.Now(),
	}

	raw, err := base64.StdEncoding.DecodeString(job.ImageData)
	if err != nil {
		result.Status = models.StatusFailed
		result.Error = fmt.Sprintf("failed to decode image payload: %v", err)
		return result
	}

	preds, err := o.engine.Analyze(ctx, raw)
	if err != nil {
		result.Status = models.StatusFailed
		result.Error = err.Error()
		return result
	}

	result.Status = models.StatusCompleted
	result.Results = preds
	return result
}
