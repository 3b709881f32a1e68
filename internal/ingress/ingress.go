// Package ingress validates and enqueues analysis jobs. Submission is
// fire-and-forget: the caller gets a request_id back the moment the
// broker has the job, never a processing result.
package ingress

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/imageflow/analysis-service/internal/correlation"
	"github.com/imageflow/analysis-service/internal/models"
	"github.com/imageflow/analysis-service/internal/repository"
)

// Validation failures are client errors: they are rejected before any
// broker interaction.
var (
	ErrInvalidContentType = errors.New("ingress: file must be an image")
	ErrPayloadTooLarge    = errors.New("ingress: image exceeds size limit")
)

// JobPublisher is the slice of the broker the ingress needs.
type JobPublisher interface {
	PublishJob(ctx context.Context, req *models.AnalysisRequest) error
}

// EventSink receives best-effort pipeline events and load counters;
// may be nil.
type EventSink interface {
	FireEvent(eventType string, data map[string]any)
	IncrementPending()
	DecrementPending()
}

type Service struct {
	publisher  JobPublisher
	corr       correlation.Store
	repo       repository.Repository
	events     EventSink
	maxPayload int64
	ttl        time.Duration
}

func NewService(publisher JobPublisher, corr correlation.Store, repo repository.Repository, events EventSink, maxPayload int64, ttl time.Duration) *Service {
	return &Service{
		publisher:  publisher,
		corr:       corr,
		repo:       repo,
		events:     events,
		maxPayload: maxPayload,
		ttl:        ttl,
	}
}

// Submit validates the upload, stamps it with a fresh request_id,
// records the correlation entries and pending state, and publishes the
// job. Returns the request_id without waiting for processing.
func (s *Service) Submit(ctx context.Context, userID, filename, contentType string, payload []byte) (string, error) {
	if !strings.HasPrefix(contentType, "image/") {
		return "", fmt.Errorf("%w: got %q", ErrInvalidContentType, contentType)
	}
	if int64(len(payload)) > s.maxPayload {
		return "", fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(payload), s.maxPayload)
	}
	if userID == "" {
		userID = "anonymous"
	}

	if s.events != nil {
		s.events.IncrementPending()
		defer s.events.DecrementPending()
	}

	requestID := ulid.Make().String()
	now := time.Now()

	// Both mapping directions, each its own keyed write. No cross-key
	// atomicity; a half-written pair expires via TTL.
	if err := s.corr.Put(ctx, correlation.RequestKey(requestID), userID, s.ttl); err != nil {
		return "", fmt.Errorf("failed to store correlation entry for %s: %w", requestID, err)
	}
	if err := s.corr.Put(ctx, correlation.UserKey(userID), requestID, s.ttl); err != nil {
		slog.Warn("Failed to store reverse correlation entry",
			"request_id", requestID, "user_id", userID, "error", err)
	}

	if err := s.repo.Job().CreateRequest(ctx, &models.RequestRecord{
		RequestID:   requestID,
		UserID:      userID,
		Filename:    filename,
		SizeBytes:   int64(len(payload)),
		SubmittedAt: now,
		Status:      models.StatusPending,
	}); err != nil {
		return "", fmt.Errorf("failed to record request %s: %w", requestID, err)
	}

	job := &models.AnalysisRequest{
		RequestID: requestID,
		UserID:    userID,
		Filename:  filename,
		ImageData: base64.StdEncoding.EncodeToString(payload),
		Timestamp: now,
		Status:    models.StatusPending,
	}

	if err := s.publisher.PublishJob(ctx, job); err != nil {
		// The job never reached the broker; surface it, and mark the
		// record so the polling path does not report it stuck pending.
		_ = s.repo.Job().UpdateStatus(ctx, requestID, models.StatusFailed)
		_ = s.corr.Delete(ctx, correlation.RequestKey(requestID))
		return "", fmt.Errorf("failed to submit job %s: %w", requestID, err)
	}

	if err := s.repo.Job().UpdateStatus(ctx, requestID, models.StatusProcessing); err != nil {
		slog.Warn("Failed to advance request status", "request_id", requestID, "error", err)
	}

	slog.Info("Job submitted",
		"request_id", requestID,
		"user_id", userID,
		"filename", filename,
		"size_bytes", len(payload))

	if s.events != nil {
		s.events.FireEvent("upload_received", map[string]any{
			"request_id": requestID,
			"filename":   filename,
			"size_bytes": len(payload),
		})
	}

	return requestID, nil
}
