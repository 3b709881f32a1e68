package repository

import (
	"context"
	"time"

	"github.com/imageflow/analysis-service/internal/models"
)

// Repository aggregates all repository interfaces
type Repository interface {
	Job() JobRepositoryInterface
	Event() EventRepositoryInterface
}

// JobRepositoryInterface defines job state storage operations. Lookups
// return (nil, nil) for unknown IDs so callers get an explicit
// found/not-found answer instead of a sentinel error.
type JobRepositoryInterface interface {
	CreateRequest(ctx context.Context, rec *models.RequestRecord) error
	// UpdateStatus moves a request forward in its lifecycle. Terminal
	// states (completed, failed) are final; an update that would regress
	// one is a silent no-op.
	UpdateStatus(ctx context.Context, requestID, status string) error
	GetRequest(ctx context.Context, requestID string) (*models.RequestRecord, error)
	// SaveResult upserts the terminal outcome (last-write-wins on
	// redelivery) and marks the owning request with the same status.
	SaveResult(ctx context.Context, res *models.AnalysisResult) error
	GetResult(ctx context.Context, requestID string) (*models.AnalysisResult, error)
	Stats(ctx context.Context) (*models.JobStats, error)
	// Cleanup removes requests and results older than the retention
	// window and returns how many rows were dropped.
	Cleanup(ctx context.Context, retention time.Duration) (int64, error)
}

// EventRepositoryInterface defines event logging operations
type EventRepositoryInterface interface {
	LogEvent(ctx context.Context, level, code, msg string, meta map[string]interface{}) error
}
