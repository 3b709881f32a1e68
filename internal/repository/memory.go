package repository

import (
	"context"
	"sync"
	"time"

	"github.com/imageflow/analysis-service/internal/models"
)

// MemoryRepository is an in-memory Repository. It backs unit tests and
// lets the orchestration code run without a database file.
type MemoryRepository struct {
	mu       sync.RWMutex
	requests map[string]*models.RequestRecord
	results  map[string]*models.AnalysisResult
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		requests: make(map[string]*models.RequestRecord),
		results:  make(map[string]*models.AnalysisResult),
	}
}

func (r *MemoryRepository) Job() JobRepositoryInterface   { return r }
func (r *MemoryRepository) Event() EventRepositoryInterface { return r }

func (r *MemoryRepository) CreateRequest(ctx context.Context, rec *models.RequestRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rec
	r.requests[rec.RequestID] = &cp
	return nil
}

func (r *MemoryRepository) UpdateStatus(ctx context.Context, requestID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.requests[requestID]
	if !ok || isTerminal(rec.Status) {
		return nil
	}
	rec.Status = status
	return nil
}

func (r *MemoryRepository) GetRequest(ctx context.Context, requestID string) (*models.RequestRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.requests[requestID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (r *MemoryRepository) SaveResult(ctx context.Context, res *models.AnalysisResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *res
	r.results[res.RequestID] = &cp
	if rec, ok := r.requests[res.RequestID]; ok && !isTerminal(rec.Status) {
		rec.Status = res.Status
	}
	return nil
}

func (r *MemoryRepository) GetResult(ctx context.Context, requestID string) (*models.AnalysisResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.results[requestID]
	if !ok {
		return nil, nil
	}
	cp := *res
	return &cp, nil
}

func (r *MemoryRepository) Stats(ctx context.Context) (*models.JobStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var stats models.JobStats
	for _, rec := range r.requests {
		stats.TotalRequests++
		switch rec.Status {
		case models.StatusCompleted:
			stats.CompletedRequests++
		case models.StatusFailed:
			stats.FailedRequests++
		default:
			stats.PendingRequests++
		}
	}
	if stats.TotalRequests > 0 {
		stats.CompletionRate = float64(stats.CompletedRequests+stats.FailedRequests) / float64(stats.TotalRequests) * 100
	}
	return &stats, nil
}

func (r *MemoryRepository) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	r.mu.Lock()
	defer r.mu.Unlock()
	var dropped int64
	for id, res := range r.results {
		if res.Timestamp.Before(cutoff) {
			delete(r.results, id)
			dropped++
		}
	}
	for id, rec := range r.requests {
		if rec.SubmittedAt.Before(cutoff) && isTerminal(rec.Status) {
			delete(r.requests, id)
			dropped++
		}
	}
	return dropped, nil
}

func (r *MemoryRepository) LogEvent(ctx context.Context, level, code, msg string, meta map[string]interface{}) error {
	return nil
}

func isTerminal(status string) bool {
	return status == models.StatusCompleted || status == models.StatusFailed
}
