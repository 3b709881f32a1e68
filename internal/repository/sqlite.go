package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/imageflow/analysis-service/internal/models"
	"github.com/imageflow/analysis-service/internal/store"
)

// SQLiteRepository implements Repository using the instance-local
// SQLite job store.
type SQLiteRepository struct {
	db        *store.DB
	jobRepo   JobRepositoryInterface
	eventRepo EventRepositoryInterface
}

func NewSQLiteRepository(db *store.DB) Repository {
	return &SQLiteRepository{
		db:        db,
		jobRepo:   &SQLiteJobRepository{db: db},
		eventRepo: &SQLiteEventRepository{db: db},
	}
}

func (r *SQLiteRepository) Job() JobRepositoryInterface {
	return r.jobRepo
}

func (r *SQLiteRepository) Event() EventRepositoryInterface {
	return r.eventRepo
}

// SQLiteJobRepository handles request/result state
type SQLiteJobRepository struct {
	db *store.DB
}

func (r *SQLiteJobRepository) CreateRequest(ctx context.Context, rec *models.RequestRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO requests(request_id,user_id,filename,size_bytes,submitted_at,status) VALUES(?,?,?,?,?,?)`,
		rec.RequestID, rec.UserID, rec.Filename, rec.SizeBytes,
		float64(rec.SubmittedAt.UnixNano())/1e9, rec.Status)
	return err
}

func (r *SQLiteJobRepository) UpdateStatus(ctx context.Context, requestID, status string) error {
	// Terminal states never regress: the WHERE clause refuses to touch
	// completed/failed rows.
	_, err := r.db.ExecContext(ctx,
		`UPDATE requests SET status=? WHERE request_id=? AND status NOT IN (?,?)`,
		status, requestID, models.StatusCompleted, models.StatusFailed)
	return err
}

func (r *SQLiteJobRepository) GetRequest(ctx context.Context, requestID string) (*models.RequestRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT request_id,user_id,filename,size_bytes,submitted_at,status FROM requests WHERE request_id=?`,
		requestID)

	var rec models.RequestRecord
	var tsFloat float64
	if err := row.Scan(&rec.RequestID, &rec.UserID, &rec.Filename, &rec.SizeBytes, &tsFloat, &rec.Status); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	rec.SubmittedAt = time.Unix(0, int64(tsFloat*1e9))
	return &rec, nil
}

func (r *SQLiteJobRepository) SaveResult(ctx context.Context, res *models.AnalysisResult) error {
	preds, err := json.Marshal(res.Results)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO results(request_id,user_id,predictions,processing_time,error,status,completed_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(request_id) DO UPDATE SET
		   user_id=excluded.user_id,
		   predictions=excluded.predictions,
		   processing_time=excluded.processing_time,
		   error=excluded.error,
		   status=excluded.status,
		   completed_at=excluded.completed_at`,
		res.RequestID, res.UserID, string(preds), res.ProcessingTime, res.Error,
		res.Status, float64(res.Timestamp.UnixNano())/1e9)
	if err != nil {
		return err
	}

	// Forward the terminal status to the request row. Safe under
	// redelivery: completed/failed rows are left as-is.
	_, err = r.db.ExecContext(ctx,
		`UPDATE requests SET status=? WHERE request_id=? AND status NOT IN (?,?)`,
		res.Status, res.RequestID, models.StatusCompleted, models.StatusFailed)
	return err
}

func (r *SQLiteJobRepository) GetResult(ctx context.Context, requestID string) (*models.AnalysisResult, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT request_id,user_id,predictions,processing_time,error,status,completed_at FROM results WHERE request_id=?`,
		requestID)

	var res models.AnalysisResult
	var preds string
	var tsFloat float64
	if err := row.Scan(&res.RequestID, &res.UserID, &preds, &res.ProcessingTime, &res.Error, &res.Status, &tsFloat); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(preds), &res.Results); err != nil {
		return nil, err
	}
	res.Timestamp = time.Unix(0, int64(tsFloat*1e9))
	return &res, nil
}

func (r *SQLiteJobRepository) Stats(ctx context.Context) (*models.JobStats, error) {
	var stats models.JobStats
	row := r.db.QueryRowContext(ctx, `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN status=? THEN 1 ELSE 0 END),0),
		COALESCE(SUM(CASE WHEN status=? THEN 1 ELSE 0 END),0),
		COALESCE(SUM(CASE WHEN status IN (?,?) THEN 1 ELSE 0 END),0)
		FROM requests`,
		models.StatusCompleted, models.StatusFailed,
		models.StatusPending, models.StatusProcessing)
	if err := row.Scan(&stats.TotalRequests, &stats.CompletedRequests, &stats.FailedRequests, &stats.PendingRequests); err != nil {
		return nil, err
	}
	if stats.TotalRequests > 0 {
		stats.CompletionRate = float64(stats.CompletedRequests+stats.FailedRequests) / float64(stats.TotalRequests) * 100
	}
	return &stats, nil
}

func (r *SQLiteJobRepository) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := float64(time.Now().Add(-retention).UnixNano()) / 1e9

	res, err := r.db.ExecContext(ctx, `DELETE FROM results WHERE completed_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	dropped, _ := res.RowsAffected()

	res, err = r.db.ExecContext(ctx, `DELETE FROM requests WHERE submitted_at < ? AND status IN (?,?)`,
		cutoff, models.StatusCompleted, models.StatusFailed)
	if err != nil {
		return dropped, err
	}
	n, _ := res.RowsAffected()
	return dropped + n, nil
}

// SQLiteEventRepository handles event logging
type SQLiteEventRepository struct {
	db *store.DB
}

func (r *SQLiteEventRepository) LogEvent(ctx context.Context, level, code, msg string, meta map[string]interface{}) error {
	r.db.Event(level, code, msg, meta)
	return nil
}
