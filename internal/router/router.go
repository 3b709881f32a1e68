// Package router consumes terminal results and fans each one out to
// the client that owns it, when that client's connection lives on this
// instance.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/imageflow/analysis-service/internal/broker"
	"github.com/imageflow/analysis-service/internal/correlation"
	"github.com/imageflow/analysis-service/internal/models"
	"github.com/imageflow/analysis-service/internal/registry"
	"github.com/imageflow/analysis-service/internal/repository"
)

type Router struct {
	repo      repository.Repository
	corr      correlation.Store
	registry  *registry.Registry
	delivered int64
}

func New(repo repository.Repository, corr correlation.Store, reg *registry.Registry) *Router {
	return &Router{
		repo:     repo,
		corr:     corr,
		registry: reg,
	}
}

// Run drains the result sequence until it closes.
func (r *Router) Run(ctx context.Context, deliveries <-chan broker.Delivery) {
	slog.Info("Result router starting")

	for d := range deliveries {
		// A result already dequeued is persisted and acked even when
		// shutdown has been signalled; the closed channel ends the loop.
		r.handle(context.WithoutCancel(ctx), d)
	}

	slog.Info("Result router shutting down")
}

func (r *Router) handle(ctx context.Context, d broker.Delivery) {
	var res models.AnalysisResult
	if err := json.Unmarshal(d.Data, &res); err != nil {
		slog.Error("Failed to parse result message", "error", err, "data_len", len(d.Data))
		_ = d.Nak()
		return
	}

	// Persist first so the polling path sees the terminal outcome even
	// when push delivery is impossible. Duplicate publishes overwrite
	// (last-write-wins); terminal request status never regresses.
	if err := r.repo.Job().SaveResult(ctx, &res); err != nil {
		slog.Error("Failed to persist result", "request_id", res.RequestID, "error", err)
		_ = d.Nak()
		return
	}

	r.deliver(ctx, &res)

	if err := d.Ack(); err != nil {
		slog.Error("Failed to acknowledge result", "request_id", res.RequestID, "error", err)
	}
}

// deliver resolves the owning client and pushes the result over its
// live connection. Unknown owner, expired entry, store error, or a
// connection living on a different instance all degrade to the polling
// path: the result stays queryable, the push is skipped.
func (r *Router) deliver(ctx context.Context, res *models.AnalysisResult) {
	userID, err := r.corr.Get(ctx, correlation.RequestKey(res.RequestID))
	if err != nil {
		if err == correlation.ErrNotFound {
			slog.Info("No owner for result, polling fallback",
				"request_id", res.RequestID)
		} else {
			slog.Warn("Correlation lookup failed, treating owner as unknown",
				"request_id", res.RequestID, "error", err)
		}
		return
	}

	ok := r.registry.Deliver(userID, models.PushMessage{
		Type:      models.PushAnalysisResult,
		RequestID: res.RequestID,
		Data:      res,
		Timestamp: time.Now(),
	})
	if !ok {
		// Owning connection is on another instance (or gone). The entry
		// is left to expire so that instance's own consumer could still
		// resolve it.
		slog.Info("Owner not connected here, polling fallback",
			"request_id", res.RequestID, "user_id", userID)
		return
	}

	total := atomic.AddInt64(&r.delivered, 1)

	// Delivered: the mapping has served its purpose. Best-effort
	// cleanup of both directions, TTL covers the rest.
	if err := r.corr.Delete(ctx, correlation.RequestKey(res.RequestID)); err != nil {
		slog.Warn("Failed to delete correlation entry", "request_id", res.RequestID, "error", err)
	}
	if err := r.corr.Delete(ctx, correlation.UserKey(userID)); err != nil {
		slog.Warn("Failed to delete reverse correlation entry", "user_id", userID, "error", err)
	}

	slog.Info("Result delivered",
		"request_id", res.RequestID,
		"user_id", userID,
		"status", res.Status)

	// total_processed is this instance's push-delivery count, not the
	// store-wide request totals the /stats endpoint reports.
	r.registry.Broadcast(models.PushMessage{
		Type:      models.PushSystemStats,
		Stats:     map[string]any{"total_processed": total},
		Timestamp: time.Now(),
	})
}

// Delivered reports how many results this instance pushed to clients.
func (r *Router) Delivered() int64 {
	return atomic.LoadInt64(&r.delivered)
}
