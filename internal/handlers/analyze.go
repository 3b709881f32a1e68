package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/imageflow/analysis-service/internal/ingress"
	"github.com/imageflow/analysis-service/internal/models"
	"github.com/imageflow/analysis-service/internal/registry"
	"github.com/imageflow/analysis-service/internal/repository"
)

// AnalyzeHandler serves the upload and query endpoints. The job store
// behind the query path is instance-local: status and result reads are
// only guaranteed to see uploads accepted by this same instance.
type AnalyzeHandler struct {
	ingress    *ingress.Service
	repo       repository.Repository
	registry   *registry.Registry
	maxPayload int64
	retention  time.Duration
}

func NewAnalyzeHandler(ing *ingress.Service, repo repository.Repository, reg *registry.Registry, maxPayload int64, retention time.Duration) *AnalyzeHandler {
	return &AnalyzeHandler{
		ingress:    ing,
		repo:       repo,
		registry:   reg,
		maxPayload: maxPayload,
		retention:  retention,
	}
}

func (h *AnalyzeHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/analyze-image", h.handleAnalyzeImage)
	mux.HandleFunc("/status/", h.handleStatus)
	mux.HandleFunc("/result/", h.handleResult)
	mux.HandleFunc("/stats", h.handleStats)
	mux.HandleFunc("/cleanup", h.handleCleanup)
	mux.HandleFunc("/healthz", h.handleHealth)
}

func (h *AnalyzeHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *AnalyzeHandler) handleAnalyzeImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	// Leave headroom over the payload ceiling so the oversize check in
	// the ingress is what rejects, with its client-visible error.
	if err := r.ParseMultipartForm(h.maxPayload + 1024*1024); err != nil {
		http.Error(w, "Invalid multipart form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "No file provided", http.StatusBadRequest)
		return
	}
	defer file.Close()

	payload, err := io.ReadAll(io.LimitReader(file, h.maxPayload+1))
	if err != nil {
		http.Error(w, "Failed to read upload", http.StatusBadRequest)
		return
	}

	userID := r.FormValue("user_id")
	contentType := header.Header.Get("Content-Type")

	requestID, err := h.ingress.Submit(r.Context(), userID, header.Filename, contentType, payload)
	if err != nil {
		if errors.Is(err, ingress.ErrInvalidContentType) || errors.Is(err, ingress.ErrPayloadTooLarge) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		slog.Error("Job submission failed", "filename", header.Filename, "error", err)
		http.Error(w, "Failed to submit image for processing", http.StatusInternalServerError)
		return
	}

	// Mirror the acceptance onto the push channel when the client holds
	// a live connection on this instance.
	if userID != "" {
		h.registry.Deliver(userID, models.PushMessage{
			Type:      models.PushUploadReceived,
			RequestID: requestID,
			Filename:  header.Filename,
			Message:   "Image received and queued for processing",
			Timestamp: time.Now(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"request_id": requestID,
		"status":     "accepted",
		"filename":   header.Filename,
		"size_bytes": len(payload),
	})
}

// statusView is the explicit tri-state answer for a request_id:
// unknown, still moving, or terminal with a result attached.
type statusView struct {
	status  string
	request *models.RequestRecord
	result  *models.AnalysisResult
}

func (h *AnalyzeHandler) lookup(r *http.Request, requestID string) (statusView, error) {
	res, err := h.repo.Job().GetResult(r.Context(), requestID)
	if err != nil {
		return statusView{}, err
	}
	if res != nil {
		return statusView{status: res.Status, result: res}, nil
	}

	rec, err := h.repo.Job().GetRequest(r.Context(), requestID)
	if err != nil {
		return statusView{}, err
	}
	if rec != nil {
		return statusView{status: rec.Status, request: rec}, nil
	}
	return statusView{status: models.StatusNotFound}, nil
}

func (h *AnalyzeHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	requestID := strings.TrimPrefix(r.URL.Path, "/status/")
	if requestID == "" {
		http.Error(w, "Request ID required", http.StatusBadRequest)
		return
	}

	view, err := h.lookup(r, requestID)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to query status: %v", err), http.StatusInternalServerError)
		return
	}

	resp := map[string]any{
		"request_id":       requestID,
		"status":           view.status,
		"result_available": view.result != nil,
	}
	if view.result != nil {
		resp["completed_at"] = view.result.Timestamp
	}
	if view.request != nil {
		resp["submitted_at"] = view.request.SubmittedAt
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *AnalyzeHandler) handleResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	requestID := strings.TrimPrefix(r.URL.Path, "/result/")
	if requestID == "" {
		http.Error(w, "Request ID required", http.StatusBadRequest)
		return
	}

	view, err := h.lookup(r, requestID)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to query result: %v", err), http.StatusInternalServerError)
		return
	}

	switch {
	case view.result != nil:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(view.result)
	case view.request != nil:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"request_id": requestID,
			"status":     view.status,
			"message":    "Analysis still in progress",
		})
	default:
		http.Error(w, "Request ID not found", http.StatusNotFound)
	}
}

func (h *AnalyzeHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	stats, err := h.repo.Job().Stats(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to query stats: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"total_requests":     stats.TotalRequests,
		"completed_requests": stats.CompletedRequests,
		"failed_requests":    stats.FailedRequests,
		"pending_requests":   stats.PendingRequests,
		"completion_rate":    stats.CompletionRate,
		"active_connections": h.registry.Count(),
	})
}

func (h *AnalyzeHandler) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "DELETE only", http.StatusMethodNotAllowed)
		return
	}

	dropped, err := h.repo.Job().Cleanup(r.Context(), h.retention)
	if err != nil {
		http.Error(w, fmt.Sprintf("Cleanup failed: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"message": fmt.Sprintf("Cleaned up %d old records", dropped),
	})
}
