package client

import "time"

// Prediction is one ranked label with its confidence in percent.
type Prediction struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// UploadResponse is the acceptance receipt for a submitted image.
type UploadResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
}

// StatusResponse reports where a request currently stands.
type StatusResponse struct {
	RequestID       string     `json:"request_id"`
	Status          string     `json:"status"`
	ResultAvailable bool       `json:"result_available"`
	SubmittedAt     *time.Time `json:"submitted_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// AnalysisResult is the terminal outcome of one request.
type AnalysisResult struct {
	RequestID      string       `json:"request_id"`
	UserID         string       `json:"user_id"`
	Results        []Prediction `json:"results"`
	ProcessingTime float64      `json:"processing_time"`
	Error          string       `json:"error,omitempty"`
	Status         string       `json:"status"`
	Timestamp      time.Time    `json:"timestamp"`
}

// StatsResponse is the aggregate view over the instance-local job store.
type StatsResponse struct {
	TotalRequests     int64   `json:"total_requests"`
	CompletedRequests int64   `json:"completed_requests"`
	FailedRequests    int64   `json:"failed_requests"`
	PendingRequests   int64   `json:"pending_requests"`
	CompletionRate    float64 `json:"completion_rate"`
	ActiveConnections int     `json:"active_connections"`
}
