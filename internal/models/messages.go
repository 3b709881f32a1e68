package models

import "time"

// Request lifecycle states. Transitions are monotonic: once a request
// reaches completed or failed it never moves back.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusNotFound   = "not_found"
)

// Prediction is a single (label, confidence) pair. Confidence is a
// percentage in [0, 100].
type Prediction struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// AnalysisRequest is the job message published on the uploads channel,
// keyed by RequestID. ImageData carries the base64-encoded payload.
type AnalysisRequest struct {
	RequestID string    `json:"request_id"`
	UserID    string    `json:"user_id"`
	Filename  string    `json:"filename"`
	ImageData string    `json:"image_data"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
}

// AnalysisResult is the terminal outcome published on the results
// channel, keyed by RequestID. Exactly one is published per consumed
// job; redelivery can duplicate it and downstream treats duplicates as
// last-write-wins.
type AnalysisResult struct {
	RequestID      string       `json:"request_id"`
	UserID         string       `json:"user_id"`
	Results        []Prediction `json:"results"`
	ProcessingTime float64      `json:"processing_time"`
	Error          string       `json:"error,omitempty"`
	Timestamp      time.Time    `json:"timestamp"`
	Status         string       `json:"status"`
}

// RequestRecord is the job store row for an accepted upload.
type RequestRecord struct {
	RequestID   string    `json:"request_id"`
	UserID      string    `json:"user_id"`
	Filename    string    `json:"filename"`
	SizeBytes   int64     `json:"size_bytes"`
	SubmittedAt time.Time `json:"submitted_at"`
	Status      string    `json:"status"`
}

// JobStats summarizes the local job store for the stats endpoint.
type JobStats struct {
	TotalRequests     int64   `json:"total_requests"`
	CompletedRequests int64   `json:"completed_requests"`
	FailedRequests    int64   `json:"failed_requests"`
	PendingRequests   int64   `json:"pending_requests"`
	CompletionRate    float64 `json:"completion_rate"`
}

// Push-channel message types.
const (
	PushConnectionEstablished = "connection_established"
	PushUploadReceived        = "upload_received"
	PushAnalysisResult        = "analysis_result"
	PushSystemStats           = "system_stats"
	PushPing                  = "ping"
	PushPong                  = "pong"
)

// PushMessage is the envelope sent over a client's websocket.
type PushMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Filename  string          `json:"filename,omitempty"`
	Message   string          `json:"message,omitempty"`
	Data      *AnalysisResult `json:"data,omitempty"`
	Stats     map[string]any  `json:"stats,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}
