// Package telemetry publishes best-effort load reports and pipeline
// events on the system-status channel. Nothing consumes them in-band;
// the monitor process is an optional observer.
package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// StatusPublisher is the fire-and-forget publish surface the reporter
// needs from the broker.
type StatusPublisher interface {
	PublishStatus(subject string, data []byte)
}

// Report is one periodic load sample from a pipeline process.
type Report struct {
	InstanceID       string    `json:"instance_id"`
	Component        string    `json:"component"`
	PendingMessages  int64     `json:"pending_messages"`
	ActiveProcessing int64     `json:"active_processing"`
	TotalProcessed   int64     `json:"total_processed"`
	WorkerCount      int       `json:"worker_count"`
	Level            string    `json:"level"` // healthy, warning, critical
	Timestamp        time.Time `json:"timestamp"`
}

// Event is a one-off pipeline occurrence (upload accepted, result
// published) mirrored onto the status channel.
type Event struct {
	InstanceID string         `json:"instance_id"`
	Type       string         `json:"type"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

type Reporter struct {
	publisher  StatusPublisher
	instanceID string
	component  string
	interval   time.Duration
	threshold  int64
	workers    int

	pendingCount int64
	activeCount  int64
	processed    int64
}

func NewReporter(publisher StatusPublisher, component string, interval time.Duration, threshold, workers int) *Reporter {
	return &Reporter{
		publisher:  publisher,
		instanceID: uuid.NewString(),
		component:  component,
		interval:   interval,
		threshold:  int64(threshold),
		workers:    workers,
	}
}

func (r *Reporter) InstanceID() string { return r.instanceID }

// Start publishes load reports until ctx is cancelled.
func (r *Reporter) Start(ctx context.Context) {
	slog.Info("Telemetry reporter starting",
		"instance_id", r.instanceID,
		"component", r.component,
		"interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.report()
		}
	}
}

func (r *Reporter) report() {
	pending := atomic.LoadInt64(&r.pendingCount)
	active := atomic.LoadInt64(&r.activeCount)

	rep := Report{
		InstanceID:       r.instanceID,
		Component:        r.component,
		PendingMessages:  pending,
		ActiveProcessing: active,
		TotalProcessed:   atomic.LoadInt64(&r.processed),
		WorkerCount:      r.workers,
		Level:            r.level(pending + active),
		Timestamp:        time.Now(),
	}

	data, err := json.Marshal(rep)
	if err != nil {
		slog.Error("Failed to marshal status report", "error", err)
		return
	}
	r.publisher.PublishStatus("status."+r.component+"."+r.instanceID, data)
}

func (r *Reporter) level(inFlight int64) string {
	switch {
	case inFlight < r.threshold:
		return "healthy"
	case inFlight < 2*r.threshold:
		return "warning"
	default:
		return "critical"
	}
}

// FireEvent publishes a one-off event, best-effort.
func (r *Reporter) FireEvent(eventType string, data map[string]any) {
	ev := Event{
		InstanceID: r.instanceID,
		Type:       eventType,
		Data:       data,
		Timestamp:  time.Now(),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("Failed to marshal status event", "type", eventType, "error", err)
		return
	}
	r.publisher.PublishStatus("status.events."+eventType, payload)
}

func (r *Reporter) IncrementPending() { atomic.AddInt64(&r.pendingCount, 1) }
func (r *Reporter) DecrementPending() { atomic.AddInt64(&r.pendingCount, -1) }
func (r *Reporter) IncrementActive()  { atomic.AddInt64(&r.activeCount, 1) }
func (r *Reporter) DecrementActive()  { atomic.AddInt64(&r.activeCount, -1) }
func (r *Reporter) CountProcessed()   { atomic.AddInt64(&r.processed, 1) }

func (r *Reporter) Processed() int64 { return atomic.LoadInt64(&r.processed) }
