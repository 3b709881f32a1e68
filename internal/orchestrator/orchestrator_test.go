package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/imageflow/analysis-service/internal/broker"
	"github.com/imageflow/analysis-service/internal/models"
)

type stubEngine struct {
	preds []models.Prediction
	err   error
}

func (e *stubEngine) Analyze(ctx context.Context, img []byte) ([]models.Prediction, error) {
	return e.preds, e.err
}

type ctxSensitiveEngine struct {
	preds []models.Prediction
}

func (e *ctxSensitiveEngine) Analyze(ctx context.Context, img []byte) ([]models.Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.preds, nil
}

type recordingSink struct {
	mu        sync.Mutex
	events    []string
	active    int
	processed int
}

func (s *recordingSink) FireEvent(eventType string, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, eventType)
}

func (s *recordingSink) IncrementActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active++
}

func (s *recordingSink) DecrementActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active--
}

func (s *recordingSink) CountProcessed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed++
}

type recordingResults struct {
	mu      sync.Mutex
	results []*models.AnalysisResult
}

func (p *recordingResults) PublishResult(ctx context.Context, res *models.AnalysisResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *res
	p.results = append(p.results, &cp)
	return nil
}

func (p *recordingResults) all() []*models.AnalysisResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*models.AnalysisResult(nil), p.results...)
}

func jobDelivery(t *testing.T, requestID, userID string, payload []byte) broker.Delivery {
	t.Helper()
	job := models.AnalysisRequest{
		RequestID: requestID,
		UserID:    userID,
		Filename:  "img.png",
		ImageData: base64.StdEncoding.EncodeToString(payload),
		Timestamp: time.Now(),
		Status:    models.StatusPending,
	}
	data, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("Failed to marshal job: %v", err)
	}
	return broker.Delivery{Data: data}
}

func runJobs(o *Orchestrator, deliveries ...broker.Delivery) {
	ch := make(chan broker.Delivery, len(deliveries))
	for _, d := range deliveries {
		ch <- d
	}
	close(ch)
	o.Run(context.Background(), ch, "worker-test")
}

func TestEveryJobGetsExactlyOneResult(t *testing.T) {
	pub := &recordingResults{}
	engine := &stubEngine{preds: []models.Prediction{
		{Label: "cat", Confidence: 91.2},
		{Label: "animal", Confidence: 5.1},
	}}
	o := New(engine, pub, nil)

	runJobs(o, jobDelivery(t, "r1", "user-a", []byte("img")))

	results := pub.all()
	if len(results) != 1 {
		t.Fatalf("Expected exactly one result, got %d", len(results))
	}
	res := results[0]
	if res.RequestID != "r1" || res.UserID != "user-a" {
		t.Errorf("Result keyed wrong: %+v", res)
	}
	if res.Status != models.StatusCompleted {
		t.Errorf("Expected completed, got %s", res.Status)
	}
	if len(res.Results) != 2 || res.Results[0].Label != "cat" {
		t.Errorf("Predictions not preserved: %+v", res.Results)
	}
	if res.ProcessingTime < 0 {
		t.Errorf("Negative processing time: %f", res.ProcessingTime)
	}
}

func TestEngineFailureProducesFailedResult(t *testing.T) {
	pub := &recordingResults{}
	engine := &stubEngine{err: errors.New("model exploded")}
	o := New(engine, pub, nil)

	runJobs(o, jobDelivery(t, "r2", "user-a", []byte("img")))

	results := pub.all()
	if len(results) != 1 {
		t.Fatalf("Failed job must still publish one result, got %d", len(results))
	}
	res := results[0]
	if res.Status != models.StatusFailed {
		t.Errorf("Expected failed, got %s", res.Status)
	}
	if res.Error != "model exploded" {
		t.Errorf("Error text not preserved: %q", res.Error)
	}
	if len(res.Results) != 0 {
		t.Errorf("Failed result should carry empty predictions, got %+v", res.Results)
	}
}

func TestBadPayloadProducesFailedResult(t *testing.T) {
	pub := &recordingResults{}
	o := New(&stubEngine{}, pub, nil)

	job := models.AnalysisRequest{RequestID: "r3", UserID: "u", ImageData: "!!not-base64!!"}
	data, _ := json.Marshal(job)
	runJobs(o, broker.Delivery{Data: data})

	results := pub.all()
	if len(results) != 1 {
		t.Fatalf("Expected one result, got %d", len(results))
	}
	if results[0].Status != models.StatusFailed || results[0].Error == "" {
		t.Errorf("Expected failed result with error, got %+v", results[0])
	}
}

func TestLoopSurvivesBadMessage(t *testing.T) {
	pub := &recordingResults{}
	engine := &stubEngine{preds: []models.Prediction{{Label: "dog", Confidence: 80}}}
	o := New(engine, pub, nil)

	runJobs(o,
		broker.Delivery{Data: []byte("{malformed")},
		jobDelivery(t, "r4", "user-b", []byte("img")),
	)

	results := pub.all()
	if len(results) != 1 {
		t.Fatalf("Loop did not continue past bad message: %d results", len(results))
	}
	if results[0].RequestID != "r4" {
		t.Errorf("Wrong job processed: %s", results[0].RequestID)
	}
}

func TestInFlightJobFinishesAfterShutdownSignal(t *testing.T) {
	pub := &recordingResults{}
	engine := &ctxSensitiveEngine{preds: []models.Prediction{
		{Label: "cat", Confidence: 91.2},
	}}
	o := New(engine, pub, nil)

	// Shutdown already signalled before the job is picked up. The job
	// was accepted, so it still gets a real terminal outcome.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ch := make(chan broker.Delivery, 1)
	ch <- jobDelivery(t, "r5", "user-a", []byte("img"))
	close(ch)
	o.Run(ctx, ch, "worker-test")

	results := pub.all()
	if len(results) != 1 {
		t.Fatalf("Expected one result, got %d", len(results))
	}
	if results[0].Status != models.StatusCompleted {
		t.Errorf("In-flight job finished as %s (error %q), want completed",
			results[0].Status, results[0].Error)
	}
	if len(results[0].Results) != 1 || results[0].Results[0].Label != "cat" {
		t.Errorf("Predictions lost on shutdown path: %+v", results[0].Results)
	}
}

func TestLoadCountersTrackProcessing(t *testing.T) {
	sink := &recordingSink{}
	pub := &recordingResults{}
	engine := &stubEngine{preds: []models.Prediction{{Label: "dog", Confidence: 80}}}
	o := New(engine, pub, sink)

	runJobs(o,
		jobDelivery(t, "r6", "user-a", []byte("img")),
		jobDelivery(t, "r7", "user-a", []byte("img")),
	)

	if sink.processed != 2 {
		t.Errorf("Processed count = %d, want 2", sink.processed)
	}
	if sink.active != 0 {
		t.Errorf("Active count not balanced after processing: %d", sink.active)
	}
	if len(sink.events) != 2 {
		t.Errorf("Expected 2 result_published events, got %d", len(sink.events))
	}
}

func TestGenerateWorkerIDUnique(t *testing.T) {
	a := GenerateWorkerID()
	b := GenerateWorkerID()
	if a == b {
		t.Errorf("Worker IDs collided: %s", a)
	}
}
