package ingress

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/imageflow/analysis-service/internal/correlation"
	"github.com/imageflow/analysis-service/internal/models"
	"github.com/imageflow/analysis-service/internal/repository"
)

type recordingPublisher struct {
	mu   sync.Mutex
	jobs []*models.AnalysisRequest
	fail error
}

func (p *recordingPublisher) PublishJob(ctx context.Context, req *models.AnalysisRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.jobs = append(p.jobs, req)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

type recordingSink struct {
	mu      sync.Mutex
	events  []string
	pending int
	peak    int
}

func (s *recordingSink) FireEvent(eventType string, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, eventType)
}

func (s *recordingSink) IncrementPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending++
	if s.pending > s.peak {
		s.peak = s.pending
	}
}

func (s *recordingSink) DecrementPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending--
}

func newService(pub *recordingPublisher, corr correlation.Store, repo repository.Repository) *Service {
	return NewService(pub, corr, repo, nil, 10*1024*1024, time.Hour)
}

func TestSubmitPublishesJob(t *testing.T) {
	pub := &recordingPublisher{}
	corr := correlation.NewMemoryStore()
	repo := repository.NewMemoryRepository()
	svc := newService(pub, corr, repo)
	ctx := context.Background()

	payload := []byte("fake image bytes")
	requestID, err := svc.Submit(ctx, "user-a", "cat.jpg", "image/jpeg", payload)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if requestID == "" {
		t.Fatal("Submit returned empty request_id")
	}

	if pub.count() != 1 {
		t.Fatalf("Expected 1 published job, got %d", pub.count())
	}
	job := pub.jobs[0]
	if job.RequestID != requestID || job.UserID != "user-a" || job.Filename != "cat.jpg" {
		t.Errorf("Unexpected job fields: %+v", job)
	}
	if job.Status != models.StatusPending {
		t.Errorf("Job published with status %s, want pending", job.Status)
	}
	decoded, err := base64.StdEncoding.DecodeString(job.ImageData)
	if err != nil || string(decoded) != string(payload) {
		t.Errorf("Payload round-trip failed: %v", err)
	}

	// Both correlation directions exist
	owner, err := corr.Get(ctx, correlation.RequestKey(requestID))
	if err != nil || owner != "user-a" {
		t.Errorf("Missing forward correlation entry: %q %v", owner, err)
	}
	latest, err := corr.Get(ctx, correlation.UserKey("user-a"))
	if err != nil || latest != requestID {
		t.Errorf("Missing reverse correlation entry: %q %v", latest, err)
	}

	// Record advanced to processing once the broker accepted the job
	rec, err := repo.Job().GetRequest(ctx, requestID)
	if err != nil || rec == nil {
		t.Fatalf("Request record missing: %v", err)
	}
	if rec.Status != models.StatusProcessing {
		t.Errorf("Record status %s, want processing", rec.Status)
	}
}

func TestSubmitRejectsNonImageBeforeBroker(t *testing.T) {
	pub := &recordingPublisher{}
	svc := newService(pub, correlation.NewMemoryStore(), repository.NewMemoryRepository())

	_, err := svc.Submit(context.Background(), "user-a", "notes.txt", "text/plain", []byte("hello"))
	if !errors.Is(err, ErrInvalidContentType) {
		t.Fatalf("Expected ErrInvalidContentType, got %v", err)
	}
	if pub.count() != 0 {
		t.Errorf("Broker saw %d publishes for a rejected upload", pub.count())
	}
}

func TestSubmitRejectsOversizedBeforeBroker(t *testing.T) {
	pub := &recordingPublisher{}
	corr := correlation.NewMemoryStore()
	svc := NewService(pub, corr, repository.NewMemoryRepository(), nil, 1024, time.Hour)

	big := make([]byte, 2048)
	_, err := svc.Submit(context.Background(), "user-a", "big.png", "image/png", big)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("Expected ErrPayloadTooLarge, got %v", err)
	}
	if pub.count() != 0 {
		t.Errorf("Broker saw %d publishes for an oversized upload", pub.count())
	}
}

func TestSubmitSurfacesBrokerFailure(t *testing.T) {
	pub := &recordingPublisher{fail: errors.New("broker down")}
	repo := repository.NewMemoryRepository()
	svc := newService(pub, correlation.NewMemoryStore(), repo)

	_, err := svc.Submit(context.Background(), "user-a", "cat.jpg", "image/jpeg", []byte("img"))
	if err == nil {
		t.Fatal("Expected error when broker publish fails")
	}
}

func TestSubmitGeneratesUniqueIDsUnderConcurrency(t *testing.T) {
	pub := &recordingPublisher{}
	svc := newService(pub, correlation.NewMemoryStore(), repository.NewMemoryRepository())

	const n = 64
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := svc.Submit(context.Background(), "user-a", "img.png", "image/png", []byte("x"))
			if err != nil {
				t.Errorf("Submit failed: %v", err)
				return
			}
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("Duplicate request_id generated: %s", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Errorf("Expected %d unique ids, got %d", n, len(seen))
	}
}

func TestSubmitTracksPendingLoad(t *testing.T) {
	pub := &recordingPublisher{}
	sink := &recordingSink{}
	svc := NewService(pub, correlation.NewMemoryStore(), repository.NewMemoryRepository(), sink, 10*1024*1024, time.Hour)

	_, err := svc.Submit(context.Background(), "user-a", "img.png", "image/png", []byte("x"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if sink.peak != 1 {
		t.Errorf("Peak pending = %d, want 1", sink.peak)
	}
	if sink.pending != 0 {
		t.Errorf("Pending count not balanced after submit: %d", sink.pending)
	}
	if len(sink.events) != 1 || sink.events[0] != "upload_received" {
		t.Errorf("Unexpected events: %v", sink.events)
	}
}

func TestSubmitDefaultsAnonymousUser(t *testing.T) {
	pub := &recordingPublisher{}
	svc := newService(pub, correlation.NewMemoryStore(), repository.NewMemoryRepository())

	_, err := svc.Submit(context.Background(), "", "img.png", "image/png", []byte("x"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if pub.jobs[0].UserID != "anonymous" {
		t.Errorf("Expected anonymous user, got %s", pub.jobs[0].UserID)
	}
}
