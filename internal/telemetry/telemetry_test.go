package telemetry

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

type capturingPublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
}

func (p *capturingPublisher) PublishStatus(subject string, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	cp := make([]byte, len(data))
	copy(cp, data)
	p.payloads = append(p.payloads, cp)
}

func (p *capturingPublisher) last(t *testing.T) (string, []byte) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.subjects) == 0 {
		t.Fatal("Nothing published")
	}
	return p.subjects[len(p.subjects)-1], p.payloads[len(p.payloads)-1]
}

func TestReportCarriesCounters(t *testing.T) {
	pub := &capturingPublisher{}
	r := NewReporter(pub, "worker", time.Second, 100, 2)

	r.IncrementPending()
	r.IncrementPending()
	r.DecrementPending()
	r.IncrementActive()
	r.CountProcessed()
	r.CountProcessed()
	r.CountProcessed()

	r.report()

	subject, payload := pub.last(t)
	if !strings.HasPrefix(subject, "status.worker.") {
		t.Errorf("Unexpected report subject: %s", subject)
	}

	var rep Report
	if err := json.Unmarshal(payload, &rep); err != nil {
		t.Fatalf("Failed to decode report: %v", err)
	}
	if rep.PendingMessages != 1 || rep.ActiveProcessing != 1 || rep.TotalProcessed != 3 {
		t.Errorf("Counters not reflected in report: %+v", rep)
	}
	if rep.Component != "worker" || rep.WorkerCount != 2 {
		t.Errorf("Report identity wrong: %+v", rep)
	}
	if rep.Level != "healthy" {
		t.Errorf("Level = %s, want healthy", rep.Level)
	}
}

func TestLoadLevels(t *testing.T) {
	r := NewReporter(&capturingPublisher{}, "worker", time.Second, 10, 1)

	cases := []struct {
		inFlight int64
		want     string
	}{
		{0, "healthy"},
		{9, "healthy"},
		{10, "warning"},
		{19, "warning"},
		{20, "critical"},
	}
	for _, tc := range cases {
		if got := r.level(tc.inFlight); got != tc.want {
			t.Errorf("level(%d) = %s, want %s", tc.inFlight, got, tc.want)
		}
	}
}

func TestFireEventSubjectAndPayload(t *testing.T) {
	pub := &capturingPublisher{}
	r := NewReporter(pub, "frontend", time.Second, 100, 1)

	r.FireEvent("upload_received", map[string]any{"request_id": "r1"})

	subject, payload := pub.last(t)
	if subject != "status.events.upload_received" {
		t.Errorf("Unexpected event subject: %s", subject)
	}

	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		t.Fatalf("Failed to decode event: %v", err)
	}
	if ev.Type != "upload_received" || ev.InstanceID != r.InstanceID() {
		t.Errorf("Event identity wrong: %+v", ev)
	}
	if ev.Data["request_id"] != "r1" {
		t.Errorf("Event data lost: %+v", ev.Data)
	}
}
