package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/imageflow/analysis-service/internal/telemetry"
)

// InstanceStatus is the monitor's view of one pipeline process, built
// from its periodic load reports.
type InstanceStatus struct {
	telemetry.Report
	FirstSeen time.Time     `json:"first_seen"`
	LastSeen  time.Time     `json:"last_seen"`
	Uptime    time.Duration `json:"uptime"`
	Online    bool          `json:"online"`
}

// MonitorService tracks pipeline instances via the system-status channel.
type MonitorService struct {
	nats      *nats.Conn
	instances map[string]*InstanceStatus
	mu        sync.RWMutex
	listeners []chan []InstanceStatus
}

func NewMonitorService(natsURL string) (*MonitorService, error) {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &MonitorService{
		nats:      nc,
		instances: make(map[string]*InstanceStatus),
	}, nil
}

func (m *MonitorService) Start(ctx context.Context) error {
	_, err := m.nats.Subscribe("status.>", func(msg *nats.Msg) {
		if strings.HasPrefix(msg.Subject, "status.events.") {
			m.handleEvent(msg)
			return
		}
		m.handleReport(msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to status channel: %w", err)
	}

	log.Println("Monitor started, listening for status reports...")

	go m.cleanupStaleInstances(ctx)
	return nil
}

func (m *MonitorService) handleReport(msg *nats.Msg) {
	var report telemetry.Report
	if err := json.Unmarshal(msg.Data, &report); err != nil {
		log.Printf("Failed to parse status report from %s: %v", msg.Subject, err)
		return
	}
	if report.InstanceID == "" {
		return
	}

	now := time.Now()

	m.mu.Lock()
	status := &InstanceStatus{Report: report, LastSeen: now, Online: true}
	if existing, exists := m.instances[report.InstanceID]; exists {
		status.FirstSeen = existing.FirstSeen
	} else {
		status.FirstSeen = now
		log.Printf("Discovered instance: %s (%s)", report.InstanceID, report.Component)
	}
	status.Uptime = now.Sub(status.FirstSeen)
	m.instances[report.InstanceID] = status
	m.mu.Unlock()

	m.notifyListeners()
}

func (m *MonitorService) handleEvent(msg *nats.Msg) {
	var ev telemetry.Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		log.Printf("Failed to parse event from %s: %v", msg.Subject, err)
		return
	}
	log.Printf("Event %s from %s: %v", ev.Type, ev.InstanceID, ev.Data)
}

func (m *MonitorService) cleanupStaleInstances(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			now := time.Now()
			for id, inst := range m.instances {
				if now.Sub(inst.LastSeen) > 2*time.Minute && inst.Online {
					inst.Online = false
					log.Printf("Marked instance as offline: %s (%s)", id, inst.Component)
				}
			}
			m.mu.Unlock()
			m.notifyListeners()
		}
	}
}

func (m *MonitorService) GetInstances() []InstanceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var instances []InstanceStatus
	for _, inst := range m.instances {
		instances = append(instances, *inst)
	}

	sort.Slice(instances, func(i, j int) bool {
		if instances[i].Component != instances[j].Component {
			return instances[i].Component < instances[j].Component
		}
		return instances[i].InstanceID < instances[j].InstanceID
	})

	return instances
}

func (m *MonitorService) AddListener() chan []InstanceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan []InstanceStatus, 10)
	m.listeners = append(m.listeners, ch)
	return ch
}

func (m *MonitorService) notifyListeners() {
	instances := m.GetInstances()

	m.mu.RLock()
	for _, ch := range m.listeners {
		select {
		case ch <- instances:
		default:
			// Channel full, skip
		}
	}
	m.mu.RUnlock()
}

func (m *MonitorService) Close() {
	if m.nats != nil {
		m.nats.Close()
	}
}

func main() {
	var (
		natsURL  = flag.String("nats", "nats://127.0.0.1:4222", "NATS server URL")
		httpAddr = flag.String("http", ":8090", "HTTP server address")
		onceMode = flag.Bool("once", false, "Query once and exit")
	)
	flag.Parse()

	monitor, err := NewMonitorService(*natsURL)
	if err != nil {
		log.Fatalf("Failed to create monitor: %v", err)
	}
	defer monitor.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := monitor.Start(ctx); err != nil {
		log.Fatalf("Failed to start monitor: %v", err)
	}

	if *onceMode {
		// Wait one reporting interval for initial load reports
		time.Sleep(12 * time.Second)
		printInstances(monitor.GetInstances())
		return
	}

	runHTTPServer(ctx, monitor, *httpAddr)
}

func printInstances(instances []InstanceStatus) {
	if len(instances) == 0 {
		fmt.Println("No pipeline instances found")
		return
	}

	fmt.Printf("Found %d pipeline instances:\n\n", len(instances))
	for _, inst := range instances {
		fmt.Printf("%s (%s)\n", inst.Component, inst.InstanceID)
		fmt.Printf("   Level: %s\n", inst.Level)
		fmt.Printf("   Pending: %d  Active: %d  Processed: %d\n",
			inst.PendingMessages, inst.ActiveProcessing, inst.TotalProcessed)
		fmt.Printf("   Workers: %d\n", inst.WorkerCount)
		fmt.Printf("   Last Seen: %v ago\n", time.Since(inst.LastSeen).Truncate(time.Second))
		fmt.Println()
	}
}

func runHTTPServer(ctx context.Context, monitor *MonitorService, addr string) {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/instances", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		json.NewEncoder(w).Encode(monitor.GetInstances())
	})

	// Server-Sent Events for real-time updates
	mux.HandleFunc("/api/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")

		instances := monitor.GetInstances()
		data, _ := json.Marshal(instances)
		fmt.Fprintf(w, "data: %s\n\n", data)
		w.(http.Flusher).Flush()

		updates := monitor.AddListener()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.Context().Done():
				return
			case instances := <-updates:
				data, _ := json.Marshal(instances)
				fmt.Fprintf(w, "data: %s\n\n", data)
				w.(http.Flusher).Flush()
			}
		}
	})

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	log.Printf("Starting HTTP monitor server on %s", addr)
	log.Printf("API: http://localhost%s/api/instances", addr)

	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-ctx.Done():
	case <-sigCh:
	}

	log.Println("Shutting down monitor...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	server.Shutdown(shutdownCtx)
}
