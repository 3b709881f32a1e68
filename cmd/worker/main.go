package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/imageflow/analysis-service/internal/analysis"
	"github.com/imageflow/analysis-service/internal/broker"
	"github.com/imageflow/analysis-service/internal/config"
	"github.com/imageflow/analysis-service/internal/orchestrator"
	"github.com/imageflow/analysis-service/internal/telemetry"
)

func main() {
	var envFile = flag.String("env", "", "Optional .env file to load")
	flag.Parse()

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load(*envFile)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// A worker without a broker has nothing to do.
	b, err := broker.Connect(cfg)
	if err != nil {
		slog.Error("Failed to connect to broker", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	if err := b.EnsureTopology(); err != nil {
		slog.Error("Failed to ensure broker topology", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reporter := telemetry.NewReporter(b, "worker", cfg.StatusInterval, cfg.BackpressureThreshold, cfg.Concurrency)
	go reporter.Start(ctx)

	jobConsumer, err := b.PullConsumer(cfg.JobsSubject, cfg.AnalyzerGroup)
	if err != nil {
		slog.Error("Failed to create job consumer", "error", err)
		os.Exit(1)
	}

	engine := &analysis.LabelScorer{TopK: 8}
	orch := orchestrator.New(engine, b, reporter)

	// All workers share one delivery channel; the durable group on the
	// broker side guarantees each job lands on exactly one of them.
	deliveries := jobConsumer.Messages(ctx)

	var wg sync.WaitGroup
	for i := 0; i < cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			orch.Run(ctx, deliveries, orchestrator.GenerateWorkerID())
		}()
	}

	slog.Info("Worker pool running",
		"concurrency", cfg.Concurrency,
		"subject", cfg.JobsSubject,
		"group", cfg.AnalyzerGroup,
		"instance_id", reporter.InstanceID())

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	slog.Info("Shutting down worker pool")
	cancel()
	wg.Wait()

	if err := jobConsumer.Drain(); err != nil {
		slog.Warn("Failed to drain job consumer", "error", err)
	}
}
