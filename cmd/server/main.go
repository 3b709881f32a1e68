package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/imageflow/analysis-service/internal/broker"
	"github.com/imageflow/analysis-service/internal/config"
	"github.com/imageflow/analysis-service/internal/correlation"
	"github.com/imageflow/analysis-service/internal/handlers"
	"github.com/imageflow/analysis-service/internal/ingress"
	"github.com/imageflow/analysis-service/internal/registry"
	"github.com/imageflow/analysis-service/internal/repository"
	"github.com/imageflow/analysis-service/internal/router"
	"github.com/imageflow/analysis-service/internal/store"
	"github.com/imageflow/analysis-service/internal/telemetry"
	"github.com/imageflow/analysis-service/pkg/server"
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

	// Initialize the instance-local job store
	_ = os.MkdirAll(filepath.Dir(cfg.DBPath), 0755)
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	db.Event("info", "startup", "Front-end starting", map[string]interface{}{
		"http_addr": cfg.HTTPAddr,
		"nats_url":  cfg.NatsURL,
		"db_path":   cfg.DBPath,
	})

	repo := repository.NewSQLiteRepository(db)

	// Shared correlation store
	corr := correlation.NewRedisStore(cfg.RedisAddr, cfg.RedisDB)
	defer corr.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := corr.Ping(pingCtx); err != nil {
		pingCancel()
		db.Event("error", "redis.failed", "Correlation store unreachable", map[string]interface{}{
			"redis_addr": cfg.RedisAddr,
			"error":      err.Error(),
		})
		slog.Error("Failed to reach correlation store", "addr", cfg.RedisAddr, "error", err)
		os.Exit(1)
	}
	pingCancel()

	// Broker and topology
	b, err := broker.Connect(cfg)
	if err != nil {
		db.Event("error", "broker.failed", "Broker connection failed", map[string]interface{}{
			"nats_url": cfg.NatsURL,
			"error":    err.Error(),
		})
		slog.Error("Failed to connect to broker", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	if err := b.EnsureTopology(); err != nil {
		db.Event("error", "broker.failed", "Topology setup failed", map[string]interface{}{
			"error": err.Error(),
		})
		slog.Error("Failed to ensure broker topology", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connection registry and telemetry
	reg := registry.New(cfg.WriteTimeout)
	reporter := telemetry.NewReporter(b, "frontend", cfg.StatusInterval, cfg.BackpressureThreshold, 1)
	go reporter.Start(ctx)

	// Ingress and result routing
	ingressService := ingress.NewService(b, corr, repo, reporter, cfg.MaxPayloadBytes, cfg.CorrelationTTL)

	resultConsumer, err := b.PullConsumer(cfg.ResultsSubject, cfg.RouterGroup)
	if err != nil {
		db.Event("error", "consumer.failed", "Result consumer setup failed", map[string]interface{}{
			"subject": cfg.ResultsSubject,
			"group":   cfg.RouterGroup,
			"error":   err.Error(),
		})
		slog.Error("Failed to create result consumer", "error", err)
		os.Exit(1)
	}

	resultRouter := router.New(repo, corr, reg)
	routerDone := make(chan struct{})
	go func() {
		defer close(routerDone)
		resultRouter.Run(ctx, resultConsumer.Messages(ctx))
	}()

	// HTTP surface
	analyzeHandler := handlers.NewAnalyzeHandler(ingressService, repo, reg, cfg.MaxPayloadBytes, cfg.ResultRetention)
	wsHandler := handlers.NewWSHandler(reg, corr)
	httpServer := server.NewServer(cfg.HTTPAddr, analyzeHandler, wsHandler)

	db.Event("info", "server.ready", "Front-end ready to accept uploads", map[string]interface{}{
		"http_addr":   cfg.HTTPAddr,
		"nats_url":    cfg.NatsURL,
		"instance_id": reporter.InstanceID(),
	})

	go func() {
		if err := httpServer.Start(ctx); err != nil {
			db.Event("error", "http.failed", "HTTP server failed", map[string]interface{}{
				"error": err.Error(),
			})
			slog.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}

	slog.Info("Shutting down front-end")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown did not finish cleanly", "error", err)
	}
	if err := resultConsumer.Drain(); err != nil {
		slog.Warn("Failed to drain result consumer", "error", err)
	}

	select {
	case <-routerDone:
	case <-shutdownCtx.Done():
		slog.Warn("Result router did not stop before deadline")
	}

	reg.CloseAll()
	db.Event("info", "shutdown", "Front-end stopped", map[string]interface{}{
		"delivered": resultRouter.Delivered(),
	})
}
