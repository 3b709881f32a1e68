package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/imageflow/analysis-service/internal/handlers"
)

// Server hosts the upload, query, and push endpoints of one front-end
// instance. Websocket connections ride the same listener, so the
// http.Server carries no global write timeout; the connection registry
// enforces per-write deadlines instead.
type Server struct {
	httpAddr       string
	analyzeHandler *handlers.AnalyzeHandler
	wsHandler      *handlers.WSHandler
	httpServer     *http.Server
}

func NewServer(httpAddr string, analyzeHandler *handlers.AnalyzeHandler, wsHandler *handlers.WSHandler) *Server {
	return &Server{
		httpAddr:       httpAddr,
		analyzeHandler: analyzeHandler,
		wsHandler:      wsHandler,
	}
}

func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	s.analyzeHandler.RegisterRoutes(mux)
	slog.Info("Registered analysis endpoints",
		"endpoints", []string{"/analyze-image", "/status/{request_id}", "/result/{request_id}", "/stats", "/cleanup", "/healthz"})

	s.wsHandler.RegisterRoutes(mux)
	slog.Info("Registered push endpoint", "endpoints", []string{"/ws/{user_id}"})

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	slog.Info("HTTP server starting", "addr", s.httpAddr)
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting new requests and drains in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
