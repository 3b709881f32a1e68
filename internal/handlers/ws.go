package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/imageflow/analysis-service/internal/correlation"
	"github.com/imageflow/analysis-service/internal/models"
	"github.com/imageflow/analysis-service/internal/registry"
)

// WSHandler owns the push channel: one websocket per client, registered
// in the instance-local connection registry. Reconnect is client-driven.
type WSHandler struct {
	registry *registry.Registry
	corr     correlation.Store
	upgrader websocket.Upgrader
}

func NewWSHandler(reg *registry.Registry, corr correlation.Store) *WSHandler {
	return &WSHandler{
		registry: reg,
		corr:     corr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *WSHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/", h.handleWebSocket)
}

func (h *WSHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimPrefix(r.URL.Path, "/ws/")
	if userID == "" {
		userID = "user_" + uuid.NewString()
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	session := h.registry.Register(userID, conn)

	h.registry.Deliver(userID, models.PushMessage{
		Type:      models.PushConnectionEstablished,
		Message:   "Connected to real-time image analysis service",
		Timestamp: time.Now(),
	})

	// Read loop: only pings come inbound. A read error means the client
	// is gone; prune the session and its reverse correlation entry.
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var msg models.PushMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == models.PushPing {
			h.registry.Deliver(userID, models.PushMessage{
				Type:      models.PushPong,
				Timestamp: time.Now(),
			})
		}
	}

	h.registry.Unregister(session)
	if err := h.corr.Delete(context.Background(), correlation.UserKey(userID)); err != nil {
		slog.Warn("Failed to clean up correlation entry on disconnect",
			"user_id", userID, "error", err)
	}
}
