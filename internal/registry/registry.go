// Package registry tracks the live client connections of one front-end
// instance. Sessions are never shared across instances; the shared
// correlation store is what bridges them.
package registry

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the slice of *websocket.Conn the registry needs. Narrowed so
// tests can register fakes.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Session is one live client connection. The connection handle is not
// safe for concurrent writes, so all outbound traffic funnels through
// the send channel into a single writer goroutine.
type Session struct {
	userID string
	conn   Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func (s *Session) UserID() string { return s.userID }

func (s *Session) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// Registry maps user_id to its live session. Owned and mutated only by
// the instance that accepted the connections.
type Registry struct {
	mu           sync.RWMutex
	sessions     map[string]*Session
	writeTimeout time.Duration
	sendBuffer   int
}

func New(writeTimeout time.Duration) *Registry {
	return &Registry{
		sessions:     make(map[string]*Session),
		writeTimeout: writeTimeout,
		sendBuffer:   16,
	}
}

// Register adds a connection for the user, replacing (and closing) any
// previous session, and starts its writer goroutine.
func (r *Registry) Register(userID string, conn Conn) *Session {
	s := &Session{
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, r.sendBuffer),
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	if old, ok := r.sessions[userID]; ok {
		old.close()
	}
	r.sessions[userID] = s
	r.mu.Unlock()

	go r.writePump(s)
	slog.Info("Client connected", "user_id", userID)
	return s
}

// Unregister removes the session if it is still the current one for the
// user and closes it.
func (r *Registry) Unregister(s *Session) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.userID]; ok && cur == s {
		delete(r.sessions, s.userID)
	}
	r.mu.Unlock()
	s.close()
	slog.Info("Client disconnected", "user_id", s.userID)
}

// Deliver hands a message to the user's session, if one is live on this
// instance. A saturated session is treated as dead: it gets pruned and
// the client must reconnect. Returns false when nothing was enqueued.
func (r *Registry) Deliver(userID string, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to marshal push message", "user_id", userID, "error", err)
		return false
	}

	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	select {
	case s.send <- data:
		return true
	case <-s.done:
		return false
	default:
		slog.Warn("Session send queue full, dropping connection", "user_id", userID)
		r.Unregister(s)
		return false
	}
}

// Broadcast enqueues a message for every live session, best-effort.
func (r *Registry) Broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to marshal broadcast message", "error", err)
		return
	}

	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		select {
		case s.send <- data:
		case <-s.done:
		default:
		}
	}
}

// Count reports the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes every session; used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

// writePump is the session's single writer. Connection writes can block
// on network backpressure, so each write carries a deadline; a failed
// write prunes the session.
func (r *Registry) writePump(s *Session) {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(r.writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Warn("Connection write failed", "user_id", s.userID, "error", err)
				r.Unregister(s)
				return
			}
		}
	}
}
