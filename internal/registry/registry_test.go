package registry

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/imageflow/analysis-service/internal/models"
)

type fakeConn struct {
	mu       sync.Mutex
	written  [][]byte
	failWith error
	closed   bool
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return c.failWith
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.written = append(c.written, cp)
	return nil
}

func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not met before deadline")
}

func TestDeliverReachesOwningSession(t *testing.T) {
	r := New(time.Second)
	conn := &fakeConn{}
	s := r.Register("user-a", conn)
	defer r.Unregister(s)

	ok := r.Deliver("user-a", models.PushMessage{
		Type:      models.PushAnalysisResult,
		RequestID: "r1",
	})
	if !ok {
		t.Fatal("Deliver returned false for live session")
	}

	waitFor(t, func() bool { return len(conn.messages()) == 1 })

	var msg models.PushMessage
	if err := json.Unmarshal(conn.messages()[0], &msg); err != nil {
		t.Fatalf("Failed to decode delivered message: %v", err)
	}
	if msg.Type != models.PushAnalysisResult || msg.RequestID != "r1" {
		t.Errorf("Unexpected message: %+v", msg)
	}
}

func TestDeliverUnknownUserIsNoop(t *testing.T) {
	r := New(time.Second)
	if r.Deliver("nobody", models.PushMessage{Type: models.PushPong}) {
		t.Error("Deliver should report false for unknown user")
	}
}

func TestDeadConnectionIsPruned(t *testing.T) {
	r := New(time.Second)
	conn := &fakeConn{failWith: errors.New("broken pipe")}
	r.Register("user-b", conn)

	r.Deliver("user-b", models.PushMessage{Type: models.PushPong})

	waitFor(t, func() bool { return r.Count() == 0 })
	if !conn.closed {
		t.Error("Dead connection was not closed")
	}
}

func TestRegisterReplacesExistingSession(t *testing.T) {
	r := New(time.Second)
	first := &fakeConn{}
	second := &fakeConn{}

	r.Register("user-c", first)
	r.Register("user-c", second)

	if r.Count() != 1 {
		t.Fatalf("Expected one session, got %d", r.Count())
	}
	waitFor(t, func() bool {
		first.mu.Lock()
		defer first.mu.Unlock()
		return first.closed
	})

	r.Deliver("user-c", models.PushMessage{Type: models.PushPong})
	waitFor(t, func() bool { return len(second.messages()) == 1 })
}

func TestBroadcastReachesAllSessions(t *testing.T) {
	r := New(time.Second)
	a := &fakeConn{}
	b := &fakeConn{}
	r.Register("user-a", a)
	r.Register("user-b", b)

	r.Broadcast(models.PushMessage{Type: models.PushSystemStats})

	waitFor(t, func() bool { return len(a.messages()) == 1 && len(b.messages()) == 1 })
}

func TestCloseAll(t *testing.T) {
	r := New(time.Second)
	a := &fakeConn{}
	r.Register("user-a", a)

	r.CloseAll()
	if r.Count() != 0 {
		t.Errorf("Expected empty registry, got %d sessions", r.Count())
	}
}
