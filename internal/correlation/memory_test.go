package correlation

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStorePutGetDelete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Put(ctx, RequestKey("r1"), "user-a", time.Hour); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	val, err := s.Get(ctx, RequestKey("r1"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if val != "user-a" {
		t.Errorf("Expected user-a, got %s", val)
	}

	if err := s.Delete(ctx, RequestKey("r1")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(ctx, RequestKey("r1")); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryStoreMissingKey(t *testing.T) {
	s := NewMemoryStore()

	if _, err := s.Get(context.Background(), RequestKey("missing")); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreExpiryFailsClosed(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }

	if err := s.Put(ctx, RequestKey("r2"), "user-b", time.Hour); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Still valid just before the deadline
	s.now = func() time.Time { return base.Add(time.Hour - time.Second) }
	if _, err := s.Get(ctx, RequestKey("r2")); err != nil {
		t.Fatalf("Entry expired too early: %v", err)
	}

	// Clock skips past the TTL: lookup must fail, not route to a stale owner
	s.now = func() time.Time { return base.Add(time.Hour + time.Second) }
	if _, err := s.Get(ctx, RequestKey("r2")); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound for expired entry, got %v", err)
	}
}

func TestMemoryStoreOverwrite(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.Put(ctx, UserKey("u1"), "r1", time.Hour)
	s.Put(ctx, UserKey("u1"), "r2", time.Hour)

	val, err := s.Get(ctx, UserKey("u1"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if val != "r2" {
		t.Errorf("Expected latest value r2, got %s", val)
	}
}
