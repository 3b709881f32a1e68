// Package correlation maps in-flight requests back to their owning
// client across front-end instances. The store is a plain key-value
// surface with per-key expiry; both mapping directions are independent
// keys, so they can transiently disagree under partial failure.
package correlation

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for missing or expired entries.
// Expired entries must look absent: a stale mapping routing a result to
// the wrong owner is worse than no mapping at all.
var ErrNotFound = errors.New("correlation: entry not found")

// Store is the shared cross-instance index. Every operation is a single
// atomic action on one key; no cross-key transactions.
type Store interface {
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
}

// RequestKey is the request_id -> user_id direction.
func RequestKey(requestID string) string {
	return "request_user:" + requestID
}

// UserKey is the user_id -> request_id direction.
func UserKey(userID string) string {
	return "user_requests:" + userID
}
