// Package metadb provides metadata storage using bbolt for shopdrop.
//
// All records carry an optional per-key TTL. Expiry is enforced lazily on
// reads and physically by the Reaper, so a read never observes an expired
// record even if its bytes are still on disk.
package metadb

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an entry does not exist or has expired.
// Callers cannot distinguish the two, which is intentional.
var ErrNotFound = errors.New("metadb: not found")

// ErrUnavailable is returned when the store cannot be reached, typically
// because the database is closed or the file lock could not be acquired.
var ErrUnavailable = errors.New("metadb: store unavailable")

// Store provides the metadata operations the registries, caches, and sweep
// are built on.
type Store interface {
	// Lifecycle
	Open(path string) error
	Close() error

	// Namespaced key/value records with per-key TTL. A ttl of zero means
	// the record never expires.
	Put(ctx context.Context, namespace, key string, data []byte, ttl time.Duration) error
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Delete(ctx context.Context, namespace, key string) error
	// Expire resets the TTL on an existing record. Returns ErrNotFound if
	// the record is absent or already expired.
	Expire(ctx context.Context, namespace, key string, ttl time.Duration) error

	// Sets. SetAdd refreshes the whole set's TTL on every insertion.
	SetAdd(ctx context.Context, namespace, key, member string, ttl time.Duration) error
	SetMembers(ctx context.Context, namespace, key string) ([]string, error)
	SetRemove(ctx context.Context, namespace, key, member string) error

	// Time-ordered deletion queue. QueueDueBefore returns members in
	// ascending due order without removing them.
	QueueAdd(ctx context.Context, queue, member string, due time.Time) error
	QueueDueBefore(ctx context.Context, queue string, before time.Time, limit int) ([]string, error)
	QueueRemove(ctx context.Context, queue, member string) error

	// Incr increments a counter, setting its TTL on first increment.
	// Used by the rate limiter.
	Incr(ctx context.Context, namespace, key string, ttl time.Duration) (int64, error)

	// Expiry queries for the reaper.
	GetExpired(ctx context.Context, before time.Time, limit int) ([]ExpiredEntry, error)
}

// ExpiredEntry identifies a record whose TTL has elapsed.
type ExpiredEntry struct {
	Kind      byte      `json:"kind"`
	Namespace string    `json:"namespace"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
}

// New creates a new Store backed by bbolt.
func New() Store {
	return NewBoltDB()
}
