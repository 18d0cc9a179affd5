// Package cache provides TTL caches for derived values, backed by the
// metadata store. Entries expire independently of the records they were
// derived from, so a cached value may outlive or predecease its source.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopdrop/shopdrop/store/metadb"
	"github.com/shopdrop/shopdrop/telemetry"
)

// Cache is a namespaced TTL cache for values of type T. Values are JSON
// encoded and compressed above the codec threshold. A corrupt or expired
// entry is treated as a miss, never an error.
type Cache[T any] struct {
	store     metadb.Store
	codec     *Codec
	namespace string
	ttl       time.Duration
	logger    *slog.Logger
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithCacheLogger sets the logger for the cache.
func WithCacheLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New creates a cache storing values under the given namespace with a
// fixed TTL per entry.
func New[T any](store metadb.Store, namespace string, ttl time.Duration, opts ...Option) (*Cache[T], error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("cache ttl must be positive, got %v", ttl)
	}

	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	codec, err := NewCodec()
	if err != nil {
		return nil, err
	}

	return &Cache[T]{
		store:     store,
		codec:     codec,
		namespace: namespace,
		ttl:       ttl,
		logger:    o.logger,
	}, nil
}

// Close releases codec resources.
func (c *Cache[T]) Close() {
	c.codec.Close()
}

// Get returns the cached value for key. Returns metadb.ErrNotFound on a
// miss, including when the stored entry is corrupt.
func (c *Cache[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T

	raw, err := c.store.Get(ctx, c.namespace, key)
	if err != nil {
		if errors.Is(err, metadb.ErrNotFound) {
			telemetry.RecordCacheLookup(ctx, c.namespace, false)
			return zero, metadb.ErrNotFound
		}
		return zero, fmt.Errorf("reading cache entry: %w", err)
	}

	decoded, err := c.codec.Decode(raw)
	if err != nil {
		c.logger.Warn("dropping corrupt cache entry", "namespace", c.namespace, "key", key, "error", err)
		_ = c.store.Delete(ctx, c.namespace, key)
		telemetry.RecordCacheLookup(ctx, c.namespace, false)
		return zero, metadb.ErrNotFound
	}

	var value T
	if err := json.Unmarshal(decoded, &value); err != nil {
		c.logger.Warn("dropping undecodable cache entry", "namespace", c.namespace, "key", key, "error", err)
		_ = c.store.Delete(ctx, c.namespace, key)
		telemetry.RecordCacheLookup(ctx, c.namespace, false)
		return zero, metadb.ErrNotFound
	}

	telemetry.RecordCacheLookup(ctx, c.namespace, true)
	return value, nil
}

// Put stores a value for key with the cache's TTL.
func (c *Cache[T]) Put(ctx context.Context, key string, value T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding cache value: %w", err)
	}

	encoded, err := c.codec.Encode(data)
	if err != nil {
		return err
	}

	if err := c.store.Put(ctx, c.namespace, key, encoded, c.ttl); err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	return nil
}

// Invalidate removes the cached value for key, if any.
func (c *Cache[T]) Invalidate(ctx context.Context, key string) error {
	return c.store.Delete(ctx, c.namespace, key)
}

// GetOrCompute returns the cached value for key, computing and caching it
// on a miss. The returned bool reports whether the value came from cache.
// A failure to write the computed value back is logged but not returned;
// the caller still gets the fresh value.
func (c *Cache[T]) GetOrCompute(ctx context.Context, key string, compute func(ctx context.Context) (T, error)) (T, bool, error) {
	value, err := c.Get(ctx, key)
	if err == nil {
		return value, true, nil
	}
	if !errors.Is(err, metadb.ErrNotFound) {
		var zero T
		return zero, false, err
	}

	value, err = compute(ctx)
	if err != nil {
		var zero T
		return zero, false, err
	}

	if err := c.Put(ctx, key, value); err != nil {
		c.logger.Warn("failed to write back cache entry", "namespace", c.namespace, "key", key, "error", err)
	}

	return value, false, nil
}
