// Package cache implements a two-tier key/value cache with per-entry freshness.
//
// The memory tier lives for the process lifetime; an optional durable tier
// survives restarts. Reads check memory first and re-populate it from a durable
// hit. Entries are never removed implicitly: Sweep is the only eviction path and
// is expected to be scheduled by the caller.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"geofuse/internal/platform/metrics"
	"geofuse/pkg/platform/sentinel"
)

// Freshness tags where an entry returned by the cache stands relative to its TTL.
type Freshness string

const (
	// FreshnessLive marks an entry that was just written from an upstream fetch.
	FreshnessLive Freshness = "live"
	// FreshnessCached marks an entry read back within its TTL.
	FreshnessCached Freshness = "cached"
	// FreshnessStale marks an entry read back past its TTL.
	FreshnessStale Freshness = "stale"
)

const defaultTTL = 5 * time.Minute

// Entry is a cached value with its freshness metadata.
type Entry[T any] struct {
	Key       string
	Data      T
	UpdatedAt time.Time
	Source    Freshness
}

// Record is the durable tier's envelope.
type Record struct {
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// DurableStore is the contract a persistent backend must satisfy.
// Get returns sentinel.ErrNotFound for missing keys. Put must not replace a record
// with a newer UpdatedAt. Sweep removes records updated before cutoff.
type DurableStore interface {
	Get(ctx context.Context, key string) (Record, error)
	Put(ctx context.Context, key string, rec Record) error
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
}

type memEntry[T any] struct {
	data      T
	updatedAt time.Time
}

type settings struct {
	durable    DurableStore
	ttlFor     func(key string) time.Duration
	defaultTTL time.Duration
	now        func() time.Time
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// Option configures a TieredCache.
type Option func(*settings)

// WithDurable attaches a persistent second tier.
func WithDurable(store DurableStore) Option {
	return func(s *settings) {
		s.durable = store
	}
}

// WithTTLResolver sets a per-key TTL lookup. A zero result falls back to the
// default TTL.
func WithTTLResolver(fn func(key string) time.Duration) Option {
	return func(s *settings) {
		s.ttlFor = fn
	}
}

func WithDefaultTTL(ttl time.Duration) Option {
	return func(s *settings) {
		if ttl > 0 {
			s.defaultTTL = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *settings) {
		s.metrics = m
	}
}

// TieredCache is safe for concurrent use. Values are stored as given; callers
// that cache reference types must not mutate them after Put or Get.
type TieredCache[T any] struct {
	settings

	mu     sync.RWMutex
	memory map[string]memEntry[T]
}

// New creates a cache. Without WithDurable it is memory-only.
func New[T any](opts ...Option) *TieredCache[T] {
	s := settings{
		defaultTTL: defaultTTL,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&s)
	}
	return &TieredCache[T]{
		settings: s,
		memory:   make(map[string]memEntry[T]),
	}
}

// Get returns the entry for key tagged cached or stale.
func (c *TieredCache[T]) Get(ctx context.Context, key string) (Entry[T], bool) {
	c.mu.RLock()
	m, ok := c.memory[key]
	c.mu.RUnlock()
	if ok {
		c.metrics.RecordCacheHit("memory")
		return c.classify(key, m), true
	}
	c.metrics.RecordCacheMiss("memory")

	if c.durable == nil {
		return Entry[T]{}, false
	}

	rec, err := c.durable.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, sentinel.ErrNotFound) {
			c.metrics.IncrementDurableError("get")
			c.logger.WarnContext(ctx, "durable cache read failed", "key", key, "error", err)
		}
		c.metrics.RecordCacheMiss("durable")
		return Entry[T]{}, false
	}

	var data T
	if err := json.Unmarshal(rec.Data, &data); err != nil {
		c.metrics.IncrementDurableError("decode")
		c.logger.WarnContext(ctx, "durable cache entry undecodable", "key", key, "error", err)
		return Entry[T]{}, false
	}
	c.metrics.RecordCacheHit("durable")

	m = memEntry[T]{data: data, updatedAt: rec.UpdatedAt}
	c.mu.Lock()
	if cur, exists := c.memory[key]; exists && cur.updatedAt.After(m.updatedAt) {
		m = cur
	} else {
		c.memory[key] = m
	}
	c.mu.Unlock()

	return c.classify(key, m), true
}

// Put writes data stamped with the current time.
func (c *TieredCache[T]) Put(ctx context.Context, key string, data T) Entry[T] {
	entry, _ := c.PutAt(ctx, key, data, c.now())
	return entry
}

// PutAt writes data stamped with updatedAt. Writes are last-write-wins by
// timestamp: if the stored entry is newer the write is ignored and the stored
// entry is returned with applied == false.
func (c *TieredCache[T]) PutAt(ctx context.Context, key string, data T, updatedAt time.Time) (entry Entry[T], applied bool) {
	c.mu.Lock()
	if cur, ok := c.memory[key]; ok && cur.updatedAt.After(updatedAt) {
		c.mu.Unlock()
		return c.classify(key, cur), false
	}
	c.memory[key] = memEntry[T]{data: data, updatedAt: updatedAt}
	c.mu.Unlock()

	if c.durable != nil {
		c.writeDurable(ctx, key, data, updatedAt)
	}

	return Entry[T]{Key: key, Data: data, UpdatedAt: updatedAt, Source: FreshnessLive}, true
}

func (c *TieredCache[T]) writeDurable(ctx context.Context, key string, data T, updatedAt time.Time) {
	raw, err := json.Marshal(data)
	if err != nil {
		c.metrics.IncrementDurableError("encode")
		c.logger.WarnContext(ctx, "durable cache encode failed", "key", key, "error", err)
		return
	}
	if err := c.durable.Put(ctx, key, Record{Data: raw, UpdatedAt: updatedAt}); err != nil {
		c.metrics.IncrementDurableError("put")
		c.logger.WarnContext(ctx, "durable cache write failed", "key", key, "error", err)
	}
}

// Sweep removes every entry older than maxAge from both tiers and returns the
// number of entries removed across tiers. Entries exactly maxAge old are kept.
func (c *TieredCache[T]) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := c.now().Add(-maxAge)

	c.mu.Lock()
	removed := 0
	for key, m := range c.memory {
		if m.updatedAt.Before(cutoff) {
			delete(c.memory, key)
			removed++
		}
	}
	c.mu.Unlock()

	if c.durable != nil {
		n, err := c.durable.Sweep(ctx, cutoff)
		removed += n
		if err != nil {
			c.metrics.IncrementDurableError("sweep")
			c.metrics.AddEvicted(removed)
			return removed, err
		}
	}

	c.metrics.AddEvicted(removed)
	return removed, nil
}

// Len returns the number of entries in the memory tier.
func (c *TieredCache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.memory)
}

func (c *TieredCache[T]) classify(key string, m memEntry[T]) Entry[T] {
	source := FreshnessCached
	if c.now().Sub(m.updatedAt) >= c.ttl(key) {
		source = FreshnessStale
	}
	return Entry[T]{Key: key, Data: m.data, UpdatedAt: m.updatedAt, Source: source}
}

func (c *TieredCache[T]) ttl(key string) time.Duration {
	if c.ttlFor != nil {
		if ttl := c.ttlFor(key); ttl > 0 {
			return ttl
		}
	}
	return c.defaultTTL
}
