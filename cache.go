package linkup

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CacheEntry is a decoded cache record as returned by Scan.
type CacheEntry struct {
	Key           string          `json:"key"`
	Collection    string          `json:"collection"`
	Value         json.RawMessage `json:"value"`
	InsertedOrder int64           `json:"insertedOrder"`
	ExpiresAt     time.Time       `json:"expiresAt,omitempty"`
}

// Decode unmarshals the entry value into v.
func (e CacheEntry) Decode(v any) error {
	return json.Unmarshal(e.Value, v)
}

// cacheRecord is the JSON envelope written to the Store for every key.
type cacheRecord struct {
	Value json.RawMessage `json:"v"`
	Seq   int64           `json:"seq"`
	Exp   int64           `json:"exp,omitempty"` // unix millis, 0 = never
}

// CollectionOf returns the collection a key belongs to: the text before the
// first ':'. Keys without a separator are their own collection.
func CollectionOf(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}

// SetOption configures a single Cache.Set call.
type SetOption func(*setOptions)

type setOptions struct {
	ttl time.Duration
}

// WithTTL expires the value after d.
func WithTTL(d time.Duration) SetOption {
	return func(o *setOptions) { o.ttl = d }
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithCacheLogger sets the logger used for decode failures and lazy expiry.
func WithCacheLogger(l *zap.Logger) CacheOption {
	return func(c *Cache) { c.log = l }
}

// WithCacheClock overrides the clock, mostly for tests.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// Cache is a typed, TTL-aware cache layered on a Store. It is constructed once
// and shared by every component that needs local state.
type Cache struct {
	store Store
	log   *zap.Logger
	now   func() time.Time

	mu      sync.Mutex
	lastSeq int64
}

// NewCache wraps store.
func NewCache(store Store, opts ...CacheOption) *Cache {
	c := &Cache{
		store: store,
		log:   zap.NewNop(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Store returns the underlying persistent store.
func (c *Cache) Store() Store {
	return c.store
}

// nextSeq returns a strictly increasing insertion order. It is seeded from the
// clock so ordering holds across restarts.
func (c *Cache) nextSeq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.now().UnixNano()
	if seq <= c.lastSeq {
		seq = c.lastSeq + 1
	}
	c.lastSeq = seq
	return seq
}

// Set stores value under key.
func (c *Cache) Set(key string, value any, opts ...SetOption) error {
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: marshal %s: %w", key, err)
	}
	rec := cacheRecord{Value: raw, Seq: c.nextSeq()}
	if o.ttl > 0 {
		rec.Exp = c.now().Add(o.ttl).UnixMilli()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("cache: marshal record %s: %w", key, err)
	}
	if err := c.store.Set(key, string(data)); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

// Get decodes the value stored under key into dst. It reports false when the
// key is absent or expired.
func (c *Cache) Get(key string, dst any) (bool, error) {
	rec, ok, err := c.load(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(rec.Value, dst); err != nil {
		return false, fmt.Errorf("cache: decode %s: %w", key, err)
	}
	return true, nil
}

// CacheGet is the generic form of Cache.Get.
func CacheGet[T any](c *Cache, key string) (T, bool, error) {
	var v T
	ok, err := c.Get(key, &v)
	return v, ok, err
}

// Remove deletes key. Removing a missing key is not an error.
func (c *Cache) Remove(key string) error {
	if err := c.store.Remove(key); err != nil {
		return fmt.Errorf("cache: remove %s: %w", key, err)
	}
	return nil
}

// Scan returns every live entry whose key starts with prefix, in key order.
// Expired entries are dropped from the store as they are encountered.
func (c *Cache) Scan(prefix string) ([]CacheEntry, error) {
	keys, err := c.store.Keys(prefix)
	if err != nil {
		return nil, fmt.Errorf("cache: scan %s: %w", prefix, err)
	}
	entries := make([]CacheEntry, 0, len(keys))
	for _, k := range keys {
		rec, ok, err := c.load(k)
		if err != nil {
			c.log.Warn("cache: skipping unreadable entry", zap.String("key", k), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		e := CacheEntry{
			Key:           k,
			Collection:    CollectionOf(k),
			Value:         rec.Value,
			InsertedOrder: rec.Seq,
		}
		if rec.Exp > 0 {
			e.ExpiresAt = time.UnixMilli(rec.Exp)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (c *Cache) load(key string) (*cacheRecord, bool, error) {
	data, ok, err := c.store.Get(key)
	if err != nil {
		return nil, false, fmt.Errorf("cache: get %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	var rec cacheRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, false, fmt.Errorf("cache: decode record %s: %w", key, err)
	}
	if rec.Exp > 0 && c.now().UnixMilli() >= rec.Exp {
		if err := c.store.Remove(key); err != nil {
			c.log.Debug("cache: failed to drop expired entry", zap.String("key", key), zap.Error(err))
		}
		return nil, false, nil
	}
	return &rec, true, nil
}
