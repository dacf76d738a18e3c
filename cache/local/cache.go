package local

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("cache: key not found")

// Config holds LocalCache settings.
type Config struct {
	GCInterval time.Duration
}

// entry holds a cached string value with an optional expiry.
type entry struct {
	data     string
	expireAt time.Time
	noExpiry bool
}

func (e *entry) expired() bool {
	return !e.noExpiry && time.Now().After(e.expireAt)
}

func newEntry(value string, ttl time.Duration) *entry {
	e := &entry{data: value}
	if ttl > 0 {
		e.expireAt = time.Now().Add(ttl)
	} else {
		e.noExpiry = true
	}
	return e
}

// LocalCache is an in-process cache implementing the Cache interface.
type LocalCache struct {
	mu         sync.Mutex // serializes SetNX and CompareAndDelete
	kv         sync.Map   // key → *entry
	hashes     sync.Map   // key → *lockedHash
	gcInterval time.Duration
	stopGC     chan struct{}
	closeOnce  sync.Once
}

// NewCache creates a LocalCache and starts the background GC goroutine.
func NewCache(cfg Config) (*LocalCache, error) {
	interval := cfg.GCInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	c := &LocalCache{
		gcInterval: interval,
		stopGC:     make(chan struct{}),
	}
	go c.runGC()
	return c, nil
}

// Close stops the background GC goroutine.
func (c *LocalCache) Close() {
	c.closeOnce.Do(func() { close(c.stopGC) })
}

func (c *LocalCache) runGC() {
	ticker := time.NewTicker(c.gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.kv.Range(func(k, v interface{}) bool {
				if e, ok := v.(*entry); ok && e.expired() {
					c.kv.Delete(k)
				}
				return true
			})
		case <-c.stopGC:
			return
		}
	}
}

// ---- KV ----

func (c *LocalCache) load(key string) (*entry, bool) {
	v, ok := c.kv.Load(key)
	if !ok {
		return nil, false
	}
	e := v.(*entry)
	if e.expired() {
		c.kv.CompareAndDelete(key, v)
		return nil, false
	}
	return e, true
}

func (c *LocalCache) Get(_ context.Context, key string) (string, error) {
	e, ok := c.load(key)
	if !ok {
		return "", ErrNotFound
	}
	return e.data, nil
}

func (c *LocalCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.kv.Store(key, newEntry(value, ttl))
	return nil
}

// Del removes plain keys and hashes alike.
func (c *LocalCache) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		c.kv.Delete(k)
		c.hashes.Delete(k)
	}
	return nil
}

func (c *LocalCache) Exists(_ context.Context, key string) (bool, error) {
	if _, ok := c.load(key); ok {
		return true, nil
	}
	_, ok := c.hashes.Load(key)
	return ok, nil
}

func (c *LocalCache) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.load(key); ok {
		return false, nil
	}
	c.kv.Store(key, newEntry(value, ttl))
	return true, nil
}

func (c *LocalCache) CompareAndDelete(_ context.Context, key, value string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.load(key)
	if !ok || e.data != value {
		return false, nil
	}
	c.kv.Delete(key)
	return true, nil
}

// ---- Hash ----

type lockedHash struct {
	mu     sync.RWMutex
	fields map[string]string
}

func (c *LocalCache) HMSet(_ context.Context, key string, fields map[string]string) error {
	v, _ := c.hashes.LoadOrStore(key, &lockedHash{fields: make(map[string]string)})
	h := v.(*lockedHash)
	h.mu.Lock()
	defer h.mu.Unlock()
	for f, val := range fields {
		h.fields[f] = val
	}
	return nil
}

// HGetAll returns an empty map for a missing key, like Redis.
func (c *LocalCache) HGetAll(_ context.Context, key string) (map[string]string, error) {
	result := make(map[string]string)
	v, ok := c.hashes.Load(key)
	if !ok {
		return result, nil
	}
	h := v.(*lockedHash)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for f, val := range h.fields {
		result[f] = val
	}
	return result, nil
}
