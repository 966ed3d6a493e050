package shellcache

import (
	"context"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"
	"go.uber.org/zap"
)

type memStorage struct {
	maxBytes    int64
	overflowLog *rateLimitedLogger

	mu     sync.Mutex
	caches map[string]*memCache
	order  []string
}

// newMemStorage keeps caches in process memory. maxBytes bounds each cache;
// zero means unbounded.
func newMemStorage(maxBytes int64, lg *zap.Logger) *memStorage {
	if lg == nil {
		lg = nopLogger
	}
	return &memStorage{
		maxBytes:    maxBytes,
		overflowLog: newRateLimitedLogger(lg, time.Minute),
		caches:      map[string]*memCache{},
	}
}

func (s *memStorage) Open(_ context.Context, name string) (Cache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.caches[name]; ok {
		return c, nil
	}
	c := &memCache{
		name:        name,
		maxBytes:    s.maxBytes,
		overflowLog: s.overflowLog,
		items:       map[string]*memItem{},
	}
	s.caches[name] = c
	s.order = append(s.order, name)
	return c, nil
}

func (s *memStorage) Has(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.caches[name]
	return ok, nil
}

func (s *memStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.caches[name]; !ok {
		return false, nil
	}
	delete(s.caches, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (s *memStorage) Keys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...), nil
}

func (s *memStorage) Close() error { return nil }

type memItem struct {
	key    string
	ent    CacheEntry
	size   int64
	pinned bool
	prev   *memItem
	next   *memItem
}

// memCache is an LRU list bounded by maxBytes. Pinned items are never
// evicted.
type memCache struct {
	name        string
	maxBytes    int64
	overflowLog *rateLimitedLogger

	mu     sync.Mutex
	items  map[string]*memItem
	head   *memItem
	tail   *memItem
	total  int64
	pinned int64
}

func (c *memCache) Match(_ context.Context, key string) (CacheEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return CacheEntry{}, false, nil
	}
	c.moveToFront(it)
	return it.ent.Clone(), true, nil
}

func (c *memCache) Put(_ context.Context, key string, ent CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	sz := ent.size()
	pinnedOther := c.pinned
	if it, ok := c.items[key]; ok && it.pinned {
		pinnedOther -= it.size
	}
	if c.maxBytes > 0 && pinnedOther+sz > c.maxBytes {
		c.overflowLog.Warn("entry does not fit memory cache, not stored",
			zap.String("cache", c.name), zap.String("key", key), zap.Int64("size", sz))
		return nil
	}
	c.putLocked(key, ent.Clone(), false)
	return nil
}

// PutAll pins what it stores. It fails without writing when the batch and
// the items already pinned do not fit together.
func (c *memCache) PutAll(_ context.Context, ents map[string]CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxBytes > 0 {
		need := c.pinned
		for k, ent := range ents {
			if it, ok := c.items[k]; ok && it.pinned {
				need -= it.size
			}
			need += ent.size()
		}
		if need > c.maxBytes {
			return errors.Newf(errors.CodeDatabase, "memory cache %s: %d bytes of pinned entries exceed limit %d",
				c.name, need, c.maxBytes)
		}
	}
	for k, ent := range ents {
		c.putLocked(k, ent.Clone(), true)
	}
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return false, nil
	}
	c.removeItemLocked(it)
	return true, nil
}

func (c *memCache) Keys(_ context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.items))
	for k := range c.items {
		out = append(out, k)
	}
	return out, nil
}

// putLocked stores ent at the front. A pinned key stays pinned when a
// runtime write replaces it.
func (c *memCache) putLocked(key string, ent CacheEntry, pin bool) {
	sz := ent.size()
	it, ok := c.items[key]
	if ok {
		c.total -= it.size
		if it.pinned {
			c.pinned -= it.size
		}
		it.ent = ent
		it.size = sz
		it.pinned = it.pinned || pin
		c.moveToFront(it)
	} else {
		it = &memItem{key: key, ent: ent, size: sz, pinned: pin}
		c.items[key] = it
		c.addToFront(it)
	}
	c.total += sz
	if it.pinned {
		c.pinned += sz
	}

	if c.maxBytes > 0 && c.total > c.maxBytes {
		c.overflowLog.Warn("memory cache overflow, evicting", zap.String("cache", c.name))
		for c.total > c.maxBytes {
			if c.evictLocked(it) == 0 {
				break
			}
		}
	}
}

// evictLocked drops up to 10% of the items, least recently used first,
// skipping pinned items and keep. It returns how many were dropped.
func (c *memCache) evictLocked(keep *memItem) int {
	n := len(c.items) / 10
	if n < 1 {
		n = 1
	}
	dropped := 0
	for it := c.tail; it != nil && dropped < n; {
		prev := it.prev
		if !it.pinned && it != keep {
			c.removeItemLocked(it)
			dropped++
		}
		it = prev
	}
	return dropped
}

func (c *memCache) removeItemLocked(it *memItem) {
	c.unlink(it)
	delete(c.items, it.key)
	c.total -= it.size
	if it.pinned {
		c.pinned -= it.size
	}
}

func (c *memCache) addToFront(it *memItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *memCache) unlink(it *memItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *memCache) moveToFront(it *memItem) {
	if c.head == it {
		return
	}
	c.unlink(it)
	c.addToFront(it)
}
