// Package cache implements the TTL + LRU result cache for structured
// store responses, with per-entity invalidation.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/civica-dev/legisearch/internal/domain"
	"github.com/civica-dev/legisearch/internal/metrics"
)

// Defaults for TTL and entry cap. Both are tunable via config.
const (
	DefaultTTL        = 5 * time.Minute
	DefaultMaxEntries = 4096
)

type entry struct {
	hits      []domain.Hit
	createdAt time.Time
}

// Cache stores structured store responses keyed by query signature.
// Entries expire after the TTL and are evicted LRU beyond the entry cap;
// Invalidate removes every entry whose result set contains an entity.
type Cache struct {
	mu    sync.Mutex
	lru   *lru.Cache[string, *entry]
	index map[string]map[string]struct{} // entity id -> signatures
	ttl   time.Duration

	now func() time.Time
}

// New creates a cache with the given entry cap and TTL; non-positive
// values fall back to the defaults.
func New(maxEntries int, ttl time.Duration) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	c := &Cache{
		index: make(map[string]map[string]struct{}),
		ttl:   ttl,
		now:   time.Now,
	}

	// The eviction callback runs while c.mu is held (all LRU mutations
	// happen under it), so it must not lock.
	l, err := lru.NewWithEvict(maxEntries, func(sig string, e *entry) {
		c.unindexLocked(sig, e)
	})
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

// Get returns the cached hits for a signature. An entry past its TTL is
// never served: it is dropped and reported as a miss.
func (c *Cache) Get(signature string) ([]domain.Hit, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(signature)
	if !ok {
		metrics.ResultCacheTotal.WithLabelValues("miss").Inc()
		return nil, false
	}
	if c.now().Sub(e.createdAt) >= c.ttl {
		c.lru.Remove(signature)
		metrics.ResultCacheTotal.WithLabelValues("expired").Inc()
		return nil, false
	}

	metrics.ResultCacheTotal.WithLabelValues("hit").Inc()
	return e.hits, true
}

// Put stores a response under its query signature.
func (c *Cache) Put(signature string, hits []domain.Hit) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.lru.Peek(signature); ok {
		c.unindexLocked(signature, old)
	}

	e := &entry{hits: hits, createdAt: c.now()}
	c.lru.Add(signature, e)
	for _, h := range hits {
		sigs, ok := c.index[h.EntityID]
		if !ok {
			sigs = make(map[string]struct{})
			c.index[h.EntityID] = sigs
		}
		sigs[signature] = struct{}{}
	}
}

// Invalidate removes every entry whose result set contains the entity.
// Returns the number of entries removed.
func (c *Cache) Invalidate(entityID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	sigs, ok := c.index[entityID]
	if !ok {
		return 0
	}

	removed := 0
	for sig := range sigs {
		if c.lru.Remove(sig) {
			removed++
		}
	}
	metrics.ResultCacheInvalidationsTotal.Add(float64(removed))
	return removed
}

// Len returns the current number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// unindexLocked drops one signature from the entity index. Callers hold
// c.mu (directly or via an LRU mutation).
func (c *Cache) unindexLocked(sig string, e *entry) {
	for _, h := range e.hits {
		sigs, ok := c.index[h.EntityID]
		if !ok {
			continue
		}
		delete(sigs, sig)
		if len(sigs) == 0 {
			delete(c.index, h.EntityID)
		}
	}
}
