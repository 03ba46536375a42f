package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/civica-dev/legisearch/internal/domain"
)

func newTestCache(t *testing.T, maxEntries int, ttl time.Duration) (*Cache, *time.Time) {
	t.Helper()
	c, err := New(maxEntries, ttl)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	current := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return current }
	return c, &current
}

func hits(ids ...string) []domain.Hit {
	out := make([]domain.Hit, len(ids))
	for i, id := range ids {
		out[i] = domain.Hit{EntityID: id, Score: 1.0}
	}
	return out
}

func TestGet_MissThenHit(t *testing.T) {
	c, _ := newTestCache(t, 10, time.Minute)

	if _, ok := c.Get("sig"); ok {
		t.Fatal("expected miss on empty cache")
	}

	c.Put("sig", hits("B1", "B2"))
	got, ok := c.Get("sig")
	if !ok {
		t.Fatal("expected hit")
	}
	if len(got) != 2 || got[0].EntityID != "B1" {
		t.Fatalf("unexpected hits: %+v", got)
	}
}

func TestGet_TTLBoundary(t *testing.T) {
	c, current := newTestCache(t, 10, 100*time.Millisecond)
	c.Put("sig", hits("B1"))

	// Served just before expiry.
	*current = current.Add(99 * time.Millisecond)
	if _, ok := c.Get("sig"); !ok {
		t.Fatal("entry must be served at ttl - 1ms")
	}

	// Rejected once the TTL has elapsed.
	*current = current.Add(2 * time.Millisecond)
	if _, ok := c.Get("sig"); ok {
		t.Fatal("entry must not be served at ttl + 1ms")
	}

	// The expired entry is gone for good.
	if c.Len() != 0 {
		t.Errorf("expired entry should be removed, len=%d", c.Len())
	}
}

func TestInvalidate_RemovesEveryEntryContainingEntity(t *testing.T) {
	c, _ := newTestCache(t, 10, time.Minute)
	c.Put("sig-a", hits("B1", "B2"))
	c.Put("sig-b", hits("B2", "B3"))
	c.Put("sig-c", hits("B3"))

	if removed := c.Invalidate("B2"); removed != 2 {
		t.Fatalf("expected 2 entries removed, got %d", removed)
	}
	if _, ok := c.Get("sig-a"); ok {
		t.Error("sig-a should be invalidated")
	}
	if _, ok := c.Get("sig-b"); ok {
		t.Error("sig-b should be invalidated")
	}
	if _, ok := c.Get("sig-c"); !ok {
		t.Error("sig-c should survive")
	}
}

func TestInvalidate_UnknownEntityIsNoop(t *testing.T) {
	c, _ := newTestCache(t, 10, time.Minute)
	c.Put("sig", hits("B1"))
	if removed := c.Invalidate("missing"); removed != 0 {
		t.Fatalf("expected 0 removed, got %d", removed)
	}
}

func TestPut_LRUEvictionKeepsIndexConsistent(t *testing.T) {
	c, _ := newTestCache(t, 2, time.Minute)
	c.Put("sig-a", hits("B1"))
	c.Put("sig-b", hits("B2"))
	c.Put("sig-c", hits("B3")) // evicts sig-a

	if _, ok := c.Get("sig-a"); ok {
		t.Fatal("sig-a should be evicted")
	}
	// The evicted entry must no longer be indexed.
	if removed := c.Invalidate("B1"); removed != 0 {
		t.Errorf("evicted entry still indexed, removed=%d", removed)
	}
}

func TestPut_ReplaceUpdatesIndex(t *testing.T) {
	c, _ := newTestCache(t, 10, time.Minute)
	c.Put("sig", hits("B1"))
	c.Put("sig", hits("B2"))

	if removed := c.Invalidate("B1"); removed != 0 {
		t.Errorf("stale index entry for B1, removed=%d", removed)
	}
	if removed := c.Invalidate("B2"); removed != 1 {
		t.Errorf("expected 1 removed for B2, got %d", removed)
	}
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c, _ := newTestCache(t, 100, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				c.Put("sig", hits("B1", "B2"))
				c.Get("sig")
				c.Invalidate("B1")
			}
		}()
	}
	wg.Wait()
}
