package structured

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/civica-dev/legisearch/internal/cache"
	"github.com/civica-dev/legisearch/internal/domain"
	"github.com/civica-dev/legisearch/internal/domain/query"
	"github.com/civica-dev/legisearch/internal/retry"
)

type fakeLimiter struct {
	acquires  atomic.Int64
	throttles atomic.Int64
	err       error
}

func (f *fakeLimiter) Acquire(context.Context) error {
	f.acquires.Add(1)
	return f.err
}

func (f *fakeLimiter) ReportThrottle() { f.throttles.Add(1) }

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Factor: 2}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *fakeLimiter) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	lim := &fakeLimiter{}
	return NewClient(srv.URL, "secret", lim, fastPolicy(), zap.NewNop()), lim
}

func mustQuery(t *testing.T, text string) *query.Query {
	t.Helper()
	q, err := query.New(text, query.Filters{}, 1, 20)
	if err != nil {
		t.Fatalf("build query: %v", err)
	}
	return &q
}

func TestQuery_Success(t *testing.T) {
	var gotAuth, gotQuery string
	c, lim := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.Query().Get("query")
		w.Write([]byte(`{"results":[{"entity_id":"B1","score":0.9,"date":1700000000000},{"entity_id":"B2","score":0.5}]}`))
	})

	hits, err := c.Query(context.Background(), mustQuery(t, "education funding"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hits) != 2 || hits[0].EntityID != "B1" || hits[0].Score != 0.9 {
		t.Errorf("unexpected hits: %+v", hits)
	}
	if hits[0].Date != 1700000000000 || hits[1].Date != 0 {
		t.Errorf("dates = %d/%d, want 1700000000000/0", hits[0].Date, hits[1].Date)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if gotQuery != "education funding" {
		t.Errorf("query param = %q", gotQuery)
	}
	if lim.acquires.Load() != 1 {
		t.Errorf("expected 1 permit, got %d", lim.acquires.Load())
	}
}

func TestQuery_UpstreamThrottle(t *testing.T) {
	var calls atomic.Int64
	c, lim := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.Query(context.Background(), mustQuery(t, "budget"))
	if !errors.Is(err, domain.ErrRateLimitExceeded) {
		t.Fatalf("expected ErrRateLimitExceeded, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("429 must not be retried, got %d calls", calls.Load())
	}
	if lim.throttles.Load() != 1 {
		t.Errorf("expected throttle report, got %d", lim.throttles.Load())
	}
}

func TestQuery_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int64
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad filter", http.StatusBadRequest)
	})

	_, err := c.Query(context.Background(), mustQuery(t, "budget"))
	if !errors.Is(err, domain.ErrInvalidQuery) {
		t.Fatalf("expected ErrInvalidQuery, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("4xx must not be retried, got %d calls", calls.Load())
	}
}

func TestQuery_ServerErrorRetried(t *testing.T) {
	var calls atomic.Int64
	c, lim := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"results":[{"entity_id":"B1","score":0.9}]}`))
	})

	hits, err := c.Query(context.Background(), mustQuery(t, "budget"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit after retries, got %d", len(hits))
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
	// Each attempt takes its own permit.
	if lim.acquires.Load() != 3 {
		t.Errorf("expected 3 permits, got %d", lim.acquires.Load())
	}
}

func TestQuery_ServerErrorExhausted(t *testing.T) {
	var calls atomic.Int64
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, err := c.Query(context.Background(), mustQuery(t, "budget"))
	if !errors.Is(err, domain.ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestQuery_LimiterRejection(t *testing.T) {
	var calls atomic.Int64
	c, lim := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})
	lim.err = domain.ErrRateLimitExceeded

	_, err := c.Query(context.Background(), mustQuery(t, "budget"))
	if !errors.Is(err, domain.ErrRateLimitExceeded) {
		t.Fatalf("expected ErrRateLimitExceeded, got %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("no HTTP call expected without a permit, got %d", calls.Load())
	}
}

func TestGetEntity_Success(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/entities/B1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{
			"id": "B1",
			"text_fields": [{"name":"title","text":"Education Funding Act"},{"name":"summary","text":"Allocates funds."}],
			"metadata": {"category":"education","status":"in-review","date":1700000000000},
			"version": 4
		}`))
	})

	e, err := c.GetEntity(context.Background(), "B1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.ID != "B1" || e.Version != 4 {
		t.Errorf("entity = %+v", e)
	}
	if len(e.TextFields) != 2 || e.TextFields[0].Name != "title" {
		t.Errorf("text fields = %+v", e.TextFields)
	}
	if e.Metadata.Category != "education" {
		t.Errorf("metadata = %+v", e.Metadata)
	}
}

func TestGetEntity_NotFound(t *testing.T) {
	var calls atomic.Int64
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such entity", http.StatusNotFound)
	})

	_, err := c.GetEntity(context.Background(), "missing")
	if !errors.Is(err, domain.ErrEntityNotFound) {
		t.Fatalf("expected ErrEntityNotFound, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("404 must not be retried, got %d calls", calls.Load())
	}
}

func TestChangedSince(t *testing.T) {
	since := time.UnixMilli(1700000000000)
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("since"); got != "1700000000000" {
			t.Errorf("since param = %q", got)
		}
		w.Write([]byte(`{"changes":[{"entity_id":"B1","version":5},{"entity_id":"B2","version":2}]}`))
	})

	notices, err := c.ChangedSince(context.Background(), since)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(notices) != 2 || notices[0].EntityID != "B1" || notices[0].Version != 5 {
		t.Errorf("notices = %+v", notices)
	}
}

// --- Cached decorator ---

type fakeSearcher struct {
	hits  []domain.Hit
	err   error
	calls int
}

func (f *fakeSearcher) Query(context.Context, *query.Query) ([]domain.Hit, error) {
	f.calls++
	return f.hits, f.err
}

func TestCachedSearcher_MissThenHit(t *testing.T) {
	inner := &fakeSearcher{hits: []domain.Hit{{EntityID: "B1", Score: 0.9}}}
	c, err := cache.New(16, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	s := NewCachedSearcher(inner, c, zap.NewNop())
	q := mustQuery(t, "education")

	for i := 0; i < 3; i++ {
		hits, err := s.Query(context.Background(), q)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(hits) != 1 || hits[0].EntityID != "B1" {
			t.Fatalf("hits = %+v", hits)
		}
	}
	if inner.calls != 1 {
		t.Errorf("expected 1 upstream call, got %d", inner.calls)
	}
}

func TestCachedSearcher_ErrorNotCached(t *testing.T) {
	inner := &fakeSearcher{err: domain.ErrBackendUnavailable}
	c, err := cache.New(16, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	s := NewCachedSearcher(inner, c, zap.NewNop())
	q := mustQuery(t, "education")

	for i := 0; i < 2; i++ {
		if _, err := s.Query(context.Background(), q); !errors.Is(err, domain.ErrBackendUnavailable) {
			t.Fatalf("expected ErrBackendUnavailable, got %v", err)
		}
	}
	if inner.calls != 2 {
		t.Errorf("errors must fall through every time, got %d calls", inner.calls)
	}
}

func TestCachedSearcher_InvalidationForcesRefetch(t *testing.T) {
	inner := &fakeSearcher{hits: []domain.Hit{{EntityID: "B1", Score: 0.9}}}
	c, err := cache.New(16, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	s := NewCachedSearcher(inner, c, zap.NewNop())
	q := mustQuery(t, "education")

	if _, err := s.Query(context.Background(), q); err != nil {
		t.Fatal(err)
	}
	c.Invalidate("B1")
	if _, err := s.Query(context.Background(), q); err != nil {
		t.Fatal(err)
	}
	if inner.calls != 2 {
		t.Errorf("expected refetch after invalidation, got %d calls", inner.calls)
	}
}
