package search

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/civica-dev/legisearch/internal/domain"
	"github.com/civica-dev/legisearch/internal/domain/query"
	"github.com/civica-dev/legisearch/internal/merge"
)

type fakeKeyword struct {
	hits  []domain.Hit
	err   error
	delay time.Duration
	gotQ  *query.Query
}

func (f *fakeKeyword) Query(ctx context.Context, q *query.Query) ([]domain.Hit, error) {
	f.gotQ = q
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	return f.hits, f.err
}

type fakeVector struct {
	hits  []domain.Hit
	err   error
	delay time.Duration
	gotK  int
}

func (f *fakeVector) Nearest(ctx context.Context, _ []float32, k int, _ query.Filters) ([]domain.Hit, error) {
	f.gotK = k
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	return f.hits, f.err
}

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	return f.vec, f.err
}

func newService(kw *fakeKeyword, vec *fakeVector, emb *fakeEmbedder, timeout time.Duration) *Service {
	return New(kw, vec, emb, merge.New(merge.DefaultWeights()), timeout)
}

func mustQuery(t *testing.T, text string, page, pageSize int) *query.Query {
	t.Helper()
	q, err := query.New(text, query.Filters{}, page, pageSize)
	if err != nil {
		t.Fatalf("build query: %v", err)
	}
	return &q
}

func TestSearch_MergesBothBackends(t *testing.T) {
	kw := &fakeKeyword{hits: []domain.Hit{{EntityID: "B1", Score: 0.9}, {EntityID: "B2", Score: 0.5}}}
	vec := &fakeVector{hits: []domain.Hit{{EntityID: "B2", Score: 0.8}, {EntityID: "B3", Score: 0.6}}}
	s := newService(kw, vec, &fakeEmbedder{vec: []float32{0.1}}, 0)

	resp, err := s.Search(context.Background(), mustQuery(t, "education", 1, 2))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Degraded {
		t.Error("response must not be degraded")
	}
	if len(resp.Results) != 2 || resp.Results[0].EntityID != "B2" {
		t.Errorf("results = %+v, want B2 first", resp.Results)
	}
	if resp.Results[0].Source != domain.SourceBoth {
		t.Errorf("B2 source = %s", resp.Results[0].Source)
	}
}

func TestSearch_ScoreTieResolvedByRecency(t *testing.T) {
	// Equal scores: lexicographic order alone would put A1 first, but B9
	// carries the newer metadata date.
	kw := &fakeKeyword{hits: []domain.Hit{
		{EntityID: "A1", Score: 0.7, Date: 1600000000000},
		{EntityID: "B9", Score: 0.7, Date: 1700000000000},
	}}
	vec := &fakeVector{}
	s := newService(kw, vec, &fakeEmbedder{vec: []float32{0.1}}, 0)

	resp, err := s.Search(context.Background(), mustQuery(t, "education", 1, 10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Results) != 2 || resp.Results[0].EntityID != "B9" {
		t.Errorf("results = %+v, want the newer B9 first", resp.Results)
	}
}

func TestSearch_ScoreTieWithoutDatesFallsBackToID(t *testing.T) {
	kw := &fakeKeyword{hits: []domain.Hit{
		{EntityID: "B9", Score: 0.7},
		{EntityID: "A1", Score: 0.7},
	}}
	vec := &fakeVector{}
	s := newService(kw, vec, &fakeEmbedder{vec: []float32{0.1}}, 0)

	resp, err := s.Search(context.Background(), mustQuery(t, "education", 1, 10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Results) != 2 || resp.Results[0].EntityID != "A1" {
		t.Errorf("results = %+v, want lexicographic A1 first", resp.Results)
	}
}

func TestSearch_VectorTimeoutDegrades(t *testing.T) {
	kw := &fakeKeyword{hits: []domain.Hit{{EntityID: "B1", Score: 0.9}}}
	vec := &fakeVector{delay: time.Second}
	s := newService(kw, vec, &fakeEmbedder{vec: []float32{0.1}}, 50*time.Millisecond)

	resp, err := s.Search(context.Background(), mustQuery(t, "education", 1, 10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Degraded || resp.DegradedBackend != BackendVector {
		t.Fatalf("expected vector degradation, got %+v", resp)
	}
	if len(resp.Results) != 1 || resp.Results[0].EntityID != "B1" {
		t.Errorf("results = %+v", resp.Results)
	}
	if resp.Results[0].Source != domain.SourceKeyword {
		t.Errorf("source = %s", resp.Results[0].Source)
	}
}

func TestSearch_KeywordFailureDegrades(t *testing.T) {
	kw := &fakeKeyword{err: domain.ErrBackendUnavailable}
	vec := &fakeVector{hits: []domain.Hit{{EntityID: "B3", Score: 0.6}}}
	s := newService(kw, vec, &fakeEmbedder{vec: []float32{0.1}}, 0)

	resp, err := s.Search(context.Background(), mustQuery(t, "education", 1, 10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Degraded || resp.DegradedBackend != BackendKeyword {
		t.Fatalf("expected keyword degradation, got %+v", resp)
	}
	if len(resp.Results) != 1 || resp.Results[0].EntityID != "B3" {
		t.Errorf("results = %+v", resp.Results)
	}
}

func TestSearch_EmbedFailureDegradesVector(t *testing.T) {
	kw := &fakeKeyword{hits: []domain.Hit{{EntityID: "B1", Score: 0.9}}}
	vec := &fakeVector{hits: []domain.Hit{{EntityID: "B2", Score: 0.8}}}
	s := newService(kw, vec, &fakeEmbedder{err: domain.ErrEmbeddingProviderError}, 0)

	resp, err := s.Search(context.Background(), mustQuery(t, "education", 1, 10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Degraded || resp.DegradedBackend != BackendVector {
		t.Fatalf("expected vector degradation, got %+v", resp)
	}
}

func TestSearch_BothBackendsFail(t *testing.T) {
	kw := &fakeKeyword{err: domain.ErrBackendUnavailable}
	vec := &fakeVector{err: domain.ErrBackendTimeout}
	s := newService(kw, vec, &fakeEmbedder{vec: []float32{0.1}}, 0)

	_, err := s.Search(context.Background(), mustQuery(t, "education", 1, 10))
	if !errors.Is(err, domain.ErrSearchUnavailable) {
		t.Fatalf("expected ErrSearchUnavailable, got %v", err)
	}
}

func TestSearch_InvalidQuerySurfaced(t *testing.T) {
	kw := &fakeKeyword{err: domain.ErrInvalidQuery}
	vec := &fakeVector{hits: []domain.Hit{{EntityID: "B2", Score: 0.8}}}
	s := newService(kw, vec, &fakeEmbedder{vec: []float32{0.1}}, 0)

	_, err := s.Search(context.Background(), mustQuery(t, "education", 1, 10))
	if !errors.Is(err, domain.ErrInvalidQuery) {
		t.Fatalf("invalid query must not degrade, got %v", err)
	}
}

func TestSearch_FetchCoversRequestedPage(t *testing.T) {
	kw := &fakeKeyword{}
	vec := &fakeVector{}
	s := newService(kw, vec, &fakeEmbedder{vec: []float32{0.1}}, 0)

	if _, err := s.Search(context.Background(), mustQuery(t, "education", 3, 10)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Page 3 with size 10 needs the top 30 from each backend.
	if kw.gotQ.PageSize() != 30 || kw.gotQ.Page() != 1 {
		t.Errorf("keyword fetch = page %d size %d", kw.gotQ.Page(), kw.gotQ.PageSize())
	}
}

func TestSearch_CancellationPropagates(t *testing.T) {
	kw := &fakeKeyword{delay: time.Second}
	vec := &fakeVector{delay: time.Second}
	s := newService(kw, vec, &fakeEmbedder{vec: []float32{0.1}}, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	_, err := s.Search(ctx, mustQuery(t, "education", 1, 10))
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("cancellation did not stop both branches promptly: %s", elapsed)
	}
}
