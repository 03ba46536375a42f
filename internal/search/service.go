// Package search implements the hybrid search orchestrator: parallel
// fan-out to the keyword and vector backends, graceful degradation, and
// merged ranking.
package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/civica-dev/legisearch/internal/domain"
	"github.com/civica-dev/legisearch/internal/domain/query"
	"github.com/civica-dev/legisearch/internal/embed"
	"github.com/civica-dev/legisearch/internal/logger"
	"github.com/civica-dev/legisearch/internal/merge"
	"github.com/civica-dev/legisearch/internal/metrics"
)

// DefaultTimeout is the overall deadline across both fan-out branches.
const DefaultTimeout = 1500 * time.Millisecond

// Backend names used in responses and metrics.
const (
	BackendKeyword = "keyword"
	BackendVector  = "vector"
)

// KeywordSearcher is the cache-backed structured store surface.
type KeywordSearcher interface {
	Query(ctx context.Context, q *query.Query) ([]domain.Hit, error)
}

// VectorSearcher is the nearest-neighbor surface.
type VectorSearcher interface {
	Nearest(ctx context.Context, embedding []float32, k int, filters query.Filters) ([]domain.Hit, error)
}

// Response is the outcome of a hybrid search. Degraded is set when one
// backend failed and results come from the survivor only.
type Response struct {
	Results         []merge.Ranked
	Degraded        bool
	DegradedBackend string
}

// Service fans a query out to both backends and merges the results.
type Service struct {
	keyword  KeywordSearcher
	vector   VectorSearcher
	embedder embed.Embedder
	ranker   *merge.Ranker
	timeout  time.Duration
}

// New creates the orchestrator. A non-positive timeout falls back to the
// default.
func New(
	keyword KeywordSearcher, vector VectorSearcher, embedder embed.Embedder,
	ranker *merge.Ranker, timeout time.Duration,
) *Service {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Service{
		keyword:  keyword,
		vector:   vector,
		embedder: embedder,
		ranker:   ranker,
		timeout:  timeout,
	}
}

type branchResult struct {
	hits []domain.Hit
	err  error
}

// Search runs the hybrid query. One failed backend degrades the response
// to the survivor; both failing is domain.ErrSearchUnavailable. A keyword
// failure caused by invalid input is surfaced as such, never degraded.
func (s *Service) Search(ctx context.Context, q *query.Query) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	log := logger.FromContext(ctx)

	// Both backends are asked for the full union up to the requested
	// page's end; ranking happens before the page cut so page boundaries
	// never invert ranks.
	fetchK := fetchSize(q)
	fetchQ, err := query.New(q.Text(), q.Filters(), 1, fetchK)
	if err != nil {
		metrics.SearchRequestsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	kwCh := make(chan branchResult, 1)
	vecCh := make(chan branchResult, 1)

	go func() {
		hits, err := s.keyword.Query(ctx, &fetchQ)
		kwCh <- branchResult{hits: hits, err: err}
	}()
	go func() {
		hits, err := s.searchVector(ctx, &fetchQ)
		vecCh <- branchResult{hits: hits, err: err}
	}()

	kw, vec := <-kwCh, <-vecCh

	if kw.err != nil && errors.Is(kw.err, domain.ErrInvalidQuery) {
		metrics.SearchRequestsTotal.WithLabelValues("invalid").Inc()
		return nil, kw.err
	}
	if kw.err != nil && vec.err != nil {
		metrics.SearchRequestsTotal.WithLabelValues("unavailable").Inc()
		return nil, fmt.Errorf("%w: keyword: %w; vector: %w",
			domain.ErrSearchUnavailable, kw.err, vec.err)
	}

	resp := &Response{}
	switch {
	case kw.err != nil:
		log.Warn("Keyword backend failed, serving vector results only", zap.Error(kw.err))
		resp.Degraded = true
		resp.DegradedBackend = BackendKeyword
	case vec.err != nil:
		log.Warn("Vector backend failed, serving keyword results only", zap.Error(vec.err))
		resp.Degraded = true
		resp.DegradedBackend = BackendVector
	}

	resp.Results = s.ranker.Merge(kw.hits, vec.hits, hitDates(kw.hits, vec.hits), q.Page(), q.PageSize())

	if resp.Degraded {
		metrics.SearchRequestsTotal.WithLabelValues("degraded").Inc()
		metrics.SearchDegradedTotal.WithLabelValues(resp.DegradedBackend).Inc()
	} else {
		metrics.SearchRequestsTotal.WithLabelValues("ok").Inc()
	}
	return resp, nil
}

// searchVector embeds the query text and runs the KNN lookup.
func (s *Service) searchVector(ctx context.Context, q *query.Query) ([]domain.Hit, error) {
	vec, err := s.embedder.Embed(ctx, q.Text())
	if err != nil {
		return nil, fmt.Errorf("vectorize query: %w", err)
	}
	return s.vector.Nearest(ctx, vec, q.PageSize(), q.Filters())
}

// hitDates collects the metadata dates both backends reported, feeding the
// ranker's recency tie-break. Hits without a date (0) are skipped.
func hitDates(lists ...[]domain.Hit) map[string]int64 {
	dates := make(map[string]int64)
	for _, hits := range lists {
		for _, h := range hits {
			if h.Date > dates[h.EntityID] {
				dates[h.EntityID] = h.Date
			}
		}
	}
	return dates
}

// fetchSize returns how many results to pull from each backend: enough to
// cover everything up to the end of the requested page, capped at the
// query size limit.
func fetchSize(q *query.Query) int {
	k := q.Page() * q.PageSize()
	if k > query.MaxPageSize {
		k = query.MaxPageSize
	}
	return k
}
