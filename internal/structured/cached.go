package structured

import (
	"context"

	"go.uber.org/zap"

	"github.com/civica-dev/legisearch/internal/cache"
	"github.com/civica-dev/legisearch/internal/domain"
	"github.com/civica-dev/legisearch/internal/domain/query"
)

// Searcher is the keyword search surface consumed by the orchestrator.
type Searcher interface {
	Query(ctx context.Context, q *query.Query) ([]domain.Hit, error)
}

// CachedSearcher decorates a Searcher with the result cache: hits are
// served without touching the upstream quota, and every successful
// response is written back before being returned.
type CachedSearcher struct {
	inner  Searcher
	cache  *cache.Cache
	logger *zap.Logger
}

// NewCachedSearcher wraps inner with the result cache.
func NewCachedSearcher(inner Searcher, c *cache.Cache, logger *zap.Logger) *CachedSearcher {
	return &CachedSearcher{inner: inner, cache: c, logger: logger}
}

// Query serves from the cache when possible and falls through to the
// upstream client on a miss. A response that arrives after the request
// context was cancelled is still cached for future reuse.
func (s *CachedSearcher) Query(ctx context.Context, q *query.Query) ([]domain.Hit, error) {
	sig := q.Signature()
	if hits, ok := s.cache.Get(sig); ok {
		s.logger.Debug("Result cache hit", zap.String("signature", sig))
		return hits, nil
	}

	hits, err := s.inner.Query(ctx, q)
	if err != nil {
		return nil, err
	}

	s.cache.Put(sig, hits)
	return hits, nil
}
