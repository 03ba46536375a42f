// Package vector implements the vector store client: nearest-neighbor
// queries and embedding upserts over the FT-indexed Redis store.
package vector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/civica-dev/legisearch/internal/db"
	"github.com/civica-dev/legisearch/internal/db/redis"
	"github.com/civica-dev/legisearch/internal/domain"
	"github.com/civica-dev/legisearch/internal/domain/query"
	"github.com/civica-dev/legisearch/internal/retry"
)

// store is the consumer interface for the vector client (ISP).
type store interface {
	db.HashStore
	db.IndexManager
	db.Searcher
}

// Config holds vector client settings.
type Config struct {
	KeyPrefix   string // default "legisearch:"
	IndexName   string // default "<prefix>vector-idx"
	HNSWM       int
	HNSWEFConst int
}

// Client wraps nearest-neighbor queries and upserts against the vector
// store. It shares no rate limiter with the structured store: the two
// backends have independent quotas.
type Client struct {
	store     store
	prefix    string
	indexName string
	hnswM     int
	hnswEF    int
	policy    retry.Policy
	logger    *zap.Logger
}

// New creates a vector store client.
func New(s store, cfg Config, policy retry.Policy, logger *zap.Logger) *Client {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "legisearch:"
	}
	indexName := cfg.IndexName
	if indexName == "" {
		indexName = prefix + "vector-idx"
	}
	return &Client{
		store:     s,
		prefix:    prefix,
		indexName: indexName,
		hnswM:     cfg.HNSWM,
		hnswEF:    cfg.HNSWEFConst,
		policy:    policy,
		logger:    logger,
	}
}

// EnsureIndex creates the HNSW index at startup if it does not exist yet.
func (c *Client) EnsureIndex(ctx context.Context, dim int) error {
	exists, err := c.store.IndexExists(ctx, c.indexName)
	if err != nil {
		return fmt.Errorf("probe index: %w", err)
	}
	if exists {
		return nil
	}

	def := &db.IndexDefinition{
		Name:     c.indexName,
		Prefixes: []string{c.recordPrefix()},
		Fields: []db.IndexField{
			{Name: "category", Type: db.IndexFieldTag},
			{Name: "status", Type: db.IndexFieldTag},
			{Name: "date", Type: db.IndexFieldNumeric},
			{Name: "version", Type: db.IndexFieldNumeric},
			{
				Name: "vector", Type: db.IndexFieldVector,
				VectorDim: dim, VectorDistance: db.DistanceCosine,
				VectorM: c.hnswM, VectorEFConstruct: c.hnswEF,
			},
		},
	}
	if err := c.store.CreateIndex(ctx, def); err != nil && !errors.Is(err, db.ErrIndexExists) {
		return fmt.Errorf("create index: %w", err)
	}
	return nil
}

// Nearest returns the k closest entities to the embedding, pre-filtered by
// metadata. Transient store errors are retried per the shared policy.
func (c *Client) Nearest(
	ctx context.Context, embedding []float32, k int, filters query.Filters,
) ([]domain.Hit, error) {
	q := &db.KNNQuery{
		IndexName:    c.indexName,
		Vector:       embedding,
		K:            k,
		Filter:       buildFilter(filters),
		ReturnFields: []string{"__vector_score", "date"},
	}

	var res *db.SearchResult
	err := c.policy.Do(ctx, "vector nearest", func(ctx context.Context) error {
		var innerErr error
		res, innerErr = c.store.SearchKNN(ctx, q)
		return innerErr
	})
	if err != nil {
		return nil, classify(ctx, err)
	}

	hits := make([]domain.Hit, 0, len(res.Entries))
	for _, e := range res.Entries {
		// Malformed or absent date parses to 0: no recency preference.
		date, _ := strconv.ParseInt(e.Fields["date"], 10, 64)
		hits = append(hits, domain.Hit{
			EntityID: strings.TrimPrefix(e.Key, c.recordPrefix()),
			Score:    e.Score,
			Date:     date,
		})
	}
	return hits, nil
}

// Upsert writes the vector record for an entity. sourceVersion is the
// structured-store version the embedding was generated from; it must never
// run ahead of the version actually fetched.
func (c *Client) Upsert(
	ctx context.Context, entityID string, embedding []float32,
	meta domain.Metadata, sourceVersion int64,
) error {
	fields := map[string]string{
		"vector":   redis.VectorToBytes(embedding),
		"category": meta.Category,
		"status":   meta.Status,
		"date":     strconv.FormatInt(meta.Date, 10),
		"version":  strconv.FormatInt(sourceVersion, 10),
	}

	err := c.policy.Do(ctx, "vector upsert", func(ctx context.Context) error {
		return c.store.HSet(ctx, c.recordKey(entityID), fields)
	})
	if err != nil {
		return classify(ctx, err)
	}
	return nil
}

// SourceVersion returns the structured-store version the stored embedding
// was generated from, or 0 when no vector record exists yet.
func (c *Client) SourceVersion(ctx context.Context, entityID string) (int64, error) {
	val, err := c.store.HGet(ctx, c.recordKey(entityID), "version")
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, classify(ctx, err)
	}
	v, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		c.logger.Warn("Malformed source version in vector record",
			zap.String("entity_id", entityID), zap.String("value", val))
		return 0, nil
	}
	return v, nil
}

func (c *Client) recordPrefix() string { return c.prefix + "vec:" }

func (c *Client) recordKey(entityID string) string {
	return c.recordPrefix() + entityID
}

// buildFilter translates the metadata filter set into an FT.SEARCH
// pre-filter expression over the known schema.
func buildFilter(f query.Filters) string {
	if f.IsEmpty() {
		return ""
	}

	var parts []string
	if f.Category != "" {
		parts = append(parts, fmt.Sprintf("@category:{%s}", tagEscaper.Replace(f.Category)))
	}
	if f.Status != "" {
		parts = append(parts, fmt.Sprintf("@status:{%s}", tagEscaper.Replace(f.Status)))
	}
	if f.DateFrom > 0 || f.DateTo > 0 {
		minBound := "-inf"
		maxBound := "+inf"
		if f.DateFrom > 0 {
			minBound = strconv.FormatInt(f.DateFrom, 10)
		}
		if f.DateTo > 0 {
			maxBound = strconv.FormatInt(f.DateTo, 10)
		}
		parts = append(parts, fmt.Sprintf("@date:[%s %s]", minBound, maxBound))
	}
	return strings.Join(parts, " ")
}

var tagEscaper = strings.NewReplacer(
	",", "\\,",
	".", "\\.",
	"{", "\\{",
	"}", "\\}",
	":", "\\:",
	"-", "\\-",
	" ", "\\ ",
)

// classify maps a failed store call onto the engine error taxonomy.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", domain.ErrBackendTimeout, err)
	}
	return fmt.Errorf("%w: %w", domain.ErrBackendUnavailable, err)
}
