// Package query defines the validated search query value type and its
// cache signature.
package query

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/civica-dev/legisearch/internal/domain"
)

// Query parameter limits.
const (
	// MaxTextLength is the maximum allowed query text length.
	MaxTextLength   = 1024
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Filters narrows a search to entities matching the known metadata schema.
// Zero values mean "no constraint". DateFrom/DateTo are unix milliseconds.
type Filters struct {
	Category string
	Status   string
	DateFrom int64
	DateTo   int64
}

// IsEmpty reports whether no filter is set.
func (f Filters) IsEmpty() bool {
	return f.Category == "" && f.Status == "" && f.DateFrom == 0 && f.DateTo == 0
}

// Query is a validated search request.
type Query struct {
	text     string
	filters  Filters
	page     int
	pageSize int
}

// New validates and normalizes search parameters.
// Defaults: page=1, pageSize=20. Invalid input wraps domain.ErrInvalidQuery.
func New(text string, filters Filters, page, pageSize int) (Query, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Query{}, fmt.Errorf("%w: query text is required", domain.ErrInvalidQuery)
	}
	if len(text) > MaxTextLength {
		return Query{}, fmt.Errorf("%w: query text too long (max %d chars)", domain.ErrInvalidQuery, MaxTextLength)
	}
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		return Query{}, fmt.Errorf("%w: page_size must be at most %d", domain.ErrInvalidQuery, MaxPageSize)
	}
	if filters.DateFrom < 0 || filters.DateTo < 0 {
		return Query{}, fmt.Errorf("%w: date filters must not be negative", domain.ErrInvalidQuery)
	}
	if filters.DateFrom > 0 && filters.DateTo > 0 && filters.DateFrom > filters.DateTo {
		return Query{}, fmt.Errorf("%w: date_from is after date_to", domain.ErrInvalidQuery)
	}

	return Query{
		text:     text,
		filters:  filters,
		page:     page,
		pageSize: pageSize,
	}, nil
}

// Text returns the raw (trimmed) query text.
func (q *Query) Text() string { return q.text }

// Filters returns the metadata filter set.
func (q *Query) Filters() Filters { return q.filters }

// Page returns the 1-based page number.
func (q *Query) Page() int { return q.page }

// PageSize returns the page size.
func (q *Query) PageSize() int { return q.pageSize }

// Signature returns the cache key for this query: a sha256 over the
// normalized text, the canonical filter encoding, and pagination.
// Queries differing only in whitespace or letter case share a signature.
func (q *Query) Signature() string {
	var b strings.Builder
	b.WriteString(normalizeText(q.text))
	b.WriteByte('\n')
	b.WriteString(q.filters.Category)
	b.WriteByte('\n')
	b.WriteString(q.filters.Status)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(q.filters.DateFrom, 10))
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(q.filters.DateTo, 10))
	b.WriteByte('\n')
	b.WriteString(strconv.Itoa(q.page))
	b.WriteByte('\n')
	b.WriteString(strconv.Itoa(q.pageSize))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// normalizeText lowercases and collapses runs of whitespace to single spaces.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
