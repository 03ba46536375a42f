package domain

import "errors"

var (
	// ErrInvalidQuery signals a malformed search query or filter set.
	ErrInvalidQuery = errors.New("invalid query")
	// ErrRateLimitExceeded signals local rate-limit queue saturation.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrBackendTimeout signals a backend call that exceeded its deadline.
	ErrBackendTimeout = errors.New("backend timeout")
	// ErrBackendUnavailable signals a backend failure after retries.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrSearchUnavailable signals that both search backends failed.
	ErrSearchUnavailable = errors.New("search unavailable")
	// ErrEntityNotFound signals a missing entity in the structured store.
	ErrEntityNotFound = errors.New("entity not found")
	// ErrSyncPermanentFailure signals a sync job that must not be retried.
	ErrSyncPermanentFailure = errors.New("permanent sync failure")
	// ErrEmbeddingProviderError signals an embedding provider failure.
	ErrEmbeddingProviderError = errors.New("embedding provider error")
)
