// Package embed implements the embedding provider client and its
// store-backed caching decorator.
package embed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/civica-dev/legisearch/internal/domain"
	"github.com/civica-dev/legisearch/internal/metrics"
	"github.com/civica-dev/legisearch/internal/retry"
)

// Embedder produces a fixed-length vector for a piece of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config holds the embedding provider settings.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
	Provider   string
}

// OpenAIEmbedder talks to an OpenAI-compatible embeddings API. Failures
// are retried per the shared policy and wrapped as
// domain.ErrEmbeddingProviderError.
type OpenAIEmbedder struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
	provider   string
	policy     retry.Policy
	logger     *zap.Logger
}

// NewOpenAIEmbedder creates an OpenAI-compatible embedding provider.
func NewOpenAIEmbedder(cfg Config, policy retry.Policy, logger *zap.Logger) *OpenAIEmbedder {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	provider := cfg.Provider
	if provider == "" {
		provider = "openai"
	}

	return &OpenAIEmbedder{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      openai.EmbeddingModel(cfg.Model),
		dimensions: cfg.Dimensions,
		provider:   provider,
		policy:     policy,
		logger:     logger,
	}
}

// Embed returns the embedding vector for text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	req := openai.EmbeddingRequest{
		Input:          []string{text},
		Model:          e.model,
		EncodingFormat: openai.EmbeddingEncodingFormatFloat,
	}
	if e.dimensions > 0 {
		req.Dimensions = e.dimensions
	}

	var vec []float32
	err := e.policy.Do(ctx, "embed", func(ctx context.Context) error {
		start := time.Now()
		resp, err := e.client.CreateEmbeddings(ctx, req)
		duration := time.Since(start)

		if err != nil {
			metrics.EmbeddingRequestsTotal.WithLabelValues(e.provider, string(e.model), "error").Inc()
			return parseAPIError(err)
		}
		if len(resp.Data) == 0 {
			metrics.EmbeddingRequestsTotal.WithLabelValues(e.provider, string(e.model), "error").Inc()
			return fmt.Errorf("empty embedding response: %w", domain.ErrEmbeddingProviderError)
		}

		metrics.EmbeddingRequestsTotal.WithLabelValues(e.provider, string(e.model), "success").Inc()
		metrics.EmbeddingRequestDuration.WithLabelValues(e.provider, string(e.model)).Observe(duration.Seconds())
		if resp.Usage.TotalTokens > 0 {
			metrics.EmbeddingTokensTotal.WithLabelValues(e.provider, string(e.model)).
				Add(float64(resp.Usage.TotalTokens))
		}

		vec = resp.Data[0].Embedding
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vec, nil
}

// parseAPIError extracts a readable message and wraps it with
// domain.ErrEmbeddingProviderError. Client errors other than 429 are
// permanent: retrying the same input cannot succeed.
func parseAPIError(err error) error {
	wrap := domain.ErrEmbeddingProviderError

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		wrapped := fmt.Errorf("embedding API error %d: %s: %w",
			reqErr.HTTPStatusCode, detailOrBody(reqErr.Body), wrap)
		if isPermanentStatus(reqErr.HTTPStatusCode) {
			return retry.Permanent(wrapped)
		}
		return wrapped
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		wrapped := fmt.Errorf("embedding API error %d: %s: %w",
			apiErr.HTTPStatusCode, apiErr.Message, wrap)
		if isPermanentStatus(apiErr.HTTPStatusCode) {
			return retry.Permanent(wrapped)
		}
		return wrapped
	}

	return fmt.Errorf("embedding request failed: %w: %w", wrap, err)
}

func isPermanentStatus(status int) bool {
	return status >= 400 && status < 500 && status != http.StatusTooManyRequests
}

// detailOrBody extracts the "detail" field from a JSON error body, falling
// back to the raw body.
func detailOrBody(body []byte) string {
	var parsed struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Detail != "" {
		return parsed.Detail
	}
	return string(body)
}
