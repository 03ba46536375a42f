// Package structured implements the HTTP client for the external
// structured store: keyword search, entity reads, and the change feed.
// Every upstream call goes through the shared rate limiter.
package structured

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/civica-dev/legisearch/internal/domain"
	"github.com/civica-dev/legisearch/internal/domain/query"
	"github.com/civica-dev/legisearch/internal/retry"
)

// DefaultTimeout bounds a single upstream HTTP call.
const DefaultTimeout = 10 * time.Second

// Permitter gates outbound calls and absorbs upstream throttling signals.
type Permitter interface {
	Acquire(ctx context.Context) error
	ReportThrottle()
}

// Client talks to the structured store's REST API with a bearer token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    Permitter
	policy     retry.Policy
	logger     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout sets the per-call HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(client *Client) {
		client.httpClient.Timeout = d
	}
}

// NewClient creates a structured store client. limiter is the single
// process-wide rate limiter instance; it is required.
func NewClient(
	baseURL, token string, limiter Permitter, policy retry.Policy,
	logger *zap.Logger, opts ...Option,
) *Client {
	c := &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: limiter,
		policy:  policy,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type searchResponse struct {
	Results []struct {
		EntityID string  `json:"entity_id"`
		Score    float64 `json:"score"`
		Date     int64   `json:"date"`
	} `json:"results"`
}

// Query runs a keyword/filter search. Each upstream attempt takes one
// limiter permit; transient failures are retried per the shared policy.
func (c *Client) Query(ctx context.Context, q *query.Query) ([]domain.Hit, error) {
	u, err := c.buildSearchURL(q)
	if err != nil {
		return nil, err
	}

	var resp searchResponse
	if err := c.policy.Do(ctx, "structured query", func(ctx context.Context) error {
		return c.call(ctx, u, &resp)
	}); err != nil {
		return nil, err
	}

	hits := make([]domain.Hit, 0, len(resp.Results))
	for _, r := range resp.Results {
		hits = append(hits, domain.Hit{EntityID: r.EntityID, Score: r.Score, Date: r.Date})
	}
	return hits, nil
}

type entityResponse struct {
	ID         string `json:"id"`
	TextFields []struct {
		Name string `json:"name"`
		Text string `json:"text"`
	} `json:"text_fields"`
	Metadata struct {
		Category string `json:"category"`
		Status   string `json:"status"`
		Date     int64  `json:"date"`
	} `json:"metadata"`
	Version int64 `json:"version"`
}

// GetEntity fetches the current state of one entity. A missing entity is
// domain.ErrEntityNotFound (permanent, never retried).
func (c *Client) GetEntity(ctx context.Context, entityID string) (*domain.Entity, error) {
	u, err := url.JoinPath(c.baseURL, "api", "v1", "entities", entityID)
	if err != nil {
		return nil, fmt.Errorf("build entity url: %w", err)
	}

	var resp entityResponse
	if err := c.policy.Do(ctx, "structured get entity", func(ctx context.Context) error {
		return c.call(ctx, u, &resp)
	}); err != nil {
		return nil, err
	}

	e := &domain.Entity{
		ID: resp.ID,
		Metadata: domain.Metadata{
			Category: resp.Metadata.Category,
			Status:   resp.Metadata.Status,
			Date:     resp.Metadata.Date,
		},
		Version: resp.Version,
	}
	for _, f := range resp.TextFields {
		e.TextFields = append(e.TextFields, domain.TextField{Name: f.Name, Text: f.Text})
	}
	return e, nil
}

type changesResponse struct {
	Changes []struct {
		EntityID string `json:"entity_id"`
		Version  int64  `json:"version"`
	} `json:"changes"`
}

// ChangedSince returns the entities written after the given time. Used by
// the polling fallback when webhooks are not available.
func (c *Client) ChangedSince(ctx context.Context, since time.Time) ([]domain.ChangeNotice, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	u = u.JoinPath("api", "v1", "entities", "changes")
	qs := u.Query()
	qs.Set("since", strconv.FormatInt(since.UnixMilli(), 10))
	u.RawQuery = qs.Encode()

	var resp changesResponse
	if err := c.policy.Do(ctx, "structured changed since", func(ctx context.Context) error {
		return c.call(ctx, u.String(), &resp)
	}); err != nil {
		return nil, err
	}

	notices := make([]domain.ChangeNotice, 0, len(resp.Changes))
	for _, ch := range resp.Changes {
		notices = append(notices, domain.ChangeNotice{EntityID: ch.EntityID, Version: ch.Version})
	}
	return notices, nil
}

func (c *Client) buildSearchURL(q *query.Query) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	u = u.JoinPath("api", "v1", "entities", "search")

	qs := u.Query()
	qs.Set("query", q.Text())
	f := q.Filters()
	if f.Category != "" {
		qs.Set("category", f.Category)
	}
	if f.Status != "" {
		qs.Set("status", f.Status)
	}
	if f.DateFrom > 0 {
		qs.Set("date_from", strconv.FormatInt(f.DateFrom, 10))
	}
	if f.DateTo > 0 {
		qs.Set("date_to", strconv.FormatInt(f.DateTo, 10))
	}
	qs.Set("page", strconv.Itoa(q.Page()))
	qs.Set("page_size", strconv.Itoa(q.PageSize()))
	u.RawQuery = qs.Encode()

	return u.String(), nil
}

// call performs one GET against the store: permit, request, classify.
func (c *Client) call(ctx context.Context, fullURL string, result any) error {
	if err := c.limiter.Acquire(ctx); err != nil {
		return retry.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %w", domain.ErrBackendUnavailable, err)
	}

	if err := c.classifyStatus(resp.StatusCode, body); err != nil {
		return err
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("%w: decode response: %w", domain.ErrBackendUnavailable, err)
		}
	}
	return nil
}

// classifyStatus maps an upstream status onto the engine error taxonomy.
// 429 feeds the limiter's adaptive backoff; 4xx are permanent.
func (c *Client) classifyStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		c.limiter.ReportThrottle()
		c.logger.Warn("Structured store throttled despite local limiting",
			zap.Int("status", status))
		return retry.Permanent(fmt.Errorf("%w: upstream 429", domain.ErrRateLimitExceeded))
	case status == http.StatusNotFound:
		return retry.Permanent(fmt.Errorf("%w: %s", domain.ErrEntityNotFound, truncate(body)))
	case status >= 400 && status < 500:
		return retry.Permanent(fmt.Errorf("%w: upstream %d: %s",
			domain.ErrInvalidQuery, status, truncate(body)))
	default:
		return fmt.Errorf("%w: upstream %d: %s", domain.ErrBackendUnavailable, status, truncate(body))
	}
}

func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", domain.ErrBackendTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return retry.Permanent(err)
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %w", domain.ErrBackendTimeout, err)
	}
	return fmt.Errorf("%w: %w", domain.ErrBackendUnavailable, err)
}

func truncate(body []byte) string {
	const maxLen = 200
	if len(body) > maxLen {
		return string(body[:maxLen]) + "..."
	}
	return string(body)
}
