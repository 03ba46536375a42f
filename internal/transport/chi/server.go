// Package chi implements the HTTP API: the search endpoint, the write
// notification webhook, and the operator surface for dead-lettered sync
// jobs.
package chi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/civica-dev/legisearch/internal/domain"
	"github.com/civica-dev/legisearch/internal/domain/query"
	"github.com/civica-dev/legisearch/internal/search"
)

// Error codes returned to clients.
const (
	codeBadRequest        = "bad_request"
	codeInvalidQuery      = "invalid_query"
	codeRateLimited       = "rate_limited"
	codeSearchUnavailable = "search_unavailable"
	codeInternalError     = "internal_error"
)

// SearchService runs hybrid searches.
type SearchService interface {
	Search(ctx context.Context, q *query.Query) (*search.Response, error)
}

// SyncAdmin is the sync queue surface exposed over HTTP.
type SyncAdmin interface {
	Enqueue(ctx context.Context, entityID string, version int64) error
	DeadLetters(ctx context.Context, limit int64) ([]domain.DeadLetter, error)
	Depth(ctx context.Context) (int64, error)
}

// VersionReader reports the structured-store version a vector record was
// generated from.
type VersionReader interface {
	SourceVersion(ctx context.Context, entityID string) (int64, error)
}

// Pinger checks store connectivity for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error, msg string) bool

// Server implements the HTTP API.
type Server struct {
	search        SearchService
	sync          SyncAdmin
	versions      VersionReader
	db            Pinger
	logger        *zap.Logger
	errorHandlers []errorHandler
}

// NewServer creates an HTTP API server.
func NewServer(searchSvc SearchService, sync SyncAdmin, versions VersionReader, db Pinger, logger *zap.Logger) *Server {
	s := &Server{
		search:   searchSvc,
		sync:     sync,
		versions: versions,
		db:       db,
		logger:   logger,
	}
	s.errorHandlers = []errorHandler{
		sentinelHandler(domain.ErrInvalidQuery, http.StatusBadRequest, codeInvalidQuery),
		sentinelHandler(domain.ErrRateLimitExceeded, http.StatusTooManyRequests, codeRateLimited),
		sentinelHandler(domain.ErrSearchUnavailable, http.StatusServiceUnavailable, codeSearchUnavailable),
		sentinelHandler(domain.ErrEmbeddingProviderError, http.StatusBadGateway, codeSearchUnavailable),
	}
	return s
}

// Routes mounts the API on the router.
func (s *Server) Routes(r chi.Router) {
	r.Post("/api/v1/search", s.SearchEntities)
	r.Post("/api/v1/notifications", s.NotifyChange)
	r.Get("/api/v1/sync/dead-letters", s.ListDeadLetters)
	r.Get("/health", s.HealthCheck)
	r.Get("/metrics", s.Metrics)
}

type searchFilters struct {
	Category string `json:"category,omitempty"`
	Status   string `json:"status,omitempty"`
	DateFrom int64  `json:"date_from,omitempty"`
	DateTo   int64  `json:"date_to,omitempty"`
}

type searchRequest struct {
	Query    string        `json:"query"`
	Filters  searchFilters `json:"filters"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
}

type searchResultItem struct {
	EntityID      string  `json:"entity_id"`
	CombinedScore float64 `json:"combined_score"`
	Source        string  `json:"source"`
}

type searchResponse struct {
	Results         []searchResultItem `json:"results"`
	Degraded        bool               `json:"degraded"`
	DegradedBackend string             `json:"degraded_backend,omitempty"`
}

// SearchEntities handles POST /api/v1/search.
func (s *Server) SearchEntities(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request body: "+err.Error())
		return
	}

	q, err := query.New(req.Query, query.Filters{
		Category: req.Filters.Category,
		Status:   req.Filters.Status,
		DateFrom: req.Filters.DateFrom,
		DateTo:   req.Filters.DateTo,
	}, req.Page, req.PageSize)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	result, err := s.search.Search(r.Context(), &q)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	items := make([]searchResultItem, len(result.Results))
	for i, res := range result.Results {
		items[i] = searchResultItem{
			EntityID:      res.EntityID,
			CombinedScore: res.Score,
			Source:        string(res.Source),
		}
	}

	writeJSON(w, http.StatusOK, searchResponse{
		Results:         items,
		Degraded:        result.Degraded,
		DegradedBackend: result.DegradedBackend,
	})
}

type changeNotification struct {
	EntityID string `json:"entity_id"`
	Version  int64  `json:"version"`
}

type notificationResponse struct {
	Status string `json:"status"`
}

// NotifyChange handles POST /api/v1/notifications: the structured store's
// write webhook. A version at or below the already-synced vector record is
// a no-op, not an error.
func (s *Server) NotifyChange(w http.ResponseWriter, r *http.Request) {
	var req changeNotification
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.EntityID == "" || req.Version <= 0 {
		writeError(w, http.StatusBadRequest, codeBadRequest, "entity_id and a positive version are required")
		return
	}

	synced, err := s.versions.SourceVersion(r.Context(), req.EntityID)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	if req.Version <= synced {
		writeJSON(w, http.StatusOK, notificationResponse{Status: "stale"})
		return
	}

	if err := s.sync.Enqueue(r.Context(), req.EntityID, req.Version); err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, notificationResponse{Status: "queued"})
}

type deadLetterItem struct {
	EntityID         string `json:"entity_id"`
	RequestedVersion int64  `json:"requested_version"`
	Attempts         int    `json:"attempts"`
	LastError        string `json:"last_error"`
	FailedAt         int64  `json:"failed_at"`
}

type deadLettersResponse struct {
	Items []deadLetterItem `json:"items"`
}

// ListDeadLetters handles GET /api/v1/sync/dead-letters.
func (s *Server) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := s.sync.DeadLetters(r.Context(), 100)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	items := make([]deadLetterItem, len(letters))
	for i, dl := range letters {
		items[i] = deadLetterItem{
			EntityID:         dl.EntityID,
			RequestedVersion: dl.RequestedVersion,
			Attempts:         dl.Attempts,
			LastError:        dl.LastError,
			FailedAt:         dl.FailedAt,
		}
	}
	writeJSON(w, http.StatusOK, deadLettersResponse{Items: items})
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
	Queue  int64             `json:"sync_queue_depth"`
}

// HealthCheck handles GET /health.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy", Checks: map[string]string{"db": "ok"}}
	httpStatus := http.StatusOK

	if err := s.db.Ping(r.Context()); err != nil {
		resp.Status = "unhealthy"
		resp.Checks["db"] = "unreachable"
		httpStatus = http.StatusServiceUnavailable
	}

	if depth, err := s.sync.Depth(r.Context()); err == nil {
		resp.Queue = depth
	}

	writeJSON(w, httpStatus, resp)
}

// Metrics handles GET /metrics.
func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

// safeDomainMessage returns a sentinel error message for the client
// without exposing internals.
func safeDomainMessage(err error) string {
	sentinels := []error{
		domain.ErrInvalidQuery,
		domain.ErrRateLimitExceeded,
		domain.ErrSearchUnavailable,
		domain.ErrEmbeddingProviderError,
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "internal error"
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code string) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, msg)
		return true
	}
}

func (s *Server) handleDomainError(w http.ResponseWriter, err error) {
	s.logger.Warn("domain error", zap.Error(err))
	msg := safeDomainMessage(err)
	for _, h := range s.errorHandlers {
		if h(w, err, msg) {
			return
		}
	}
	s.logger.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
}
