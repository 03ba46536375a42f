package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/civica-dev/legisearch/internal/cache"
	"github.com/civica-dev/legisearch/internal/config"
	dbRedis "github.com/civica-dev/legisearch/internal/db/redis"
	"github.com/civica-dev/legisearch/internal/embed"
	logpkg "github.com/civica-dev/legisearch/internal/logger"
	"github.com/civica-dev/legisearch/internal/merge"
	"github.com/civica-dev/legisearch/internal/metrics"
	"github.com/civica-dev/legisearch/internal/ratelimit"
	"github.com/civica-dev/legisearch/internal/retry"
	"github.com/civica-dev/legisearch/internal/search"
	"github.com/civica-dev/legisearch/internal/structured"
	"github.com/civica-dev/legisearch/internal/syncq"
	chiTransport "github.com/civica-dev/legisearch/internal/transport/chi"
	"github.com/civica-dev/legisearch/internal/vector"
	"github.com/civica-dev/legisearch/internal/version"
)

func main() {
	// Load configuration based on ENV
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting legisearch engine",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.Strings("db_addrs", cfg.Database.Addrs),
		zap.String("structured_base_url", cfg.Structured.BaseURL),
	)

	store, err := dbRedis.NewStore(dbRedis.Config{
		Addrs:    cfg.Database.Addrs,
		Username: cfg.Database.Username,
		Password: cfg.Database.Password,
		DB:       cfg.Database.DB,
	})
	if err != nil {
		logger.Fatal("Failed to create database store", zap.Error(err))
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.WaitForReady(ctx, time.Duration(cfg.Database.ReadinessTimeout)*time.Second); err != nil {
		logger.Fatal("Database not ready", zap.Error(err))
	}
	logger.Info("Connected to database")

	// Register metrics explicitly (no init())
	metrics.RegisterEngineMetrics()

	policy := retry.Default()

	// Search-result cache, shared between the read path and the sync
	// worker's invalidation hook.
	resultCache, err := cache.New(cfg.Cache.MaxEntries, time.Duration(cfg.Cache.TTLSec)*time.Second)
	if err != nil {
		logger.Fatal("Failed to create result cache", zap.Error(err))
	}

	// Structured store client behind the single process-wide rate limiter.
	limiter := ratelimit.New(ratelimit.Config{
		Rate:       cfg.Structured.Rate.PerSec,
		Burst:      cfg.Structured.Rate.Burst,
		MaxWait:    time.Duration(cfg.Structured.Rate.MaxWaitSec) * time.Second,
		QueueBound: cfg.Structured.Rate.QueueBound,
		Cooldown:   time.Duration(cfg.Structured.Rate.CooldownSec) * time.Second,
	})
	structuredClient := structured.NewClient(
		cfg.Structured.BaseURL, cfg.Structured.APIToken, limiter, policy, logger,
		structured.WithTimeout(time.Duration(cfg.Structured.TimeoutSec)*time.Second),
	)
	keywordSearcher := structured.NewCachedSearcher(structuredClient, resultCache, logger)

	// Embedder chain: OpenAI -> Cached
	baseEmbedder := embed.NewOpenAIEmbedder(embed.Config{
		APIKey:     cfg.Embedding.APIKey,
		BaseURL:    cfg.Embedding.BaseURL,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
		Provider:   cfg.Embedding.Provider,
	}, policy, logger)
	embedder := embed.NewCachedEmbedder(baseEmbedder, store, cfg.Storage.KeyPrefix, logger)
	logger.Info("Embedder created",
		zap.String("provider", cfg.Embedding.Provider),
		zap.String("model", cfg.Embedding.Model),
		zap.Int("dimensions", cfg.Embedding.Dimensions),
	)

	vectorClient := vector.New(store, vector.Config{
		KeyPrefix:   cfg.Storage.KeyPrefix,
		IndexName:   cfg.Vector.IndexName,
		HNSWM:       cfg.Vector.HNSWM,
		HNSWEFConst: cfg.Vector.HNSWEFConstruct,
	}, policy, logger)
	if err := vectorClient.EnsureIndex(ctx, cfg.Embedding.Dimensions); err != nil {
		logger.Fatal("Failed to ensure vector index", zap.Error(err))
	}

	ranker := merge.New(merge.Weights{
		Keyword: cfg.Search.KeywordWeight,
		Vector:  cfg.Search.VectorWeight,
	})
	searchSvc := search.New(
		keywordSearcher, vectorClient, embedder, ranker,
		time.Duration(cfg.Search.TimeoutMs)*time.Millisecond,
	)

	// Sync pipeline: queue, worker pool, optional change-feed poller.
	queue := syncq.NewQueue(store, syncq.QueueConfig{
		KeyPrefix:     cfg.Storage.KeyPrefix,
		MaxAttempts:   cfg.Sync.MaxAttempts,
		BackoffBase:   time.Duration(cfg.Sync.BackoffBaseSec) * time.Second,
		DeadLetterCap: int64(cfg.Sync.DeadLetterCap),
	}, logger)
	worker := syncq.NewWorker(
		queue, structuredClient, embedder, vectorClient, resultCache,
		syncq.WorkerConfig{Workers: cfg.Sync.Workers}, logger,
	)

	runCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	go func() {
		if err := worker.Run(runCtx); err != nil {
			logger.Error("Sync worker pool stopped", zap.Error(err))
		}
	}()
	if cfg.Sync.PollEnabled {
		poller := syncq.NewPoller(
			structuredClient, queue,
			time.Duration(cfg.Sync.PollIntervalSec)*time.Second, logger,
		)
		go func() {
			if err := poller.Run(runCtx); err != nil && runCtx.Err() == nil {
				logger.Error("Change feed poller stopped", zap.Error(err))
			}
		}()
	}

	server := chiTransport.NewServer(searchSvc, queue, vectorClient, store, logger)

	r := chi.NewRouter()
	r.Use(jsonRecoverer(logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(wideEventMiddleware(logger))
	r.Use(chiTransport.BearerAuthMiddleware(cfg.Auth.APIKeys))
	r.Use(metrics.Middleware())
	server.Routes(r)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}
	stopWorkers()

	logger.Info("Server stopped gracefully")
}

// jsonRecoverer is a recovery middleware that returns JSON instead of a plain text stacktrace.
func jsonRecoverer(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rvr),
						zap.Stack("stacktrace"),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{
						"code":    "internal_error",
						"message": "internal error",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// wideEventMiddleware emits a canonical log line per request and propagates X-Request-ID.
func wideEventMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// chi.middleware.RequestID already placed request_id in context
			requestID := chiMiddleware.GetReqID(r.Context())
			if requestID != "" {
				w.Header().Set("X-Request-ID", requestID)
			}

			// Per-request logger with request_id
			reqLogger := logger.With(zap.String("request_id", requestID))
			ctx := logpkg.ContextWithLogger(r.Context(), reqLogger)

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			// Canonical log line — one line per request
			reqLogger.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", r.RemoteAddr),
				zap.Int64("content_length", r.ContentLength),
				zap.String("user_agent", r.UserAgent()),
				zap.Int("response_bytes", ww.BytesWritten()),
			)
		})
	}
}
