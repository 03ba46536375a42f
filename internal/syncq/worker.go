package syncq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/civica-dev/legisearch/internal/domain"
	"github.com/civica-dev/legisearch/internal/embed"
	"github.com/civica-dev/legisearch/internal/metrics"
)

// Worker defaults.
const (
	DefaultWorkers       = 4
	DefaultIdleInterval  = time.Second
	DefaultDepthInterval = 10 * time.Second
)

// EntityFetcher reads the current entity state from the structured store.
type EntityFetcher interface {
	GetEntity(ctx context.Context, entityID string) (*domain.Entity, error)
}

// VectorWriter is the vector store surface the worker needs.
type VectorWriter interface {
	Upsert(ctx context.Context, entityID string, embedding []float32, meta domain.Metadata, sourceVersion int64) error
	SourceVersion(ctx context.Context, entityID string) (int64, error)
}

// Invalidator drops cached search results that reference an entity.
type Invalidator interface {
	Invalidate(entityID string) int
}

// WorkerConfig holds worker pool settings.
type WorkerConfig struct {
	Workers       int
	IdleInterval  time.Duration // sleep when the queue is empty
	DepthInterval time.Duration // queue-depth gauge refresh period
}

// Worker is the reconciliation pool: it claims pending jobs, regenerates
// embeddings, and upserts them into the vector store. Sync failures never
// touch the search path.
type Worker struct {
	queue    *Queue
	entities EntityFetcher
	embedder embed.Embedder
	vectors  VectorWriter
	cache    Invalidator
	cfg      WorkerConfig
	logger   *zap.Logger
}

// NewWorker creates the worker pool; zero config fields fall back to
// defaults.
func NewWorker(
	queue *Queue, entities EntityFetcher, embedder embed.Embedder,
	vectors VectorWriter, cache Invalidator, cfg WorkerConfig, logger *zap.Logger,
) *Worker {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = DefaultIdleInterval
	}
	if cfg.DepthInterval <= 0 {
		cfg.DepthInterval = DefaultDepthInterval
	}
	return &Worker{
		queue:    queue,
		entities: entities,
		embedder: embedder,
		vectors:  vectors,
		cache:    cache,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run starts the pool and blocks until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < w.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			return w.loop(ctx, id)
		})
	}
	g.Go(func() error {
		return w.depthLoop(ctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) loop(ctx context.Context, id int) error {
	log := w.logger.With(zap.Int("worker", id))
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		job, err := w.queue.Claim(ctx)
		if err != nil {
			log.Warn("Failed to claim sync job", zap.Error(err))
			if sleepErr := sleepCtx(ctx, w.cfg.IdleInterval); sleepErr != nil {
				return sleepErr
			}
			continue
		}
		if job == nil {
			if sleepErr := sleepCtx(ctx, w.cfg.IdleInterval); sleepErr != nil {
				return sleepErr
			}
			continue
		}

		w.process(ctx, log, job)
	}
}

// process runs one claimed job through fetch, embed, upsert, and cache
// invalidation. Permanent failures dead-letter immediately; transient
// ones go back through Fail with backoff.
func (w *Worker) process(ctx context.Context, log *zap.Logger, job *domain.SyncJob) {
	start := time.Now()

	entity, err := w.entities.GetEntity(ctx, job.EntityID)
	if err != nil {
		if errors.Is(err, domain.ErrEntityNotFound) {
			w.fatal(ctx, log, job, fmt.Errorf("%w: %w", domain.ErrSyncPermanentFailure, err))
			return
		}
		w.retry(ctx, log, job, err)
		return
	}

	// The fetched version drives the upsert: source_version must never
	// run ahead of what the structured store actually returned.
	synced, err := w.vectors.SourceVersion(ctx, job.EntityID)
	if err != nil {
		w.retry(ctx, log, job, err)
		return
	}
	if synced >= entity.Version {
		log.Debug("Vector record already current, skipping",
			zap.String("entity_id", job.EntityID),
			zap.Int64("synced", synced),
			zap.Int64("entity_version", entity.Version))
		w.complete(ctx, log, job, start, false)
		return
	}

	input := entity.EmbeddingInput()
	if input == "" {
		w.fatal(ctx, log, job,
			fmt.Errorf("%w: entity %s has no text fields", domain.ErrSyncPermanentFailure, job.EntityID))
		return
	}

	vec, err := w.embedder.Embed(ctx, input)
	if err != nil {
		w.retry(ctx, log, job, err)
		return
	}

	if err := w.vectors.Upsert(ctx, job.EntityID, vec, entity.Metadata, entity.Version); err != nil {
		w.retry(ctx, log, job, err)
		return
	}

	w.complete(ctx, log, job, start, true)
}

func (w *Worker) complete(
	ctx context.Context, log *zap.Logger, job *domain.SyncJob, start time.Time, upserted bool,
) {
	if err := w.queue.Complete(ctx, job); err != nil {
		log.Warn("Failed to mark sync job completed",
			zap.String("entity_id", job.EntityID), zap.Error(err))
		return
	}
	if upserted {
		// Cached keyword results referencing this entity are now stale.
		removed := w.cache.Invalidate(job.EntityID)
		if removed > 0 {
			log.Debug("Invalidated cached results",
				zap.String("entity_id", job.EntityID), zap.Int("entries", removed))
		}
	}
	metrics.SyncJobDuration.Observe(time.Since(start).Seconds())
}

func (w *Worker) retry(ctx context.Context, log *zap.Logger, job *domain.SyncJob, cause error) {
	if err := w.queue.Fail(ctx, job, cause); err != nil {
		log.Error("Failed to requeue sync job",
			zap.String("entity_id", job.EntityID), zap.Error(err))
	}
}

func (w *Worker) fatal(ctx context.Context, log *zap.Logger, job *domain.SyncJob, cause error) {
	if err := w.queue.DeadLetter(ctx, job, cause); err != nil {
		log.Error("Failed to dead-letter sync job",
			zap.String("entity_id", job.EntityID), zap.Error(err))
	}
}

// depthLoop refreshes the queue-depth gauge.
func (w *Worker) depthLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.DepthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			depth, err := w.queue.Depth(ctx)
			if err != nil {
				w.logger.Warn("Failed to read sync queue depth", zap.Error(err))
				continue
			}
			metrics.SyncQueueDepth.Set(float64(depth))
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
