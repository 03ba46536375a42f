// Package syncq implements the durable sync queue and its worker pool:
// structured-store writes are reconciled into the vector store through a
// pending set with atomic claims, retry backoff, and dead-lettering.
package syncq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/civica-dev/legisearch/internal/db"
	"github.com/civica-dev/legisearch/internal/domain"
	"github.com/civica-dev/legisearch/internal/metrics"
)

// Queue defaults.
const (
	DefaultMaxAttempts   = 5
	DefaultBackoffBase   = 2 * time.Second
	DefaultDeadLetterCap = 1000
)

// queueStore is the consumer interface for the queue (ISP).
type queueStore interface {
	db.HashStore
	db.SortedSetStore
	db.ListStore
}

// QueueConfig holds queue settings.
type QueueConfig struct {
	KeyPrefix     string // default "legisearch:"
	MaxAttempts   int
	BackoffBase   time.Duration
	DeadLetterCap int64
}

// Queue is the durable sync queue. Jobs are keyed by entity: one pending
// entry per entity, a newer requested version supersedes an older one.
// Claims are exactly-once: only the caller whose ZREM removes the pending
// member owns the job.
type Queue struct {
	store         queueStore
	prefix        string
	maxAttempts   int
	backoffBase   time.Duration
	deadLetterCap int64
	logger        *zap.Logger

	now func() time.Time
}

// NewQueue creates a queue; zero config fields fall back to defaults.
func NewQueue(s queueStore, cfg QueueConfig, logger *zap.Logger) *Queue {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "legisearch:"
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	backoffBase := cfg.BackoffBase
	if backoffBase <= 0 {
		backoffBase = DefaultBackoffBase
	}
	deadLetterCap := cfg.DeadLetterCap
	if deadLetterCap <= 0 {
		deadLetterCap = DefaultDeadLetterCap
	}
	return &Queue{
		store:         s,
		prefix:        prefix,
		maxAttempts:   maxAttempts,
		backoffBase:   backoffBase,
		deadLetterCap: deadLetterCap,
		logger:        logger,
		now:           time.Now,
	}
}

func (q *Queue) jobKey(entityID string) string { return q.prefix + "sync:job:" + entityID }
func (q *Queue) pendingKey() string            { return q.prefix + "sync:pending" }
func (q *Queue) deadLetterKey() string         { return q.prefix + "sync:dead" }

// Enqueue records a write notification. Stale notifications (version at
// or below the already requested or completed version) are dropped; a
// newer version supersedes the entity's existing job and keeps a single
// pending entry.
func (q *Queue) Enqueue(ctx context.Context, entityID string, version int64) error {
	key := q.jobKey(entityID)

	existing, err := q.store.HGetAll(ctx, key)
	if err != nil {
		return fmt.Errorf("read sync job: %w", err)
	}
	if len(existing) > 0 {
		prevVersion, _ := strconv.ParseInt(existing["version"], 10, 64)
		if version <= prevVersion {
			q.logger.Debug("Dropping stale sync notification",
				zap.String("entity_id", entityID),
				zap.Int64("version", version),
				zap.Int64("requested", prevVersion))
			return nil
		}
		status := domain.JobStatus(existing["status"])
		if status == domain.JobPending || status == domain.JobInProgress {
			metrics.SyncJobsTotal.WithLabelValues("superseded").Inc()
		}
	}

	fields := map[string]string{
		"version":    strconv.FormatInt(version, 10),
		"attempts":   "0",
		"status":     string(domain.JobPending),
		"last_error": "",
		"updated_at": strconv.FormatInt(q.now().UnixMilli(), 10),
	}
	if err := q.store.HSet(ctx, key, fields); err != nil {
		return fmt.Errorf("write sync job: %w", err)
	}

	// Member uniqueness keeps one pending entry per entity; re-adding a
	// superseded job just resets its ready-at score.
	if err := q.store.ZAdd(ctx, q.pendingKey(), entityID, float64(q.now().UnixMilli())); err != nil {
		return fmt.Errorf("enqueue sync job: %w", err)
	}
	return nil
}

// Claim pops one ready job, or nil when none is due. The ZREM winner owns
// the job; losers move on to the next candidate.
func (q *Queue) Claim(ctx context.Context) (*domain.SyncJob, error) {
	const batch = 8

	ready, err := q.store.ZRangeByScore(ctx, q.pendingKey(), float64(q.now().UnixMilli()), batch)
	if err != nil {
		return nil, fmt.Errorf("list ready jobs: %w", err)
	}

	for _, entityID := range ready {
		won, err := q.store.ZRem(ctx, q.pendingKey(), entityID)
		if err != nil {
			return nil, fmt.Errorf("claim sync job: %w", err)
		}
		if !won {
			continue // another worker claimed it first
		}

		fields, err := q.store.HGetAll(ctx, q.jobKey(entityID))
		if err != nil {
			return nil, fmt.Errorf("read claimed job: %w", err)
		}
		job := jobFromFields(entityID, fields)
		job.Status = domain.JobInProgress

		if err := q.store.HSet(ctx, q.jobKey(entityID), map[string]string{
			"status":     string(domain.JobInProgress),
			"updated_at": strconv.FormatInt(q.now().UnixMilli(), 10),
		}); err != nil {
			return nil, fmt.Errorf("mark job in progress: %w", err)
		}
		return job, nil
	}
	return nil, nil
}

// Complete marks a job done. If the entity was superseded while the job
// ran, the newer pending entry is left untouched and the stored version
// is not clobbered.
func (q *Queue) Complete(ctx context.Context, job *domain.SyncJob) error {
	key := q.jobKey(job.EntityID)

	current, err := q.store.HGet(ctx, key, "version")
	if err != nil && !errors.Is(err, db.ErrKeyNotFound) {
		return fmt.Errorf("read job version: %w", err)
	}
	if v, _ := strconv.ParseInt(current, 10, 64); v > job.RequestedVersion {
		q.logger.Debug("Job superseded during processing, leaving newer job queued",
			zap.String("entity_id", job.EntityID),
			zap.Int64("completed", job.RequestedVersion),
			zap.Int64("queued", v))
		metrics.SyncJobsTotal.WithLabelValues("completed").Inc()
		return nil
	}

	if err := q.store.HSet(ctx, key, map[string]string{
		"status":     string(domain.JobCompleted),
		"last_error": "",
		"updated_at": strconv.FormatInt(q.now().UnixMilli(), 10),
	}); err != nil {
		return fmt.Errorf("complete sync job: %w", err)
	}
	metrics.SyncJobsTotal.WithLabelValues("completed").Inc()
	return nil
}

// Fail records a retryable failure: the job returns to pending with
// exponential backoff, until the attempt budget is exhausted and it is
// dead-lettered.
func (q *Queue) Fail(ctx context.Context, job *domain.SyncJob, cause error) error {
	job.Attempts++
	job.LastError = cause.Error()

	if job.Attempts >= q.maxAttempts {
		return q.DeadLetter(ctx, job, cause)
	}

	delay := q.backoffBase * (1 << (job.Attempts - 1))
	readyAt := q.now().Add(delay)

	if err := q.store.HSet(ctx, q.jobKey(job.EntityID), map[string]string{
		"attempts":   strconv.Itoa(job.Attempts),
		"status":     string(domain.JobPending),
		"last_error": job.LastError,
		"updated_at": strconv.FormatInt(q.now().UnixMilli(), 10),
	}); err != nil {
		return fmt.Errorf("record job failure: %w", err)
	}
	if err := q.store.ZAdd(ctx, q.pendingKey(), job.EntityID, float64(readyAt.UnixMilli())); err != nil {
		return fmt.Errorf("requeue sync job: %w", err)
	}

	metrics.SyncJobsTotal.WithLabelValues("retried").Inc()
	q.logger.Warn("Sync job failed, requeued with backoff",
		zap.String("entity_id", job.EntityID),
		zap.Int("attempts", job.Attempts),
		zap.Duration("backoff", delay),
		zap.Error(cause))
	return nil
}

// DeadLetter moves a job to the operator-visible dead-letter list. The
// job is never retried automatically again.
func (q *Queue) DeadLetter(ctx context.Context, job *domain.SyncJob, cause error) error {
	job.Status = domain.JobDeadLettered
	job.LastError = cause.Error()

	if err := q.store.HSet(ctx, q.jobKey(job.EntityID), map[string]string{
		"status":     string(domain.JobDeadLettered),
		"attempts":   strconv.Itoa(job.Attempts),
		"last_error": job.LastError,
		"updated_at": strconv.FormatInt(q.now().UnixMilli(), 10),
	}); err != nil {
		return fmt.Errorf("mark job dead-lettered: %w", err)
	}

	dl := domain.DeadLetter{
		EntityID:         job.EntityID,
		RequestedVersion: job.RequestedVersion,
		Attempts:         job.Attempts,
		LastError:        job.LastError,
		FailedAt:         q.now().UnixMilli(),
	}
	payload, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := q.store.LPush(ctx, q.deadLetterKey(), payload); err != nil {
		return fmt.Errorf("push dead letter: %w", err)
	}
	if err := q.store.LTrim(ctx, q.deadLetterKey(), 0, q.deadLetterCap-1); err != nil {
		q.logger.Warn("Failed to trim dead-letter list", zap.Error(err))
	}

	metrics.SyncJobsTotal.WithLabelValues("dead_lettered").Inc()
	q.logger.Error("Sync job dead-lettered",
		zap.String("entity_id", job.EntityID),
		zap.Int64("requested_version", job.RequestedVersion),
		zap.Int("attempts", job.Attempts),
		zap.Error(cause))
	return nil
}

// DeadLetters returns the most recent dead-lettered jobs, newest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int64) ([]domain.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := q.store.LRange(ctx, q.deadLetterKey(), 0, limit-1)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}

	letters := make([]domain.DeadLetter, 0, len(raw))
	for _, b := range raw {
		var dl domain.DeadLetter
		if err := json.Unmarshal(b, &dl); err != nil {
			q.logger.Warn("Skipping malformed dead letter", zap.Error(err))
			continue
		}
		letters = append(letters, dl)
	}
	return letters, nil
}

// Depth returns the number of pending jobs.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.store.ZCard(ctx, q.pendingKey())
}

func jobFromFields(entityID string, fields map[string]string) *domain.SyncJob {
	version, _ := strconv.ParseInt(fields["version"], 10, 64)
	attempts, _ := strconv.Atoi(fields["attempts"])
	return &domain.SyncJob{
		EntityID:         entityID,
		RequestedVersion: version,
		Attempts:         attempts,
		Status:           domain.JobStatus(fields["status"]),
		LastError:        fields["last_error"],
	}
}
