package syncq

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/civica-dev/legisearch/internal/domain"
)

// DefaultPollInterval is the change-feed polling period.
const DefaultPollInterval = 15 * time.Second

// ChangeFeed lists structured-store writes since a point in time.
type ChangeFeed interface {
	ChangedSince(ctx context.Context, since time.Time) ([]domain.ChangeNotice, error)
}

// Enqueuer accepts write notifications.
type Enqueuer interface {
	Enqueue(ctx context.Context, entityID string, version int64) error
}

// Poller feeds the sync queue from the structured store's change feed.
// It is the fallback for deployments without webhook delivery.
type Poller struct {
	feed     ChangeFeed
	queue    Enqueuer
	interval time.Duration
	logger   *zap.Logger

	since time.Time
}

// NewPoller creates a change-feed poller; a non-positive interval falls
// back to the default.
func NewPoller(feed ChangeFeed, queue Enqueuer, interval time.Duration, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		feed:     feed,
		queue:    queue,
		interval: interval,
		logger:   logger,
		since:    time.Now(),
	}
}

// Run polls until the context is cancelled. Feed errors are logged and
// retried on the next tick; the watermark only advances after a
// successful poll so no change is skipped.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	pollStart := time.Now()

	notices, err := p.feed.ChangedSince(ctx, p.since)
	if err != nil {
		p.logger.Warn("Change feed poll failed", zap.Error(err))
		return
	}

	for _, n := range notices {
		if err := p.queue.Enqueue(ctx, n.EntityID, n.Version); err != nil {
			p.logger.Warn("Failed to enqueue change notice",
				zap.String("entity_id", n.EntityID),
				zap.Int64("version", n.Version),
				zap.Error(err))
			return // retry the whole window next tick
		}
	}

	p.since = pollStart
	if len(notices) > 0 {
		p.logger.Info("Enqueued change notices", zap.Int("count", len(notices)))
	}
}
