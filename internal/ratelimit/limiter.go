// Package ratelimit bounds outbound calls to the structured store with a
// token-bucket limiter, bounded queuing, and adaptive backoff on upstream
// throttling.
package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/civica-dev/legisearch/internal/domain"
	"github.com/civica-dev/legisearch/internal/metrics"
)

// Default limiter parameters, matching the external quota of 5 req/s.
const (
	DefaultRate       = 5.0
	DefaultBurst      = 5
	DefaultMaxWait    = 2 * time.Second
	DefaultQueueBound = 32
	DefaultCooldown   = 30 * time.Second
)

// Config holds limiter parameters.
type Config struct {
	Rate       float64       // sustained tokens per second
	Burst      int           // bucket capacity
	MaxWait    time.Duration // max time a caller blocks before failing fast
	QueueBound int           // max concurrent waiters
	Cooldown   time.Duration // adaptive-backoff penalty window after a 429
}

func (c *Config) applyDefaults() {
	if c.Rate <= 0 {
		c.Rate = DefaultRate
	}
	if c.Burst <= 0 {
		c.Burst = DefaultBurst
	}
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultMaxWait
	}
	if c.QueueBound <= 0 {
		c.QueueBound = DefaultQueueBound
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
}

// Limiter is a token bucket of Burst tokens where each spent token
// regenerates exactly Burst/Rate after it was spent. This bounds grants in
// any rolling Burst/Rate window by Burst (for the defaults: at most 5
// acquisitions in any rolling second), while still allowing the full burst
// up front.
//
// One Limiter instance is constructed at startup and passed explicitly to
// the structured store client; there is no package-level singleton.
type Limiter struct {
	cfg Config

	mu           sync.Mutex
	grants       []time.Time // grant times of currently live tokens, sorted
	waiters      int
	penaltyUntil time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a limiter; zero config fields fall back to defaults.
func New(cfg Config) *Limiter {
	cfg.applyDefaults()
	return &Limiter{
		cfg:   cfg,
		now:   time.Now,
		sleep: sleepFor,
	}
}

// Acquire blocks until a permit is available, up to MaxWait. It fails with
// domain.ErrRateLimitExceeded when the projected wait exceeds MaxWait or
// the waiter queue is full, and with the context error on cancellation.
func (l *Limiter) Acquire(ctx context.Context) error {
	now := l.now()

	l.mu.Lock()
	grantAt, err := l.reserveLocked(now)
	if err != nil {
		l.mu.Unlock()
		metrics.RateLimitRejectedTotal.Inc()
		return err
	}
	wait := grantAt.Sub(now)
	if wait > 0 {
		l.waiters++
	}
	l.mu.Unlock()

	if wait > 0 {
		err := l.sleep(ctx, wait)
		l.mu.Lock()
		l.waiters--
		if err != nil {
			l.dropGrantLocked(grantAt)
			l.mu.Unlock()
			metrics.RateLimitRejectedTotal.Inc()
			return fmt.Errorf("rate limiter wait: %w", err)
		}
		l.mu.Unlock()
	}

	metrics.RateLimitAcquiredTotal.Inc()
	metrics.RateLimitWaitSeconds.Observe(wait.Seconds())
	return nil
}

// ReportThrottle records an upstream 429 despite local limiting (clock
// skew, quota shared with other clients). The effective rate is halved
// until the cooldown window passes.
func (l *Limiter) ReportThrottle() {
	l.mu.Lock()
	l.penaltyUntil = l.now().Add(l.cfg.Cooldown)
	l.mu.Unlock()
	metrics.RateLimitThrottleTotal.Inc()
}

// reserveLocked grants a permit slot and returns the time it becomes
// usable. Callers hold l.mu.
func (l *Limiter) reserveLocked(now time.Time) (time.Time, error) {
	window := l.windowLocked(now)

	// Expire tokens whose regeneration interval has passed.
	live := l.grants[:0]
	for _, g := range l.grants {
		if now.Sub(g) < window {
			live = append(live, g)
		}
	}
	l.grants = live

	if len(l.grants) < l.cfg.Burst {
		l.insertGrantLocked(now)
		return now, nil
	}

	grantAt := l.grants[0].Add(window)
	wait := grantAt.Sub(now)
	if wait > l.cfg.MaxWait {
		return time.Time{}, fmt.Errorf("%w: projected wait %s exceeds max %s",
			domain.ErrRateLimitExceeded, wait.Round(time.Millisecond), l.cfg.MaxWait)
	}
	if l.waiters >= l.cfg.QueueBound {
		return time.Time{}, fmt.Errorf("%w: %d callers already queued",
			domain.ErrRateLimitExceeded, l.waiters)
	}

	l.grants = l.grants[1:]
	l.insertGrantLocked(grantAt)
	return grantAt, nil
}

// windowLocked returns the regeneration interval, doubled while the
// adaptive-backoff penalty is active (half the effective rate).
func (l *Limiter) windowLocked(now time.Time) time.Duration {
	window := time.Duration(float64(l.cfg.Burst) / l.cfg.Rate * float64(time.Second))
	if now.Before(l.penaltyUntil) {
		window *= 2
	}
	return window
}

func (l *Limiter) insertGrantLocked(t time.Time) {
	l.grants = append(l.grants, t)
	sort.Slice(l.grants, func(i, j int) bool { return l.grants[i].Before(l.grants[j]) })
}

// dropGrantLocked returns a reserved slot after a cancelled wait.
func (l *Limiter) dropGrantLocked(grantAt time.Time) {
	for i, g := range l.grants {
		if g.Equal(grantAt) {
			l.grants = append(l.grants[:i], l.grants[i+1:]...)
			return
		}
	}
}

func sleepFor(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
