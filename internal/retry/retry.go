// Package retry implements the shared retry/backoff policy used by the
// structured store, vector store, and embedding provider clients.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Default policy parameters.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 200 * time.Millisecond
	DefaultFactor      = 2.0
	DefaultJitter      = 0.2
)

// Policy describes an exponential backoff schedule with jitter.
// The zero value is not usable; construct with Default or fill all fields.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	Jitter      float64 // fraction of the delay, e.g. 0.2 for ±20%
}

// Default returns the standard policy: 3 attempts, 200ms base, factor 2,
// ±20% jitter.
func Default() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		Factor:      DefaultFactor,
		Jitter:      DefaultJitter,
	}
}

// permanentError marks an error that must not be retried.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps an error so Do stops retrying immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err carries the Permanent marker.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Do runs fn up to MaxAttempts times, sleeping between attempts per the
// backoff schedule. Permanent-marked errors and context cancellation stop
// the loop immediately. The returned error is the last attempt's error
// (unwrapped from the Permanent marker) annotated with op.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := p.sleep(ctx, attempt); err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		var pe *permanentError
		if errors.As(err, &pe) {
			return fmt.Errorf("%s: %w", op, pe.err)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
		lastErr = err
	}

	return fmt.Errorf("%s: attempts exhausted: %w", op, lastErr)
}

// Delay returns the backoff delay before the given 1-based retry attempt,
// with jitter applied.
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Factor
	}
	if p.Jitter > 0 {
		// uniform in [1-jitter, 1+jitter]
		d *= 1 + p.Jitter*(2*rand.Float64()-1)
	}
	return time.Duration(d)
}

func (p Policy) sleep(ctx context.Context, attempt int) error {
	t := time.NewTimer(p.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
